package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gpos/backend/internal/cache"
	"gpos/backend/internal/domain"
	"gpos/backend/internal/events"
	"gpos/backend/internal/metrics"
	"gpos/backend/internal/oauthproxy"
	"gpos/backend/internal/store"
	"gpos/backend/internal/store/memory"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	svc      *Service
	repo     *memory.Store
	recorder *events.Recorder
	sms      *recordingGateway
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	repo := memory.NewSeeded()
	recorder := &events.Recorder{}
	sms := &recordingGateway{}
	if opts.Events == nil {
		opts.Events = recorder
	}
	if opts.Messaging == nil {
		opts.Messaging = sms
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	opts.Clock = func() time.Time { return fixedNow }
	return testEnv{svc: New(repo, opts), repo: repo, recorder: recorder, sms: sms}
}

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", raw, err)
	}
	return d
}

type recordingGateway struct {
	mu       sync.Mutex
	messages []string
	fail     error
}

func (g *recordingGateway) Send(_ context.Context, _ string, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.messages = append(g.messages, text)
	return nil
}

func (g *recordingGateway) lastCode(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.messages) == 0 {
		t.Fatalf("no message was sent")
	}
	fields := strings.Fields(g.messages[len(g.messages)-1])
	return fields[len(fields)-1]
}

type brokenCache struct{}

func (brokenCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func (brokenCache) Del(context.Context, string) error { return nil }

func (brokenCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func saleRequest(mobile string) domain.InvoiceCreateRequest {
	return domain.InvoiceCreateRequest{
		CustomerName: "Ahmed Salem",
		POSProfile:   "Main POS",
		Items: []domain.InvoiceLineRequest{
			{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(2)},
			{ItemCode: "SNK-DATES-01", Quantity: decimal.NewFromInt(1)},
		},
		LoyaltyMobile: mobile,
	}
}

func TestCreateInvoiceComputesTotalsAndDefaultPayment(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := saleRequest("")
	req.DiscountAmount = decimal.NewFromInt(8)

	resp, err := env.svc.CreateInvoice(context.Background(), req)
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	inv := resp.Invoice
	if !inv.Total.Equal(dec(t, "68")) || !inv.NetTotal.Equal(dec(t, "60")) {
		t.Fatalf("unexpected totals total=%s net=%s", inv.Total, inv.NetTotal)
	}
	if !inv.TaxAmount.Equal(dec(t, "9")) || !inv.GrandTotal.Equal(dec(t, "69")) {
		t.Fatalf("unexpected tax=%s grand=%s", inv.TaxAmount, inv.GrandTotal)
	}
	if len(inv.Payments) != 1 || inv.Payments[0].ModeOfPayment != "Cash SAR" || !inv.Payments[0].Amount.Equal(inv.GrandTotal) {
		t.Fatalf("expected a single default Cash SAR payment, got %+v", inv.Payments)
	}
	if !inv.PostingDate.Equal(fixedNow) {
		t.Fatalf("expected posting date %s, got %s", fixedNow, inv.PostingDate)
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	_, err := env.svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{CustomerName: "Ahmed Salem"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty items, got %v", err)
	}

	req := saleRequest("")
	req.CustomerName = "Nobody"
	_, err = env.svc.CreateInvoice(ctx, req)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown customer, got %v", err)
	}

	req = saleRequest("")
	req.Items = []domain.InvoiceLineRequest{{ItemCode: "NOPE", Quantity: decimal.NewFromInt(1)}}
	_, err = env.svc.CreateInvoice(ctx, req)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown item, got %v", err)
	}
}

func TestSaleLoyaltyRecordsEarnedPoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, err := env.svc.CreateInvoice(context.Background(), saleRequest("0555"))
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	result := resp.Loyalty
	if result == nil || result.Status != domain.LoyaltyStatusSuccess {
		t.Fatalf("expected loyalty success, got %+v", result)
	}
	// coffee 50.00 at 5% plus dates 18.00 at the 2% fallback
	if !result.EarnedPoints.Equal(dec(t, "2.86")) {
		t.Fatalf("expected 2.86 earned, got %s", result.EarnedPoints)
	}
	if result.Entry == nil || result.Entry.InvoiceID != resp.Invoice.ID || result.Entry.LoyaltyPoint == nil {
		t.Fatalf("expected entry tied to invoice, got %+v", result.Entry)
	}
	if result.Entry.RedeemAgainst != "" {
		t.Fatalf("expected no redeem_against on an earning entry")
	}
	wantExpiry := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	if result.Entry.ExpiryDate == nil || !result.Entry.ExpiryDate.Equal(wantExpiry) {
		t.Fatalf("expected expiry %s, got %v", wantExpiry, result.Entry.ExpiryDate)
	}

	types := env.recorder.Types()
	if len(types) != 2 || types[0] != domain.EventInvoiceCreated || types[1] != domain.EventLoyaltyRecorded {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestSaleLoyaltyWithoutMobileWritesNothing(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, err := env.svc.CreateInvoice(context.Background(), saleRequest(""))
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	if resp.Loyalty == nil || resp.Loyalty.Message != msgNoMobile {
		t.Fatalf("expected no-mobile message, got %+v", resp.Loyalty)
	}
	if !resp.Loyalty.EarnedPoints.IsZero() || !resp.Loyalty.RedeemedPoints.IsZero() {
		t.Fatalf("expected zero points to be reported")
	}
	entries, _ := env.repo.ListLoyaltyEntriesByInvoice(context.Background(), resp.Invoice.ID)
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entry, got %d", len(entries))
	}
}

func TestSaleLoyaltyRedemptionWalk(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	first, err := env.svc.CreateInvoice(ctx, saleRequest("0555"))
	if err != nil {
		t.Fatalf("first invoice failed: %v", err)
	}

	req := domain.InvoiceCreateRequest{
		CustomerName: "Ahmed Salem",
		POSProfile:   "Kiosk POS",
		Items:        []domain.InvoiceLineRequest{{ItemCode: "SNK-CHIPS-01", Quantity: decimal.NewFromInt(4)}},
		Payments: []domain.InvoicePayment{
			{ModeOfPayment: "Loyalty Point", Amount: decimal.NewFromInt(10)},
			{ModeOfPayment: "Cash", Amount: decimal.NewFromInt(3)},
		},
		LoyaltyMobile: "0555",
	}
	second, err := env.svc.CreateInvoice(ctx, req)
	if err != nil {
		t.Fatalf("redeeming invoice failed: %v", err)
	}
	result := second.Loyalty
	if !result.RedeemedPoints.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 redeemed, got %s", result.RedeemedPoints)
	}
	if result.Entry.RedeemAgainst != second.Invoice.ID {
		t.Fatalf("expected redeem_against %s, got %s", second.Invoice.ID, result.Entry.RedeemAgainst)
	}
	walk := result.RedemptionWalk
	if walk == nil || len(walk.Steps) != 1 {
		t.Fatalf("expected one walk step, got %+v", walk)
	}
	if walk.Steps[0].EntryID != first.Loyalty.Entry.ID || !walk.Steps[0].Consumed {
		t.Fatalf("expected the first earning entry to be consumed, got %+v", walk.Steps[0])
	}
	if !walk.Remaining.Equal(dec(t, "7.14")) {
		t.Fatalf("expected 7.14 remaining, got %s", walk.Remaining)
	}

	balance, err := env.svc.LoyaltyBalance(ctx, "0555")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	// 2.86 + 0.26 earned on the chips at the fallback rate, minus 10 redeemed
	if !balance.Balance.Equal(dec(t, "-6.88")) {
		t.Fatalf("unexpected balance %s", balance.Balance)
	}
}

func TestCreditNoteFullReturnReversesEverything(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	sale, err := env.svc.CreateInvoice(ctx, saleRequest("0555"))
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	ret, err := env.svc.CreateCreditNote(ctx, domain.CreditNoteRequest{
		InvoiceCreateRequest: domain.InvoiceCreateRequest{
			Items: []domain.InvoiceLineRequest{
				{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(2)},
				{ItemCode: "SNK-DATES-01", Quantity: decimal.NewFromInt(1)},
			},
		},
		ReturnAgainst: sale.Invoice.ID,
		Reason:        "damaged",
	})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	if !ret.Invoice.IsReturn || ret.Invoice.ReturnAgainst != sale.Invoice.ID {
		t.Fatalf("expected a return against %s, got %+v", sale.Invoice.ID, ret.Invoice)
	}
	if !ret.Invoice.Items[0].Qty.IsNegative() || !ret.Invoice.GrandTotal.IsNegative() {
		t.Fatalf("expected negative quantities and totals")
	}
	if ret.Loyalty.Message != msgFullReversal {
		t.Fatalf("expected full reversal, got %+v", ret.Loyalty)
	}
	if !ret.Loyalty.Entry.Credit.Equal(dec(t, "2.86")) || !ret.Loyalty.Entry.Debit.IsZero() {
		t.Fatalf("expected credit 2.86 debit 0, got %+v", ret.Loyalty.Entry)
	}

	balance, _ := env.svc.LoyaltyBalance(ctx, "0555")
	if !balance.Balance.IsZero() {
		t.Fatalf("expected zero balance after full return, got %s", balance.Balance)
	}
}

func TestCreditNotePartialReturnAndOfflineLookup(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := saleRequest("0555")
	req.OfflineInvoiceNumber = "OFF-PARTIAL"
	if _, err := env.svc.CreateInvoice(ctx, req); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	ret, err := env.svc.CreateCreditNote(ctx, domain.CreditNoteRequest{
		InvoiceCreateRequest: domain.InvoiceCreateRequest{
			Items:    []domain.InvoiceLineRequest{{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(1)}},
			UniqueID: "RET-1",
		},
		ReturnAgainst: "OFF-PARTIAL",
	})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	if ret.Loyalty.Message != msgPartialReversal || !ret.Loyalty.CreditedPoints.Equal(dec(t, "1.25")) {
		t.Fatalf("expected partial reversal of 1.25, got %+v", ret.Loyalty)
	}

	_, err = env.svc.CreateCreditNote(ctx, domain.CreditNoteRequest{
		InvoiceCreateRequest: domain.InvoiceCreateRequest{
			Items:    []domain.InvoiceLineRequest{{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(1)}},
			UniqueID: "RET-1",
		},
		ReturnAgainst: "OFF-PARTIAL",
	})
	if !errors.Is(err, store.ErrConflict) || !strings.Contains(err.Error(), "Duplicate unique ID: RET-1") {
		t.Fatalf("expected duplicate unique id conflict, got %v", err)
	}

	_, err = env.svc.CreateCreditNote(ctx, domain.CreditNoteRequest{
		InvoiceCreateRequest: domain.InvoiceCreateRequest{
			Items: []domain.InvoiceLineRequest{{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(1)}},
		},
		ReturnAgainst: "MISSING",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown original, got %v", err)
	}
}

func TestDuplicateOfflineInvoiceNumber(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := saleRequest("")
	req.OfflineInvoiceNumber = "OFF-1"
	if _, err := env.svc.CreateInvoice(ctx, req); err != nil {
		t.Fatalf("first invoice failed: %v", err)
	}
	_, err := env.svc.CreateInvoice(ctx, req)
	if !errors.Is(err, store.ErrConflict) || !strings.Contains(err.Error(), "Duplicate offline invoice number: OFF-1") {
		t.Fatalf("expected duplicate offline number conflict, got %v", err)
	}

	// a fresh cache still hits the persisted check
	other := New(env.repo, Options{Clock: func() time.Time { return fixedNow }})
	_, err = other.CreateInvoice(ctx, req)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected persisted duplicate conflict, got %v", err)
	}
}

func TestDuplicateGuardReleasesKeysOnFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := saleRequest("")
	req.UniqueID = "U-1"
	req.DiscountAmount = decimal.NewFromInt(1000)
	if _, err := env.svc.CreateInvoice(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected discount validation failure, got %v", err)
	}

	req.DiscountAmount = decimal.Zero
	if _, err := env.svc.CreateInvoice(ctx, req); err != nil {
		t.Fatalf("expected retry with the same unique id to succeed, got %v", err)
	}
	_, err := env.svc.CreateInvoice(ctx, req)
	if !errors.Is(err, store.ErrConflict) || !strings.Contains(err.Error(), "Duplicate unique ID: U-1") {
		t.Fatalf("expected duplicate unique id conflict, got %v", err)
	}
}

func TestDuplicateGuardCacheFailure(t *testing.T) {
	env := newTestEnv(t, Options{Cache: brokenCache{}})

	req := saleRequest("")
	req.OfflineInvoiceNumber = "OFF-CACHE"
	_, err := env.svc.CreateInvoice(context.Background(), req)
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("expected cache failure, got %v", err)
	}
}

func TestAccrueAndReturnLoyaltyRunOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	sale, err := env.svc.CreateInvoice(ctx, saleRequest(""))
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	result, err := env.svc.AccrueLoyalty(ctx, domain.LoyaltyAccrueRequest{InvoiceID: sale.Invoice.ID, MobileNo: "0555"})
	if err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if !result.EarnedPoints.Equal(dec(t, "2.86")) || result.Entry.Customer != "Ahmed Salem" {
		t.Fatalf("unexpected accrual %+v", result)
	}
	if _, err := env.svc.AccrueLoyalty(ctx, domain.LoyaltyAccrueRequest{InvoiceID: sale.Invoice.ID, MobileNo: "0555"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected second accrual to conflict, got %v", err)
	}

	// the original carries no loyalty_mobile, so the entry's mobile is used
	ret, err := env.svc.CreateCreditNote(ctx, domain.CreditNoteRequest{
		InvoiceCreateRequest: domain.InvoiceCreateRequest{
			Items: []domain.InvoiceLineRequest{{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(1)}},
		},
		ReturnAgainst: sale.Invoice.ID,
	})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	if ret.Loyalty.Entry == nil || ret.Loyalty.Entry.MobileNo != "0555" {
		t.Fatalf("expected reversal entry for 0555, got %+v", ret.Loyalty)
	}
	if _, err := env.svc.ReturnLoyalty(ctx, domain.LoyaltyReturnRequest{ReturnInvoiceID: ret.Invoice.ID}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected repeated reversal to conflict, got %v", err)
	}
	if _, err := env.svc.ReturnLoyalty(ctx, domain.LoyaltyReturnRequest{ReturnInvoiceID: sale.Invoice.ID}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected sale invoice to be rejected, got %v", err)
	}
}

func TestReturnWithoutMobileSkipsReversal(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	sale, err := env.svc.CreateInvoice(ctx, saleRequest(""))
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	ret, err := env.svc.CreateCreditNote(ctx, domain.CreditNoteRequest{
		InvoiceCreateRequest: domain.InvoiceCreateRequest{
			Items: []domain.InvoiceLineRequest{{ItemCode: "BEV-COFFEE-01", Quantity: decimal.NewFromInt(1)}},
		},
		ReturnAgainst: sale.Invoice.ID,
	})
	if err != nil {
		t.Fatalf("credit note failed: %v", err)
	}
	if ret.Loyalty.Message != msgReturnNoMobile || ret.Loyalty.Entry != nil {
		t.Fatalf("expected skipped reversal, got %+v", ret.Loyalty)
	}
}

func TestExpireLoyalty(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	if _, err := env.svc.CreateInvoice(ctx, saleRequest("0555")); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	resp, err := env.svc.ExpireLoyalty(ctx, "2027-03-01")
	if err != nil || resp.Expired != 0 {
		t.Fatalf("expected nothing to expire on the expiry day, got %+v err=%v", resp, err)
	}
	resp, err = env.svc.ExpireLoyalty(ctx, "2027-03-02")
	if err != nil || resp.Expired != 1 {
		t.Fatalf("expected one entry to expire, got %+v err=%v", resp, err)
	}
	if _, err := env.svc.ExpireLoyalty(ctx, "next week"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid date, got %v", err)
	}
}

func TestShiftLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})

	opening, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{
		Name:            "SHIFT-1",
		PeriodStartDate: "2026-03-01 08:00:00",
		Company:         "Gpos Trading",
		POSProfile:      "Main POS",
		BalanceDetails: []domain.BalanceDetail{
			{ModeOfPayment: "Cash", OpeningAmount: decimal.NewFromInt(500)},
			{ModeOfPayment: "card", OpeningAmount: decimal.Zero},
		},
	})
	if err != nil {
		t.Fatalf("open shift failed: %v", err)
	}
	if opening.Status != domain.ShiftStatusOpen || opening.User != "cashier" {
		t.Fatalf("unexpected opening %+v", opening)
	}
	if opening.BalanceDetails[0].ModeOfPayment != "Cash SAR" || opening.BalanceDetails[1].ModeOfPayment != "Mada" {
		t.Fatalf("expected mapped payment modes, got %+v", opening.BalanceDetails)
	}
	if !opening.PostingDate.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected posting date to default to the start day, got %s", opening.PostingDate)
	}

	if _, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{
		Name:           "SHIFT-1",
		Company:        "Gpos Trading",
		BalanceDetails: []domain.BalanceDetail{{ModeOfPayment: "Cash SAR"}},
	}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected duplicate shift id to conflict, got %v", err)
	}

	closeReq := domain.ShiftCloseRequest{
		OpeningRef: "SHIFT-1",
		PaymentReconciliation: []domain.ReconciliationLine{
			{ModeOfPayment: "Cash", OpeningAmount: decimal.NewFromInt(500), ExpectedAmount: decimal.NewFromInt(900), ClosingAmount: decimal.NewFromInt(880)},
		},
		Details: domain.ShiftSummary{NumberOfInvoices: 4, TotalOfInvoices: decimal.NewFromInt(400)},
	}
	closing, err := env.svc.CloseShift(ctx, closeReq)
	if err != nil {
		t.Fatalf("close shift failed: %v", err)
	}
	line := closing.PaymentReconciliation[0]
	if line.ModeOfPayment != "Cash SAR" || !line.Difference.Equal(decimal.NewFromInt(-20)) {
		t.Fatalf("unexpected reconciliation line %+v", line)
	}
	if closing.Summary.NumberOfInvoices != 4 || closing.Company != "Gpos Trading" {
		t.Fatalf("expected summary and company to pass through, got %+v", closing)
	}

	_, err = env.svc.CloseShift(ctx, closeReq)
	if !errors.Is(err, store.ErrConflict) || err.Error() != msgShiftNotOpen {
		t.Fatalf("expected closed shift conflict, got %v", err)
	}

	status, err := env.svc.ShiftStatus(ctx, "SHIFT-1")
	if err != nil || status.Status != domain.ShiftStatusClosed {
		t.Fatalf("expected opening to be Closed, got %+v err=%v", status, err)
	}
	status, err = env.svc.ShiftStatus(ctx, closing.ID)
	if err != nil || status.Status != domain.ShiftStatusSubmitted {
		t.Fatalf("expected closing to be Submitted, got %+v err=%v", status, err)
	}
	if _, err := env.svc.ShiftStatus(ctx, "NOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown shift to be not found, got %v", err)
	}
	if _, err := env.svc.ShiftStatus(ctx, " "); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected empty shift id to be invalid, got %v", err)
	}

	types := env.recorder.Types()
	if len(types) != 2 || types[0] != domain.EventShiftOpened || types[1] != domain.EventShiftClosed {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestShiftValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	if _, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{Company: "Gpos Trading"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected empty balance details to be invalid, got %v", err)
	}
	if _, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{
		Company:        "Gpos Trading",
		POSProfile:     "Missing POS",
		BalanceDetails: []domain.BalanceDetail{{ModeOfPayment: "Cash"}},
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown profile to be not found, got %v", err)
	}
	_, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{
		Company:        "Gpos Trading",
		POSProfile:     "Missing POS",
		BalanceDetails: []domain.BalanceDetail{{ModeOfPayment: "Cash SAR"}, {ModeOfPayment: "Mada"}},
	})
	if !errors.Is(err, store.ErrNotFound) || err.Error() != "POS profile Missing POS not found" {
		t.Fatalf("expected unknown profile with canonical modes to be not found, got %v", err)
	}
	if _, err := env.svc.CloseShift(ctx, domain.ShiftCloseRequest{OpeningRef: "SHIFT-X"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected empty reconciliation to be invalid, got %v", err)
	}
	if _, err := env.svc.CloseShift(ctx, domain.ShiftCloseRequest{
		OpeningRef:            "SHIFT-X",
		PaymentReconciliation: []domain.ReconciliationLine{{ModeOfPayment: "Cash"}},
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown opening to be not found, got %v", err)
	}
}

func TestOpenShiftMapsOfflineUser(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
	balances := []domain.BalanceDetail{{ModeOfPayment: "Cash", OpeningAmount: decimal.NewFromInt(100)}}

	mapped, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{
		Company: "Gpos Trading", POSProfile: "Main POS", User: "till-01", BalanceDetails: balances,
	})
	if err != nil || mapped.User != "cashier" {
		t.Fatalf("expected till-01 to open as cashier, got %+v err=%v", mapped, err)
	}

	direct, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{
		Company: "Gpos Trading", User: "night-manager", BalanceDetails: balances,
	})
	if err != nil || direct.User != "night-manager" {
		t.Fatalf("expected unmapped user to pass through, got %+v err=%v", direct, err)
	}

	fallback, err := env.svc.OpenShift(ctx, domain.ShiftOpenRequest{Company: "Gpos Trading", BalanceDetails: balances})
	if err != nil || fallback.User != "admin" {
		t.Fatalf("expected the caller when no user is given, got %+v err=%v", fallback, err)
	}
}

func TestCreateCustomer(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	created, err := env.svc.CreateCustomer(ctx, domain.CustomerCreateRequest{
		CustomerName: "Ahmed Salem",
		MobileNo:     "0577",
		VATNumber:    "311111111100003",
		POSProfiles:  []string{"Main POS", "Main POS"},
		AddressLine1: "King Fahd Road",
		City:         "Riyadh",
	})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	if created.Name != "Ahmed Salem - 1" || created.CustomerName != "Ahmed Salem" {
		t.Fatalf("expected a suffixed record name, got %+v", created)
	}
	if created.CustomerGroup != defaultCustomerGroup || len(created.POSProfiles) != 1 || created.Address == nil || created.Address.City != "Riyadh" {
		t.Fatalf("unexpected customer %+v", created)
	}
	if _, err := env.repo.GetCustomer(ctx, "Ahmed Salem - 1"); err != nil {
		t.Fatalf("expected customer to be stored, got %v", err)
	}

	cases := []struct {
		name string
		req  domain.CustomerCreateRequest
		kind error
		msg  string
	}{
		{"duplicate vat", domain.CustomerCreateRequest{CustomerName: "X", MobileNo: "0588", VATNumber: "300000000000003"}, store.ErrConflict, "VAT Number already exists!"},
		{"duplicate mobile", domain.CustomerCreateRequest{CustomerName: "X", MobileNo: "0555"}, store.ErrConflict, "Mobile Number already exists!"},
		{"address without city", domain.CustomerCreateRequest{CustomerName: "X", MobileNo: "0588", AddressLine1: "Street 1"}, store.ErrInvalidInput, "City is mandatory when address is provided."},
		{"missing name", domain.CustomerCreateRequest{MobileNo: "0588"}, store.ErrInvalidInput, "customer_name is required"},
		{"missing mobile", domain.CustomerCreateRequest{CustomerName: "X"}, store.ErrInvalidInput, "mobile_no is required"},
		{"unknown profile", domain.CustomerCreateRequest{CustomerName: "X", MobileNo: "0588", POSProfiles: []string{"Ghost POS"}}, store.ErrNotFound, "POS profile Ghost POS not found"},
	}
	for _, tc := range cases {
		_, err := env.svc.CreateCustomer(ctx, tc.req)
		if !errors.Is(err, tc.kind) || err.Error() != tc.msg {
			t.Fatalf("%s: expected %v %q, got %v", tc.name, tc.kind, tc.msg, err)
		}
	}

	types := env.recorder.Types()
	if len(types) != 1 || types[0] != domain.EventCustomerCreated {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestListCustomersByProfile(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	all, err := env.svc.ListCustomers(ctx, "", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected all seeded customers, got %d err=%v", len(all), err)
	}

	mainList, err := env.svc.ListCustomers(ctx, "", "Main POS")
	if err != nil || len(mainList) != 2 {
		t.Fatalf("expected default and linked customers, got %+v err=%v", mainList, err)
	}
	for _, customer := range mainList {
		wantDefault := customer.Name == "Walk-In Customer"
		if customer.DefaultPOS != wantDefault {
			t.Fatalf("unexpected default flag on %+v", customer)
		}
		if customer.Name == "Noura Trading" {
			t.Fatalf("customer linked to another profile leaked into the list")
		}
	}

	one, err := env.svc.ListCustomers(ctx, "Noura Trading", "")
	if err != nil || len(one) != 1 || one[0].MobileNo != "0566" {
		t.Fatalf("expected a single customer, got %+v err=%v", one, err)
	}

	cases := []struct {
		id, profile string
		msg         string
	}{
		{"Nobody", "", "Customer not found"},
		{"", "Ghost POS", "POS Profile not found"},
		{"Noura Trading", "Main POS", "No customers found for given POS Profile"},
	}
	for _, tc := range cases {
		_, err := env.svc.ListCustomers(ctx, tc.id, tc.profile)
		if !errors.Is(err, store.ErrNotFound) || err.Error() != tc.msg {
			t.Fatalf("id=%q profile=%q: expected %q, got %v", tc.id, tc.profile, tc.msg, err)
		}
	}

	empty := New(memory.New(), Options{})
	if _, err := empty.ListCustomers(ctx, "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected an empty store to report no customers, got %v", err)
	}
}

func TestListPOSProfileUsers(t *testing.T) {
	env := newTestEnv(t, Options{})

	profiles, err := env.svc.ListPOSProfileUsers(context.Background())
	if err != nil || len(profiles) != 2 {
		t.Fatalf("expected two profiles, got %+v err=%v", profiles, err)
	}
	if profiles[0].POSProfile != "Kiosk POS" || len(profiles[0].ApplicableUsers) != 1 {
		t.Fatalf("unexpected kiosk users %+v", profiles[0])
	}
	if profiles[1].POSProfile != "Main POS" || len(profiles[1].ApplicableUsers) != 2 || profiles[1].ApplicableUsers[0] != "cashier" {
		t.Fatalf("unexpected main users %+v", profiles[1])
	}
}

func TestListItemsGroupsByItemGroup(t *testing.T) {
	env := newTestEnv(t, Options{})

	listings, err := env.svc.ListItems(context.Background(), "", "")
	if err != nil {
		t.Fatalf("list items failed: %v", err)
	}
	if len(listings) != 2 || listings[0].ItemGroup != "Beverages" || len(listings[0].Items) != 2 {
		t.Fatalf("unexpected listings %+v", listings)
	}

	listings, err = env.svc.ListItems(context.Background(), "Snacks", "")
	if err != nil || len(listings) != 1 || listings[0].ItemGroup != "Snacks" {
		t.Fatalf("expected only Snacks, got %+v err=%v", listings, err)
	}
}

func TestListPromotions(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	promos, err := env.svc.ListPromotions(ctx, "Main POS")
	if err != nil {
		t.Fatalf("list promotions failed: %v", err)
	}
	if len(promos) != 1 || promos[0].ID != "PROMO-RAMADAN" {
		t.Fatalf("unexpected promotions %+v", promos)
	}
	if promos[0].Items[0].DiscountType != "PERCENTAGE" || promos[0].Items[1].DiscountType != "RATE" {
		t.Fatalf("expected mapped discount types, got %+v", promos[0].Items)
	}

	if _, err := env.svc.ListPromotions(ctx, "Kiosk POS"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired-only profile to be not found, got %v", err)
	}
	if _, err := env.svc.ListPromotions(ctx, "Missing POS"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown profile to be not found, got %v", err)
	}
}

func TestCreateSyncLogRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := domain.SyncLogRequest{SyncID: "SYNC-1", Details: "uploaded 4 invoices", Location: "Riyadh"}
	saved, err := env.svc.CreateSyncLog(ctx, req)
	if err != nil || saved.ID == "" {
		t.Fatalf("create sync log failed: %+v err=%v", saved, err)
	}
	if _, err := env.svc.CreateSyncLog(ctx, req); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected duplicate sync id to conflict, got %v", err)
	}
}

func TestOTPSendAndVerify(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	resp, err := env.svc.SendOTP(ctx, domain.OTPSendRequest{MobileNo: "0555"})
	if err != nil || resp.ExpiresIn != 300 {
		t.Fatalf("send otp failed: %+v err=%v", resp, err)
	}
	if _, err := env.svc.SendOTP(ctx, domain.OTPSendRequest{MobileNo: "0555"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected pending otp to conflict, got %v", err)
	}

	if err := env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0555", Code: "000000x"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected wrong code to be unauthorized, got %v", err)
	}
	code := env.sms.lastCode(t)
	if err := env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0555", Code: code}); err != nil {
		t.Fatalf("verify otp failed: %v", err)
	}
	if err := env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0555", Code: code}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected consumed code to be unauthorized, got %v", err)
	}
}

func TestOTPLockedAfterRepeatedWrongCodes(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	if _, err := env.svc.SendOTP(ctx, domain.OTPSendRequest{MobileNo: "0557"}); err != nil {
		t.Fatalf("send otp failed: %v", err)
	}
	code := env.sms.lastCode(t)

	for i := 0; i < maxOTPAttempts; i++ {
		err := env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0557", Code: "wrong!"})
		if !errors.Is(err, store.ErrUnauthorized) {
			t.Fatalf("attempt %d: expected unauthorized, got %v", i+1, err)
		}
	}
	if err := env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0557", Code: code}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected the correct code to be refused once locked, got %v", err)
	}

	// a fresh OTP starts a clean attempt budget
	if _, err := env.svc.SendOTP(ctx, domain.OTPSendRequest{MobileNo: "0557"}); err != nil {
		t.Fatalf("expected resend after lock to succeed, got %v", err)
	}
	for i := 0; i < maxOTPAttempts-1; i++ {
		_ = env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0557", Code: "wrong!"})
	}
	if err := env.svc.VerifyOTP(ctx, domain.OTPVerifyRequest{MobileNo: "0557", Code: env.sms.lastCode(t)}); err != nil {
		t.Fatalf("expected the new code to verify within the budget, got %v", err)
	}
}

func TestOTPDeliveryFailureReleasesKey(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.sms.fail = errors.New("gateway down")
	if _, err := env.svc.SendOTP(ctx, domain.OTPSendRequest{MobileNo: "0556"}); err == nil {
		t.Fatalf("expected delivery failure")
	}
	env.sms.fail = nil
	if _, err := env.svc.SendOTP(ctx, domain.OTPSendRequest{MobileNo: "0556"}); err != nil {
		t.Fatalf("expected resend after failure to succeed, got %v", err)
	}
}

const importCSV = `ID,Customer,Company,Item Name (Items),UOM Conversion Factor (Items),Rate (Items),UOM (Items),Amount (Items)
,,,SNK-CHIPS-01,1,3.25,Nos,3.25
CSV-1,Ahmed Salem,Gpos Trading,BEV-COFFEE-01,2,25,Nos,50
,,,SNK-DATES-01,1,18,Box,18
CSV-2,Nobody,Gpos Trading,BEV-WATER-01,1,1.5,Nos,1.5
`

func TestImportInvoicesCSV(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	resp, err := env.svc.ImportInvoicesCSV(ctx, strings.NewReader(importCSV))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if resp.Orphans != 1 || len(resp.Results) != 2 {
		t.Fatalf("unexpected import summary %+v", resp)
	}
	first := resp.Results[0]
	if first.InvoiceID != "CSV-1" || first.Rows != 2 || first.Created == "" || first.Error != "" {
		t.Fatalf("expected CSV-1 to be created, got %+v", first)
	}
	invoice, err := env.svc.GetInvoice(ctx, first.Created)
	if err != nil || !invoice.Total.Equal(decimal.NewFromInt(68)) || invoice.UniqueID != "csv-CSV-1" {
		t.Fatalf("unexpected imported invoice %+v err=%v", invoice, err)
	}
	if resp.Results[1].Error == "" {
		t.Fatalf("expected CSV-2 to fail on the unknown customer")
	}

	again, err := env.svc.ImportInvoicesCSV(ctx, strings.NewReader(importCSV))
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if !strings.Contains(again.Results[0].Error, "Duplicate unique ID") {
		t.Fatalf("expected duplicate on re-import, got %+v", again.Results[0])
	}

	if _, err := env.svc.ImportInvoicesCSV(ctx, strings.NewReader("")); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected empty document to be invalid, got %v", err)
	}
}

func TestImportInvoicesCSVUsesDateAndAmount(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	doc := `ID,Customer,Company,Date,Item Name (Items),UOM Conversion Factor (Items),Rate (Items),UOM (Items),Amount (Items)
CSV-9,Ahmed Salem,Gpos Trading,2026-02-14,BEV-COFFEE-01,2,,Nos,44
CSV-10,Ahmed Salem,Gpos Trading,,BEV-COFFEE-01,1,,Nos,
`
	resp, err := env.svc.ImportInvoicesCSV(ctx, strings.NewReader(doc))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].Created == "" || resp.Results[1].Created == "" {
		t.Fatalf("expected both invoices created, got %+v", resp.Results)
	}

	dated, err := env.svc.GetInvoice(ctx, resp.Results[0].Created)
	if err != nil {
		t.Fatalf("get dated invoice: %v", err)
	}
	if got := dated.PostingDate.Format("2006-01-02"); got != "2026-02-14" {
		t.Fatalf("expected posting date from the Date column, got %s", got)
	}
	if !dated.Items[0].Rate.Equal(dec(t, "22")) || !dated.Total.Equal(dec(t, "44")) {
		t.Fatalf("expected rate derived from amount, got rate=%s total=%s", dated.Items[0].Rate, dated.Total)
	}

	undated, err := env.svc.GetInvoice(ctx, resp.Results[1].Created)
	if err != nil {
		t.Fatalf("get undated invoice: %v", err)
	}
	if !undated.PostingDate.Equal(fixedNow) || !undated.Items[0].Rate.Equal(dec(t, "25")) {
		t.Fatalf("expected catalog price posted now, got %s at %s", undated.Items[0].Rate, undated.PostingDate)
	}
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("client_id") != "gpos-terminal-client" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "password":
			if r.PostForm.Get("username") != "terminal-key" || r.PostForm.Get("password") != "terminal-secret" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "refresh-1" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"token_type":    "Bearer",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}))
}

func TestIssueAndRefreshToken(t *testing.T) {
	server := newTokenServer(t)
	defer server.Close()

	env := newTestEnv(t, Options{Tokens: oauthproxy.New(server.URL, server.Client())})
	ctx := context.Background()
	appKey := base64.StdEncoding.EncodeToString([]byte("gpos-terminal"))

	token, err := env.svc.IssueToken(ctx, domain.TokenRequest{APIKey: "terminal-key", APISecret: "terminal-secret", AppKey: appKey})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if token.AccessToken != "access-1" || token.RefreshToken != "refresh-2" {
		t.Fatalf("unexpected token %+v", token)
	}

	if _, err := env.svc.IssueToken(ctx, domain.TokenRequest{APIKey: "terminal-key", APISecret: "wrong", AppKey: appKey}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected rejected credentials to be unauthorized, got %v", err)
	}
	if _, err := env.svc.IssueToken(ctx, domain.TokenRequest{APIKey: "terminal-key", APISecret: "terminal-secret", AppKey: "%%%"}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected undecodable app key to be unauthorized, got %v", err)
	}
	unknown := base64.StdEncoding.EncodeToString([]byte("other-app"))
	if _, err := env.svc.IssueToken(ctx, domain.TokenRequest{APIKey: "terminal-key", APISecret: "terminal-secret", AppKey: unknown}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unknown app key to be unauthorized, got %v", err)
	}
	if _, err := env.svc.IssueToken(ctx, domain.TokenRequest{APIKey: "terminal-key"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected missing fields to be invalid, got %v", err)
	}

	refreshed, err := env.svc.RefreshToken(ctx, domain.RefreshRequest{RefreshToken: "refresh-1", AppKey: appKey})
	if err != nil || refreshed.AccessToken != "access-1" {
		t.Fatalf("refresh failed: %+v err=%v", refreshed, err)
	}
	if _, err := env.svc.RefreshToken(ctx, domain.RefreshRequest{RefreshToken: "stale", AppKey: appKey}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected stale refresh token to be unauthorized, got %v", err)
	}
}

func TestIssueTokenWithoutUpstream(t *testing.T) {
	env := newTestEnv(t, Options{})
	appKey := base64.StdEncoding.EncodeToString([]byte("gpos-terminal"))

	_, err := env.svc.IssueToken(context.Background(), domain.TokenRequest{APIKey: "k", APISecret: "s", AppKey: appKey})
	if !errors.Is(err, oauthproxy.ErrNotConfigured) {
		t.Fatalf("expected not configured error, got %v", err)
	}
}

func TestCacheKeysArePrefixed(t *testing.T) {
	if cache.OfflineInvoiceKey("A") != "gpos:offline_invoice:A" || cache.UniqueIDKey("B") != "gpos:unique_id:B" {
		t.Fatalf("unexpected cache key layout")
	}
}
