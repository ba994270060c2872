package loyalty

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gpos/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Engine evaluates the point rules for one request against a snapshot of the
// loyalty setting and the catalog rows the invoice touches. It holds no state
// between requests.
type Engine struct {
	setting domain.LoyaltySetting
	items   map[string]domain.Item
	groups  map[string]domain.ItemGroup
}

func NewEngine(setting domain.LoyaltySetting, items map[string]domain.Item, groups map[string]domain.ItemGroup) *Engine {
	if items == nil {
		items = map[string]domain.Item{}
	}
	if groups == nil {
		groups = map[string]domain.ItemGroup{}
	}
	return &Engine{setting: setting, items: items, groups: groups}
}

// Accrual is the outcome of evaluating a sale invoice.
type Accrual struct {
	Earned   decimal.Decimal
	ByGroup  map[string]decimal.Decimal
	Redeemed decimal.Decimal
}

// HasActivity reports whether the sale earns or redeems anything.
func (a Accrual) HasActivity() bool {
	return a.Earned.IsPositive() || a.Redeemed.IsPositive()
}

// groupPercentage resolves the item's group percentage. known is false when
// the item or its group does not exist.
func (e *Engine) groupPercentage(itemCode string) (pct decimal.Decimal, group string, known bool) {
	item, ok := e.items[itemCode]
	if !ok {
		return decimal.Zero, "", false
	}
	itemGroup, ok := e.groups[item.ItemGroup]
	if !ok {
		return decimal.Zero, item.ItemGroup, false
	}
	return itemGroup.LoyaltyPercentage, item.ItemGroup, true
}

// Accrue computes earned points per item group and the redeemed amount for a
// sale. Lines whose item or group is unknown earn nothing. A group percentage
// of exactly zero falls back to the default when the setting allows it.
func (e *Engine) Accrue(invoice domain.Invoice) Accrual {
	acc := Accrual{
		Earned:   decimal.Zero,
		ByGroup:  make(map[string]decimal.Decimal),
		Redeemed: RedeemedAmount(invoice.Payments),
	}

	for _, line := range invoice.Items {
		pct, group, known := e.groupPercentage(line.ItemCode)
		if !known {
			continue
		}
		if pct.IsZero() && e.setting.UseDefaultWhenGroupUndefined {
			pct = e.setting.DefaultPercentage
		}
		if !e.setting.CalculateWithoutTax || !pct.IsPositive() {
			continue
		}
		points := pct.Div(hundred).Mul(line.Amount)
		acc.ByGroup[group] = acc.ByGroup[group].Add(points)
	}

	for _, points := range acc.ByGroup {
		acc.Earned = acc.Earned.Add(points)
	}
	return acc
}

// RedeemedAmount returns the amount of the first loyalty payment line.
func RedeemedAmount(payments []domain.InvoicePayment) decimal.Decimal {
	for _, payment := range payments {
		if IsLoyaltyMode(payment.ModeOfPayment) {
			return payment.Amount
		}
	}
	return decimal.Zero
}

func IsLoyaltyMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "loyalty", "loyalty point":
		return true
	default:
		return false
	}
}

// SaleEntry builds the ledger row for a sale with activity.
func (e *Engine) SaleEntry(invoice domain.Invoice, customer string, mobile string, acc Accrual) domain.LoyaltyEntry {
	entry := domain.LoyaltyEntry{
		InvoiceID:   invoice.ID,
		Date:        invoice.PostingDate,
		TotalAmount: invoice.GrandTotal,
		Customer:    customer,
		MobileNo:    mobile,
		Debit:       positiveOrZero(acc.Earned),
		Credit:      positiveOrZero(acc.Redeemed),
		ExpiryDate:  ExpiryDate(invoice.PostingDate, e.setting.ValidDays),
	}
	if acc.Earned.IsPositive() {
		earned := acc.Earned
		entry.LoyaltyPoint = &earned
	}
	if acc.Redeemed.IsPositive() {
		entry.RedeemAgainst = invoice.ID
	}
	return entry
}

// PartialReturnCredit computes the points clawed back for a partial return:
// |qty| x rate x pct / 100 per line, rounded to two places. A non-positive
// percentage uses the default when enabled, otherwise the line is skipped.
func (e *Engine) PartialReturnCredit(returnInvoice domain.Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, line := range returnInvoice.Items {
		returned := line.Qty.Abs().Mul(line.Rate)
		pct, _, _ := e.groupPercentage(line.ItemCode)
		if !pct.IsPositive() {
			if !e.setting.UseDefaultWhenGroupUndefined {
				continue
			}
			pct = e.setting.DefaultPercentage
		}
		total = total.Add(returned.Mul(pct).Div(hundred))
	}
	return total.Round(2)
}

// ReversalEntry builds the ledger row written for a return.
func (e *Engine) ReversalEntry(returnInvoice domain.Invoice, mobile string, debit decimal.Decimal, credit decimal.Decimal) domain.LoyaltyEntry {
	zero := decimal.Zero
	return domain.LoyaltyEntry{
		InvoiceID:     returnInvoice.ID,
		Date:          returnInvoice.PostingDate,
		TotalAmount:   returnInvoice.GrandTotal,
		Customer:      returnInvoice.Customer,
		MobileNo:      mobile,
		Debit:         debit,
		Credit:        credit,
		LoyaltyPoint:  &zero,
		RedeemAgainst: returnInvoice.ID,
		ExpiryDate:    ExpiryDate(returnInvoice.PostingDate, e.setting.ValidDays),
	}
}

// IsFullReturn compares the summed absolute quantities only. A return that
// moves quantity between lines but keeps the total counts as full.
func IsFullReturn(original domain.Invoice, returned domain.Invoice) bool {
	return totalAbsQty(original.Items).Equal(totalAbsQty(returned.Items))
}

// OriginalActivity sums the positive debits and positive credits recorded
// against an invoice.
func OriginalActivity(entries []domain.LoyaltyEntry) (debit decimal.Decimal, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, entry := range entries {
		if entry.Debit.IsPositive() {
			debit = debit.Add(entry.Debit)
		}
		if entry.Credit.IsPositive() {
			credit = credit.Add(entry.Credit)
		}
	}
	return debit, credit
}

// WalkRedemption visits unused earning entries oldest first and subtracts
// each whole entry that still fits in the remaining amount. Expiry is not
// consulted here; only the used flag and the credit column filter entries.
// The result describes the walk only. Nothing is marked used.
func WalkRedemption(prior []domain.LoyaltyEntry, redeemed decimal.Decimal) domain.RedemptionWalk {
	walk := domain.RedemptionWalk{Steps: make([]domain.RedemptionStep, 0, len(prior)), Remaining: redeemed}
	for _, entry := range prior {
		if !walk.Remaining.IsPositive() {
			break
		}
		if entry.UsedLoyaltyPoint || !entry.Credit.IsZero() {
			continue
		}
		step := domain.RedemptionStep{EntryID: entry.ID, Available: entry.Debit}
		if entry.Debit.LessThanOrEqual(walk.Remaining) {
			walk.Remaining = walk.Remaining.Sub(entry.Debit)
			step.Consumed = true
		}
		walk.Steps = append(walk.Steps, step)
	}
	return walk
}

// Balance is the sum of debits minus credits over entries that are neither
// expired nor used on day asOf.
func Balance(entries []domain.LoyaltyEntry, asOf time.Time) decimal.Decimal {
	balance := decimal.Zero
	for _, entry := range entries {
		if entry.UsedLoyaltyPoint || entry.Expired(asOf) {
			continue
		}
		balance = balance.Add(entry.Debit).Sub(entry.Credit)
	}
	return balance
}

// ExpiryDate returns date + validDays, or nil when entries never expire.
func ExpiryDate(date time.Time, validDays int) *time.Time {
	if validDays <= 0 || date.IsZero() {
		return nil
	}
	expiry := domain.TruncateDay(date).AddDate(0, 0, validDays)
	return &expiry
}

func totalAbsQty(lines []domain.InvoiceLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Qty.Abs())
	}
	return total
}

func positiveOrZero(v decimal.Decimal) decimal.Decimal {
	if v.IsPositive() {
		return v
	}
	return decimal.Zero
}
