package service

import (
	"context"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/loyalty"
)

const (
	msgNoMobile          = "Loyalty points NOT added because no mobile number was provided."
	msgNoActivity        = "No loyalty points earned or redeemed on this invoice."
	msgRecorded          = "Loyalty points recorded."
	msgFullNoActivity    = "Full return but no loyalty activity found on original invoice."
	msgFullReversal      = "Full loyalty reversal applied (earned + redeemed)."
	msgPartialNothing    = "No loyalty points applicable for partial return."
	msgPartialReversal   = "Partial loyalty reversal applied."
	msgReturnNoMobile    = "Loyalty reversal skipped because the original invoice has no mobile number."
	msgLoyaltyFailed     = "Loyalty calculation failed"
	msgReturnLoyaltyFail = "Failed to calculate loyalty for return."
)

// loyaltyEngine loads the setting and the catalog rows the lines refer to.
func (s *Service) loyaltyEngine(ctx context.Context, lines []domain.InvoiceLine) (*loyalty.Engine, error) {
	setting, err := s.repo.GetLoyaltySetting(ctx)
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(lines))
	for _, line := range lines {
		codes = append(codes, line.ItemCode)
	}
	items, err := s.repo.GetItemsByCodes(ctx, codes)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(items))
	groupNames := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ItemGroup]; ok {
			continue
		}
		seen[item.ItemGroup] = struct{}{}
		groupNames = append(groupNames, item.ItemGroup)
	}
	groups, err := s.repo.GetItemGroups(ctx, groupNames)
	if err != nil {
		return nil, err
	}
	return loyalty.NewEngine(setting, items, groups), nil
}

// RecordSaleLoyalty writes at most one ledger entry for a sale. A sale with
// activity but no mobile number is reported with zero earned and redeemed.
func (s *Service) RecordSaleLoyalty(ctx context.Context, invoice domain.Invoice, customer string, mobile string) (domain.LoyaltyResult, error) {
	engine, err := s.loyaltyEngine(ctx, invoice.Items)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}

	acc := engine.Accrue(invoice)
	result := domain.LoyaltyResult{Status: domain.LoyaltyStatusSuccess}
	if !acc.HasActivity() {
		result.Message = msgNoActivity
		return result, nil
	}

	mobile = strings.TrimSpace(mobile)
	if mobile == "" {
		result.Message = msgNoMobile
		return result, nil
	}

	var walk *domain.RedemptionWalk
	if acc.Redeemed.IsPositive() {
		prior, err := s.repo.ListLoyaltyEntriesByMobile(ctx, mobile)
		if err != nil {
			return domain.LoyaltyResult{}, err
		}
		computed := loyalty.WalkRedemption(prior, acc.Redeemed)
		walk = &computed
	}

	saved, err := s.repo.CreateLoyaltyEntry(ctx, engine.SaleEntry(invoice, customer, mobile, acc))
	if err != nil {
		return domain.LoyaltyResult{}, err
	}
	s.recordEntryMetrics("sale", *saved)
	s.publish(ctx, domain.EventLoyaltyRecorded, mobile, saved)

	result.EarnedPoints = saved.Debit
	result.RedeemedPoints = saved.Credit
	result.Message = msgRecorded
	result.Entry = saved
	result.RedemptionWalk = walk
	return result, nil
}

// AccrueLoyalty runs sale accrual for an invoice that is already stored.
func (s *Service) AccrueLoyalty(ctx context.Context, req domain.LoyaltyAccrueRequest) (domain.LoyaltyResult, error) {
	invoiceID := strings.TrimSpace(req.InvoiceID)
	if invoiceID == "" {
		return domain.LoyaltyResult{}, invalidf("invoice_id is required")
	}

	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.LoyaltyResult{}, wrapNotFound(err, "invoice %s not found", invoiceID)
	}
	if invoice.IsReturn {
		return domain.LoyaltyResult{}, invalidf("invoice %s is a return, use the returns endpoint", invoiceID)
	}

	existing, err := s.repo.ListLoyaltyEntriesByInvoice(ctx, invoice.ID)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}
	if len(existing) > 0 {
		return domain.LoyaltyResult{}, conflictf("loyalty already recorded for invoice %s", invoice.ID)
	}

	customer := strings.TrimSpace(req.Customer)
	if customer == "" {
		customer = invoice.Customer
	}
	mobile := strings.TrimSpace(req.MobileNo)
	if mobile == "" {
		mobile = invoice.LoyaltyMobile
	}
	return s.RecordSaleLoyalty(ctx, *invoice, customer, mobile)
}

// ReverseLoyaltyOnReturn claws back points for a return. A return is full
// when its summed absolute quantity equals the original's.
func (s *Service) ReverseLoyaltyOnReturn(ctx context.Context, returnInvoice domain.Invoice, original domain.Invoice) (domain.LoyaltyResult, error) {
	if !returnInvoice.IsReturn {
		return domain.LoyaltyResult{}, invalidf("Not a return invoice.")
	}

	originalEntries, err := s.repo.ListLoyaltyEntriesByInvoice(ctx, original.ID)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}
	mobile := strings.TrimSpace(original.LoyaltyMobile)
	if mobile == "" {
		for _, entry := range originalEntries {
			if entry.MobileNo != "" {
				mobile = entry.MobileNo
				break
			}
		}
	}

	result := domain.LoyaltyResult{Status: domain.LoyaltyStatusSuccess}
	engine, err := s.loyaltyEngine(ctx, returnInvoice.Items)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}

	var entry domain.LoyaltyEntry
	if loyalty.IsFullReturn(original, returnInvoice) {
		debit, credit := loyalty.OriginalActivity(originalEntries)
		if !debit.IsPositive() && !credit.IsPositive() {
			result.Message = msgFullNoActivity
			return result, nil
		}
		entry = engine.ReversalEntry(returnInvoice, mobile, credit, debit)
		result.CreditedPoints = debit
		result.RedeemReversed = credit
		result.Message = msgFullReversal
	} else {
		credited := engine.PartialReturnCredit(returnInvoice)
		if !credited.IsPositive() {
			result.Message = msgPartialNothing
			return result, nil
		}
		entry = engine.ReversalEntry(returnInvoice, mobile, decimal.Zero, credited)
		result.CreditedPoints = credited
		result.Message = msgPartialReversal
	}

	if mobile == "" {
		result.CreditedPoints = decimal.Zero
		result.RedeemReversed = decimal.Zero
		result.Message = msgReturnNoMobile
		return result, nil
	}

	saved, err := s.repo.CreateLoyaltyEntry(ctx, entry)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}
	s.recordEntryMetrics("return", *saved)
	s.publish(ctx, domain.EventLoyaltyRecorded, mobile, saved)
	result.Entry = saved
	return result, nil
}

// ReturnLoyalty loads a stored return invoice and its original and runs the
// reversal once.
func (s *Service) ReturnLoyalty(ctx context.Context, req domain.LoyaltyReturnRequest) (domain.LoyaltyResult, error) {
	returnID := strings.TrimSpace(req.ReturnInvoiceID)
	if returnID == "" {
		return domain.LoyaltyResult{}, invalidf("return_invoice_id is required")
	}

	returnInvoice, err := s.repo.GetInvoice(ctx, returnID)
	if err != nil {
		return domain.LoyaltyResult{}, wrapNotFound(err, "invoice %s not found", returnID)
	}
	if !returnInvoice.IsReturn {
		return domain.LoyaltyResult{}, invalidf("Not a return invoice.")
	}
	original, err := s.repo.GetInvoice(ctx, returnInvoice.ReturnAgainst)
	if err != nil {
		return domain.LoyaltyResult{}, wrapNotFound(err, "original invoice %s not found", returnInvoice.ReturnAgainst)
	}

	existing, err := s.repo.ListLoyaltyEntriesByInvoice(ctx, returnInvoice.ID)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}
	if len(existing) > 0 {
		return domain.LoyaltyResult{}, conflictf("loyalty already reversed for return %s", returnInvoice.ID)
	}
	return s.ReverseLoyaltyOnReturn(ctx, *returnInvoice, *original)
}

func (s *Service) LoyaltyBalance(ctx context.Context, mobile string) (domain.LoyaltyBalance, error) {
	mobile = strings.TrimSpace(mobile)
	if mobile == "" {
		return domain.LoyaltyBalance{}, invalidf("mobile_no is required")
	}
	entries, err := s.repo.ListLoyaltyEntriesByMobile(ctx, mobile)
	if err != nil {
		return domain.LoyaltyBalance{}, err
	}
	return domain.LoyaltyBalance{
		MobileNo: mobile,
		Balance:  loyalty.Balance(entries, s.now()),
		Entries:  entries,
	}, nil
}

// ExpireLoyalty flips is_expired on entries whose expiry date is before the
// asOf day. An empty asOf means today.
func (s *Service) ExpireLoyalty(ctx context.Context, asOf string) (domain.LoyaltyExpireResponse, error) {
	day, err := parseDateTime("as_of", asOf, s.now())
	if err != nil {
		return domain.LoyaltyExpireResponse{}, err
	}
	day = domain.TruncateDay(day)

	expired, err := s.repo.ExpireLoyaltyEntries(ctx, day)
	if err != nil {
		return domain.LoyaltyExpireResponse{}, err
	}
	s.logAudit(ctx, "loyalty_expire", "loyalty_entry", "", day.Format(time.DateOnly))
	return domain.LoyaltyExpireResponse{AsOf: day.Format(time.DateOnly), Expired: expired}, nil
}

func (s *Service) recordEntryMetrics(source string, entry domain.LoyaltyEntry) {
	debit, _ := entry.Debit.Float64()
	credit, _ := entry.Credit.Float64()
	s.metrics.LoyaltyEntry(source, debit, credit)
}

// loyaltyFailure is the result reported when an invoice was stored but its
// loyalty step failed.
func loyaltyFailure(err error, invoiceID string, message string) *domain.LoyaltyResult {
	zlog.Error().Err(err).Str("invoice_id", invoiceID).Msg("service: loyalty step failed")
	return &domain.LoyaltyResult{Status: "error", Message: message}
}
