package service

import (
	"context"
	"errors"
	"strings"

	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gpos/backend/internal/cache"
	"gpos/backend/internal/domain"
	"gpos/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

// CreateInvoice stores a POS sale and then runs loyalty accrual. A loyalty
// failure after the invoice is stored is reported in the response, not as an
// error, because the invoice write is not rolled back.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.InvoiceResponse, error) {
	if err := validateInvoiceRequest(req); err != nil {
		return domain.InvoiceResponse{}, err
	}

	customer, err := s.repo.GetCustomer(ctx, req.CustomerName)
	if err != nil {
		return domain.InvoiceResponse{}, wrapNotFound(err, "customer %s not found", req.CustomerName)
	}
	profile, err := s.lookupProfile(ctx, req.POSProfile)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	lines, err := s.buildLines(ctx, req.Items, false)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	release, err := s.guardDuplicates(ctx, strings.TrimSpace(req.OfflineInvoiceNumber), strings.TrimSpace(req.UniqueID))
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	invoice := domain.Invoice{
		Customer:             customer.Name,
		CustomerName:         customer.CustomerName,
		UniqueID:             strings.TrimSpace(req.UniqueID),
		OfflineInvoiceNumber: strings.TrimSpace(req.OfflineInvoiceNumber),
		MachineName:          strings.TrimSpace(req.MachineName),
		POSProfile:           strings.TrimSpace(req.POSProfile),
		POSShift:             strings.TrimSpace(req.POSShift),
		Cashier:              defaultString(strings.TrimSpace(req.Cashier), actorName(ctx)),
		PurchaseOrder:        strings.TrimSpace(req.CustomerPurchaseOrder),
		LoyaltyMobile:        strings.TrimSpace(req.LoyaltyMobile),
		PIH:                  strings.TrimSpace(req.PIH),
		PostingDate:          s.now(),
		Items:                lines,
		Status:               domain.InvoiceStatusPaid,
	}
	if req.OfflineCreationTime != nil && !req.OfflineCreationTime.IsZero() {
		invoice.PostingDate = req.OfflineCreationTime.UTC()
	}
	if err := applyTotals(&invoice, req.DiscountAmount, profile); err != nil {
		release()
		return domain.InvoiceResponse{}, err
	}
	invoice.Payments = buildPayments(req.Payments, profile, invoice.GrandTotal)

	saved, err := s.repo.CreateInvoice(ctx, invoice)
	if err != nil {
		release()
		return domain.InvoiceResponse{}, err
	}
	s.metrics.InvoiceCreated(false)
	s.publish(ctx, domain.EventInvoiceCreated, saved.ID, saved)
	s.logAudit(ctx, "invoice_create", "invoice", saved.ID, "grand_total="+saved.GrandTotal.StringFixed(2))

	resp := domain.InvoiceResponse{Invoice: *saved}
	result, err := s.RecordSaleLoyalty(ctx, *saved, saved.Customer, saved.LoyaltyMobile)
	if err != nil {
		resp.Loyalty = loyaltyFailure(err, saved.ID, msgLoyaltyFailed)
		return resp, nil
	}
	resp.Loyalty = &result
	return resp, nil
}

// CreateCreditNote stores a return against an earlier sale and reverses the
// loyalty recorded for it.
func (s *Service) CreateCreditNote(ctx context.Context, req domain.CreditNoteRequest) (domain.InvoiceResponse, error) {
	if len(req.Items) == 0 {
		return domain.InvoiceResponse{}, invalidf("items are required")
	}
	for _, line := range req.Items {
		if strings.TrimSpace(line.ItemCode) == "" {
			return domain.InvoiceResponse{}, invalidf("item_code is required")
		}
		if line.Quantity.IsZero() {
			return domain.InvoiceResponse{}, invalidf("quantity for %s must not be zero", line.ItemCode)
		}
	}
	returnAgainst := strings.TrimSpace(req.ReturnAgainst)
	if returnAgainst == "" {
		return domain.InvoiceResponse{}, invalidf("return_against is required")
	}

	original, err := s.findOriginalInvoice(ctx, returnAgainst)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	if original.IsReturn {
		return domain.InvoiceResponse{}, invalidf("invoice %s is itself a return", original.ID)
	}

	uniqueID := strings.TrimSpace(req.UniqueID)
	if uniqueID != "" {
		exists, err := s.repo.InvoiceExistsByUniqueID(ctx, uniqueID, true)
		if err != nil {
			return domain.InvoiceResponse{}, err
		}
		if exists {
			s.metrics.Duplicate("return_unique_id")
			return domain.InvoiceResponse{}, conflictf("Duplicate unique ID: %s", uniqueID)
		}
	}

	customerName := defaultString(strings.TrimSpace(req.CustomerName), original.Customer)
	customer, err := s.repo.GetCustomer(ctx, customerName)
	if err != nil {
		return domain.InvoiceResponse{}, wrapNotFound(err, "customer %s not found", customerName)
	}
	profileName := defaultString(strings.TrimSpace(req.POSProfile), original.POSProfile)
	profile, err := s.lookupProfile(ctx, profileName)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	lines, err := s.buildLines(ctx, req.Items, true)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	invoice := domain.Invoice{
		Customer:             customer.Name,
		CustomerName:         customer.CustomerName,
		UniqueID:             uniqueID,
		OfflineInvoiceNumber: strings.TrimSpace(req.OfflineInvoiceNumber),
		MachineName:          strings.TrimSpace(req.MachineName),
		POSProfile:           profileName,
		POSShift:             strings.TrimSpace(req.POSShift),
		Cashier:              defaultString(strings.TrimSpace(req.Cashier), actorName(ctx)),
		IsReturn:             true,
		ReturnAgainst:        original.ID,
		Reason:               strings.TrimSpace(req.Reason),
		LoyaltyMobile:        original.LoyaltyMobile,
		PIH:                  strings.TrimSpace(req.PIH),
		PostingDate:          s.now(),
		Items:                lines,
		Status:               domain.InvoiceStatusReturn,
	}
	if req.OfflineCreationTime != nil && !req.OfflineCreationTime.IsZero() {
		invoice.PostingDate = req.OfflineCreationTime.UTC()
	}
	if err := applyTotals(&invoice, req.DiscountAmount.Abs().Neg(), profile); err != nil {
		return domain.InvoiceResponse{}, err
	}
	payments := make([]domain.InvoicePayment, 0, len(req.Payments))
	for _, payment := range req.Payments {
		payments = append(payments, domain.InvoicePayment{ModeOfPayment: payment.ModeOfPayment, Amount: payment.Amount.Abs().Neg()})
	}
	invoice.Payments = buildPayments(payments, profile, invoice.GrandTotal)

	saved, err := s.repo.CreateInvoice(ctx, invoice)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	s.metrics.InvoiceCreated(true)
	s.publish(ctx, domain.EventInvoiceReturned, saved.ID, saved)
	s.logAudit(ctx, "invoice_return", "invoice", saved.ID, "return_against="+original.ID)

	resp := domain.InvoiceResponse{Invoice: *saved}
	result, err := s.ReverseLoyaltyOnReturn(ctx, *saved, *original)
	if err != nil {
		resp.Loyalty = loyaltyFailure(err, saved.ID, msgReturnLoyaltyFail)
		return resp, nil
	}
	resp.Loyalty = &result
	return resp, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Invoice{}, invalidf("invoice id is required")
	}
	invoice, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, wrapNotFound(err, "invoice %s not found", id)
	}
	return *invoice, nil
}

// findOriginalInvoice resolves return_against by invoice id first and then by
// offline invoice number.
func (s *Service) findOriginalInvoice(ctx context.Context, ref string) (*domain.Invoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, ref)
	if err == nil {
		return invoice, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	invoice, err = s.repo.FindInvoiceByOfflineNumber(ctx, ref)
	if err != nil {
		return nil, wrapNotFound(err, "original invoice %s not found", ref)
	}
	return invoice, nil
}

// guardDuplicates claims the cache keys for the offline number and unique id
// and then checks persisted invoices. The returned release func frees the
// claimed keys when the invoice is not stored after all.
func (s *Service) guardDuplicates(ctx context.Context, offlineNumber string, uniqueID string) (func(), error) {
	claimed := make([]string, 0, 2)
	release := func() {
		for _, key := range claimed {
			if err := s.cache.Del(ctx, key); err != nil {
				zlog.Warn().Err(err).Str("key", key).Msg("service: failed to release duplicate guard key")
			}
		}
	}

	claim := func(key string, label string, message string) error {
		ok, err := s.cache.SetNX(ctx, key, "1", s.dedupTTL)
		if err != nil {
			zlog.Error().Err(err).Str("key", key).Msg("service: duplicate guard cache failure")
			return ErrCacheUnavailable
		}
		if !ok {
			s.metrics.Duplicate(label)
			return conflictf("%s", message)
		}
		claimed = append(claimed, key)
		return nil
	}

	if offlineNumber != "" {
		if err := claim(cache.OfflineInvoiceKey(offlineNumber), "offline_invoice_number", "Duplicate offline invoice number: "+offlineNumber); err != nil {
			release()
			return nil, err
		}
		if _, err := s.repo.FindInvoiceByOfflineNumber(ctx, offlineNumber); err == nil {
			release()
			s.metrics.Duplicate("offline_invoice_number")
			return nil, conflictf("Duplicate offline invoice number: %s", offlineNumber)
		} else if !errors.Is(err, store.ErrNotFound) {
			release()
			return nil, err
		}
	}
	if uniqueID != "" {
		if err := claim(cache.UniqueIDKey(uniqueID), "unique_id", "Duplicate unique ID: "+uniqueID); err != nil {
			release()
			return nil, err
		}
		exists, err := s.repo.InvoiceExistsByUniqueID(ctx, uniqueID, false)
		if err != nil {
			release()
			return nil, err
		}
		if exists {
			release()
			s.metrics.Duplicate("unique_id")
			return nil, conflictf("Duplicate unique ID: %s", uniqueID)
		}
	}
	return release, nil
}

func (s *Service) lookupProfile(ctx context.Context, name string) (*domain.POSProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	profile, err := s.repo.GetPOSProfile(ctx, name)
	if err != nil {
		return nil, wrapNotFound(err, "POS profile %s not found", name)
	}
	if profile.Disabled {
		return nil, invalidf("POS profile %s is disabled", name)
	}
	return profile, nil
}

// buildLines resolves item codes and prices each line. Return lines carry
// negative quantities.
func (s *Service) buildLines(ctx context.Context, reqLines []domain.InvoiceLineRequest, isReturn bool) ([]domain.InvoiceLine, error) {
	codes := make([]string, 0, len(reqLines))
	for _, line := range reqLines {
		codes = append(codes, strings.TrimSpace(line.ItemCode))
	}
	items, err := s.repo.GetItemsByCodes(ctx, codes)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.InvoiceLine, 0, len(reqLines))
	for i, line := range reqLines {
		code := codes[i]
		item, ok := items[code]
		if !ok {
			return nil, invalidf("item %s not found", code)
		}
		if item.Disabled {
			return nil, invalidf("item %s is disabled", code)
		}
		qty := line.Quantity.Abs()
		if isReturn {
			qty = qty.Neg()
		}
		rate := line.Rate
		if rate.IsZero() {
			rate = item.Price
		}
		lines = append(lines, domain.InvoiceLine{
			ItemCode: item.ItemCode,
			ItemName: item.ItemName,
			Qty:      qty,
			Rate:     rate,
			UOM:      defaultString(strings.TrimSpace(line.UOM), item.UOM),
			Amount:   qty.Mul(rate).Round(2),
		})
	}
	return lines, nil
}

func applyTotals(invoice *domain.Invoice, discount decimal.Decimal, profile *domain.POSProfile) error {
	totalQty := decimal.Zero
	total := decimal.Zero
	for _, line := range invoice.Items {
		totalQty = totalQty.Add(line.Qty)
		total = total.Add(line.Amount)
	}
	if discount.Abs().GreaterThan(total.Abs()) {
		return invalidf("discount_amount exceeds invoice total")
	}

	net := total.Sub(discount)
	tax := decimal.Zero
	if profile != nil && profile.TaxRatePercent.IsPositive() {
		tax = net.Mul(profile.TaxRatePercent).Div(hundred).Round(2)
	}

	invoice.TotalQty = totalQty
	invoice.Total = total
	invoice.DiscountAmount = discount
	invoice.NetTotal = net
	invoice.TaxAmount = tax
	invoice.GrandTotal = net.Add(tax)
	return nil
}

// buildPayments normalizes payment modes. With no payments the whole grand
// total is settled in the profile's default mode.
func buildPayments(reqPayments []domain.InvoicePayment, profile *domain.POSProfile, grandTotal decimal.Decimal) []domain.InvoicePayment {
	if len(reqPayments) == 0 {
		return []domain.InvoicePayment{{ModeOfPayment: defaultPaymentMode(profile), Amount: grandTotal}}
	}
	payments := make([]domain.InvoicePayment, 0, len(reqPayments))
	for _, payment := range reqPayments {
		payments = append(payments, domain.InvoicePayment{
			ModeOfPayment: normalizePaymentMode(payment.ModeOfPayment, profile),
			Amount:        payment.Amount,
		})
	}
	return payments
}

func defaultPaymentMode(profile *domain.POSProfile) string {
	if profile != nil {
		for _, mapping := range profile.Payments {
			if mapping.Default {
				return mapping.ModeOfPayment
			}
		}
	}
	return "Cash"
}

func validateInvoiceRequest(req domain.InvoiceCreateRequest) error {
	if strings.TrimSpace(req.CustomerName) == "" {
		return invalidf("customer_name is required")
	}
	if len(req.Items) == 0 {
		return invalidf("items are required")
	}
	if req.DiscountAmount.IsNegative() {
		return invalidf("discount_amount must not be negative")
	}
	for _, line := range req.Items {
		if strings.TrimSpace(line.ItemCode) == "" {
			return invalidf("item_code is required")
		}
		if !line.Quantity.IsPositive() {
			return invalidf("quantity for %s must be positive", line.ItemCode)
		}
		if line.Rate.IsNegative() {
			return invalidf("rate for %s must not be negative", line.ItemCode)
		}
	}
	for _, payment := range req.Payments {
		if strings.TrimSpace(payment.ModeOfPayment) == "" {
			return invalidf("mode_of_payment is required")
		}
		if payment.Amount.IsNegative() {
			return invalidf("payment amount must not be negative")
		}
	}
	return nil
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
