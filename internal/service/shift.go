package service

import (
	"context"
	"errors"
	"strings"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/store"
)

const msgShiftNotOpen = "Selected POS Opening Entry should be open."

// OpenShift records a cash session with its declared balances. A caller
// supplied name becomes the shift id. A named POS profile must exist, and a
// user that is an offline terminal login is recorded as its staff account.
func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.ShiftOpening, error) {
	if len(req.BalanceDetails) == 0 {
		return domain.ShiftOpening{}, invalidf("balance_details is required")
	}
	for _, detail := range req.BalanceDetails {
		if strings.TrimSpace(detail.ModeOfPayment) == "" {
			return domain.ShiftOpening{}, invalidf("mode_of_payment is required for every balance detail")
		}
	}
	if strings.TrimSpace(req.Company) == "" {
		return domain.ShiftOpening{}, invalidf("company is required")
	}

	start, err := parseDateTime("period_start_date", req.PeriodStartDate, s.now())
	if err != nil {
		return domain.ShiftOpening{}, err
	}
	posting, err := parseDateTime("posting_date", req.PostingDate, domain.TruncateDay(start))
	if err != nil {
		return domain.ShiftOpening{}, err
	}

	profileName := strings.TrimSpace(req.POSProfile)
	var profile *domain.POSProfile
	if profileName != "" {
		profile, err = s.repo.GetPOSProfile(ctx, profileName)
		if err != nil {
			return domain.ShiftOpening{}, wrapNotFound(err, "POS profile %s not found", profileName)
		}
	}

	details := make([]domain.BalanceDetail, 0, len(req.BalanceDetails))
	for _, detail := range req.BalanceDetails {
		details = append(details, domain.BalanceDetail{
			ModeOfPayment: normalizePaymentMode(detail.ModeOfPayment, profile),
			OpeningAmount: detail.OpeningAmount,
		})
	}

	user, err := s.resolveOfflineUser(ctx, strings.TrimSpace(req.User))
	if err != nil {
		return domain.ShiftOpening{}, err
	}

	saved, err := s.repo.CreateShiftOpening(ctx, domain.ShiftOpening{
		ID:              strings.TrimSpace(req.Name),
		PeriodStartDate: start,
		PostingDate:     posting,
		Company:         strings.TrimSpace(req.Company),
		User:            defaultString(user, actorName(ctx)),
		POSProfile:      profileName,
		BalanceDetails:  details,
	})
	if err != nil {
		return domain.ShiftOpening{}, err
	}

	s.metrics.Shift("open")
	s.publish(ctx, domain.EventShiftOpened, saved.ID, saved)
	s.logAudit(ctx, "shift_open", "shift", saved.ID, saved.POSProfile)
	return *saved, nil
}

// CloseShift records the reconciliation for an open shift. Amounts and the
// summary are stored as received; only the per-mode difference is derived.
// The store moves the opening to Closed in the same step.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.ShiftClosing, error) {
	if len(req.PaymentReconciliation) == 0 {
		return domain.ShiftClosing{}, invalidf("payment_reconciliation is required")
	}
	openingRef := strings.TrimSpace(req.OpeningRef)
	if openingRef == "" {
		return domain.ShiftClosing{}, invalidf("pos_opening_shift is required")
	}
	for _, line := range req.PaymentReconciliation {
		if strings.TrimSpace(line.ModeOfPayment) == "" {
			return domain.ShiftClosing{}, invalidf("mode_of_payment is required for every reconciliation line")
		}
	}

	opening, err := s.repo.GetShiftOpening(ctx, openingRef)
	if err != nil {
		return domain.ShiftClosing{}, wrapNotFound(err, "POS opening shift %s not found", openingRef)
	}
	if opening.Status != domain.ShiftStatusOpen {
		return domain.ShiftClosing{}, conflictf(msgShiftNotOpen)
	}

	end, err := parseDateTime("period_end_date", req.PeriodEndDate, s.now())
	if err != nil {
		return domain.ShiftClosing{}, err
	}
	posting, err := parseDateTime("posting_date", req.PostingDate, domain.TruncateDay(end))
	if err != nil {
		return domain.ShiftClosing{}, err
	}

	var profile *domain.POSProfile
	if opening.POSProfile != "" {
		profile, err = s.repo.GetPOSProfile(ctx, opening.POSProfile)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.ShiftClosing{}, err
		}
	}

	lines := make([]domain.ReconciliationLine, 0, len(req.PaymentReconciliation))
	for _, line := range req.PaymentReconciliation {
		lines = append(lines, domain.ReconciliationLine{
			ModeOfPayment:  normalizePaymentMode(line.ModeOfPayment, profile),
			OpeningAmount:  line.OpeningAmount,
			ExpectedAmount: line.ExpectedAmount,
			ClosingAmount:  line.ClosingAmount,
			Difference:     line.ClosingAmount.Sub(line.ExpectedAmount),
		})
	}

	saved, err := s.repo.SubmitShiftClosing(ctx, domain.ShiftClosing{
		ID:                    strings.TrimSpace(req.Name),
		OpeningRef:            opening.ID,
		PeriodEndDate:         end,
		PostingDate:           posting,
		Company:               defaultString(strings.TrimSpace(req.Company), opening.Company),
		User:                  opening.User,
		POSProfile:            opening.POSProfile,
		PaymentReconciliation: lines,
		Summary:               req.Details,
		CreatedInvoiceStatus:  strings.TrimSpace(req.CreatedInvoiceStatus),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ShiftClosing{}, conflictf(msgShiftNotOpen)
		}
		return domain.ShiftClosing{}, err
	}

	s.metrics.Shift("close")
	s.publish(ctx, domain.EventShiftClosed, saved.ID, saved)
	s.logAudit(ctx, "shift_close", "shift", opening.ID, "closing="+saved.ID)
	return *saved, nil
}

// ShiftStatus looks the id up as an opening first and then as a closing.
func (s *Service) ShiftStatus(ctx context.Context, shiftID string) (domain.ShiftStatus, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return domain.ShiftStatus{}, invalidf("shift_id is required")
	}

	opening, err := s.repo.GetShiftOpening(ctx, shiftID)
	if err == nil {
		return domain.ShiftStatus{ShiftID: opening.ID, Status: opening.Status}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.ShiftStatus{}, err
	}

	closing, err := s.repo.GetShiftClosing(ctx, shiftID)
	if err != nil {
		return domain.ShiftStatus{}, wrapNotFound(err, "shift %s not found", shiftID)
	}
	return domain.ShiftStatus{ShiftID: closing.ID, Status: closing.Status}, nil
}
