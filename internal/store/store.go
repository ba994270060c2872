package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gpos/backend/internal/domain"
)

// Error kinds shared by every layer. Callers wrap them with %w or Errorf so
// the HTTP layer can map the kind to a status code.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

// Errorf returns an error whose text is only the formatted message while
// errors.Is still reports kind. Client-facing messages carry no kind prefix.
func Errorf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

type Repository interface {
	GetLoyaltySetting(ctx context.Context) (domain.LoyaltySetting, error)
	GetItemsByCodes(ctx context.Context, codes []string) (map[string]domain.Item, error)
	ListItems(ctx context.Context, itemGroup string, updatedSince *time.Time) ([]domain.Item, error)
	GetItemGroups(ctx context.Context, names []string) (map[string]domain.ItemGroup, error)
	GetCustomer(ctx context.Context, name string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	FindCustomerByMobile(ctx context.Context, mobile string) (*domain.Customer, error)
	FindCustomerByVAT(ctx context.Context, vatNumber string) (*domain.Customer, error)
	GetPOSProfile(ctx context.Context, name string) (*domain.POSProfile, error)
	ListPOSProfiles(ctx context.Context) ([]domain.POSProfile, error)
	GetOfflineUser(ctx context.Context, offlineUsername string) (*domain.OfflineUser, error)

	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	FindInvoiceByOfflineNumber(ctx context.Context, offlineNumber string) (*domain.Invoice, error)
	InvoiceExistsByUniqueID(ctx context.Context, uniqueID string, isReturn bool) (bool, error)

	CreateLoyaltyEntry(ctx context.Context, entry domain.LoyaltyEntry) (*domain.LoyaltyEntry, error)
	ListLoyaltyEntriesByInvoice(ctx context.Context, invoiceID string) ([]domain.LoyaltyEntry, error)
	ListLoyaltyEntriesByMobile(ctx context.Context, mobile string) ([]domain.LoyaltyEntry, error)
	ExpireLoyaltyEntries(ctx context.Context, asOf time.Time) (int, error)

	CreateShiftOpening(ctx context.Context, opening domain.ShiftOpening) (*domain.ShiftOpening, error)
	GetShiftOpening(ctx context.Context, id string) (*domain.ShiftOpening, error)
	SubmitShiftClosing(ctx context.Context, closing domain.ShiftClosing) (*domain.ShiftClosing, error)
	GetShiftClosing(ctx context.Context, id string) (*domain.ShiftClosing, error)

	ListPromotions(ctx context.Context, validOn time.Time) ([]domain.Promotion, error)
	CreateSyncLog(ctx context.Context, entry domain.SyncLog) (*domain.SyncLog, error)
	FindSyncLog(ctx context.Context, syncID string) (*domain.SyncLog, error)

	GetOAuthClientByAppKey(ctx context.Context, appKey string) (*domain.OAuthClient, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
