package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/store"
	"gpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &Store{db: db}, nil
}

// EnsureSchema creates missing tables and indexes. Every statement is
// idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetLoyaltySetting(ctx context.Context) (domain.LoyaltySetting, error) {
	var setting domain.LoyaltySetting
	err := s.db.QueryRowContext(ctx, `
		SELECT valid_days, calculate_without_tax, default_percentage, use_default_when_group_undefined
		FROM loyalty_settings
		WHERE id = 1
	`).Scan(&setting.ValidDays, &setting.CalculateWithoutTax, &setting.DefaultPercentage, &setting.UseDefaultWhenGroupUndefined)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LoyaltySetting{}, nil
		}
		return domain.LoyaltySetting{}, errors.Wrap(err, "load loyalty setting")
	}
	return setting, nil
}

const itemColumns = `item_code, item_name, item_group, uom, barcodes, price, disabled, updated_at`

func scanItem(row rowScanner) (domain.Item, error) {
	var item domain.Item
	var barcodes []byte
	if err := row.Scan(&item.ItemCode, &item.ItemName, &item.ItemGroup, &item.UOM, &barcodes, &item.Price, &item.Disabled, &item.UpdatedAt); err != nil {
		return domain.Item{}, err
	}
	if err := json.Unmarshal(barcodes, &item.Barcodes); err != nil {
		return domain.Item{}, errors.Wrapf(err, "decode barcodes of %s", item.ItemCode)
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func (s *Store) GetItemsByCodes(ctx context.Context, codes []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(codes))
	if len(codes) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_code = ANY($1)`, codes)
	if err != nil {
		return nil, errors.Wrap(err, "query items")
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result[item.ItemCode] = item
	}
	return result, rows.Err()
}

func (s *Store) ListItems(ctx context.Context, itemGroup string, updatedSince *time.Time) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE disabled = false
			AND ($1 = '' OR item_group = $1)
			AND ($2::timestamptz IS NULL OR updated_at > $2)
		ORDER BY item_group, item_code
	`, itemGroup, nullTime(updatedSince))
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 128)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) GetItemGroups(ctx context.Context, names []string) (map[string]domain.ItemGroup, error) {
	result := make(map[string]domain.ItemGroup, len(names))
	if len(names) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, loyalty_percentage FROM item_groups WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, errors.Wrap(err, "query item groups")
	}
	defer rows.Close()

	for rows.Next() {
		var group domain.ItemGroup
		if err := rows.Scan(&group.Name, &group.LoyaltyPercentage); err != nil {
			return nil, err
		}
		result[group.Name] = group
	}
	return result, rows.Err()
}

const customerColumns = `name, customer_name, mobile_no, vat_number, customer_group, disabled, pos_profiles, address, created_at`

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var customer domain.Customer
	var profiles, address []byte
	err := row.Scan(&customer.Name, &customer.CustomerName, &customer.MobileNo, &customer.VATNumber,
		&customer.CustomerGroup, &customer.Disabled, &profiles, &address, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan customer")
	}
	if err := json.Unmarshal(profiles, &customer.POSProfiles); err != nil {
		return nil, errors.Wrapf(err, "decode pos profiles of %s", customer.Name)
	}
	if len(address) > 0 {
		customer.Address = &domain.CustomerAddress{}
		if err := json.Unmarshal(address, customer.Address); err != nil {
			return nil, errors.Wrapf(err, "decode address of %s", customer.Name)
		}
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, name string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE name = $1`, name))
}

func (s *Store) FindCustomerByMobile(ctx context.Context, mobile string) (*domain.Customer, error) {
	if mobile == "" {
		return nil, store.ErrNotFound
	}
	return scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE mobile_no = $1`, mobile))
}

func (s *Store) FindCustomerByVAT(ctx context.Context, vatNumber string) (*domain.Customer, error) {
	if vatNumber == "" {
		return nil, store.ErrNotFound
	}
	return scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE vat_number = $1`, vatNumber))
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list customers")
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *customer)
	}
	return customers, rows.Err()
}

// CreateCustomer leans on the primary key and the partial unique indexes on
// mobile_no and vat_number.
func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := s.insertCustomer(ctx, s.db, customer, false); err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, customer.Name)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertCustomer(ctx context.Context, db execer, customer domain.Customer, skipExisting bool) error {
	if strings.TrimSpace(customer.Name) == "" {
		return store.ErrInvalidInput
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	if customer.POSProfiles == nil {
		customer.POSProfiles = []string{}
	}
	profiles, err := json.Marshal(customer.POSProfiles)
	if err != nil {
		return err
	}
	var address any
	if customer.Address != nil {
		raw, err := json.Marshal(customer.Address)
		if err != nil {
			return err
		}
		address = string(raw)
	}

	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if skipExisting {
		query += ` ON CONFLICT DO NOTHING`
	}
	_, err = db.ExecContext(ctx, query, customer.Name, customer.CustomerName, customer.MobileNo, customer.VATNumber,
		customer.CustomerGroup, customer.Disabled, string(profiles), address, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			switch constraintName(err) {
			case "customers_mobile_idx":
				return store.Errorf(store.ErrConflict, "mobile number %s already exists", customer.MobileNo)
			case "customers_vat_idx":
				return store.Errorf(store.ErrConflict, "VAT number %s already exists", customer.VATNumber)
			default:
				return store.Errorf(store.ErrConflict, "customer %s already exists", customer.Name)
			}
		}
		return errors.Wrap(err, "insert customer")
	}
	return nil
}

const profileColumns = `name, company, warehouse, disabled, tax_rate_percent, payments, default_customer, users`

func scanPOSProfile(row rowScanner) (*domain.POSProfile, error) {
	var profile domain.POSProfile
	var payments, users []byte
	err := row.Scan(&profile.Name, &profile.Company, &profile.Warehouse, &profile.Disabled, &profile.TaxRatePercent,
		&payments, &profile.DefaultCustomer, &users)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan pos profile")
	}
	if err := json.Unmarshal(payments, &profile.Payments); err != nil {
		return nil, errors.Wrapf(err, "decode payments of %s", profile.Name)
	}
	if err := json.Unmarshal(users, &profile.Users); err != nil {
		return nil, errors.Wrapf(err, "decode users of %s", profile.Name)
	}
	return &profile, nil
}

func (s *Store) GetPOSProfile(ctx context.Context, name string) (*domain.POSProfile, error) {
	return scanPOSProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM pos_profiles WHERE name = $1`, name))
}

func (s *Store) ListPOSProfiles(ctx context.Context) ([]domain.POSProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM pos_profiles ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list pos profiles")
	}
	defer rows.Close()

	profiles := make([]domain.POSProfile, 0, 8)
	for rows.Next() {
		profile, err := scanPOSProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *profile)
	}
	return profiles, rows.Err()
}

func (s *Store) GetOfflineUser(ctx context.Context, offlineUsername string) (*domain.OfflineUser, error) {
	var user domain.OfflineUser
	err := s.db.QueryRowContext(ctx, `
		SELECT offline_username, username, shop_name, cashier_name, is_admin
		FROM pos_offline_users
		WHERE offline_username = $1
	`, offlineUsername).Scan(&user.OfflineUsername, &user.User, &user.ShopName, &user.CashierName, &user.IsAdmin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "load offline user")
	}
	return &user, nil
}

const invoiceColumns = `
	id, customer, customer_name, unique_id, offline_invoice_number, machine_name,
	pos_profile, pos_shift, cashier, purchase_order, is_return, return_against,
	reason, loyalty_mobile, pih, posting_date, items, payments, total_qty, total,
	discount_amount, net_total, tax_amount, grand_total, status, created_at`

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var items, payments []byte
	err := row.Scan(
		&inv.ID, &inv.Customer, &inv.CustomerName, &inv.UniqueID, &inv.OfflineInvoiceNumber, &inv.MachineName,
		&inv.POSProfile, &inv.POSShift, &inv.Cashier, &inv.PurchaseOrder, &inv.IsReturn, &inv.ReturnAgainst,
		&inv.Reason, &inv.LoyaltyMobile, &inv.PIH, &inv.PostingDate, &items, &payments, &inv.TotalQty, &inv.Total,
		&inv.DiscountAmount, &inv.NetTotal, &inv.TaxAmount, &inv.GrandTotal, &inv.Status, &inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan invoice")
	}
	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return nil, errors.Wrapf(err, "decode items of %s", inv.ID)
	}
	if err := json.Unmarshal(payments, &inv.Payments); err != nil {
		return nil, errors.Wrapf(err, "decode payments of %s", inv.ID)
	}
	inv.PostingDate = inv.PostingDate.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	return &inv, nil
}

// CreateInvoice relies on the partial unique indexes for unique_id and
// offline_invoice_number. A violation is reported as store.ErrConflict.
func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if len(invoice.Items) == 0 || strings.TrimSpace(invoice.Customer) == "" {
		return nil, store.ErrInvalidInput
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("ACC-SINV")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	items, err := json.Marshal(invoice.Items)
	if err != nil {
		return nil, err
	}
	payments, err := json.Marshal(invoice.Payments)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
	`, invoice.ID, invoice.Customer, invoice.CustomerName, invoice.UniqueID, invoice.OfflineInvoiceNumber, invoice.MachineName,
		invoice.POSProfile, invoice.POSShift, invoice.Cashier, invoice.PurchaseOrder, invoice.IsReturn, invoice.ReturnAgainst,
		invoice.Reason, invoice.LoyaltyMobile, invoice.PIH, invoice.PostingDate, string(items), string(payments), invoice.TotalQty, invoice.Total,
		invoice.DiscountAmount, invoice.NetTotal, invoice.TaxAmount, invoice.GrandTotal, invoice.Status, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Errorf(store.ErrConflict, "invoice %s violates %s", invoice.ID, constraintName(err))
		}
		return nil, errors.Wrap(err, "insert invoice")
	}
	saved := invoice
	return &saved, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

func (s *Store) FindInvoiceByOfflineNumber(ctx context.Context, offlineNumber string) (*domain.Invoice, error) {
	return scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE offline_invoice_number = $1 AND NOT is_return
	`, offlineNumber))
}

func (s *Store) InvoiceExistsByUniqueID(ctx context.Context, uniqueID string, isReturn bool) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM invoices WHERE unique_id = $1 AND is_return = $2)
	`, uniqueID, isReturn).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check unique id")
	}
	return exists, nil
}

const loyaltyColumns = `
	id, invoice_id, entry_date, total_amount, customer, mobile_no, debit, credit,
	loyalty_point, redeem_against, used_loyalty_point, is_expired, expiry_date, created_at`

func scanLoyaltyEntry(row rowScanner) (domain.LoyaltyEntry, error) {
	var entry domain.LoyaltyEntry
	var point decimal.NullDecimal
	var expiry sql.NullTime
	err := row.Scan(
		&entry.ID, &entry.InvoiceID, &entry.Date, &entry.TotalAmount, &entry.Customer, &entry.MobileNo, &entry.Debit, &entry.Credit,
		&point, &entry.RedeemAgainst, &entry.UsedLoyaltyPoint, &entry.IsExpired, &expiry, &entry.CreatedAt,
	)
	if err != nil {
		return domain.LoyaltyEntry{}, err
	}
	if point.Valid {
		entry.LoyaltyPoint = &point.Decimal
	}
	if expiry.Valid {
		day := domain.TruncateDay(expiry.Time)
		entry.ExpiryDate = &day
	}
	entry.Date = entry.Date.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (s *Store) CreateLoyaltyEntry(ctx context.Context, entry domain.LoyaltyEntry) (*domain.LoyaltyEntry, error) {
	if strings.TrimSpace(entry.InvoiceID) == "" {
		return nil, store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("LPE")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var point decimal.NullDecimal
	if entry.LoyaltyPoint != nil {
		point = decimal.NewNullDecimal(*entry.LoyaltyPoint)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_entries (`+loyaltyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, entry.ID, entry.InvoiceID, entry.Date, entry.TotalAmount, entry.Customer, entry.MobileNo, entry.Debit, entry.Credit,
		point, entry.RedeemAgainst, entry.UsedLoyaltyPoint, entry.IsExpired, nullDate(entry.ExpiryDate), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Errorf(store.ErrConflict, "loyalty entry %s already exists", entry.ID)
		}
		return nil, errors.Wrap(err, "insert loyalty entry")
	}
	saved := entry
	return &saved, nil
}

func (s *Store) listLoyaltyEntries(ctx context.Context, column string, value string) ([]domain.LoyaltyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+loyaltyColumns+`
		FROM loyalty_entries
		WHERE `+column+` = $1
		ORDER BY created_at, id
	`, value)
	if err != nil {
		return nil, errors.Wrapf(err, "list loyalty entries by %s", column)
	}
	defer rows.Close()

	entries := make([]domain.LoyaltyEntry, 0, 8)
	for rows.Next() {
		entry, err := scanLoyaltyEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListLoyaltyEntriesByInvoice(ctx context.Context, invoiceID string) ([]domain.LoyaltyEntry, error) {
	return s.listLoyaltyEntries(ctx, "invoice_id", invoiceID)
}

// ListLoyaltyEntriesByMobile returns entries oldest first.
func (s *Store) ListLoyaltyEntriesByMobile(ctx context.Context, mobile string) ([]domain.LoyaltyEntry, error) {
	return s.listLoyaltyEntries(ctx, "mobile_no", mobile)
}

func (s *Store) ExpireLoyaltyEntries(ctx context.Context, asOf time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loyalty_entries
		SET is_expired = true
		WHERE is_expired = false AND expiry_date IS NOT NULL AND expiry_date < $1
	`, domain.TruncateDay(asOf))
	if err != nil {
		return 0, errors.Wrap(err, "expire loyalty entries")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) CreateShiftOpening(ctx context.Context, opening domain.ShiftOpening) (*domain.ShiftOpening, error) {
	if len(opening.BalanceDetails) == 0 {
		return nil, store.ErrInvalidInput
	}
	if opening.ID == "" {
		opening.ID = xid.New("POS-OPE")
	}
	if opening.CreatedAt.IsZero() {
		opening.CreatedAt = time.Now().UTC()
	}
	opening.Status = domain.ShiftStatusOpen
	details, err := json.Marshal(opening.BalanceDetails)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shift_openings (
			id, period_start_date, posting_date, company, username, pos_profile,
			status, balance_details, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, opening.ID, opening.PeriodStartDate, opening.PostingDate, opening.Company, opening.User, opening.POSProfile,
		opening.Status, string(details), opening.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Errorf(store.ErrConflict, "shift %s already exists", opening.ID)
		}
		return nil, errors.Wrap(err, "insert shift opening")
	}
	saved := opening
	return &saved, nil
}

func (s *Store) GetShiftOpening(ctx context.Context, id string) (*domain.ShiftOpening, error) {
	var opening domain.ShiftOpening
	var details []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, period_start_date, posting_date, company, username, pos_profile,
			status, balance_details, created_at
		FROM shift_openings
		WHERE id = $1
	`, id).Scan(&opening.ID, &opening.PeriodStartDate, &opening.PostingDate, &opening.Company, &opening.User, &opening.POSProfile,
		&opening.Status, &details, &opening.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "load shift opening")
	}
	if err := json.Unmarshal(details, &opening.BalanceDetails); err != nil {
		return nil, errors.Wrapf(err, "decode balance details of %s", id)
	}
	opening.PeriodStartDate = opening.PeriodStartDate.UTC()
	opening.PostingDate = opening.PostingDate.UTC()
	opening.CreatedAt = opening.CreatedAt.UTC()
	return &opening, nil
}

// SubmitShiftClosing flips the opening from Open to Closed and inserts the
// closing in one transaction. The conditional update is what serializes
// concurrent closes of the same opening.
func (s *Store) SubmitShiftClosing(ctx context.Context, closing domain.ShiftClosing) (*domain.ShiftClosing, error) {
	if strings.TrimSpace(closing.OpeningRef) == "" || len(closing.PaymentReconciliation) == 0 {
		return nil, store.ErrInvalidInput
	}
	if closing.ID == "" {
		closing.ID = xid.New("POS-CLO")
	}
	if closing.CreatedAt.IsZero() {
		closing.CreatedAt = time.Now().UTC()
	}
	closing.Status = domain.ShiftStatusSubmitted
	reconciliation, err := json.Marshal(closing.PaymentReconciliation)
	if err != nil {
		return nil, err
	}
	summary, err := json.Marshal(closing.Summary)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin close shift")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE shift_openings SET status = $2 WHERE id = $1 AND status = $3
	`, closing.OpeningRef, domain.ShiftStatusClosed, domain.ShiftStatusOpen)
	if err != nil {
		return nil, errors.Wrap(err, "close shift opening")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM shift_openings WHERE id = $1`, closing.OpeningRef).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, errors.Wrap(err, "load shift opening status")
		}
		return nil, store.Errorf(store.ErrConflict, "shift %s is %s", closing.OpeningRef, status)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shift_closings (
			id, opening_ref, period_end_date, posting_date, company, username, pos_profile,
			status, payment_reconciliation, summary, created_invoice_status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, closing.ID, closing.OpeningRef, closing.PeriodEndDate, closing.PostingDate, closing.Company, closing.User, closing.POSProfile,
		closing.Status, string(reconciliation), string(summary), closing.CreatedInvoiceStatus, closing.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Errorf(store.ErrConflict, "closing %s already exists", closing.ID)
		}
		return nil, errors.Wrap(err, "insert shift closing")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit close shift")
	}
	saved := closing
	return &saved, nil
}

func (s *Store) GetShiftClosing(ctx context.Context, id string) (*domain.ShiftClosing, error) {
	var closing domain.ShiftClosing
	var reconciliation, summary []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, opening_ref, period_end_date, posting_date, company, username, pos_profile,
			status, payment_reconciliation, summary, created_invoice_status, created_at
		FROM shift_closings
		WHERE id = $1
	`, id).Scan(&closing.ID, &closing.OpeningRef, &closing.PeriodEndDate, &closing.PostingDate, &closing.Company, &closing.User, &closing.POSProfile,
		&closing.Status, &reconciliation, &summary, &closing.CreatedInvoiceStatus, &closing.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "load shift closing")
	}
	if err := json.Unmarshal(reconciliation, &closing.PaymentReconciliation); err != nil {
		return nil, errors.Wrapf(err, "decode reconciliation of %s", id)
	}
	if err := json.Unmarshal(summary, &closing.Summary); err != nil {
		return nil, errors.Wrapf(err, "decode summary of %s", id)
	}
	closing.PeriodEndDate = closing.PeriodEndDate.UTC()
	closing.PostingDate = closing.PostingDate.UTC()
	closing.CreatedAt = closing.CreatedAt.UTC()
	return &closing, nil
}

func (s *Store) ListPromotions(ctx context.Context, validOn time.Time) ([]domain.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company, disabled, valid_from, valid_upto, pos_profiles, items
		FROM promotions
		WHERE valid_upto >= $1
		ORDER BY id
	`, domain.TruncateDay(validOn))
	if err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}
	defer rows.Close()

	promotions := make([]domain.Promotion, 0, 8)
	for rows.Next() {
		var promo domain.Promotion
		var validFrom, validUpto time.Time
		var profiles, items []byte
		if err := rows.Scan(&promo.ID, &promo.Company, &promo.Disabled, &validFrom, &validUpto, &profiles, &items); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(profiles, &promo.POSProfiles); err != nil {
			return nil, errors.Wrapf(err, "decode profiles of %s", promo.ID)
		}
		if err := json.Unmarshal(items, &promo.Items); err != nil {
			return nil, errors.Wrapf(err, "decode items of %s", promo.ID)
		}
		promo.ValidFrom = validFrom.UTC().Format(time.DateOnly)
		promo.ValidUpto = validUpto.UTC().Format(time.DateOnly)
		promotions = append(promotions, promo)
	}
	return promotions, rows.Err()
}

func (s *Store) CreateSyncLog(ctx context.Context, entry domain.SyncLog) (*domain.SyncLog, error) {
	if strings.TrimSpace(entry.SyncID) == "" {
		return nil, store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("GLOG")
	}
	if entry.Created.IsZero() {
		entry.Created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, sync_id, details, logged_at, location, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.SyncID, entry.Details, entry.LoggedAt, entry.Location, entry.Created)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Errorf(store.ErrConflict, "sync_id %s already exists", entry.SyncID)
		}
		return nil, errors.Wrap(err, "insert sync log")
	}
	saved := entry
	return &saved, nil
}

func (s *Store) FindSyncLog(ctx context.Context, syncID string) (*domain.SyncLog, error) {
	var entry domain.SyncLog
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sync_id, details, logged_at, location, created_at
		FROM sync_logs
		WHERE sync_id = $1
	`, syncID).Scan(&entry.ID, &entry.SyncID, &entry.Details, &entry.LoggedAt, &entry.Location, &entry.Created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "load sync log")
	}
	entry.Created = entry.Created.UTC()
	return &entry, nil
}

func (s *Store) GetOAuthClientByAppKey(ctx context.Context, appKey string) (*domain.OAuthClient, error) {
	var client domain.OAuthClient
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret, app_key, name FROM oauth_clients WHERE app_key = $1
	`, appKey).Scan(&client.ClientID, &client.ClientSecret, &client.AppKey, &client.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "load oauth client")
	}
	return &client, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return errors.Wrap(err, "insert user")
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return errors.Wrap(err, "update user password")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName != "" {
		return pgErr.ConstraintName
	}
	return "a unique constraint"
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return domain.TruncateDay(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
