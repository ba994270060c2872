package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// OAuthClient is a registered application allowed to obtain tokens through
// the auth proxy. AppKey is matched against the decoded app_key.
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AppKey       string `yaml:"app_key"`
	Name         string `yaml:"name"`
}

type LoyaltySetting struct {
	ValidDays                    int             `json:"valid_days" yaml:"valid_days"`
	CalculateWithoutTax          bool            `json:"loyalty_calculate_without_tax" yaml:"loyalty_calculate_without_tax"`
	DefaultPercentage            decimal.Decimal `json:"loyalty_percentage" yaml:"loyalty_percentage"`
	UseDefaultWhenGroupUndefined bool            `json:"loyalty_point_percentage_if_not_defined_in_item_group" yaml:"loyalty_point_percentage_if_not_defined_in_item_group"`
}

type ItemGroup struct {
	Name              string          `json:"name" yaml:"name"`
	LoyaltyPercentage decimal.Decimal `json:"loyalty_percentage" yaml:"loyalty_percentage"`
}

type Item struct {
	ItemCode  string          `json:"item_code" yaml:"item_code"`
	ItemName  string          `json:"item_name" yaml:"item_name"`
	ItemGroup string          `json:"item_group" yaml:"item_group"`
	UOM       string          `json:"uom" yaml:"uom"`
	Barcodes  []string        `json:"barcodes" yaml:"barcodes"`
	Price     decimal.Decimal `json:"price" yaml:"price"`
	Disabled  bool            `json:"disabled" yaml:"disabled"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}

type ItemGroupListing struct {
	ItemGroup string `json:"item_group"`
	Items     []Item `json:"items"`
}

type Customer struct {
	Name          string           `json:"name" yaml:"name"`
	CustomerName  string           `json:"customer_name" yaml:"customer_name"`
	MobileNo      string           `json:"mobile_no" yaml:"mobile_no"`
	VATNumber     string           `json:"vat_number" yaml:"vat_number"`
	CustomerGroup string           `json:"customer_group" yaml:"customer_group"`
	Disabled      bool             `json:"disabled" yaml:"disabled"`
	POSProfiles   []string         `json:"pos_profiles" yaml:"pos_profiles"`
	Address       *CustomerAddress `json:"address,omitempty" yaml:"address"`
	// DefaultPOS is set on listings filtered by a POS profile when the
	// customer is that profile's default.
	DefaultPOS bool      `json:"custom_default_pos" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

type CustomerAddress struct {
	AddressLine1   string `json:"address_1" yaml:"address_1"`
	AddressLine2   string `json:"address_2,omitempty" yaml:"address_2"`
	City           string `json:"city" yaml:"city"`
	BuildingNumber string `json:"building_no,omitempty" yaml:"building_no"`
	PostalCode     string `json:"pb_no,omitempty" yaml:"pb_no"`
}

type CustomerCreateRequest struct {
	CustomerName   string   `json:"customer_name"`
	MobileNo       string   `json:"mobile_no"`
	VATNumber      string   `json:"vat_number"`
	CustomerGroup  string   `json:"customer_group"`
	POSProfiles    []string `json:"pos_profiles"`
	AddressLine1   string   `json:"address_line1"`
	AddressLine2   string   `json:"address_line2"`
	City           string   `json:"city"`
	BuildingNumber string   `json:"building_number"`
	PostalCode     string   `json:"pb_no"`
}

// OfflineUser maps a login used on an offline terminal to the staff account
// that owns the shifts it opens.
type OfflineUser struct {
	OfflineUsername string `json:"offline_username" yaml:"offline_username"`
	User            string `json:"user" yaml:"user"`
	ShopName        string `json:"shop_name" yaml:"shop_name"`
	CashierName     string `json:"cashier_name" yaml:"cashier_name"`
	IsAdmin         bool   `json:"is_admin" yaml:"is_admin"`
}

type POSProfileUsers struct {
	POSProfile      string   `json:"pos_profile"`
	ApplicableUsers []string `json:"applicable_users"`
}

// PaymentModeMapping maps a client-side offline mode name (e.g. "Cash") to the
// canonical mode of payment configured on a POS profile.
type PaymentModeMapping struct {
	ModeOfPayment        string `json:"mode_of_payment" yaml:"mode_of_payment"`
	OfflineModeOfPayment string `json:"offline_mode_of_payment" yaml:"offline_mode_of_payment"`
	Default              bool   `json:"default" yaml:"default"`
}

type POSProfile struct {
	Name           string               `json:"name" yaml:"name"`
	Company        string               `json:"company" yaml:"company"`
	Warehouse      string               `json:"warehouse" yaml:"warehouse"`
	Disabled       bool                 `json:"disabled" yaml:"disabled"`
	TaxRatePercent decimal.Decimal      `json:"tax_rate_percent" yaml:"tax_rate_percent"`
	Payments       []PaymentModeMapping `json:"payments" yaml:"payments"`
	// DefaultCustomer is listed first for this profile's terminals.
	DefaultCustomer string   `json:"customer" yaml:"customer"`
	Users           []string `json:"applicable_users" yaml:"applicable_users"`
}

type LoyaltyEntry struct {
	ID               string           `json:"id"`
	InvoiceID        string           `json:"invoice_id"`
	Date             time.Time        `json:"date"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	Customer         string           `json:"customer"`
	MobileNo         string           `json:"mobile_no"`
	Debit            decimal.Decimal  `json:"debit"`
	Credit           decimal.Decimal  `json:"credit"`
	LoyaltyPoint     *decimal.Decimal `json:"loyalty_point"`
	RedeemAgainst    string           `json:"redeem_against,omitempty"`
	UsedLoyaltyPoint bool             `json:"used_loyalty_point"`
	IsExpired        bool             `json:"is_expired"`
	ExpiryDate       *time.Time       `json:"expiry_date,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Expired reports whether the entry no longer counts toward a balance on day asOf.
func (e LoyaltyEntry) Expired(asOf time.Time) bool {
	if e.IsExpired {
		return true
	}
	if e.ExpiryDate == nil {
		return false
	}
	return e.ExpiryDate.Before(TruncateDay(asOf))
}

type InvoiceLine struct {
	ItemCode string          `json:"item_code"`
	ItemName string          `json:"item_name,omitempty"`
	Qty      decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	UOM      string          `json:"uom"`
	Amount   decimal.Decimal `json:"amount"`
}

type InvoicePayment struct {
	ModeOfPayment string          `json:"mode_of_payment"`
	Amount        decimal.Decimal `json:"amount"`
}

type Invoice struct {
	ID                   string           `json:"id"`
	Customer             string           `json:"customer_id"`
	CustomerName         string           `json:"customer_name"`
	UniqueID             string           `json:"unique_id,omitempty"`
	OfflineInvoiceNumber string           `json:"offline_invoice_number,omitempty"`
	MachineName          string           `json:"machine_name,omitempty"`
	POSProfile           string           `json:"pos_profile,omitempty"`
	POSShift             string           `json:"pos_shift,omitempty"`
	Cashier              string           `json:"cashier,omitempty"`
	PurchaseOrder        string           `json:"customer_purchase_order,omitempty"`
	IsReturn             bool             `json:"is_return"`
	ReturnAgainst        string           `json:"return_against,omitempty"`
	Reason               string           `json:"reason,omitempty"`
	LoyaltyMobile        string           `json:"loyalty_mobile,omitempty"`
	PIH                  string           `json:"pih,omitempty"`
	PostingDate          time.Time        `json:"posting_date"`
	Items                []InvoiceLine    `json:"items"`
	Payments             []InvoicePayment `json:"payments"`
	TotalQty             decimal.Decimal  `json:"total_quantity"`
	Total                decimal.Decimal  `json:"total"`
	DiscountAmount       decimal.Decimal  `json:"discount_amount"`
	NetTotal             decimal.Decimal  `json:"net_total"`
	TaxAmount            decimal.Decimal  `json:"tax_amount"`
	GrandTotal           decimal.Decimal  `json:"grand_total"`
	Status               string           `json:"status"`
	CreatedAt            time.Time        `json:"created_at"`
}

type InvoiceLineRequest struct {
	ItemCode string          `json:"item_code"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	UOM      string          `json:"uom,omitempty"`
}

type InvoiceCreateRequest struct {
	CustomerName          string               `json:"customer_name"`
	Items                 []InvoiceLineRequest `json:"items"`
	Payments              []InvoicePayment     `json:"payments,omitempty"`
	MachineName           string               `json:"machine_name"`
	CustomerPurchaseOrder string               `json:"customer_purchase_order,omitempty"`
	DiscountAmount        decimal.Decimal      `json:"discount_amount"`
	UniqueID              string               `json:"unique_id,omitempty"`
	OfflineCreationTime   *time.Time           `json:"offline_creation_time,omitempty"`
	OfflineInvoiceNumber  string               `json:"offline_invoice_number,omitempty"`
	POSProfile            string               `json:"pos_profile,omitempty"`
	POSShift              string               `json:"pos_shift,omitempty"`
	Cashier               string               `json:"cashier,omitempty"`
	PIH                   string               `json:"pih,omitempty"`
	LoyaltyMobile         string               `json:"loyalty_mobile,omitempty"`
}

type CreditNoteRequest struct {
	InvoiceCreateRequest
	ReturnAgainst string `json:"return_against,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type InvoiceResponse struct {
	Invoice Invoice        `json:"invoice"`
	Loyalty *LoyaltyResult `json:"loyalty,omitempty"`
}

// RedemptionStep is one prior earning entry visited by the FIFO redemption walk.
type RedemptionStep struct {
	EntryID   string          `json:"entry_id"`
	Available decimal.Decimal `json:"available"`
	Consumed  bool            `json:"consumed"`
}

type RedemptionWalk struct {
	Steps     []RedemptionStep `json:"steps"`
	Remaining decimal.Decimal  `json:"remaining"`
}

type LoyaltyResult struct {
	Status         string          `json:"status"`
	EarnedPoints   decimal.Decimal `json:"earned_points"`
	RedeemedPoints decimal.Decimal `json:"redeemed_points"`
	CreditedPoints decimal.Decimal `json:"credited_points"`
	RedeemReversed decimal.Decimal `json:"redeem_reversed"`
	Message        string          `json:"message,omitempty"`
	Entry          *LoyaltyEntry   `json:"entry,omitempty"`
	RedemptionWalk *RedemptionWalk `json:"redemption_walk,omitempty"`
}

type LoyaltyAccrueRequest struct {
	InvoiceID string `json:"invoice_id"`
	Customer  string `json:"customer"`
	MobileNo  string `json:"mobile_no"`
}

type LoyaltyReturnRequest struct {
	ReturnInvoiceID string `json:"return_invoice_id"`
}

type LoyaltyBalance struct {
	MobileNo string          `json:"mobile_no"`
	Balance  decimal.Decimal `json:"balance"`
	Entries  []LoyaltyEntry  `json:"entries"`
}

type LoyaltyExpireRequest struct {
	AsOf string `json:"as_of"`
}

type LoyaltyExpireResponse struct {
	AsOf    string `json:"as_of"`
	Expired int    `json:"expired"`
}

type BalanceDetail struct {
	ModeOfPayment string          `json:"mode_of_payment"`
	OpeningAmount decimal.Decimal `json:"opening_amount"`
}

type ShiftOpening struct {
	ID              string          `json:"sync_id"`
	PeriodStartDate time.Time       `json:"period_start_date"`
	PostingDate     time.Time       `json:"posting_date"`
	Company         string          `json:"company"`
	User            string          `json:"user"`
	POSProfile      string          `json:"pos_profile"`
	Status          string          `json:"status"`
	BalanceDetails  []BalanceDetail `json:"balance_details"`
	CreatedAt       time.Time       `json:"created_at"`
}

type ShiftOpenRequest struct {
	Name            string          `json:"name,omitempty"`
	PeriodStartDate string          `json:"period_start_date"`
	PostingDate     string          `json:"posting_date,omitempty"`
	Company         string          `json:"company"`
	User            string          `json:"user"`
	POSProfile      string          `json:"pos_profile"`
	BalanceDetails  []BalanceDetail `json:"balance_details"`
}

type ReconciliationLine struct {
	ModeOfPayment  string          `json:"mode_of_payment"`
	OpeningAmount  decimal.Decimal `json:"opening_amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	ClosingAmount  decimal.Decimal `json:"closing_amount"`
	Difference     decimal.Decimal `json:"difference"`
}

// ShiftSummary carries aggregate totals computed by the caller. They are
// stored as received.
type ShiftSummary struct {
	NumberOfInvoices       int             `json:"number_of_invoices"`
	NumberOfReturnInvoices int             `json:"number_of_return_invoices"`
	TotalOfInvoices        decimal.Decimal `json:"total_of_invoices"`
	TotalOfReturns         decimal.Decimal `json:"total_of_returns"`
	TotalOfCash            decimal.Decimal `json:"total_of_cash"`
	TotalOfReturnCash      decimal.Decimal `json:"total_of_return_cash"`
	TotalOfBank            decimal.Decimal `json:"total_of_bank"`
	TotalOfReturnBank      decimal.Decimal `json:"total_of_return_bank"`
}

type ShiftClosing struct {
	ID                    string               `json:"sync_id"`
	OpeningRef            string               `json:"pos_opening_shift"`
	PeriodEndDate         time.Time            `json:"period_end_date"`
	PostingDate           time.Time            `json:"posting_date"`
	Company               string               `json:"company"`
	User                  string               `json:"user"`
	POSProfile            string               `json:"pos_profile"`
	Status                string               `json:"status"`
	PaymentReconciliation []ReconciliationLine `json:"payment_reconciliation"`
	Summary               ShiftSummary         `json:"details"`
	CreatedInvoiceStatus  string               `json:"created_invoice_status,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
}

type ShiftCloseRequest struct {
	Name                  string               `json:"name,omitempty"`
	OpeningRef            string               `json:"pos_opening_shift"`
	Company               string               `json:"company"`
	PeriodEndDate         string               `json:"period_end_date"`
	PostingDate           string               `json:"posting_date,omitempty"`
	PaymentReconciliation []ReconciliationLine `json:"payment_reconciliation"`
	Details               ShiftSummary         `json:"details"`
	CreatedInvoiceStatus  string               `json:"created_invoice_status,omitempty"`
}

type ShiftStatus struct {
	ShiftID string `json:"shift_id"`
	Status  string `json:"status"`
}

type PromotionItem struct {
	ID                 string          `json:"id" yaml:"id"`
	ItemCode           string          `json:"item_code" yaml:"item_code"`
	ItemName           string          `json:"item_name" yaml:"item_name"`
	DiscountType       string          `json:"discount_type" yaml:"discount_type"`
	MinQty             decimal.Decimal `json:"min_qty" yaml:"min_qty"`
	MaxQty             decimal.Decimal `json:"max_qty" yaml:"max_qty"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage" yaml:"discount_percentage"`
	DiscountPrice      decimal.Decimal `json:"discount_price" yaml:"discount_price"`
	Rate               decimal.Decimal `json:"rate" yaml:"rate"`
}

type Promotion struct {
	ID          string          `json:"id" yaml:"id"`
	Company     string          `json:"company" yaml:"company"`
	Disabled    bool            `json:"disabled" yaml:"-"`
	ValidFrom   string          `json:"valid_from" yaml:"valid_from"`
	ValidUpto   string          `json:"valid_upto" yaml:"valid_upto"`
	POSProfiles []string        `json:"-" yaml:"pos_profiles"`
	Items       []PromotionItem `json:"items" yaml:"items"`
}

type SyncLog struct {
	ID       string    `json:"name"`
	SyncID   string    `json:"sync_id"`
	Details  string    `json:"details"`
	LoggedAt string    `json:"datetime"`
	Location string    `json:"location"`
	Created  time.Time `json:"created_at"`
}

type SyncLogRequest struct {
	SyncID   string `json:"sync_id"`
	Details  string `json:"details"`
	Datetime string `json:"datetime"`
	Location string `json:"location"`
}

type TokenRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	AppKey    string `json:"app_key"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	AppKey       string `json:"app_key,omitempty"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

type OTPSendRequest struct {
	MobileNo string `json:"mobile_no"`
}

type OTPVerifyRequest struct {
	MobileNo string `json:"mobile_no"`
	Code     string `json:"code"`
}

type OTPSendResponse struct {
	MobileNo  string `json:"mobile_no"`
	ExpiresIn int    `json:"expires_in"`
}

type CSVImportResult struct {
	InvoiceID string `json:"invoice_id"`
	Rows      int    `json:"rows"`
	Created   string `json:"created,omitempty"`
	Error     string `json:"error,omitempty"`
}

type CSVImportResponse struct {
	Results []CSVImportResult `json:"results"`
	Orphans int               `json:"orphan_rows"`
}

// Event is published to the message bus after a state change.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	ShiftStatusOpen      = "Open"
	ShiftStatusClosed    = "Closed"
	ShiftStatusSubmitted = "Submitted"

	InvoiceStatusPaid   = "Paid"
	InvoiceStatusReturn = "Return"

	LoyaltyStatusSuccess = "success"

	EventInvoiceCreated  = "invoice.created"
	EventInvoiceReturned = "invoice.returned"
	EventLoyaltyRecorded = "loyalty.recorded"
	EventShiftOpened     = "shift.opened"
	EventShiftClosed     = "shift.closed"
	EventCustomerCreated = "customer.created"
)

// TruncateDay returns midnight UTC of the day containing t.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
