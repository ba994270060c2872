package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/store"
	"gpos/backend/internal/store/seed"
	"gpos/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	setting           domain.LoyaltySetting
	itemGroups        map[string]domain.ItemGroup
	items             map[string]domain.Item
	customers         map[string]domain.Customer
	posProfiles       map[string]domain.POSProfile
	offlineUsers      map[string]domain.OfflineUser
	promotions        []domain.Promotion
	oauthClients      map[string]domain.OAuthClient
	invoicesByID      map[string]domain.Invoice
	invoiceByOffline  map[string]string
	invoiceByUniqueID map[string]string
	loyaltyEntries    []domain.LoyaltyEntry
	openings          map[string]domain.ShiftOpening
	closings          map[string]domain.ShiftClosing
	syncLogs          map[string]domain.SyncLog
	usersByUsername   map[string]domain.UserAccount
}

// New returns an empty store. Tests use it to control every record.
func New() *Store {
	return &Store{
		itemGroups:        make(map[string]domain.ItemGroup),
		items:             make(map[string]domain.Item),
		customers:         make(map[string]domain.Customer),
		posProfiles:       make(map[string]domain.POSProfile),
		offlineUsers:      make(map[string]domain.OfflineUser),
		oauthClients:      make(map[string]domain.OAuthClient),
		invoicesByID:      make(map[string]domain.Invoice),
		invoiceByOffline:  make(map[string]string),
		invoiceByUniqueID: make(map[string]string),
		loyaltyEntries:    make([]domain.LoyaltyEntry, 0, 64),
		openings:          make(map[string]domain.ShiftOpening),
		closings:          make(map[string]domain.ShiftClosing),
		syncLogs:          make(map[string]domain.SyncLog),
		usersByUsername:   make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store loaded with the embedded demo catalog and users.
func NewSeeded() *Store {
	catalog, err := seed.Default()
	if err != nil {
		zlog.Fatal().Err(err).Msg("memory-store: invalid embedded seed")
	}
	users, err := seed.Users()
	if err != nil {
		zlog.Fatal().Err(err).Msg("memory-store: seed users")
	}
	s := New()
	s.Load(catalog, users)
	return s
}

// Load replaces catalog records and adds users. Transactional records are
// left alone.
func (s *Store) Load(catalog seed.Catalog, users []domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.setting = catalog.LoyaltySetting
	for _, group := range catalog.ItemGroups {
		s.itemGroups[group.Name] = group
	}
	for _, item := range catalog.Items {
		item.UpdatedAt = now
		s.items[item.ItemCode] = item
	}
	for _, customer := range catalog.Customers {
		customer.CreatedAt = now
		s.customers[customer.Name] = customer
	}
	for _, profile := range catalog.POSProfiles {
		s.posProfiles[profile.Name] = profile
	}
	s.promotions = append(s.promotions, catalog.Promotions...)
	for _, client := range catalog.OAuthClients {
		s.oauthClients[client.AppKey] = client
	}
	for _, user := range catalog.OfflineUsers {
		s.offlineUsers[user.OfflineUsername] = user
	}
	for _, user := range users {
		s.usersByUsername[user.Username] = user
	}
}

func (s *Store) SetLoyaltySetting(setting domain.LoyaltySetting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setting = setting
}

func (s *Store) PutItemGroup(group domain.ItemGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemGroups[group.Name] = group
}

func (s *Store) PutItem(item domain.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	s.items[item.ItemCode] = item
}

func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.Name] = customer
}

func (s *Store) PutPOSProfile(profile domain.POSProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posProfiles[profile.Name] = profile
}

func (s *Store) GetLoyaltySetting(_ context.Context) (domain.LoyaltySetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setting, nil
}

func (s *Store) GetItemsByCodes(_ context.Context, codes []string) (map[string]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Item, len(codes))
	for _, code := range codes {
		if item, ok := s.items[code]; ok {
			result[code] = cloneItem(item)
		}
	}
	return result, nil
}

func (s *Store) ListItems(_ context.Context, itemGroup string, updatedSince *time.Time) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		if item.Disabled {
			continue
		}
		if itemGroup != "" && item.ItemGroup != itemGroup {
			continue
		}
		if updatedSince != nil && !item.UpdatedAt.After(*updatedSince) {
			continue
		}
		result = append(result, cloneItem(item))
	}
	slices.SortFunc(result, func(a, b domain.Item) int {
		if a.ItemGroup != b.ItemGroup {
			return strings.Compare(a.ItemGroup, b.ItemGroup)
		}
		return strings.Compare(a.ItemCode, b.ItemCode)
	})
	return result, nil
}

func (s *Store) GetItemGroups(_ context.Context, names []string) (map[string]domain.ItemGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.ItemGroup, len(names))
	for _, name := range names {
		if group, ok := s.itemGroups[name]; ok {
			result[name] = group
		}
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, name string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, customer := range s.customers {
		if strings.EqualFold(key, strings.TrimSpace(name)) {
			copyCustomer := cloneCustomer(customer)
			return &copyCustomer, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetPOSProfile(_ context.Context, name string) (*domain.POSProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.posProfiles[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	profile.Payments = slices.Clone(profile.Payments)
	profile.Users = slices.Clone(profile.Users)
	return &profile, nil
}

func cloneCustomer(customer domain.Customer) domain.Customer {
	customer.POSProfiles = slices.Clone(customer.POSProfiles)
	if customer.Address != nil {
		address := *customer.Address
		customer.Address = &address
	}
	return customer
}

// CreateCustomer rejects a taken name, mobile number or VAT number with
// store.ErrConflict. Empty mobile and VAT numbers are never compared.
func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, existing := range s.customers {
		switch {
		case strings.EqualFold(key, customer.Name):
			return nil, store.Errorf(store.ErrConflict, "customer %s already exists", customer.Name)
		case customer.MobileNo != "" && existing.MobileNo == customer.MobileNo:
			return nil, store.Errorf(store.ErrConflict, "mobile number %s already exists", customer.MobileNo)
		case customer.VATNumber != "" && existing.VATNumber == customer.VATNumber:
			return nil, store.Errorf(store.ErrConflict, "VAT number %s already exists", customer.VATNumber)
		}
	}
	saved := cloneCustomer(customer)
	s.customers[saved.Name] = saved
	result := cloneCustomer(saved)
	return &result, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		customers = append(customers, cloneCustomer(customer))
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) findCustomer(match func(domain.Customer) bool) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, customer := range s.customers {
		if match(customer) {
			found := cloneCustomer(customer)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindCustomerByMobile(_ context.Context, mobile string) (*domain.Customer, error) {
	if mobile == "" {
		return nil, store.ErrNotFound
	}
	return s.findCustomer(func(c domain.Customer) bool { return c.MobileNo == mobile })
}

func (s *Store) FindCustomerByVAT(_ context.Context, vatNumber string) (*domain.Customer, error) {
	if vatNumber == "" {
		return nil, store.ErrNotFound
	}
	return s.findCustomer(func(c domain.Customer) bool { return c.VATNumber == vatNumber })
}

func (s *Store) ListPOSProfiles(_ context.Context) ([]domain.POSProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make([]domain.POSProfile, 0, len(s.posProfiles))
	for _, profile := range s.posProfiles {
		profile.Payments = slices.Clone(profile.Payments)
		profile.Users = slices.Clone(profile.Users)
		profiles = append(profiles, profile)
	}
	slices.SortFunc(profiles, func(a, b domain.POSProfile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return profiles, nil
}

func (s *Store) PutOfflineUser(user domain.OfflineUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineUsers[user.OfflineUsername] = user
}

func (s *Store) GetOfflineUser(_ context.Context, offlineUsername string) (*domain.OfflineUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.offlineUsers[offlineUsername]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if len(invoice.Items) == 0 || strings.TrimSpace(invoice.Customer) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if invoice.ID == "" {
		invoice.ID = xid.New("ACC-SINV")
	}
	if _, exists := s.invoicesByID[invoice.ID]; exists {
		return nil, store.Errorf(store.ErrConflict, "invoice %s already exists", invoice.ID)
	}
	if invoice.UniqueID != "" {
		if _, exists := s.invoiceByUniqueID[uniqueKey(invoice.UniqueID, invoice.IsReturn)]; exists {
			return nil, store.Errorf(store.ErrConflict, "unique ID %s already exists", invoice.UniqueID)
		}
	}
	if invoice.OfflineInvoiceNumber != "" && !invoice.IsReturn {
		if _, exists := s.invoiceByOffline[invoice.OfflineInvoiceNumber]; exists {
			return nil, store.Errorf(store.ErrConflict, "offline invoice number %s already exists", invoice.OfflineInvoiceNumber)
		}
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	saved := cloneInvoice(invoice)
	s.invoicesByID[saved.ID] = saved
	if saved.UniqueID != "" {
		s.invoiceByUniqueID[uniqueKey(saved.UniqueID, saved.IsReturn)] = saved.ID
	}
	if saved.OfflineInvoiceNumber != "" && !saved.IsReturn {
		s.invoiceByOffline[saved.OfflineInvoiceNumber] = saved.ID
	}
	out := cloneInvoice(saved)
	return &out, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneInvoice(invoice)
	return &out, nil
}

func (s *Store) FindInvoiceByOfflineNumber(_ context.Context, offlineNumber string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.invoiceByOffline[offlineNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneInvoice(s.invoicesByID[id])
	return &out, nil
}

func (s *Store) InvoiceExistsByUniqueID(_ context.Context, uniqueID string, isReturn bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.invoiceByUniqueID[uniqueKey(uniqueID, isReturn)]
	return ok, nil
}

func (s *Store) CreateLoyaltyEntry(_ context.Context, entry domain.LoyaltyEntry) (*domain.LoyaltyEntry, error) {
	if strings.TrimSpace(entry.InvoiceID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("LPE")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.loyaltyEntries = append(s.loyaltyEntries, entry)
	copyEntry := entry
	return &copyEntry, nil
}

func (s *Store) ListLoyaltyEntriesByInvoice(_ context.Context, invoiceID string) ([]domain.LoyaltyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LoyaltyEntry, 0, 2)
	for _, entry := range s.loyaltyEntries {
		if entry.InvoiceID == invoiceID {
			result = append(result, entry)
		}
	}
	return result, nil
}

// ListLoyaltyEntriesByMobile returns entries oldest first.
func (s *Store) ListLoyaltyEntriesByMobile(_ context.Context, mobile string) ([]domain.LoyaltyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LoyaltyEntry, 0, 8)
	for _, entry := range s.loyaltyEntries {
		if entry.MobileNo == mobile {
			result = append(result, entry)
		}
	}
	slices.SortStableFunc(result, func(a, b domain.LoyaltyEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Store) ExpireLoyaltyEntries(_ context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := domain.TruncateDay(asOf)
	flipped := 0
	for i := range s.loyaltyEntries {
		entry := &s.loyaltyEntries[i]
		if entry.IsExpired || entry.ExpiryDate == nil {
			continue
		}
		if entry.ExpiryDate.Before(day) {
			entry.IsExpired = true
			flipped++
		}
	}
	return flipped, nil
}

func (s *Store) CreateShiftOpening(_ context.Context, opening domain.ShiftOpening) (*domain.ShiftOpening, error) {
	if len(opening.BalanceDetails) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opening.ID == "" {
		opening.ID = xid.New("POS-OPE")
	}
	if _, exists := s.openings[opening.ID]; exists {
		return nil, store.Errorf(store.ErrConflict, "shift %s already exists", opening.ID)
	}
	if opening.CreatedAt.IsZero() {
		opening.CreatedAt = time.Now().UTC()
	}
	opening.Status = domain.ShiftStatusOpen
	opening.BalanceDetails = slices.Clone(opening.BalanceDetails)
	s.openings[opening.ID] = opening

	out := opening
	out.BalanceDetails = slices.Clone(opening.BalanceDetails)
	return &out, nil
}

func (s *Store) GetShiftOpening(_ context.Context, id string) (*domain.ShiftOpening, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	opening, ok := s.openings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	opening.BalanceDetails = slices.Clone(opening.BalanceDetails)
	return &opening, nil
}

// SubmitShiftClosing stores the closing and moves its opening to Closed under
// one lock, so an opening is closed at most once.
func (s *Store) SubmitShiftClosing(_ context.Context, closing domain.ShiftClosing) (*domain.ShiftClosing, error) {
	if strings.TrimSpace(closing.OpeningRef) == "" || len(closing.PaymentReconciliation) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opening, ok := s.openings[closing.OpeningRef]
	if !ok {
		return nil, store.ErrNotFound
	}
	if opening.Status != domain.ShiftStatusOpen {
		return nil, store.Errorf(store.ErrConflict, "shift %s is %s", opening.ID, opening.Status)
	}
	if closing.ID == "" {
		closing.ID = xid.New("POS-CLO")
	}
	if _, exists := s.closings[closing.ID]; exists {
		return nil, store.Errorf(store.ErrConflict, "closing %s already exists", closing.ID)
	}
	if closing.CreatedAt.IsZero() {
		closing.CreatedAt = time.Now().UTC()
	}
	closing.Status = domain.ShiftStatusSubmitted
	closing.PaymentReconciliation = slices.Clone(closing.PaymentReconciliation)

	opening.Status = domain.ShiftStatusClosed
	s.openings[opening.ID] = opening
	s.closings[closing.ID] = closing

	out := closing
	out.PaymentReconciliation = slices.Clone(closing.PaymentReconciliation)
	return &out, nil
}

func (s *Store) GetShiftClosing(_ context.Context, id string) (*domain.ShiftClosing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closing, ok := s.closings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	closing.PaymentReconciliation = slices.Clone(closing.PaymentReconciliation)
	return &closing, nil
}

func (s *Store) ListPromotions(_ context.Context, validOn time.Time) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := validOn.UTC().Format(time.DateOnly)
	result := make([]domain.Promotion, 0, len(s.promotions))
	for _, promo := range s.promotions {
		if promo.ValidUpto < day {
			continue
		}
		promo.POSProfiles = slices.Clone(promo.POSProfiles)
		promo.Items = slices.Clone(promo.Items)
		result = append(result, promo)
	}
	return result, nil
}

func (s *Store) CreateSyncLog(_ context.Context, entry domain.SyncLog) (*domain.SyncLog, error) {
	if strings.TrimSpace(entry.SyncID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.syncLogs[entry.SyncID]; exists {
		return nil, store.Errorf(store.ErrConflict, "sync_id %s already exists", entry.SyncID)
	}
	if entry.ID == "" {
		entry.ID = xid.New("GLOG")
	}
	if entry.Created.IsZero() {
		entry.Created = time.Now().UTC()
	}
	s.syncLogs[entry.SyncID] = entry
	copyEntry := entry
	return &copyEntry, nil
}

func (s *Store) FindSyncLog(_ context.Context, syncID string) (*domain.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.syncLogs[syncID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (s *Store) GetOAuthClientByAppKey(_ context.Context, appKey string) (*domain.OAuthClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.oauthClients[appKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &client, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func uniqueKey(uniqueID string, isReturn bool) string {
	if isReturn {
		return "return|" + uniqueID
	}
	return "sale|" + uniqueID
}

func cloneItem(src domain.Item) domain.Item {
	dst := src
	dst.Barcodes = slices.Clone(src.Barcodes)
	return dst
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.Payments = slices.Clone(src.Payments)
	return dst
}
