package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/store"
)

const (
	defaultCustomerGroup = "All Customer Groups"
	maxCustomerNameTries = 50
)

// CreateCustomer registers a customer from a terminal. Mobile and VAT numbers
// are unique across customers; the record name is the customer name with a
// numeric suffix when that name is taken.
func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	customerName := strings.TrimSpace(req.CustomerName)
	mobile := strings.TrimSpace(req.MobileNo)
	vatNumber := strings.TrimSpace(req.VATNumber)
	if customerName == "" {
		return domain.Customer{}, invalidf("customer_name is required")
	}
	if mobile == "" {
		return domain.Customer{}, invalidf("mobile_no is required")
	}

	if vatNumber != "" {
		if _, err := s.repo.FindCustomerByVAT(ctx, vatNumber); err == nil {
			return domain.Customer{}, conflictf("VAT Number already exists!")
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.Customer{}, err
		}
	}
	if _, err := s.repo.FindCustomerByMobile(ctx, mobile); err == nil {
		return domain.Customer{}, conflictf("Mobile Number already exists!")
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Customer{}, err
	}

	var address *domain.CustomerAddress
	if line1 := strings.TrimSpace(req.AddressLine1); line1 != "" {
		city := strings.TrimSpace(req.City)
		if city == "" {
			return domain.Customer{}, invalidf("City is mandatory when address is provided.")
		}
		address = &domain.CustomerAddress{
			AddressLine1:   line1,
			AddressLine2:   strings.TrimSpace(req.AddressLine2),
			City:           city,
			BuildingNumber: strings.TrimSpace(req.BuildingNumber),
			PostalCode:     strings.TrimSpace(req.PostalCode),
		}
	}

	profiles := make([]string, 0, len(req.POSProfiles))
	for _, name := range req.POSProfiles {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(profiles, name) {
			continue
		}
		if _, err := s.repo.GetPOSProfile(ctx, name); err != nil {
			return domain.Customer{}, wrapNotFound(err, "POS profile %s not found", name)
		}
		profiles = append(profiles, name)
	}

	recordName, err := s.freeCustomerName(ctx, customerName)
	if err != nil {
		return domain.Customer{}, err
	}

	saved, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:          recordName,
		CustomerName:  customerName,
		MobileNo:      mobile,
		VATNumber:     vatNumber,
		CustomerGroup: defaultString(strings.TrimSpace(req.CustomerGroup), defaultCustomerGroup),
		POSProfiles:   profiles,
		Address:       address,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.publish(ctx, domain.EventCustomerCreated, saved.Name, saved)
	s.logAudit(ctx, "customer_create", "customer", saved.Name, saved.MobileNo)
	return *saved, nil
}

func (s *Service) freeCustomerName(ctx context.Context, customerName string) (string, error) {
	candidate := customerName
	for i := 1; i <= maxCustomerNameTries; i++ {
		_, err := s.repo.GetCustomer(ctx, candidate)
		if errors.Is(err, store.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s - %d", customerName, i)
	}
	return "", conflictf("customer %s already exists", customerName)
}

// ListCustomers returns one customer by id, or every customer. With a POS
// profile the list keeps the profile's default customer, flagged with
// custom_default_pos, and the customers linked to that profile.
func (s *Service) ListCustomers(ctx context.Context, id string, posProfile string) ([]domain.Customer, error) {
	id = strings.TrimSpace(id)
	posProfile = strings.TrimSpace(posProfile)

	var customers []domain.Customer
	if id != "" {
		customer, err := s.repo.GetCustomer(ctx, id)
		if err != nil {
			return nil, wrapNotFound(err, "Customer not found")
		}
		customers = []domain.Customer{*customer}
	} else {
		all, err := s.repo.ListCustomers(ctx)
		if err != nil {
			return nil, err
		}
		customers = all
	}
	if len(customers) == 0 {
		return nil, notFoundf("Customer not found")
	}
	if posProfile == "" {
		return customers, nil
	}

	profile, err := s.repo.GetPOSProfile(ctx, posProfile)
	if err != nil {
		return nil, wrapNotFound(err, "POS Profile not found")
	}

	filtered := make([]domain.Customer, 0, len(customers))
	for _, customer := range customers {
		if profile.DefaultCustomer != "" && customer.Name == profile.DefaultCustomer {
			customer.DefaultPOS = true
			filtered = append(filtered, customer)
			continue
		}
		if slices.Contains(customer.POSProfiles, posProfile) {
			filtered = append(filtered, customer)
		}
	}
	if len(filtered) == 0 {
		return nil, notFoundf("No customers found for given POS Profile")
	}
	return filtered, nil
}

// ListPOSProfileUsers returns every POS profile with the staff accounts
// allowed to open shifts on it.
func (s *Service) ListPOSProfileUsers(ctx context.Context) ([]domain.POSProfileUsers, error) {
	profiles, err := s.repo.ListPOSProfiles(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]domain.POSProfileUsers, 0, len(profiles))
	for _, profile := range profiles {
		users := profile.Users
		if users == nil {
			users = []string{}
		}
		result = append(result, domain.POSProfileUsers{POSProfile: profile.Name, ApplicableUsers: users})
	}
	return result, nil
}

// resolveOfflineUser maps an offline terminal login to its staff account.
// Unknown names pass through unchanged.
func (s *Service) resolveOfflineUser(ctx context.Context, user string) (string, error) {
	if user == "" {
		return "", nil
	}
	offline, err := s.repo.GetOfflineUser(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return user, nil
	}
	if err != nil {
		return "", err
	}
	if offline.User == "" {
		return user, nil
	}
	return offline.User, nil
}
