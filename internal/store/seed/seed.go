// Package seed holds the starter catalog loaded into a fresh store: loyalty
// settings, item groups, items, customers, POS profiles, promotions, OAuth
// clients, offline terminal users and the two staff accounts.
package seed

import (
	_ "embed"
	"os"
	"time"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"gpos/backend/internal/domain"
)

//go:embed catalog.yaml
var catalogYAML []byte

type Catalog struct {
	LoyaltySetting domain.LoyaltySetting `yaml:"loyalty_setting"`
	ItemGroups     []domain.ItemGroup    `yaml:"item_groups"`
	Items          []domain.Item         `yaml:"items"`
	Customers      []domain.Customer     `yaml:"customers"`
	POSProfiles    []domain.POSProfile   `yaml:"pos_profiles"`
	Promotions     []domain.Promotion    `yaml:"promotions"`
	OAuthClients   []domain.OAuthClient  `yaml:"oauth_clients"`
	OfflineUsers   []domain.OfflineUser  `yaml:"offline_users"`
}

// Default returns the embedded demo catalog.
func Default() (Catalog, error) {
	return Parse(catalogYAML)
}

// ReadFile loads a deployment catalog written in the same YAML layout as the
// embedded one.
func ReadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, errors.Wrapf(err, "read catalog %s", path)
	}
	return Parse(data)
}

func Parse(data []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, errors.Wrap(err, "decode catalog")
	}
	for i, item := range catalog.Items {
		if item.ItemCode == "" {
			return Catalog{}, errors.Errorf("catalog item %d has no item_code", i)
		}
	}
	for i, customer := range catalog.Customers {
		if customer.Name == "" {
			return Catalog{}, errors.Errorf("catalog customer %d has no name", i)
		}
	}
	return catalog, nil
}

// Users builds the admin and cashier accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with dev defaults and a
// warning when either is unset.
func Users() ([]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zlog.Warn().Msg("seed: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errors.Wrapf(err, "hash seed password for %s", u.username)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
