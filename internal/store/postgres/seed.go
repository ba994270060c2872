package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/store/seed"
)

// Seed inserts catalog records and staff accounts that are not present yet.
// Rows already in the database win, so an operator's edits survive restarts.
func (s *Store) Seed(ctx context.Context, catalog seed.Catalog, users []domain.UserAccount) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin seed")
	}
	defer func() { _ = tx.Rollback() }()

	setting := catalog.LoyaltySetting
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO loyalty_settings (id, valid_days, calculate_without_tax, default_percentage, use_default_when_group_undefined)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, setting.ValidDays, setting.CalculateWithoutTax, setting.DefaultPercentage, setting.UseDefaultWhenGroupUndefined); err != nil {
		return errors.Wrap(err, "seed loyalty setting")
	}

	for _, group := range catalog.ItemGroups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO item_groups (name, loyalty_percentage) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, group.Name, group.LoyaltyPercentage); err != nil {
			return errors.Wrapf(err, "seed item group %s", group.Name)
		}
	}

	now := time.Now().UTC()
	for _, item := range catalog.Items {
		barcodes, err := json.Marshal(nonNil(item.Barcodes))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO items (`+itemColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT DO NOTHING
		`, item.ItemCode, item.ItemName, item.ItemGroup, defaultUOM(item.UOM), string(barcodes), item.Price, item.Disabled, now); err != nil {
			return errors.Wrapf(err, "seed item %s", item.ItemCode)
		}
	}

	for _, customer := range catalog.Customers {
		if err := s.insertCustomer(ctx, tx, customer, true); err != nil {
			return errors.Wrapf(err, "seed customer %s", customer.Name)
		}
	}

	for _, profile := range catalog.POSProfiles {
		payments, err := json.Marshal(nonNil(profile.Payments))
		if err != nil {
			return err
		}
		users, err := json.Marshal(nonNil(profile.Users))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pos_profiles (`+profileColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT DO NOTHING
		`, profile.Name, profile.Company, profile.Warehouse, profile.Disabled, profile.TaxRatePercent,
			string(payments), profile.DefaultCustomer, string(users)); err != nil {
			return errors.Wrapf(err, "seed pos profile %s", profile.Name)
		}
	}

	for _, promo := range catalog.Promotions {
		profiles, err := json.Marshal(nonNil(promo.POSProfiles))
		if err != nil {
			return err
		}
		items, err := json.Marshal(nonNil(promo.Items))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO promotions (id, company, disabled, valid_from, valid_upto, pos_profiles, items)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT DO NOTHING
		`, promo.ID, promo.Company, promo.Disabled, promo.ValidFrom, promo.ValidUpto, string(profiles), string(items)); err != nil {
			return errors.Wrapf(err, "seed promotion %s", promo.ID)
		}
	}

	for _, client := range catalog.OAuthClients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO oauth_clients (app_key, client_id, client_secret, name) VALUES ($1,$2,$3,$4)
			ON CONFLICT DO NOTHING
		`, client.AppKey, client.ClientID, client.ClientSecret, client.Name); err != nil {
			return errors.Wrapf(err, "seed oauth client %s", client.AppKey)
		}
	}

	for _, user := range catalog.OfflineUsers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pos_offline_users (offline_username, username, shop_name, cashier_name, is_admin)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT DO NOTHING
		`, user.OfflineUsername, user.User, user.ShopName, user.CashierName, user.IsAdmin); err != nil {
			return errors.Wrapf(err, "seed offline user %s", user.OfflineUsername)
		}
	}

	for _, user := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_users (username, password, role, active, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,now())
			ON CONFLICT DO NOTHING
		`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt); err != nil {
			return errors.Wrapf(err, "seed user %s", user.Username)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit seed")
	}
	return nil
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func defaultUOM(uom string) string {
	if uom == "" {
		return "Nos"
	}
	return uom
}
