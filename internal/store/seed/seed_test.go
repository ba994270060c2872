package seed

import (
	"slices"
	"testing"
)

func TestDefaultCatalogIsConsistent(t *testing.T) {
	catalog, err := Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}

	profiles := map[string]bool{}
	for _, profile := range catalog.POSProfiles {
		profiles[profile.Name] = true
	}
	customers := map[string]bool{}
	for _, customer := range catalog.Customers {
		customers[customer.Name] = true
		for _, name := range customer.POSProfiles {
			if !profiles[name] {
				t.Fatalf("customer %s links unknown profile %s", customer.Name, name)
			}
		}
	}
	for _, profile := range catalog.POSProfiles {
		if profile.DefaultCustomer != "" && !customers[profile.DefaultCustomer] {
			t.Fatalf("profile %s defaults to unknown customer %s", profile.Name, profile.DefaultCustomer)
		}
	}

	users, err := Users()
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}
	usernames := make([]string, 0, len(users))
	for _, user := range users {
		usernames = append(usernames, user.Username)
	}
	for _, offline := range catalog.OfflineUsers {
		if !slices.Contains(usernames, offline.User) {
			t.Fatalf("offline user %s maps to unknown account %s", offline.OfflineUsername, offline.User)
		}
	}
	if len(catalog.OAuthClients) == 0 || catalog.OAuthClients[0].AppKey != "gpos-terminal" {
		t.Fatalf("expected the terminal oauth client, got %+v", catalog.OAuthClients)
	}
}

func TestParseRejectsItemsWithoutCode(t *testing.T) {
	if _, err := Parse([]byte("items:\n  - item_name: Nameless\n")); err == nil {
		t.Fatalf("expected an item without item_code to be rejected")
	}
	if _, err := Parse([]byte("customers: [\n")); err == nil {
		t.Fatalf("expected malformed yaml to be rejected")
	}
}
