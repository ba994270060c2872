package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadAppliesDedupDefaultAndBrokerList(t *testing.T) {
	t.Setenv("DEDUP_TTL_SECONDS", "")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")

	cfg := Load()
	if cfg.DedupTTLSeconds != 600 {
		t.Fatalf("expected 600s dedup window, got %d", cfg.DedupTTLSeconds)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected broker list %v", cfg.KafkaBrokers)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %s", cfg.Address())
	}
}

func TestLoadReadsSeedSettings(t *testing.T) {
	t.Setenv("SEED_CATALOG", "true")
	t.Setenv("SEED_FILE", " /etc/gpos/catalog.yaml ")

	cfg := Load()
	if !cfg.SeedCatalog || cfg.SeedFile != "/etc/gpos/catalog.yaml" {
		t.Fatalf("unexpected seed settings %v %q", cfg.SeedCatalog, cfg.SeedFile)
	}
}
