package config

import "testing"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.ConnectionStr = "./pullcron.db"
	return cfg
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateMissingConnectionString(t *testing.T) {
	cfg := validConfig()
	cfg.ConnectionStr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing connection_string")
	}
}

func TestValidateBadConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Concurrency.Downloads = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for concurrency.downloads < 1")
	}
}

func TestValidateBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid logging level")
	}
}

func TestValidatePartialDeliveryConfigRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Delivery.Token = "abc123"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for partially-set delivery config")
	}
}

func TestValidateFullDeliveryConfigAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.Delivery = DeliveryConfig{Token: "abc123", ChatID: "42", BaseURL: "https://example.com"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected fully-set delivery config to be valid, got %v", err)
	}
}
