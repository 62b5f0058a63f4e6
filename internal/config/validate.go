package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values. Surfaced
// immediately at startup; the process exits non-zero on failure.
func Validate(cfg *Config) error {
	if cfg.ConnectionStr == "" {
		return fmt.Errorf("connection_string must be set")
	}
	if cfg.DownloadDir == "" {
		return fmt.Errorf("download_dir must be set")
	}
	if cfg.Solver.URL == "" {
		return fmt.Errorf("solver.url must be set")
	}
	if _, err := url.Parse(cfg.Solver.URL); err != nil {
		return fmt.Errorf("invalid solver.url: %w", err)
	}
	if cfg.Solver.RequestTimeout <= 0 {
		return fmt.Errorf("solver.request_timeout must be > 0")
	}

	if cfg.Concurrency.Downloads < 1 {
		return fmt.Errorf("concurrency.downloads must be >= 1, got %d", cfg.Concurrency.Downloads)
	}
	if cfg.Concurrency.Uploads < 0 {
		return fmt.Errorf("concurrency.uploads must be >= 0, got %d", cfg.Concurrency.Uploads)
	}

	if cfg.Session.TTLMinutes < 1 {
		return fmt.Errorf("session.ttl_minutes must be >= 1, got %d", cfg.Session.TTLMinutes)
	}
	if cfg.Schedule.DefaultIntervalMinutes < 1 {
		return fmt.Errorf("schedule.default_interval_minutes must be >= 1, got %d", cfg.Schedule.DefaultIntervalMinutes)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Delivery.Token != "" || cfg.Delivery.ChatID != "" || cfg.Delivery.BaseURL != "" {
		if !cfg.Delivery.Enabled() {
			return fmt.Errorf("delivery.token, delivery.chat_id, delivery.base_url must all be set together or all left empty")
		}
		if _, err := url.Parse(cfg.Delivery.BaseURL); err != nil {
			return fmt.Errorf("invalid delivery.base_url: %w", err)
		}
	}

	return nil
}
