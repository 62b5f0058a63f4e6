package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the config file and the environment
// (PULLCRON_ prefix, e.g. PULLCRON_SOLVER_URL).
// Priority (highest to lowest): env vars > config file > defaults.
// Individual options are not read from command-line flags; the only
// flag involved is the config file path passed in as configPath.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("PULLCRON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pullcron")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".pullcron"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("automated", cfg.Automated)
	v.SetDefault("connection_string", cfg.ConnectionStr)
	v.SetDefault("download_dir", cfg.DownloadDir)

	v.SetDefault("delivery.token", cfg.Delivery.Token)
	v.SetDefault("delivery.chat_id", cfg.Delivery.ChatID)
	v.SetDefault("delivery.base_url", cfg.Delivery.BaseURL)

	v.SetDefault("solver.url", cfg.Solver.URL)
	v.SetDefault("solver.request_timeout", cfg.Solver.RequestTimeout)

	v.SetDefault("concurrency.downloads", cfg.Concurrency.Downloads)
	v.SetDefault("concurrency.uploads", cfg.Concurrency.Uploads)

	v.SetDefault("session.ttl_minutes", cfg.Session.TTLMinutes)

	v.SetDefault("schedule.default_interval_minutes", cfg.Schedule.DefaultIntervalMinutes)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}
