package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for pullcron.
type Config struct {
	Automated     bool              `mapstructure:"automated"         yaml:"automated"`
	ConnectionStr string            `mapstructure:"connection_string" yaml:"connection_string"`
	DownloadDir   string            `mapstructure:"download_dir"      yaml:"download_dir"`
	Delivery      DeliveryConfig    `mapstructure:"delivery"          yaml:"delivery"`
	Solver        SolverConfig      `mapstructure:"solver"            yaml:"solver"`
	Concurrency   ConcurrencyConfig `mapstructure:"concurrency"       yaml:"concurrency"`
	Session       SessionConfig     `mapstructure:"session"           yaml:"session"`
	Schedule      ScheduleConfig    `mapstructure:"schedule"          yaml:"schedule"`
	Logging       LoggingConfig     `mapstructure:"logging"           yaml:"logging"`
}

// DeliveryConfig configures the optional messaging-upload endpoint.
// Delivery is enabled only when all three fields are non-empty.
type DeliveryConfig struct {
	Token   string `mapstructure:"token"    yaml:"token"`
	ChatID  string `mapstructure:"chat_id"  yaml:"chat_id"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// Enabled reports whether delivery is fully configured.
func (d DeliveryConfig) Enabled() bool {
	return d.Token != "" && d.ChatID != "" && d.BaseURL != ""
}

// SolverConfig points at the external challenge-solver HTTP service.
type SolverConfig struct {
	URL            string        `mapstructure:"url"             yaml:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// ConcurrencyConfig bounds the pipeline's worker pools.
type ConcurrencyConfig struct {
	Downloads int `mapstructure:"downloads" yaml:"downloads"`
	Uploads   int `mapstructure:"uploads"   yaml:"uploads"`
}

// SessionConfig controls the solver session's lifetime.
type SessionConfig struct {
	TTLMinutes int `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
}

// TTL returns the session time-to-live as a duration.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// ScheduleConfig controls the automation loop's cadence.
type ScheduleConfig struct {
	DefaultIntervalMinutes int `mapstructure:"default_interval_minutes" yaml:"default_interval_minutes"`
}

// DefaultInterval returns the default channel check interval.
func (s ScheduleConfig) DefaultInterval() time.Duration {
	return time.Duration(s.DefaultIntervalMinutes) * time.Minute
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DownloadDir: "./downloads",
		Solver: SolverConfig{
			URL:            "http://127.0.0.1:8191",
			RequestTimeout: 2 * time.Minute,
		},
		Concurrency: ConcurrencyConfig{
			Downloads: 3,
			Uploads:   2,
		},
		Session: SessionConfig{
			TTLMinutes: 30,
		},
		Schedule: ScheduleConfig{
			DefaultIntervalMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
