package config

import "time"

// Config represents the complete hookrelay configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`
	Partners PartnersConfig `yaml:"partners"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Receiver ReceiverConfig `yaml:"receiver"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StorageConfig defines where the SQLite ledger lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines admin API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PartnersConfig defines partner directory policy.
type PartnersConfig struct {
	// UniqueDestination rejects registrations whose destination URL is
	// already claimed by an active partner.
	UniqueDestination bool `yaml:"unique_destination"`
}

// DispatchConfig defines outbound delivery behavior.
type DispatchConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	Workers       int           `yaml:"workers"`
	StaleLease    time.Duration `yaml:"stale_lease"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

// ReceiverConfig defines inbound webhook verification behavior.
type ReceiverConfig struct {
	// ReplayWindow bounds the age of timestamped signed envelopes.
	ReplayWindow time.Duration `yaml:"replay_window"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "hookrelay",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Storage: StorageConfig{
			Path: "./data/hookrelay.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Partners: PartnersConfig{
			UniqueDestination: true,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:   3,
			BaseDelay:     1 * time.Second,
			MaxDelay:      30 * time.Second,
			HTTPTimeout:   10 * time.Second,
			Workers:       8,
			StaleLease:    1 * time.Minute,
			SweepInterval: 30 * time.Second,
			SweepBatch:    100,
		},
		Receiver: ReceiverConfig{
			ReplayWindow: 5 * time.Minute,
		},
	}
}
