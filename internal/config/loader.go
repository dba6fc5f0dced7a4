package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Unset fields keep their
// defaults, ${ENV_VAR} placeholders are expanded, and if a checksum manifest
// exists next to the file its hash is verified before the config is trusted.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if err := verifyAgainstManifest(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv expands ${VAR} placeholders from the environment. Unknown
// variables keep the placeholder so validation can flag them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set")
	}
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen must be set when the API is enabled")
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or at least one token when the API is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			return fmt.Errorf("api.auth.api_key references an unset environment variable")
		}
		for i, t := range cfg.API.Auth.Tokens {
			if t.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token must not be empty", i)
			}
			if envVarPattern.MatchString(t.Token) {
				return fmt.Errorf("api.auth.tokens[%d].token references an unset environment variable", i)
			}
		}
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}
	if cfg.Dispatch.BaseDelay <= 0 || cfg.Dispatch.MaxDelay <= 0 {
		return fmt.Errorf("dispatch backoff delays must be positive")
	}
	if cfg.Dispatch.BaseDelay > cfg.Dispatch.MaxDelay {
		return fmt.Errorf("dispatch.base_delay must not exceed dispatch.max_delay")
	}
	if cfg.Dispatch.HTTPTimeout <= 0 {
		return fmt.Errorf("dispatch.http_timeout must be positive")
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		return fmt.Errorf("dispatch.sweep_interval must be positive")
	}
	if cfg.Receiver.ReplayWindow <= 0 {
		return fmt.Errorf("receiver.replay_window must be positive")
	}
	return nil
}
