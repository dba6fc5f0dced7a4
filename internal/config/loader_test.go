package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    api_key: secret-key
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.API.Listen)
	assert.Equal(t, "hookrelay", cfg.Service.Name)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.SweepInterval)
	assert.True(t, cfg.Partners.UniqueDestination, "partners.unique_destination should default to true")
	assert.Equal(t, 5*time.Minute, cfg.Receiver.ReplayWindow)
}

func TestLoadEnvInterpolation(t *testing.T) {
	t.Setenv("HOOKRELAY_TEST_API_KEY", "from-env")

	cfg, err := Load(writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    api_key: ${HOOKRELAY_TEST_API_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.API.Auth.APIKey)
}

func TestLoadUnsetEnvVarFailsValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    api_key: ${HOOKRELAY_DEFINITELY_UNSET_VAR}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unset environment variable")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "api enabled without auth",
			content: `
api:
  enabled: true
  listen: 127.0.0.1:9090
`,
			wantErr: "api.auth requires",
		},
		{
			name: "zero max attempts",
			content: minimalConfig + `
dispatch:
  max_attempts: 0
`,
			wantErr: "max_attempts must be positive",
		},
		{
			name: "base delay above cap",
			content: minimalConfig + `
dispatch:
  base_delay: 2m
  max_delay: 30s
`,
			wantErr: "base_delay must not exceed",
		},
		{
			name: "empty token",
			content: `
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    tokens:
      - token: ""
        scopes: [partners:ro]
`,
			wantErr: "token must not be empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDisabledAPISkipsAuthValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
api:
  enabled: false
`))
	require.NoError(t, err)
	assert.False(t, cfg.API.Enabled, "api should stay disabled")
}
