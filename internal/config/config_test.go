package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "RPC_URL", "")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "FUNDING_POLL_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultFundingPollInterval, cfg.FundingPollInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RPCURL)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RPC_URL", "https://sepolia.base.org")
	setEnv(t, "CHAIN_ID", "84532")
	setEnv(t, "FUNDING_POLL_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://sepolia.base.org", cfg.RPCURL)
	assert.Equal(t, int64(84532), cfg.ChainID)
	assert.Equal(t, 5*time.Second, cfg.FundingPollInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid memory-mode config",
			config: Config{
				FundingPollInterval: time.Second,
			},
			wantErr: "",
		},
		{
			name: "rpc without chain id",
			config: Config{
				RPCURL:              "https://sepolia.base.org",
				ChainID:             0,
				FundingPollInterval: time.Second,
			},
			wantErr: "CHAIN_ID must be positive",
		},
		{
			name: "bad poll interval",
			config: Config{
				FundingPollInterval: 0,
			},
			wantErr: "FUNDING_POLL_INTERVAL must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
