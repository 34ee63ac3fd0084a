package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OPSBOT_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("OPSBOT_BILLING_URL", "https://billing.example.net")
	t.Setenv("OPSBOT_BILLING_USERNAME", "api")
	t.Setenv("OPSBOT_BILLING_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.CommandDeadline)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "cash", cfg.RechargeUsing)
	assert.Equal(t, "zero", cfg.ActivateUsing)
	assert.False(t, cfg.AuditReads)
}

func TestValidateMissingToken(t *testing.T) {
	setRequired(t)
	t.Setenv("OPSBOT_TELEGRAM_TOKEN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestAllowedCallersList(t *testing.T) {
	setRequired(t)
	t.Setenv("OPSBOT_ALLOWED_CALLERS", "1001,1002,1003")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 1002, 1003}, cfg.AllowedCallers)
}

func TestFeaturePredicates(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.CPEEnabled())
	assert.False(t, cfg.NATEnabled(), "public IP absent disables the NAT feature")

	t.Setenv("OPSBOT_CPE_URL", "http://acs.example.net:7557")
	t.Setenv("OPSBOT_NAT_HOST", "10.0.0.1")
	t.Setenv("OPSBOT_NAT_PUBLIC_IP", "203.0.113.10")
	t.Setenv("OPSBOT_NAT_PUBLIC_PORT", "8080")

	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.CPEEnabled())
	assert.True(t, cfg.NATEnabled())
}
