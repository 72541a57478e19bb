package gwconfig

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8317, cfg.Server.PreferredPort)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AIO_GATEWAY_SERVER_PREFERRED_PORT", "9100")
	t.Setenv("AIO_GATEWAY_FAILOVER_MAX_PROVIDERS_TO_TRY", "7")
	t.Setenv("AIO_GATEWAY_UPSTREAM_FIRST_BYTE_TIMEOUT_SECONDS", "45s")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.PreferredPort)
	assert.Equal(t, 7, cfg.Failover.MaxProvidersToTry)
	assert.Equal(t, 45*time.Second, cfg.Upstream.FirstByteTimeout)
}

func TestLoadFromYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "gw-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("server:\n  preferred_port: 9200\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := NewLoader().WithConfigPath(f.Name()).Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.PreferredPort)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PreferredPort = 0
	assert.Error(t, cfg.Validate())
}

func TestDetectEnvConflicts(t *testing.T) {
	t.Setenv("AIO_GATEWAY_SERVER_PREFERRED_PORT", "9100")
	t.Setenv("AIO_GATEWAY_TYPO_FIELD", "oops")

	conflicts := DetectEnvConflicts("AIO_GATEWAY")
	assert.Contains(t, conflicts, "AIO_GATEWAY_TYPO_FIELD")
	assert.NotContains(t, conflicts, "AIO_GATEWAY_SERVER_PREFERRED_PORT")
}
