package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherNoEnvFile(t *testing.T) {
	w, err := NewWatcher(&Config{})
	require.NoError(t, err)
	assert.Nil(t, w, "no env file means nothing to watch")
}

func TestApplyReloadable(t *testing.T) {
	security := SecurityConfig{
		ImageScanEnabled:      true,
		ImageScanSeverity:     "CRITICAL,HIGH",
		ManifestBlockCritical: true,
	}
	rollback := RollbackConfig{Enabled: true, ErrorRateThreshold: 1.2}

	applyReloadable(&security, &rollback, map[string]string{
		"AEGIS_SECURITY_IMAGE_SCAN_ENABLED":   "false",
		"AEGIS_SECURITY_IMAGE_SCAN_SEVERITY":  " CRITICAL ",
		"AEGIS_ROLLBACK_ERROR_RATE_THRESHOLD": "2.5",
		// Not reloadable at runtime; must be ignored.
		"AEGIS_QUEUE_CAPACITY": "1",
	})

	assert.False(t, security.ImageScanEnabled)
	assert.Equal(t, "CRITICAL", security.ImageScanSeverity)
	assert.Equal(t, 2.5, rollback.ErrorRateThreshold)
	assert.True(t, security.ManifestBlockCritical, "untouched options keep their values")
}

func TestApplyReloadableRejectsBadValues(t *testing.T) {
	security := SecurityConfig{ImageScanEnabled: true}
	rollback := RollbackConfig{ErrorRateThreshold: 1.2}

	applyReloadable(&security, &rollback, map[string]string{
		"AEGIS_SECURITY_IMAGE_SCAN_ENABLED":   "maybe",
		"AEGIS_SECURITY_IMAGE_SCAN_SEVERITY":  "   ",
		"AEGIS_ROLLBACK_ERROR_RATE_THRESHOLD": "0.5",
	})

	assert.True(t, security.ImageScanEnabled, "unparseable bool keeps previous value")
	assert.Equal(t, 1.2, rollback.ErrorRateThreshold, "threshold below 1 is rejected")
}

func TestLookupBool(t *testing.T) {
	values := map[string]string{
		"t1": "true", "t2": "1", "t3": " YES ",
		"f1": "false", "f2": "0", "f3": "no",
		"bad": "definitely",
	}
	for _, key := range []string{"t1", "t2", "t3"} {
		v, ok := lookupBool(values, key)
		require.True(t, ok, key)
		assert.True(t, v, key)
	}
	for _, key := range []string{"f1", "f2", "f3"} {
		v, ok := lookupBool(values, key)
		require.True(t, ok, key)
		assert.False(t, v, key)
	}
	_, ok := lookupBool(values, "bad")
	assert.False(t, ok)
	_, ok = lookupBool(values, "absent")
	assert.False(t, ok)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AEGIS_SECURITY_IMAGE_SCAN_ENABLED=true\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Security.ImageScanEnabled)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NotNil(t, w)

	reloaded := make(chan SecurityConfig, 1)
	w.SetReloadCallback(func(security SecurityConfig, rollback RollbackConfig) {
		reloaded <- security
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	// The mtime check needs the rewrite to land in a later second on
	// coarse filesystems.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("AEGIS_SECURITY_IMAGE_SCAN_ENABLED=false\n"), 0o600))

	select {
	case security := <-reloaded:
		assert.False(t, security.ImageScanEnabled)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
	assert.False(t, cfg.Security.ImageScanEnabled)
}
