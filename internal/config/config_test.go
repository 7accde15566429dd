package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Market.FreshnessWindow)
	assert.Equal(t, 0.70, cfg.Risk.MaxCorrelation)
	assert.Equal(t, 0.80, cfg.Risk.LiquidationBuffer)
	assert.Equal(t, 0.20, cfg.Risk.MaxEquityFraction)

	// The regime policy table ships complete.
	for _, regime := range []string{"trending", "ranging", "high_volatility", "noise"} {
		_, ok := cfg.Risk.Regimes[regime]
		assert.True(t, ok, regime)
	}
	assert.Equal(t, 1.0, cfg.Risk.Regimes["trending"].SizeMultiplier)
	assert.Equal(t, 3.0, cfg.Risk.Regimes["trending"].MaxLeverage)
	assert.Equal(t, 0.0, cfg.Risk.Regimes["noise"].SizeMultiplier)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
market:
  freshness_window: 2s
risk:
  max_correlation: 0.5
execution:
  drift_fallback: abort
venues:
  - name: binance
    symbols: [BTCUSDT, ETHUSDT]
    rest_rps: 5
    rest_burst: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Market.FreshnessWindow)
	assert.Equal(t, 0.5, cfg.Risk.MaxCorrelation)
	assert.Equal(t, "abort", cfg.Execution.DriftFallback)
	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Venues[0].Symbols)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.20, cfg.Risk.MaxEquityFraction)
	assert.Equal(t, 60*time.Second, cfg.Execution.Timeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"correlation out of range": "risk:\n  max_correlation: 1.5\n",
		"bad drift fallback":       "execution:\n  drift_fallback: panic\n",
		"zero freshness":           "market:\n  freshness_window: 0s\n",
		"nameless venue":           "venues:\n  - symbols: [BTCUSDT]\n",
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRegimePolicyFallback(t *testing.T) {
	cfg := Default()

	rp, ok := cfg.RegimePolicyFor("trending")
	require.True(t, ok)
	assert.Equal(t, 1.0, rp.SizeMultiplier)

	// Unknown labels get the conservative high-volatility profile.
	rp, ok = cfg.RegimePolicyFor("something_new")
	require.True(t, ok)
	assert.Equal(t, cfg.Risk.Regimes["high_volatility"], rp)
}

func TestStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk:\n  max_correlation: 0.6\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(path, cfg)
	assert.Equal(t, 0.6, store.Get().Risk.MaxCorrelation)

	require.NoError(t, os.WriteFile(path, []byte("risk:\n  max_correlation: 0.4\n"), 0o644))
	require.NoError(t, store.Reload())
	assert.Equal(t, 0.4, store.Get().Risk.MaxCorrelation)

	// A broken file keeps the previous config active.
	require.NoError(t, os.WriteFile(path, []byte("risk:\n  max_correlation: 9.0\n"), 0o644))
	require.Error(t, store.Reload())
	assert.Equal(t, 0.4, store.Get().Risk.MaxCorrelation)
}
