package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolmind.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Speculation.Enabled)
	assert.InDelta(t, 0.70, cfg.Speculation.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Speculation.MaxConcurrentSpeculations)
	assert.Equal(t, 10000, cfg.Speculation.SpeculationTimeoutMs)
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
speculation:
  enabled: true
  confidence_threshold: 0.8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, cfg.Speculation.ConfidenceThreshold, 1e-9)
	// Unset fields come from defaults.
	assert.Equal(t, 3, cfg.Speculation.MaxConcurrentSpeculations)
	assert.Equal(t, 1024, cfg.Model.Dims)
}

func TestLoadRejectsThresholdOutOfRange(t *testing.T) {
	path := writeConfig(t, `
speculation:
  confidence_threshold: 0.95
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "speculation.confidence_threshold", verr.Field)
}

func TestLoadRejectsMaxConcurrentOutOfRange(t *testing.T) {
	path := writeConfig(t, `
speculation:
  max_concurrent_speculations: 11
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "speculation.max_concurrent_speculations", verr.Field)
}

func TestLoadRejectsInvertedAdaptiveBounds(t *testing.T) {
	path := writeConfig(t, `
speculation:
  adaptive:
    enabled: true
    min_threshold: 0.8
    max_threshold: 0.5
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "speculation.adaptive.max_threshold", verr.Field)
}

func TestLoadRejectsThresholdOutsideAdaptiveBounds(t *testing.T) {
	path := writeConfig(t, `
speculation:
  confidence_threshold: 0.45
  adaptive:
    enabled: true
    min_threshold: 0.6
    max_threshold: 0.9
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "speculation.confidence_threshold", verr.Field)
}

func TestNegativeTimeoutRejected(t *testing.T) {
	path := writeConfig(t, `
speculation:
  speculation_timeout: -5
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "speculation.speculation_timeout", verr.Field)
}

func TestWatcherServesCurrentConfig(t *testing.T) {
	path := writeConfig(t, `
speculation:
  confidence_threshold: 0.75
`)
	w, err := Watch(path)
	require.NoError(t, err)
	defer w.Close()
	assert.InDelta(t, 0.75, w.Current().Speculation.ConfidenceThreshold, 1e-9)
}
