package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitytrack/tracking"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
addr: ":9090"
view_distance: 4
categories:
  hostile:
    threshold: 96
  projectile:
    threshold: 48
    follow_view: false
store:
  sqlite_path: /tmp/x.db
`))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 4, cfg.ViewDistance)
	assert.Equal(t, 20, cfg.TickRateHz)
	assert.Equal(t, "/tmp/x.db", cfg.Store.SQLitePath)
	assert.Equal(t, "data/journal", cfg.Store.JournalDir)
	assert.Equal(t, "app.log", cfg.Log.File)

	pols, err := cfg.Policies()
	require.NoError(t, err)
	assert.Equal(t, tracking.CategoryPolicy{Threshold: 96, FollowView: true}, pols[tracking.CategoryHostile])
	assert.Equal(t, tracking.CategoryPolicy{Threshold: 48, FollowView: false}, pols[tracking.CategoryProjectile])
	assert.Equal(t, 80.0, pols[tracking.CategoryAmbient].Threshold)

	rule, err := cfg.Rule()
	require.NoError(t, err)
	assert.Equal(t, 96.0, rule.EffectiveRange(tracking.CategoryHostile, 0, 4))
	assert.Equal(t, 48.0, rule.EffectiveRange(tracking.CategoryProjectile, 0, 4))
}

func TestParseEmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"negative view":     "view_distance: -1\n",
		"zero threshold":    "categories:\n  hostile:\n    threshold: 0\n",
		"unknown category":  "categories:\n  dragon:\n    threshold: 10\n",
		"unknown key":       "viewdistance: 3\n",
		"bad level":         "log:\n  level: loud\n",
		"missing threshold": "categories:\n  item:\n    follow_view: true\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, tracking.ErrInvalidConfig)
		})
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("view_distance: [1,"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("tick_rate_hz: 10\n"), 0o644))
	cfg, err = Load(p)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.TickRateHz)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)

	rule, err := cfg.Rule()
	require.NoError(t, err)
	// projectile 不随视距放大
	assert.Equal(t, 64.0, rule.EffectiveRange(tracking.CategoryProjectile, 0, 10))
	assert.Equal(t, 160.0, rule.EffectiveRange(tracking.CategoryHostile, 0, 10))
}
