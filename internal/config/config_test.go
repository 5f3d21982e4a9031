package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 10.0, cfg.Urgency.Thresholds.High)
	assert.Equal(t, 3.0, cfg.Urgency.Thresholds.Medium)
	assert.False(t, cfg.History.KeepOrphanSubtasks)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("history:\n  keep_orphan_subtasks: true\nlogging:\n  level: debug\n"))
	require.NoError(t, err)
	assert.True(t, cfg.History.KeepOrphanSubtasks)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, Default().Urgency.Formula, cfg.Urgency.Formula)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":          "logging: [",
		"bad level":         "logging:\n  level: loud\n",
		"inverted":          "urgency:\n  thresholds:\n    high: 1\n    medium: 5\n",
		"negative medium":   "urgency:\n  thresholds:\n    high: 1\n    medium: -1\n",
		"relative basepath": "server:\n  base_path: v0\n",
		"empty formula":     "urgency:\n  formula: \"  \"\n",
		"unknown variable":  "urgency:\n  formula: effort * urgencyBoost\n",
		"broken formula":    "urgency:\n  formula: (effort *\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte("server:\n  addr: :9000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}
