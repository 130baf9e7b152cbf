package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default-org", cfg.Workspace.Org)
	assert.Equal(t, 4, cfg.Phase.ArchiveMonth)
	assert.Equal(t, 1, cfg.Phase.ArchiveDay)
	assert.Equal(t, 6, cfg.Phase.PostShowTransitionHour)
	assert.True(t, cfg.Phase.AutoEnabled())
	assert.Equal(t, 30*time.Second, cfg.Evaluator.Timeout())
	assert.Equal(t, 15*time.Minute, cfg.Evaluator.Interval.Std())
	assert.Contains(t, cfg.RBAC.Roles, "scheduler")
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
workspace:
  org: acme
phase:
  archive_month: 2
  archive_day: 29
  auto_transitions_enabled: false
  default_timezone: America/New_York
evaluator:
  workers: 3
  project_timeout: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Workspace.Org)
	assert.Equal(t, 29, cfg.Phase.ArchiveDay)
	assert.False(t, cfg.Phase.AutoEnabled())
	assert.Equal(t, 3, cfg.Evaluator.WorkerCount())
	assert.Equal(t, 2*time.Second, cfg.Evaluator.Timeout())
	assert.Equal(t, 6, cfg.Phase.PostShowTransitionHour)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"month":    "phase:\n  archive_month: 13\n",
		"day":      "phase:\n  archive_month: 4\n  archive_day: 31\n",
		"hour":     "phase:\n  post_show_transition_hour: 24\n",
		"timezone": "phase:\n  default_timezone: Mars/Base\n",
		"local":    "phase:\n  default_timezone: Local\n",
		"perm":     "rbac:\n  roles:\n    owner:\n      permissions: [phase.fly]\n",
		"webhook":  "webhooks:\n  - secret: x\n",
		"format":   "logging:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFromFileTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callsheet.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[workspace]
org = "toml-org"

[phase]
archive_month = 6
archive_day = 30
post_show_transition_hour = 9

[evaluator]
project_timeout = "5s"
`), 0o644))

	assert.Equal(t, path, Path(dir))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "toml-org", cfg.Workspace.Org)
	assert.Equal(t, 9, cfg.Phase.PostShowTransitionHour)
	assert.Equal(t, 5*time.Second, cfg.Evaluator.Timeout())
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "not found")
}
