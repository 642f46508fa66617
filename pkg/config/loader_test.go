package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInstance(t *testing.T, yaml string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, MarkerFile), []byte(yaml), 0o644))
	return root
}

func TestInitializeDefaults(t *testing.T) {
	root := writeInstance(t, "queue_id: test-queue\n")

	cfg, err := Initialize(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, "test-queue", cfg.QueueID)
	assert.Equal(t, root, cfg.InstanceRoot())
	assert.Equal(t, filepath.Join(root, "data", "gatewatch.db"), cfg.StorePath())
	assert.Equal(t, filepath.Join(root, "profiles"), cfg.ProfilesDir())

	// defaults survive an empty file
	assert.Equal(t, 10, cfg.Source.TTW)
	assert.Equal(t, 5, cfg.Enrichment.Workers)
	assert.Equal(t, 1000, cfg.Enrichment.QueueCapacity)
	assert.Equal(t, 600*time.Second, cfg.Detection.Window)
	assert.Equal(t, 3*time.Hour, cfg.Backfill.MaxAge)
	assert.Equal(t, 500, cfg.Backfill.MaxKills)
	assert.Equal(t, 100, cfg.Dispatcher.QueueCapacity)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Kills)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Findings)
}

func TestInitializeOverrides(t *testing.T) {
	root := writeInstance(t, `
queue_id: override-queue
listen_addr: ":9999"
source:
  ttw: 5
  backoff_initial: 2s
enrichment:
  workers: 2
  requests_per_second: 10
detection:
  window: 5m
  min_kills: 4
backfill:
  enabled: false
dispatcher:
  queue_capacity: 50
retention:
  kills: 12h
`)

	cfg, err := Initialize(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.Source.TTW)
	assert.Equal(t, 2*time.Second, cfg.Source.BackoffInitial)
	assert.Equal(t, 60*time.Second, cfg.Source.BackoffMax, "unset values keep defaults")
	assert.Equal(t, 2, cfg.Enrichment.Workers)
	assert.Equal(t, float64(10), cfg.Enrichment.RequestsPerSecond)
	assert.Equal(t, 5*time.Minute, cfg.Detection.Window)
	assert.Equal(t, 4, cfg.Detection.MinKills)
	assert.False(t, cfg.Backfill.Enabled)
	assert.Equal(t, 50, cfg.Dispatcher.QueueCapacity)
	assert.Equal(t, 12*time.Hour, cfg.Retention.Kills)
	assert.Equal(t, 1*time.Hour, cfg.Retention.SweepInterval)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("TEST_QUEUE_ID", "env-queue")
	root := writeInstance(t, "queue_id: \"{{.TEST_QUEUE_ID}}\"\n")

	cfg, err := Initialize(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, "env-queue", cfg.QueueID)
}

func TestInitializeWalksUpToMarker(t *testing.T) {
	root := writeInstance(t, "queue_id: up-queue\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, err := Initialize(context.Background(), nested)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.InstanceRoot())
}

func TestInitializeMissingMarker(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrInstanceRootNotFound)
}

func TestInitializeMissingQueueID(t *testing.T) {
	root := writeInstance(t, "listen_addr: \":8090\"\n")
	_, err := Initialize(context.Background(), root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)
}

func TestInitializeInvalidYAML(t *testing.T) {
	root := writeInstance(t, "queue_id: [unterminated\n")
	_, err := Initialize(context.Background(), root)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoadProfilesSkipsInvalid(t *testing.T) {
	dir := t.TempDir()

	valid := `
schema_version: 2
name: corp-intel
display_name: Corp Intel
enabled: true
webhook_url: https://hooks.example.com/services/abc
triggers:
  watchlist_activity: true
watched_orgs: [98000100]
`
	badSchema := `
schema_version: 1
name: old-profile
webhook_url: https://hooks.example.com/services/old
`
	notYAML := "{{{{"

	require.NoError(t, os.WriteFile(filepath.Join(dir, "corp-intel.yaml"), []byte(valid), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.yaml"), []byte(badSchema), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(notYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not a profile"), 0o644))

	profiles, failed := LoadProfiles(dir)

	require.Len(t, profiles, 1)
	assert.Equal(t, "corp-intel", profiles[0].Name)
	assert.Equal(t, "corp-intel.yaml", profiles[0].SourceFile)

	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed["old.yaml"], ErrProfileSchema)
	assert.Error(t, failed["broken.yaml"])
}

func TestLoadProfilesMissingDir(t *testing.T) {
	profiles, failed := LoadProfiles(filepath.Join(t.TempDir(), "missing"))
	assert.Empty(t, profiles)
	assert.Empty(t, failed)
}

func TestLoadProfilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		content := `
schema_version: 2
name: ` + name + `
enabled: true
webhook_url: https://hooks.example.com/services/` + name + `
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644))
	}

	profiles, failed := LoadProfiles(dir)
	require.Empty(t, failed)
	require.Len(t, profiles, 3)
	assert.Equal(t, "alpha", profiles[0].Name)
	assert.Equal(t, "mid", profiles[1].Name)
	assert.Equal(t, "zeta", profiles[2].Name)
}
