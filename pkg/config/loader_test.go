package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg, err := load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueConfig().Backend, cfg.Queue.Backend)
	assert.Equal(t, DefaultPlanStoreConfig().FilePath, cfg.PlanStore.FilePath)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := []byte(`
queue:
  backend: log
  log:
    brokers: ["kafka-1:9092"]
retention:
  days: 7
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planexec.yaml"), yamlContent, 0o644))

	cfg, err := load(dir)
	require.NoError(t, err)

	assert.Equal(t, "log", cfg.Queue.Backend)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Queue.Log.Brokers)
	assert.Equal(t, 7, cfg.Retention.Days)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultQueueConfig().RetryMaxAttempts, cfg.Queue.RetryMaxAttempts)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLANEXEC_PG_HOST", "db.internal")
	yamlContent := []byte(`
planState:
  backend: relational
  postgres:
    host: "${PLANEXEC_PG_HOST}"
    database: planexec
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planexec.yaml"), yamlContent, 0o644))

	cfg, err := load(dir)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.PlanStore.Postgres.Host)
}

func TestInitializeValidatesMergedConfig(t *testing.T) {
	dir := t.TempDir()
	yamlContent := []byte(`
queue:
  backend: bogus
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planexec.yaml"), yamlContent, 0o644))

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}
