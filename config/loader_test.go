package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 0.85, cfg.Memory.Dedup.Threshold)
	require.Equal(t, 10, cfg.Memory.Router.MaxMemories)
	require.Equal(t, 24*time.Hour, cfg.Memory.Decay.Interval)
}

func TestLoader_FromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  host: db.internal
  port: 5433
  user: memflow
  name: memories
memory:
  dedup:
    threshold: 0.9
  router:
    max_memories: 5
log:
  level: debug
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, 5433, cfg.Database.Port)
	require.Equal(t, 0.9, cfg.Memory.Dedup.Threshold)
	require.Equal(t, 5, cfg.Memory.Router.MaxMemories)
	require.Equal(t, "debug", cfg.Log.Level)

	// Untouched values keep their defaults.
	require.Equal(t, 0.6, cfg.Memory.Search.VectorWeight)
	require.Equal(t, 9091, cfg.Server.MetricsPort)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewLoader().WithConfigPath("/nonexistent/memflow.yaml").Load()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("MEMFLOW_DATABASE_DRIVER", "mysql")
	t.Setenv("MEMFLOW_DATABASE_PORT", "3307")
	t.Setenv("MEMFLOW_MEMORY_SEARCH_MIN_SCORE", "0.5")
	t.Setenv("MEMFLOW_MEMORY_DECAY_INTERVAL", "1h")
	t.Setenv("MEMFLOW_TELEMETRY_ENABLED", "true")
	t.Setenv("MEMFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/memflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.Equal(t, "mysql", cfg.Database.Driver)
	require.Equal(t, 3307, cfg.Database.Port)
	require.Equal(t, 0.5, cfg.Memory.Search.MinScore)
	require.Equal(t, time.Hour, cfg.Memory.Decay.Interval)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, []string{"stdout", "/var/log/memflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0o600))
	t.Setenv("MEMFLOW_DATABASE_DRIVER", "sqlite")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Database.Driver = "mongodb"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.Dedup.Threshold = 1.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Telemetry.SampleRate = 2
	require.Error(t, cfg.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	t.Parallel()

	pg := DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	require.Equal(t, "host=h port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "h", Port: 3306, User: "u", Password: "p", Name: "n"}
	require.Equal(t, "u:p@tcp(h:3306)/n?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "memflow.db"}
	require.Equal(t, "memflow.db", lite.DSN())

	other := DatabaseConfig{Driver: "other"}
	require.Empty(t, other.DSN())
}
