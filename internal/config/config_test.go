package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, ":8080", cfg.Addr())
	require.Equal(t, LockLocal, cfg.LockBackend)
	require.Equal(t, 5*time.Second, cfg.LockTimeout)
	require.Equal(t, 3, cfg.TradeMaxRetries)
	require.Equal(t, "exchange.changes", cfg.KafkaTopic)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOCK_BACKEND", " Redis ")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOCK_TIMEOUT", "250ms")
	t.Setenv("TRADE_MAX_RETRIES", "-1")

	cfg, err := Parse()
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, LockRedis, cfg.LockBackend)
	require.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	require.Equal(t, -1, cfg.TradeMaxRetries)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"malformed duration", map[string]string{"LOCK_TIMEOUT": "soon"}},
		{"redis lock without url", map[string]string{"LOCK_BACKEND": "redis"}},
		{"unknown lock backend", map[string]string{"LOCK_BACKEND": "zookeeper"}},
		{"zero lock timeout", map[string]string{"LOCK_TIMEOUT": "0s"}},
		{"negative rate", map[string]string{"RATE_LIMIT_PER_MINUTE": "-5"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "chatty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			require.Error(t, err)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{LockBackend: "nope", LogLevel: "info", LockTTL: time.Second}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "LOCK_BACKEND")
	require.Contains(t, err.Error(), "LOCK_TIMEOUT")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SEED_FILE=fixtures/demo.yaml\nPORT=7000\n"), 0o600))

	// Real environment wins over the file.
	t.Setenv("PORT", "7001")
	// godotenv sets variables for the rest of the process; clear after the test.
	t.Setenv("SEED_FILE", "")
	require.NoError(t, os.Unsetenv("SEED_FILE"))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "fixtures/demo.yaml", cfg.SeedFile)
	require.Equal(t, "7001", cfg.Port)
}

func TestLoadMissingDotEnv(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("")
	require.ErrorIs(t, err, ErrInvalid)
}
