package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn)

	logger.Info("trade executed", "trade_id", "t1")
	require.Zero(t, buf.Len(), "info must be filtered at warn level")

	logger.Warn("founder lock timeout", "founder", "f1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARN", line["level"])
	require.Equal(t, "founder lock timeout", line["msg"])
	require.Equal(t, "f1", line["founder"])
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	})

	path := filepath.Join(t.TempDir(), "exchange.log")
	logger, closer := Setup(Options{Service: "founder-exchange", Level: slog.LevelInfo, File: path})
	logger.Info("server started", "addr", ":8080")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `"service":"founder-exchange"`), string(data))
	require.True(t, strings.Contains(string(data), `"msg":"server started"`), string(data))
}
