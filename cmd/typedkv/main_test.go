package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typedkv/typedkv"
	"github.com/typedkv/typedkv/internal/config"
)

// ============================================================================
// setupLogging Tests
// ============================================================================

func TestSetupLogging_Levels(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"unknown", logrus.InfoLevel}, // Invalid, should default
		{"", logrus.InfoLevel},        // Empty, should default
	}

	for _, tt := range tests {
		name := tt.input
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			logger := setupLogging(&config.Config{LogLevel: tt.input, LogFormat: "text"})
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestSetupLogging_Formatters(t *testing.T) {
	logger := setupLogging(&config.Config{LogLevel: "info", LogFormat: "json"})
	jsonFmt, ok := logger.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok, "Formatter should be JSONFormatter")
	assert.Equal(t, time.RFC3339, jsonFmt.TimestampFormat)

	logger = setupLogging(&config.Config{LogLevel: "info", LogFormat: "text"})
	textFmt, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok, "Formatter should be TextFormatter")
	assert.True(t, textFmt.FullTimestamp)
}

// ============================================================================
// Helper Tests
// ============================================================================

func TestCoerceJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"object", `{"name":"alice"}`, `{"name":"alice"}`},
		{"number", "42", "42"},
		{"quoted string", `"hi"`, `"hi"`},
		{"bare string", "hello world", `"hello world"`},
		{"almost json", `{"name":`, `"{\"name\":"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(coerceJSON(tt.input)))
		})
	}
}

func TestOpsPerSec(t *testing.T) {
	assert.Equal(t, 50.0, opsPerSec(100, 2*time.Second))
	assert.Equal(t, 0.0, opsPerSec(100, 0))
}

func TestRawSchema(t *testing.T) {
	assert.Equal(t, "users", rawSchema("users").Name())
}

// ============================================================================
// openStore Tests
// ============================================================================

func TestOpenStore_Badger(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := openStore(&config.Config{Engine: "badger", DataDir: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.True(t, s.IsReady())
	require.NoError(t, s.Close())
}

func TestOpenStore_Pebble(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := openStore(&config.Config{Engine: "pebble", DataDir: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.True(t, s.IsReady())
	require.NoError(t, s.Close())
}

func TestOpenStore_UnknownEngine(t *testing.T) {
	_, err := openStore(&config.Config{Engine: "bolt", DataDir: t.TempDir()}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine")
}

// ============================================================================
// Cobra Command Tests
// ============================================================================

func TestRootCommand_Setup(t *testing.T) {
	root := newRootCmd()

	t.Run("metadata", func(t *testing.T) {
		assert.Equal(t, "typedkv", root.Use)
		assert.Contains(t, root.Short, "typed collections")
		assert.Contains(t, root.Version, version)
	})

	t.Run("subcommands registered", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range root.Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"get", "put", "del", "scan", "collections", "stats", "compact", "gc", "backup", "bench"} {
			assert.True(t, names[want], "missing subcommand %q", want)
		}
	})

	t.Run("persistent flags", func(t *testing.T) {
		defaults := map[string]string{
			"config":      "",
			"data-dir":    "",
			"engine":      "badger",
			"log-level":   "info",
			"log-format":  "text",
			"backoff":     "exponential",
			"max-retries": "10",
		}
		for name, def := range defaults {
			flag := root.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, "flag %q should exist", name)
			assert.Equal(t, def, flag.DefValue, "flag %q default", name)
		}
	})
}

func TestRootCommand_VersionOutput(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "typedkv version")
	assert.Contains(t, buf.String(), version)
}

func TestVersionVariables(t *testing.T) {
	assert.NotEmpty(t, version)
	assert.NotEmpty(t, commit)
	assert.NotEmpty(t, date)
}

// ============================================================================
// End-to-End CLI Tests
// ============================================================================

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	require.NoError(t, w.Close())
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestCLI_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	run := func(args ...string) string {
		t.Helper()
		root := newRootCmd()
		root.SetArgs(append(args, "--data-dir", dir, "--log-level", "error"))
		return captureStdout(t, func() {
			require.NoError(t, root.Execute())
		})
	}

	run("put", "users", "1", `{"name":"alice"}`)
	run("put", "users", "2", "plain text")

	out := run("get", "users", "1")
	assert.JSONEq(t, `{"name":"alice"}`, out)

	out = run("get", "users", "2")
	assert.JSONEq(t, `"plain text"`, out)

	out = run("scan", "users")
	assert.Contains(t, out, "1\t")
	assert.Contains(t, out, "2\t")

	out = run("scan", "users", "--reverse", "--limit", "1")
	assert.Contains(t, out, "2\t")
	assert.NotContains(t, out, "1\t")

	out = run("collections")
	assert.Equal(t, "users\n", out)

	out = run("stats")
	assert.Contains(t, out, `"engine": "badger"`)

	run("del", "users", "1")
	root := newRootCmd()
	root.SetArgs([]string{"get", "users", "1", "--data-dir", dir, "--log-level", "error"})
	root.SetErr(io.Discard)
	require.Error(t, root.Execute())
}

func TestCLI_Maintenance(t *testing.T) {
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		root := newRootCmd()
		root.SetArgs(append(args, "--data-dir", dir, "--log-level", "error"))
		require.NoError(t, root.Execute())
	}

	run("put", "users", "1", `"alice"`)
	run("compact")
	run("gc")
	run("backup", dir+"/backup.bak")

	info, err := os.Stat(dir + "/backup.bak")
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestCLI_Bench(t *testing.T) {
	dir := t.TempDir()

	root := newRootCmd()
	root.SetArgs([]string{"bench", "--n", "100", "--workers", "2", "--value-size", "16", "--data-dir", dir, "--log-level", "error"})
	require.NoError(t, root.Execute())
}

func TestRunBench_Direct(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	backend, err := openStore(&config.Config{Engine: "badger", DataDir: t.TempDir()}, logger)
	require.NoError(t, err)
	defer backend.Close() //nolint:errcheck

	db := typedkv.New(backend, typedkv.WithLogger(logger))
	require.NoError(t, runBench(context.Background(), db, 50, 2, 8))
}
