package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esapp "magicsaas-pipeline/internal/eventstore/application"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/eventstore/infrastructure/badger"
	"magicsaas-pipeline/internal/logging"
)

func seedBadger(t *testing.T, path string, n int) {
	t.Helper()
	backend, err := badger.Open(badger.Options{Path: path, Logger: logging.Nop()})
	require.NoError(t, err)
	store, err := esapp.NewStore(backend, logging.Nop())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := store.Append(context.Background(), esdomain.NewEvent{
			Type:        "sensor.enter",
			Layer:       esdomain.LayerIngestion,
			Aggregate:   "room",
			AggregateID: "acme:lobby",
			Data:        []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Shutdown(context.Background()))
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("log:\n  level: error\nstore:\n  backend: badger\n  badger_path: %s\n", filepath.Join(dir, "events"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReplayCommandPrintsJSONLines(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	seedBadger(t, filepath.Join(dir, "events"), 3)

	out, err := execute(t, "--config", cfgPath, "replay", "--aggregate", "room", "--id", "acme:lobby", "--from", "1")
	require.NoError(t, err)

	var events []esdomain.SystemEvent
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var ev esdomain.SystemEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Data))
	assert.JSONEq(t, `{"n":2}`, string(events[1].Data))
}

func TestReplayCommandRequiresFlags(t *testing.T) {
	_, err := execute(t, "replay", "--aggregate", "room")
	assert.Error(t, err)
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	seedBadger(t, filepath.Join(dir, "events"), 2)

	out, err := execute(t, "--config", cfgPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "sensor.enter")

	xlsx := filepath.Join(dir, "stats.xlsx")
	_, err = execute(t, "--config", cfgPath, "stats", "--format", "xlsx", "--out", xlsx)
	require.NoError(t, err)
	info, err := os.Stat(xlsx)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = execute(t, "--config", cfgPath, "stats", "--format", "csv")
	assert.Error(t, err)
}

func TestOpenBackendRejectsUnknown(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	root := &rootOptions{configPath: cfgPath}
	cfg, err := root.load()
	require.NoError(t, err)
	cfg.Store.Backend = "cassandra"
	_, _, err = openBackend(context.Background(), cfg.Store, logging.Nop())
	assert.Error(t, err)
}
