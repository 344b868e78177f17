package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing_sync_v1_202610/internal/middleware"
	"listing_sync_v1_202610/internal/model"
	"listing_sync_v1_202610/internal/task"
)

func TestNewApp_Commands(t *testing.T) {
	a := newApp()
	var names []string
	for _, c := range a.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"sync", "serve", "accounts", "token"}, names)
}

func TestPrintReport(t *testing.T) {
	now := time.Now()
	report := &task.RunReport{
		RunID:      "run-1",
		StartedAt:  now.Add(-2 * time.Second),
		FinishedAt: now,
		Accounts: map[string]*task.AccountReport{
			"TOYS":  {Account: "TOYS", State: model.SyncStateDone, Strategy: "cursor", Listed: 120, Saved: 120},
			"PESCA": {Account: "PESCA", State: model.SyncStateFailed, Error: "auth failed"},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "run-1")
	assert.Less(t, strings.Index(out, "PESCA"), strings.Index(out, "TOYS"), "按账户名排序")
	assert.Contains(t, out, "auth failed")
	assert.Contains(t, out, "120")
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  jwt_secret: cli-secret\n"), 0o600))

	a := newApp()
	var buf bytes.Buffer
	a.Writer = &buf
	require.NoError(t, a.Run([]string{"lsync", "--config", path, "token", "--operator", "alice"}))

	claims, err := middleware.ParseOperatorToken("cli-secret", strings.TrimSpace(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
}

func TestSyncCommand_NoAccounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lsync.yaml")
	cfg := "log:\n  level: error\ndatabase:\n  dsn: " + filepath.Join(dir, "sync.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	a := newApp()
	var buf bytes.Buffer
	a.Writer = &buf
	require.NoError(t, a.Run([]string{"lsync", "--config", path, "sync"}))
	assert.Contains(t, buf.String(), "total")
}
