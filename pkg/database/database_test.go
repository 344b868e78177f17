package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"listing_sync_v1_202610/internal/config"
)

func TestSqliteDSN(t *testing.T) {
	cases := map[string]string{
		":memory:":                   ":memory:",
		"file::memory:?mode=memory":  "file::memory:?mode=memory",
		"data.db":                    "data.db?_journal_mode=WAL&_busy_timeout=5000",
		"data.db?cache=shared":       "data.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000",
		"data.db?_busy_timeout=100":  "data.db?_busy_timeout=100&_journal_mode=WAL",
	}
	for in, want := range cases {
		assert.Equal(t, want, sqliteDSN(in), "输入: %s", in)
	}
}

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, "silent", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))

	for _, table := range []string{"account_tokens", "listing_snapshots", "price_history", "sync_runs"} {
		assert.True(t, db.Migrator().HasTable(table), "缺少表 %s", table)
	}
	assert.True(t, db.Migrator().HasIndex("listing_snapshots", "uk_listing_snapshot"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mysql", DSN: "x"}, "info", zap.NewNop())
	assert.Error(t, err)
}
