package factory

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guarderd/internal/history"
	"github.com/loykin/guarderd/internal/history/clickhouse"
	"github.com/loykin/guarderd/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path", filepath.Join(t.TempDir(), "b.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, ok := sink.(*sqlite.Sink)
			assert.True(t, ok, "expected a SQLite sink, got %T", sink)
			if c, ok := sink.(io.Closer); ok {
				_ = c.Close()
			}
		})
	}
}

func TestFactoryEmptyDSNSentinel(t *testing.T) {
	_, err := NewSinkFromDSN("   ")
	assert.ErrorIs(t, err, history.ErrEmptyDSN)
}

func TestParseClickHouseDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want clickhouse.Config
	}{
		{"clickhouse://localhost:9440?table=events", clickhouse.Config{Addr: "localhost:9440", Table: "events"}},
		{"clickhouse://ch.internal", clickhouse.Config{Addr: "ch.internal:9000", Table: clickhouse.DefaultTable}},
		{"clickhouse://bob:secret@ch:9000/metrics", clickhouse.Config{
			Addr: "ch:9000", Database: "metrics", Username: "bob", Password: "secret", Table: clickhouse.DefaultTable,
		}},
		{"clickhouse://", clickhouse.Config{Addr: "localhost:9000", Table: clickhouse.DefaultTable}},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			cfg, err := parseClickHouseDSN(tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}
