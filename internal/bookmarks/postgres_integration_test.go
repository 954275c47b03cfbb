package bookmarks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStore(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("relaysync_bookmarks_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})
	exerciseStore(t, store)
}

func TestPostgresStoreReportsOpenError(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/relaysync")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return nil, fmt.Errorf("driver %s unavailable", driverName)
	}
	if _, err := store.List(context.Background(), "alice"); err == nil {
		t.Fatalf("expected open error to surface")
	}
	if err := store.Add(context.Background(), "alice", "m1"); err == nil {
		t.Fatalf("expected cached open error to surface again")
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
