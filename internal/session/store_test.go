package session

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func swapOpenDB(t *testing.T, fn func(driver, dsn string) (*sql.DB, error)) {
	t.Helper()
	prev := openDB
	openDB = fn
	t.Cleanup(func() { openDB = prev })
}

func TestOpenSQLite_DriverAndPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tabs.db")
	var gotDriver, gotDSN string
	swapOpenDB(t, func(driver, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driver, dsn
		return sql.Open(driver, dsn)
	})

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if gotDriver != "sqlite" || gotDSN != path {
		t.Fatalf("opened %s %s", gotDriver, gotDSN)
	}
	st, err := store.Load(context.Background())
	if err != nil || len(st.Tabs) != 0 {
		t.Fatalf("fresh load = %+v, %v", st, err)
	}
}

func TestOpenSQLite_OpenError(t *testing.T) {
	swapOpenDB(t, func(string, string) (*sql.DB, error) {
		return nil, errors.New("disk on fire")
	})
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "tabs.db"))
	if err == nil || !strings.Contains(err.Error(), "session: open database: disk on fire") {
		t.Fatalf("err = %v", err)
	}
}
