package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/fluxor/pkg/db"
)

func newTestSQLPool(t *testing.T) *db.Pool {
	t.Helper()
	pool, err := db.NewPool(db.PoolConfig{
		DSN:          "file::memory:?cache=shared",
		DriverName:   "sqlite3",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	schema := `CREATE TABLE machine_state (
		machine_id TEXT PRIMARY KEY,
		current_state TEXT NOT NULL,
		last_state_change TIMESTAMP NOT NULL,
		is_complete BOOLEAN NOT NULL,
		payload TEXT NOT NULL
	)`
	if _, err := pool.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return pool
}

func TestSQLPersistenceProviderRoundTrip(t *testing.T) {
	pool := newTestSQLPool(t)
	p := NewSQLPersistenceProvider(pool, "")
	ctx := context.Background()

	if ok, err := p.Exists(ctx, "m1"); err != nil || ok {
		t.Fatalf("expected no record yet, got ok=%v err=%v", ok, err)
	}

	pc := &PersistentContext{
		MachineID:       "m1",
		CurrentState:    "ringing",
		LastStateChange: time.Now().UTC().Truncate(time.Second),
		Data:            map[string]interface{}{"caller": "alice"},
	}
	if err := p.Save(ctx, pc); err != nil {
		t.Fatalf("save: %v", err)
	}

	if ok, err := p.Exists(ctx, "m1"); err != nil || !ok {
		t.Fatalf("expected record to exist, got ok=%v err=%v", ok, err)
	}

	loaded, err := p.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentState != "ringing" || loaded.Data["caller"] != "alice" {
		t.Errorf("unexpected loaded value: %+v", loaded)
	}

	pc.CurrentState = "connected"
	if err := p.Save(ctx, pc); err != nil {
		t.Fatalf("save (update): %v", err)
	}
	loaded, err = p.Load(ctx, "m1")
	if err != nil {
		t.Fatalf("load after update: %v", err)
	}
	if loaded.CurrentState != "connected" {
		t.Fatalf("expected upsert to overwrite current_state, got %s", loaded.CurrentState)
	}

	if err := p.Delete(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := p.Load(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLPersistenceProviderLoadMissingReturnsErrNotFound(t *testing.T) {
	pool := newTestSQLPool(t)
	p := NewSQLPersistenceProvider(pool, "")

	if _, err := p.Load(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLPersistenceProviderDefaultsTableName(t *testing.T) {
	pool := newTestSQLPool(t)
	p := NewSQLPersistenceProvider(pool, "")
	if p.table != "machine_state" {
		t.Errorf("expected default table name machine_state, got %s", p.table)
	}
}
