package statemachine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/fluxor/pkg/db"
)

// SQLPersistenceProvider stores machine state in a relational table via
// database/sql, grounded on pkg/db.Pool (the teacher's HikariCP-style
// pool wrapper used the same way in examples/todo-api). The concrete
// driver is whatever was registered with database/sql when the *db.Pool
// was opened — mattn/go-sqlite3 for the embedded demo backend. Postgres
// is reached through PgxPersistenceProvider rather than a database/sql
// driver.
//
// Table shape:
//
//	CREATE TABLE machine_state (
//		machine_id   TEXT PRIMARY KEY,
//		current_state TEXT NOT NULL,
//		last_state_change TIMESTAMPTZ NOT NULL,
//		is_complete  BOOLEAN NOT NULL,
//		payload      JSONB NOT NULL
//	);
type SQLPersistenceProvider struct {
	pool  *db.Pool
	table string
}

// NewSQLPersistenceProvider wraps pool, storing rows in table (defaults
// to "machine_state" when empty).
func NewSQLPersistenceProvider(pool *db.Pool, table string) *SQLPersistenceProvider {
	if table == "" {
		table = "machine_state"
	}
	return &SQLPersistenceProvider{pool: pool, table: table}
}

func (p *SQLPersistenceProvider) Save(ctx context.Context, pc *PersistentContext) error {
	payload, err := json.Marshal(pc.Data)
	if err != nil {
		return newError(ErrFatalPersistence, pc.MachineID, err)
	}
	query := `INSERT INTO ` + p.table + ` (machine_id, current_state, last_state_change, is_complete, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (machine_id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			last_state_change = EXCLUDED.last_state_change,
			is_complete = EXCLUDED.is_complete,
			payload = EXCLUDED.payload`
	if _, err := p.pool.Exec(ctx, query, pc.MachineID, pc.CurrentState, pc.LastStateChange, pc.Complete, payload); err != nil {
		return newError(ErrTransientPersistence, pc.MachineID, err)
	}
	return nil
}

func (p *SQLPersistenceProvider) Load(ctx context.Context, machineID string) (*PersistentContext, error) {
	query := `SELECT current_state, last_state_change, is_complete, payload FROM ` + p.table + ` WHERE machine_id = $1`
	row := p.pool.QueryRow(ctx, query, machineID)

	var pc PersistentContext
	var payload []byte
	pc.MachineID = machineID
	if err := row.Scan(&pc.CurrentState, &pc.LastStateChange, &pc.Complete, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, newError(ErrTransientPersistence, machineID, err)
	}
	if err := json.Unmarshal(payload, &pc.Data); err != nil {
		return nil, newError(ErrFatalPersistence, machineID, err)
	}
	return &pc, nil
}

func (p *SQLPersistenceProvider) Delete(ctx context.Context, machineID string) error {
	query := `DELETE FROM ` + p.table + ` WHERE machine_id = $1`
	if _, err := p.pool.Exec(ctx, query, machineID); err != nil {
		return newError(ErrTransientPersistence, machineID, err)
	}
	return nil
}

func (p *SQLPersistenceProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	query := `SELECT 1 FROM ` + p.table + ` WHERE machine_id = $1`
	row := p.pool.QueryRow(ctx, query, machineID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, newError(ErrTransientPersistence, machineID, err)
	}
	return true, nil
}

// PgxPersistenceProvider is the same store backed directly by a
// pgxpool.Pool, for deployments that want pgx's native Postgres protocol
// and binary parameter encoding instead of database/sql (grounded on
// examples/todo-api/cmd/main.go's pgxpool wiring).
type PgxPersistenceProvider struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgxPersistenceProvider wraps pool, storing rows in table (defaults
// to "machine_state" when empty).
func NewPgxPersistenceProvider(pool *pgxpool.Pool, table string) *PgxPersistenceProvider {
	if table == "" {
		table = "machine_state"
	}
	return &PgxPersistenceProvider{pool: pool, table: table}
}

func (p *PgxPersistenceProvider) Save(ctx context.Context, pc *PersistentContext) error {
	payload, err := json.Marshal(pc.Data)
	if err != nil {
		return newError(ErrFatalPersistence, pc.MachineID, err)
	}
	query := `INSERT INTO ` + p.table + ` (machine_id, current_state, last_state_change, is_complete, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (machine_id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			last_state_change = EXCLUDED.last_state_change,
			is_complete = EXCLUDED.is_complete,
			payload = EXCLUDED.payload`
	if _, err := p.pool.Exec(ctx, query, pc.MachineID, pc.CurrentState, pc.LastStateChange, pc.Complete, payload); err != nil {
		return newError(ErrTransientPersistence, pc.MachineID, err)
	}
	return nil
}

func (p *PgxPersistenceProvider) Load(ctx context.Context, machineID string) (*PersistentContext, error) {
	query := `SELECT current_state, last_state_change, is_complete, payload FROM ` + p.table + ` WHERE machine_id = $1`
	row := p.pool.QueryRow(ctx, query, machineID)

	var pc PersistentContext
	var payload []byte
	pc.MachineID = machineID
	if err := row.Scan(&pc.CurrentState, &pc.LastStateChange, &pc.Complete, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, newError(ErrTransientPersistence, machineID, err)
	}
	if err := json.Unmarshal(payload, &pc.Data); err != nil {
		return nil, newError(ErrFatalPersistence, machineID, err)
	}
	return &pc, nil
}

func (p *PgxPersistenceProvider) Delete(ctx context.Context, machineID string) error {
	query := `DELETE FROM ` + p.table + ` WHERE machine_id = $1`
	if _, err := p.pool.Exec(ctx, query, machineID); err != nil {
		return newError(ErrTransientPersistence, machineID, err)
	}
	return nil
}

func (p *PgxPersistenceProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	query := `SELECT 1 FROM ` + p.table + ` WHERE machine_id = $1`
	row := p.pool.QueryRow(ctx, query, machineID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, newError(ErrTransientPersistence, machineID, err)
	}
	return true, nil
}

// ShardedPersistenceProvider fans machine ids out across N underlying
// providers by a consistent FNV-1a hash of the machine id. Spec.md names
// a "sharded repository" as an open question without detailing a
// sharding scheme, so this is a from-scratch wrapper, not lifted from the
// teacher — the teacher's persistence layer is single-backend.
type ShardedPersistenceProvider struct {
	shards []PersistenceProvider
}

// NewShardedPersistenceProvider distributes machine ids across shards by
// hash. len(shards) must be at least 1.
func NewShardedPersistenceProvider(shards []PersistenceProvider) *ShardedPersistenceProvider {
	return &ShardedPersistenceProvider{shards: shards}
}

func (s *ShardedPersistenceProvider) shardFor(machineID string) PersistenceProvider {
	h := fnv.New32a()
	_, _ = h.Write([]byte(machineID))
	idx := int(h.Sum32()) % len(s.shards)
	if idx < 0 {
		idx += len(s.shards)
	}
	return s.shards[idx]
}

func (s *ShardedPersistenceProvider) Save(ctx context.Context, pc *PersistentContext) error {
	return s.shardFor(pc.MachineID).Save(ctx, pc)
}

func (s *ShardedPersistenceProvider) Load(ctx context.Context, machineID string) (*PersistentContext, error) {
	return s.shardFor(machineID).Load(ctx, machineID)
}

func (s *ShardedPersistenceProvider) Delete(ctx context.Context, machineID string) error {
	return s.shardFor(machineID).Delete(ctx, machineID)
}

func (s *ShardedPersistenceProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	return s.shardFor(machineID).Exists(ctx, machineID)
}
