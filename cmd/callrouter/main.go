// Command callrouter wires up the statemachine runtime around a single
// call-leg definition (spec.md §8 scenario S1) and drives one machine
// (call-1) through it to demonstrate the Registry, SQL-backed persistence,
// timeout scheduling, and history archival working end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/fluxor/pkg/core"
	"github.com/fluxorio/fluxor/pkg/db"
	"github.com/fluxorio/fluxor/pkg/statemachine"
)

func buildCallDefinition() *statemachine.MachineDefinition {
	def, err := statemachine.NewBuilder("call").
		InitialState("idle").
		State("idle").
		On("incoming", "ringing").Done().
		Done().
		State("ringing").
		Timeout(30*time.Second, "idle").
		On("answer", "connected").Done().
		On("hangup", "hungup").Done().
		Done().
		State("connected").
		On("hangup", "hungup").Done().
		Done().
		State("hungup").
		Final(true).
		Done().
		Build()
	if err != nil {
		log.Fatalf("build call definition: %v", err)
	}
	return def
}

func openStateStore(ctx context.Context) *db.Pool {
	pool, err := db.NewPool(db.PoolConfig{
		DSN:          "file::memory:?cache=shared",
		DriverName:   "sqlite3",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}

	schema := []string{
		`CREATE TABLE machine_state (
			machine_id TEXT PRIMARY KEY,
			current_state TEXT NOT NULL,
			last_state_change TIMESTAMP NOT NULL,
			is_complete BOOLEAN NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE machine_history (
			machine_id TEXT PRIMARY KEY,
			final_state TEXT NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			payload TEXT NOT NULL,
			archived_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			log.Fatalf("create schema: %v", err)
		}
	}
	return pool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	def := buildCallDefinition()
	cfg := statemachine.DefaultConfig()
	cfg.ArchivalRetryBaseDelay = 50 * time.Millisecond

	pool := openStateStore(ctx)
	defer func() { _ = pool.Close() }()

	persistence := statemachine.NewSQLPersistenceProvider(pool, "machine_state")
	scheduler := statemachine.NewScheduler(cfg.TimeoutResolution, nil)
	defer scheduler.Stop()

	archival := statemachine.NewArchivalQueue(ctx, pool, cfg,
		statemachine.WithArchivalLogger(core.NewDefaultLogger()),
		statemachine.WithFatalHandler(func(_ context.Context, _ *statemachine.MachineDefinition, pc *statemachine.PersistentContext, err error) {
			log.Fatalf("archival permanently failed for %s: %v", pc.MachineID, err)
		}),
	)
	defer func() { _ = archival.Stop(context.Background()) }()

	if err := archival.RecoverOnStartup(ctx, def); err != nil {
		log.Fatalf("archival startup scan: %v", err)
	}

	registry := statemachine.NewRegistry(def, persistence, scheduler, cfg,
		statemachine.WithArchival(archival))

	bus := statemachine.NewObserverBus(cfg)
	bus.Attach(registry)
	unsubscribe := bus.Subscribe(statemachine.NewLoggingObserver(core.NewDefaultLogger()), true)
	defer unsubscribe()

	callID := "call-1"
	if _, err := registry.Create(ctx, callID); err != nil {
		log.Fatalf("create %s: %v", callID, err)
	}

	steps := []string{"incoming", "answer", "hangup"}
	for _, eventType := range steps {
		result, err := registry.RouteEvent(ctx, callID, statemachine.Event{Type: eventType})
		if err != nil {
			log.Fatalf("route %s: %v", eventType, err)
		}
		fmt.Printf("%s -> state=%s changed=%v\n", eventType, result.State, result.Changed)
	}

	// Give the archival worker pool a moment to finish the async move
	// triggered by the hangup transition into the final state.
	time.Sleep(200 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
