// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/codec"
	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

// schema creates the audit tables. samples is the flattened per-process
// view used for history reconstruction; snapshots holds the full CBOR
// payloads used for export. Timestamps are Unix nanoseconds.
const schema = `
	CREATE TABLE IF NOT EXISTS samples (
		recorded_at         INTEGER NOT NULL,
		host                TEXT NOT NULL,
		gpu_index           INTEGER NOT NULL,
		pid                 INTEGER NOT NULL,
		user                TEXT NOT NULL,
		process_name        TEXT NOT NULL,
		memory_used_mb      INTEGER NOT NULL,
		gpu_utilization_pct REAL NOT NULL,
		gpu_memory_used_mb  INTEGER NOT NULL,
		gpu_temperature_c   INTEGER NOT NULL,
		gpu_power_w         REAL NOT NULL,
		container           TEXT NOT NULL DEFAULT '',
		start_time          INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_samples_host_time ON samples(host, recorded_at);

	CREATE TABLE IF NOT EXISTS snapshots (
		recorded_at INTEGER NOT NULL,
		host        TEXT NOT NULL,
		payload     BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_host_time ON snapshots(host, recorded_at);
`

// Store is the SQLite-backed audit log. It wraps a fixed-size
// connection pool; Store is safe for concurrent use, individual
// connections are not and are never exposed.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// Config holds the parameters for opening an audit store. Path is
// required; everything else has defaults.
type Config struct {
	// Path is the filesystem path to the database file, created if
	// absent. Use ":memory:" with PoolSize 1 in tests (each in-memory
	// connection is an independent database).
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4;
	// SQLite serializes writes regardless, extra connections only
	// help concurrent reads.
	PoolSize int

	// Clock provides the current time for Window and Prune cutoffs.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Defaults to a discarding
	// logger.
	Logger *slog.Logger
}

// Open creates the audit store, applying standard pragmas and the
// schema to every pooled connection. The caller must Close the store
// when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: Path is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", cfg.Path, err)
	}

	logger.Info("audit store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{
		pool:   pool,
		clock:  clk,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// prepareConnection applies pragmas and the schema. Runs once per
// pooled connection, on first use.
func prepareConnection(conn *sqlite.Conn) error {
	// WAL: concurrent readers, single writer, no reader blocking.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("audit: applying schema: %w", err)
	}
	return nil
}

// Close closes the pool. Blocks until all borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("audit: closing %s: %w", s.path, err)
	}
	s.logger.Info("audit store closed", "path", s.path)
	return nil
}

// Record appends one snapshot: a CBOR payload row plus one flattened
// sample row per process, all in a single IMMEDIATE transaction.
func (s *Store) Record(ctx context.Context, snap *snapshot.Snapshot) (err error) {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	payload, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("audit: encoding snapshot: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("audit: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	recordedAt := snap.Timestamp.UnixNano()

	err = sqlitex.Execute(conn,
		`INSERT INTO snapshots (recorded_at, host, payload) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{recordedAt, snap.Host, payload}})
	if err != nil {
		return fmt.Errorf("audit: insert snapshot: %w", err)
	}

	for _, proc := range snap.Processes {
		var utilization, power float64
		var gpuMemory, temperature int
		if gpu := snap.GPU(proc.GPUIndex); gpu != nil {
			utilization = gpu.UtilizationPercent
			gpuMemory = gpu.MemoryUsedMB
			temperature = gpu.TemperatureCelsius
			power = gpu.PowerWatts
		}
		var startTime int64
		if !proc.StartTime.IsZero() {
			startTime = proc.StartTime.UnixNano()
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO samples
				(recorded_at, host, gpu_index, pid, user, process_name,
				 memory_used_mb, gpu_utilization_pct, gpu_memory_used_mb,
				 gpu_temperature_c, gpu_power_w, container, start_time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				recordedAt,
				snap.Host,
				proc.GPUIndex,
				proc.PID,
				proc.User,
				proc.Name,
				proc.UsedMemoryMB,
				utilization,
				gpuMemory,
				temperature,
				power,
				proc.Container,
				startTime,
			}})
		if err != nil {
			return fmt.Errorf("audit: insert sample pid %d: %w", proc.PID, err)
		}
	}

	return nil
}

// Window reconstructs the history window for a host covering the
// lookback period ending now.
func (s *Store) Window(ctx context.Context, host string, lookback time.Duration) (*snapshot.HistoryWindow, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("audit: lookback %v must be positive", lookback)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: window: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-lookback).UnixNano()

	var samples []snapshot.Sample
	err = sqlitex.Execute(conn,
		`SELECT recorded_at, host, gpu_index, pid, user, process_name,
			memory_used_mb, gpu_utilization_pct, gpu_memory_used_mb,
			gpu_temperature_c, gpu_power_w, container, start_time
			FROM samples
			WHERE host = ? AND recorded_at >= ?
			ORDER BY recorded_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{host, cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sample := snapshot.Sample{
					Timestamp: time.Unix(0, stmt.ColumnInt64(0)).UTC(),
					Host:      stmt.ColumnText(1),
					Process: snapshot.ProcessRecord{
						GPUIndex:     stmt.ColumnInt(2),
						PID:          stmt.ColumnInt(3),
						User:         stmt.ColumnText(4),
						Name:         stmt.ColumnText(5),
						UsedMemoryMB: stmt.ColumnInt(6),
						Container:    stmt.ColumnText(11),
					},
					GPUUtilization:  stmt.ColumnFloat(7),
					GPUMemoryUsedMB: stmt.ColumnInt(8),
					GPUTemperatureC: stmt.ColumnInt(9),
					GPUPowerWatts:   stmt.ColumnFloat(10),
				}
				if startTime := stmt.ColumnInt64(12); startTime != 0 {
					sample.Process.StartTime = time.Unix(0, startTime).UTC()
				}
				samples = append(samples, sample)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: window query: %w", err)
	}

	window := snapshot.NewHistoryWindow(lookback)
	window.AppendSamples(samples)
	return window, nil
}

// Prune deletes samples and snapshots older than the retention period,
// returning the number of rows removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("audit: retention %v must be positive", retention)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-retention).UnixNano()

	removed := 0
	for _, table := range []string{"samples", "snapshots"} {
		err := sqlitex.Execute(conn,
			fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", table),
			&sqlitex.ExecOptions{Args: []any{cutoff}})
		if err != nil {
			return removed, fmt.Errorf("audit: pruning %s: %w", table, err)
		}
		removed += conn.Changes()
	}

	s.logger.Info("audit log pruned", "removed", removed, "retention", retention)
	return removed, nil
}
