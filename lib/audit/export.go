// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/gpuguard/lib/codec"
	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

// Export writes every stored snapshot for the host newer than the
// cutoff as a zstd-compressed CBOR sequence, oldest first. Payloads
// are streamed straight from the database; the CBOR bytes are exactly
// what Record stored, so an export of unchanged data is byte-stable.
// A zero cutoff exports everything.
func (s *Store) Export(ctx context.Context, w io.Writer, host string, since time.Time) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: export: %w", err)
	}
	defer s.pool.Put(conn)

	compressor, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("audit: export compressor: %w", err)
	}
	defer func() {
		if closeErr := compressor.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("audit: finishing export: %w", closeErr)
		}
	}()

	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixNano()
	}

	exported := 0
	err = sqlitex.Execute(conn,
		`SELECT payload FROM snapshots
			WHERE host = ? AND recorded_at >= ?
			ORDER BY recorded_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{host, cutoff},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, payload)
				if _, writeErr := compressor.Write(payload); writeErr != nil {
					return writeErr
				}
				exported++
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("audit: export query: %w", err)
	}

	s.logger.Info("audit log exported", "host", host, "snapshots", exported)
	return nil
}

// ReadExport decodes an export stream produced by Export, returning
// the snapshots oldest first.
func ReadExport(r io.Reader) ([]snapshot.Snapshot, error) {
	decompressor, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("audit: export decompressor: %w", err)
	}
	defer decompressor.Close()

	var snapshots []snapshot.Snapshot
	decoder := codec.NewDecoder(decompressor)
	for {
		var snap snapshot.Snapshot
		if err := decoder.Decode(&snap); err != nil {
			if err == io.EOF {
				return snapshots, nil
			}
			return nil, fmt.Errorf("audit: decoding export: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
}
