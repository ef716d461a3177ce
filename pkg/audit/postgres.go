// Copyright 2025 Certen Protocol
//
// PostgresSink persists audit entries to Postgres via database/sql and
// the lib/pq driver, grounded on pkg/database/client.go's connection-
// pooling and embedded-migration shape.

package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // postgres driver + pq.Array/pq.StringArray
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresSink is the replicated, durable audit backend.
type PostgresSink struct {
	db     *sql.DB
	logger *log.Logger

	mu   sync.Mutex
	last time.Time
}

// PostgresConfig configures a PostgresSink.
type PostgresConfig struct {
	DatabaseURL string
	MaxConns    int
	Logger      *log.Logger
}

// NewPostgresSink opens a connection pool, verifies connectivity, and
// applies any pending schema migrations.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("audit: database URL cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[AuditSink] ", log.LstdFlags)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 8
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	sink := &PostgresSink{db: db, logger: cfg.Logger}
	if err := sink.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	cfg.Logger.Printf("connected to audit database (max_conns=%d)", cfg.MaxConns)
	return sink, nil
}

// migrate applies every embedded migration file in lexical order.
// Each statement is idempotent (CREATE ... IF NOT EXISTS), so this does
// not need a separate applied-migrations ledger table the way the
// larger proof-artifact schema does.
func (s *PostgresSink) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		s.logger.Printf("applying migration %s", name)
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	s.last = checkOrdering(s.last, entry, s.logger.Printf)
	s.mu.Unlock()

	var errVal sql.NullString
	if entry.Error != "" {
		errVal = sql.NullString{String: entry.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			entry_id, recorded_at, transaction_hash, frozen_at, expires_at,
			status, signer_fingerprints, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), entry.Timestamp, entry.TransactionHash, entry.FrozenAt, entry.ExpiresAt,
		string(entry.Status), pq.Array(entry.SignerFingerprints), errVal,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (s *PostgresSink) ReadRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, transaction_hash, frozen_at, expires_at, status, signer_fingerprints, error
		FROM audit_log
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		var fingerprints pq.StringArray
		var errVal sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.TransactionHash, &e.FrozenAt, &e.ExpiresAt, &status, &fingerprints, &errVal); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Status = Status(status)
		e.SignerFingerprints = []string(fingerprints)
		e.Error = errVal.String
		out = append(out, e)
	}
	// Reverse to strictly-ascending order, matching the append invariant.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
