// Copyright 2025 Certen Protocol

package audit

import (
	"context"
	"log"
)

// Config selects and configures the audit backend, mirroring the
// store's memory/replicated_kv backend-selection shape.
type Config struct {
	Backend     string // "postgres" | "memory"
	DatabaseURL string
	Logger      *log.Logger
}

// New constructs the configured Sink. A postgres backend that fails to
// connect degrades to an in-memory sink with a logged warning, matching
// the session store's Firestore degrade-on-failure posture.
func New(ctx context.Context, cfg Config) Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[AuditSink] ", log.LstdFlags)
	}

	if cfg.Backend != "postgres" {
		return NewMemorySink(logger)
	}

	sink, err := NewPostgresSink(ctx, PostgresConfig{DatabaseURL: cfg.DatabaseURL, Logger: logger})
	if err != nil {
		logger.Printf("postgres audit sink unreachable, degrading to in-memory: %v", err)
		return NewMemorySink(logger)
	}
	return sink
}
