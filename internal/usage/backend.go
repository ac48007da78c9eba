// Package usage provides the request audit log: lock-free live counters plus
// a batched persistence backend (sqlite or postgres, chosen by DSN).
package usage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record captures one proxied request after its final attempt.
type Record struct {
	Model       string
	Family      string
	AccountID   int64
	Status      int
	Attempts    int
	Failed      bool
	LatencyMS   int64
	RequestedAt time.Time
}

// Backend is the persistence contract for audit records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds a record to the write queue. Non-blocking.
	Enqueue(record Record)

	// Flush forces pending records to be written.
	Flush(ctx context.Context) error

	// QueryGlobalStats returns aggregate statistics since the given time.
	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)

	// QueryDailyStats returns per-day statistics since the given time.
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)

	// QueryAccountStats returns per-account statistics since the given time.
	QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	Start() error
	Stop() error
}

// AggregatedStats is the pool-wide rollup.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
}

// DailyStats is one day's request volume.
type DailyStats struct {
	Day      string `json:"day"`
	Requests int64  `json:"requests"`
	Failures int64  `json:"failures"`
}

// AccountStats is one account's request volume.
type AccountStats struct {
	AccountID int64  `json:"account_id"`
	Model     string `json:"model"`
	Requests  int64  `json:"requests"`
	Failures  int64  `json:"failures"`
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

// NewBackend creates the backend matching the DSN scheme.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch {
	case strings.HasPrefix(cfg.DSN, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(cfg.DSN, "sqlite://"), cfg)
	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "postgresql://"):
		return NewPostgresBackend(cfg.DSN, cfg)
	case cfg.DSN == "":
		return nil, fmt.Errorf("usage: DSN is required (use sqlite:// or postgres://)")
	default:
		return nil, fmt.Errorf("usage: unknown DSN scheme in %q", cfg.DSN)
	}
}

var (
	mu       sync.RWMutex
	backend  Backend
	counters = NewCounters()
)

// Initialize wires the global backend. Safe to skip entirely; Publish then
// only feeds the live counters.
func Initialize(cfg BackendConfig) error {
	b, err := NewBackend(cfg)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}
	mu.Lock()
	backend = b
	mu.Unlock()
	return nil
}

// Shutdown flushes and stops the backend if one is configured.
func Shutdown() error {
	mu.Lock()
	b := backend
	backend = nil
	mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Stop()
}

// Publish records one finished request.
func Publish(record Record) {
	counters.Record(record.Failed)
	mu.RLock()
	b := backend
	mu.RUnlock()
	if b != nil {
		b.Enqueue(record)
	}
}

// Live returns the in-memory counter snapshot.
func Live() CounterSnapshot { return counters.Snapshot() }

// Current returns the configured backend, nil when persistence is disabled.
func Current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}
