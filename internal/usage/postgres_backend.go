package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	log "github.com/nghyane/dreamina-mux/internal/logging"
)

// PostgresBackend implements Backend using PostgreSQL with pgx, for
// deployments that keep the audit log off the proxy host.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

const (
	pgDefaultBatchSize         = 100
	pgDefaultFlushInterval     = 5 * time.Second
	pgDefaultRetentionDays     = 30
	pgDefaultChannelBufferSize = 1000
)

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS proxy_requests (
			id BIGSERIAL PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			family TEXT NOT NULL DEFAULT '',
			account_id BIGINT NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 1,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			requested_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_proxy_requests_requested_at ON proxy_requests(requested_at);
		CREATE INDEX IF NOT EXISTS idx_proxy_requests_account ON proxy_requests(account_id);
	`)
	return err
}

// NewPostgresBackend creates a PostgreSQL-backed audit log. Start() must be
// called before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("usage: postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: ping database: %w", err)
	}
	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = pgDefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = pgDefaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = pgDefaultRetentionDays
	}

	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan Record, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}

func (b *PostgresBackend) Enqueue(record Record) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		log.Warnf("usage: persistence queue full, dropping record for %s", record.Model)
	}
}

func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]Record, 0, b.batchSize)
	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0)
		FROM proxy_requests
		WHERE requested_at >= $1`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount); err != nil {
		return nil, fmt.Errorf("usage: query global stats: %w", err)
	}
	return &stats, nil
}

func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			TO_CHAR(requested_at, 'YYYY-MM-DD') as day,
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0) as failures
		FROM proxy_requests
		WHERE requested_at >= $1
		GROUP BY 1
		ORDER BY 1`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Failures); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			account_id,
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COUNT(*) as requests,
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0) as failures
		FROM proxy_requests
		WHERE requested_at >= $1
		GROUP BY account_id, model
		ORDER BY requests DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query account stats: %w", err)
	}
	defer rows.Close()

	var results []AccountStats
	for rows.Next() {
		var s AccountStats
		if err := rows.Scan(&s.AccountID, &s.Model, &s.Requests, &s.Failures); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM proxy_requests WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("usage: failed to write batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case record := <-b.recordChan:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *PostgresBackend) writeBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
			INSERT INTO proxy_requests (model, family, account_id, status, attempts, failed, latency_ms, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			record.Model, record.Family, record.AccountID, record.Status,
			record.Attempts, record.Failed, record.LatencyMS, record.RequestedAt.UTC(),
		)
	}
	results := b.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("usage: insert record: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.Errorf("usage: cleanup failed: %v", err)
			} else if deleted > 0 {
				log.Infof("usage: cleaned up %d records older than %d days", deleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
