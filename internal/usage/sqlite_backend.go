package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/nghyane/dreamina-mux/internal/logging"
	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite.
type SQLiteBackend struct {
	db            *sql.DB
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
	sqliteDefaultBatchSize         = 100
	sqliteDefaultFlushInterval     = 5 * time.Second
	sqliteDefaultRetentionDays     = 30
	sqliteDefaultChannelBufferSize = 1000
)

func initAuditSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS proxy_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL DEFAULT '',
		family TEXT NOT NULL DEFAULT '',
		account_id INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 1,
		failed BOOLEAN NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		requested_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_proxy_requests_requested_at ON proxy_requests(requested_at);
	CREATE INDEX IF NOT EXISTS idx_proxy_requests_account ON proxy_requests(account_id);
	`
	_, err := db.Exec(schema)
	return err
}

// NewSQLiteBackend creates a SQLite-backed audit log. Start() must be called
// before use.
func NewSQLiteBackend(dbPath string, cfg BackendConfig) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("usage: sqlite path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("usage: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("usage: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initAuditSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = sqliteDefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = sqliteDefaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = sqliteDefaultRetentionDays
	}

	return &SQLiteBackend{
		db:            db,
		recordChan:    make(chan Record, sqliteDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func (b *SQLiteBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.db != nil {
			err = b.db.Close()
		}
	})
	return err
}

func (b *SQLiteBackend) Enqueue(record Record) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		log.Warnf("usage: persistence queue full, dropping record for %s", record.Model)
	}
}

func (b *SQLiteBackend) Flush(ctx context.Context) error {
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

func (b *SQLiteBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END)
		FROM proxy_requests
		WHERE requested_at >= ?`, since)

	var stats AggregatedStats
	var success, failure sql.NullInt64
	if err := row.Scan(&stats.TotalRequests, &success, &failure); err != nil {
		return nil, fmt.Errorf("usage: query global stats: %w", err)
	}
	stats.SuccessCount = success.Int64
	stats.FailureCount = failure.Int64
	return &stats, nil
}

func (b *SQLiteBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			DATE(requested_at) as day,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failures
		FROM proxy_requests
		WHERE requested_at >= ?
		GROUP BY DATE(requested_at)
		ORDER BY day`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		var day sql.NullString
		if err := rows.Scan(&day, &d.Requests, &d.Failures); err != nil {
			return nil, err
		}
		if day.Valid && day.String != "" {
			d.Day = day.String
			results = append(results, d)
		}
	}
	return results, rows.Err()
}

func (b *SQLiteBackend) QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			account_id,
			COALESCE(NULLIF(model, ''), 'unknown') as model,
			COUNT(*) as requests,
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END) as failures
		FROM proxy_requests
		WHERE requested_at >= ?
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

func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM proxy_requests WHERE requested_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (b *SQLiteBackend) writeLoop() {
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

func (b *SQLiteBackend) writeBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage: begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO proxy_requests (model, family, account_id, status, attempts, failed, latency_ms, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("usage: prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx,
			record.Model, record.Family, record.AccountID, record.Status,
			record.Attempts, record.Failed, record.LatencyMS, record.RequestedAt.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("usage: insert record: %w", err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) cleanupLoop() {
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
