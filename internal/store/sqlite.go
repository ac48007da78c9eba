package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/registry"
	_ "modernc.org/sqlite"
)

const numRecordLocks = 32

// Store persists accounts in SQLite. A sharded per-record lock set serializes
// mutations to the same account across dispatcher and scheduler goroutines;
// the single write connection serializes the statements themselves.
type Store struct {
	db    *sql.DB
	locks [numRecordLocks]sync.Mutex
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT 'us',
		session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		ban_until TIMESTAMP,
		points REAL NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		jimeng_4_0_count INTEGER NOT NULL DEFAULT 0,
		jimeng_4_1_count INTEGER NOT NULL DEFAULT 0,
		nanobanana_count INTEGER NOT NULL DEFAULT 0,
		nanobananapro_count INTEGER NOT NULL DEFAULT 0,
		video_3_0_count INTEGER NOT NULL DEFAULT 0,
		last_active_at TIMESTAMP,
		last_selected_at TIMESTAMP,
		session_issued_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
	CREATE INDEX IF NOT EXISTS idx_accounts_region ON accounts(region);
	CREATE INDEX IF NOT EXISTS idx_accounts_last_selected ON accounts(last_selected_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	migrations := []string{
		"last_selected_at TIMESTAMP",
		"session_issued_at TIMESTAMP",
	}
	for _, colDef := range migrations {
		if _, err := db.Exec("ALTER TABLE accounts ADD COLUMN " + colDef); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migration failed for [%s]: %w", colDef, err)
		}
		log.Infof("Added column %s to accounts table", strings.Fields(colDef)[0])
	}
	return nil
}

// Open creates or opens the account database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("store: resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) lockFor(id int64) *sync.Mutex {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}
	h.Write(buf[:])
	return &s.locks[h.Sum64()%numRecordLocks]
}

const accountColumns = `id, email, password, region, session_id, status, ban_until,
	points, error_count,
	jimeng_4_0_count, jimeng_4_1_count, nanobanana_count, nanobananapro_count, video_3_0_count,
	last_active_at, last_selected_at, session_issued_at, created_at, updated_at`

func scanAccount(row interface{ Scan(dest ...any) error }) (*Account, error) {
	var (
		a        Account
		banUntil sql.NullTime
		lastAct  sql.NullTime
		lastSel  sql.NullTime
		sessAt   sql.NullTime
		counters [5]int
	)
	err := row.Scan(
		&a.ID, &a.Email, &a.Password, &a.Region, &a.Session, &a.Status, &banUntil,
		&a.Points, &a.ErrCount,
		&counters[0], &counters[1], &counters[2], &counters[3], &counters[4],
		&lastAct, &lastSel, &sessAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if banUntil.Valid {
		t := banUntil.Time
		a.BanUntil = &t
	}
	if lastAct.Valid {
		t := lastAct.Time
		a.LastActiveAt = &t
	}
	if lastSel.Valid {
		t := lastSel.Time
		a.LastSelectedAt = &t
	}
	if sessAt.Valid {
		t := sessAt.Time
		a.SessionIssuedAt = &t
	}
	a.Usage = make(map[registry.Family]int, 5)
	for i, family := range registry.Families() {
		a.Usage[family] = counters[i]
	}
	return &a, nil
}

// Create inserts a new account. The id field is populated on success.
func (s *Store) Create(ctx context.Context, a *Account) error {
	if a.Region == "" {
		a.Region = RegionUS
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Session != "" && a.SessionIssuedAt == nil {
		a.SessionIssuedAt = &now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, password, region, session_id, status, ban_until,
			points, error_count,
			jimeng_4_0_count, jimeng_4_1_count, nanobanana_count, nanobananapro_count, video_3_0_count,
			last_active_at, last_selected_at, session_issued_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Email, a.Password, a.Region, a.Session, a.Status, nullableTime(a.BanUntil),
		a.Points, a.ErrCount,
		a.UsageFor(registry.FamilyJimeng40), a.UsageFor(registry.FamilyJimeng41),
		a.UsageFor(registry.FamilyNanobanana), a.UsageFor(registry.FamilyNanobananaPro),
		a.UsageFor(registry.FamilyVideo30),
		nullableTime(a.LastActiveAt), nullableTime(a.LastSelectedAt), nullableTime(a.SessionIssuedAt),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("store: create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	a.ID = id
	return nil
}

// Get loads one account by id.
func (s *Store) Get(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %d: %w", id, err)
	}
	return a, nil
}

// GetByEmail loads one account by exact email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account by email: %w", err)
	}
	return a, nil
}

// List returns accounts matching the filter plus the unpaginated total.
func (s *Store) List(ctx context.Context, f Filter) ([]*Account, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.Region != "" {
		where += " AND region = ?"
		args = append(args, f.Region)
	}
	if f.Email != "" {
		where += " AND email LIKE ?"
		args = append(args, "%"+f.Email+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count accounts: %w", err)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts` + where + ` ORDER BY id`
	if f.Size > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Size, (page-1)*f.Size)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: list accounts: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, total, rows.Err()
}

// Update applies mutate to the current persisted record inside one
// transaction, holding the account's lock so concurrent mutations of the same
// record are serialized. The mutated record is written back atomically.
func (s *Store) Update(ctx context.Context, id int64, mutate func(*Account) error) (*Account, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: update account %d: %w", id, err)
	}

	if err := mutate(a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET email = ?, password = ?, region = ?, session_id = ?, status = ?,
			ban_until = ?, points = ?, error_count = ?,
			jimeng_4_0_count = ?, jimeng_4_1_count = ?, nanobanana_count = ?,
			nanobananapro_count = ?, video_3_0_count = ?,
			last_active_at = ?, last_selected_at = ?, session_issued_at = ?, updated_at = ?
		WHERE id = ?`,
		a.Email, a.Password, a.Region, a.Session, a.Status,
		nullableTime(a.BanUntil), a.Points, a.ErrCount,
		a.UsageFor(registry.FamilyJimeng40), a.UsageFor(registry.FamilyJimeng41),
		a.UsageFor(registry.FamilyNanobanana), a.UsageFor(registry.FamilyNanobananaPro),
		a.UsageFor(registry.FamilyVideo30),
		nullableTime(a.LastActiveAt), nullableTime(a.LastSelectedAt), nullableTime(a.SessionIssuedAt),
		a.UpdatedAt, a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update account %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit update: %w", err)
	}
	return a, nil
}

// Delete removes an account permanently.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete account %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SelectNext picks the next eligible account for a family under the rotation
// policy (least recently selected first, id ascending as tie-break) and stamps
// its last_selected_at in the same transaction. Returns ErrNotFound when no
// account is eligible.
//
// creditRequired applies the points > 0 check; CN accounts are always exempt.
// limit <= 0 disables the usage filter (untracked model).
func (s *Store) SelectNext(ctx context.Context, family registry.Family, limit int, creditRequired bool) (*Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin select: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE status = ? AND session_id <> ''`
	args := []any{StatusActive}
	if creditRequired {
		query += ` AND (points > 0 OR region = ?)`
		args = append(args, RegionCN)
	}
	if family.Tracked() && limit > 0 {
		query += ` AND ` + counterColumn(family) + ` < ?`
		args = append(args, limit)
	}
	query += ` ORDER BY last_selected_at ASC NULLS FIRST, id ASC LIMIT 1`

	row := tx.QueryRowContext(ctx, query, args...)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: select account: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET last_selected_at = ?, updated_at = ? WHERE id = ?`,
		now, now, a.ID); err != nil {
		return nil, fmt.Errorf("store: stamp selection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit select: %w", err)
	}
	a.LastSelectedAt = &now
	return a, nil
}

// UnbanExpired flips every banned account whose ban has lapsed back to active
// and clears the expiry. Idempotent.
func (s *Store) UnbanExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, ban_until = NULL, updated_at = ?
		WHERE status = ? AND ban_until IS NOT NULL AND ban_until <= ?`,
		StatusActive, now.UTC(), StatusBanned, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: unban expired: %w", err)
	}
	return res.RowsAffected()
}

// ResetAllUsage zeroes every usage counter across the pool in one statement.
// Running it twice yields the same state as running it once.
func (s *Store) ResetAllUsage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			jimeng_4_0_count = 0, jimeng_4_1_count = 0, nanobanana_count = 0,
			nanobananapro_count = 0, video_3_0_count = 0,
			updated_at = ?`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: reset usage: %w", err)
	}
	return nil
}

// ListSessionStale returns up to limit accounts whose session was issued
// before cutoff (or never recorded), oldest first. Disabled accounts are
// skipped; banned accounts still get refreshed so they are usable on unban.
func (s *Store) ListSessionStale(ctx context.Context, cutoff time.Time, limit int) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE status <> ? AND (session_issued_at IS NULL OR session_issued_at < ?)
		ORDER BY session_issued_at ASC NULLS FIRST, id ASC
		LIMIT ?`, StatusDisabled, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list stale sessions: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListCreditSyncable returns every non-CN account that is not disabled, for
// the batch credit synchronization pass.
func (s *Store) ListCreditSyncable(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE region <> ? AND status <> ?
		ORDER BY id`, RegionCN, StatusDisabled)
	if err != nil {
		return nil, fmt.Errorf("store: list credit syncable: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*Account, error) {
	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func counterColumn(family registry.Family) string {
	// Families map directly to column prefixes; keep the switch explicit so a
	// new family cannot silently reuse another counter.
	switch family {
	case registry.FamilyJimeng40:
		return "jimeng_4_0_count"
	case registry.FamilyJimeng41:
		return "jimeng_4_1_count"
	case registry.FamilyNanobanana:
		return "nanobanana_count"
	case registry.FamilyNanobananaPro:
		return "nanobananapro_count"
	case registry.FamilyVideo30:
		return "video_3_0_count"
	}
	return ""
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
