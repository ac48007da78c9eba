// Package store owns the persisted account pool. The SQLite database is the
// single source of truth; every mutation goes through a per-record atomic
// update so dispatcher and scheduler writes never lose each other.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/nghyane/dreamina-mux/internal/registry"
)

// Region is the upstream session namespace an account belongs to.
type Region string

const (
	RegionUS Region = "us"
	RegionHK Region = "hk"
	RegionJP Region = "jp"
	RegionSG Region = "sg"
	RegionCN Region = "cn"
)

// CreditExempt reports whether credit balances are meaningless for the region.
// CN accounts are never credit-checked and never credit-queried.
func (r Region) CreditExempt() bool { return r == RegionCN }

// Valid reports whether the region is one of the supported namespaces.
func (r Region) Valid() bool {
	switch r {
	case RegionUS, RegionHK, RegionJP, RegionSG, RegionCN:
		return true
	}
	return false
}

// ParseRegion normalizes a caller-supplied region string.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", errors.New("store: unknown region " + s)
	}
	return r, nil
}

// Status is the account lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusBanned   Status = "banned"
	StatusDisabled Status = "disabled"
)

// Account is one upstream identity usable to serve proxied requests.
type Account struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Password string `json:"-"`
	Region   Region `json:"region"`
	Session  string `json:"session_id"`

	Status   Status     `json:"status"`
	BanUntil *time.Time `json:"ban_until,omitempty"`
	Points   float64    `json:"points"`
	ErrCount int        `json:"error_count"`

	// Usage holds the per-family daily counters, keyed by tracked family.
	Usage map[registry.Family]int `json:"usage"`

	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	LastSelectedAt  *time.Time `json:"last_selected_at,omitempty"`
	SessionIssuedAt *time.Time `json:"session_issued_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// UsageFor returns the counter for a family, zero for untracked families.
func (a *Account) UsageFor(f registry.Family) int {
	if a.Usage == nil {
		return 0
	}
	return a.Usage[f]
}

// Banned reports whether the account is banned as of now.
func (a *Account) Banned(now time.Time) bool {
	return a.Status == StatusBanned && a.BanUntil != nil && a.BanUntil.After(now)
}

// Ban transitions the account into a temporary ban ending at until and bumps
// the error counter.
func (a *Account) Ban(until time.Time) {
	a.Status = StatusBanned
	a.BanUntil = &until
	a.ErrCount++
}

// Unban clears an expired ban. Invariant: ban_until is set iff status is banned.
func (a *Account) Unban() {
	a.Status = StatusActive
	a.BanUntil = nil
}

// SetSession installs a fresh session token and stamps its issue time.
func (a *Account) SetSession(session string, issuedAt time.Time) {
	a.Session = session
	a.SessionIssuedAt = &issuedAt
}

// SessionAge returns how long ago the current session was issued. Accounts
// that never recorded an issue time report a zero time, i.e. maximal age.
func (a *Account) SessionAge(now time.Time) time.Duration {
	if a.SessionIssuedAt == nil {
		return now.Sub(time.Time{})
	}
	return now.Sub(*a.SessionIssuedAt)
}

var (
	// ErrNotFound is returned when the account id or email does not exist.
	ErrNotFound = errors.New("store: account not found")
	// ErrDuplicateEmail is returned when creating an account whose email is taken.
	ErrDuplicateEmail = errors.New("store: email already registered")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Region Region
	Email  string // substring match
	Page   int    // 1-based
	Size   int
}
