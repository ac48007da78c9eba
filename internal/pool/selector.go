// Package pool selects eligible accounts for proxied requests and keeps the
// per-account bookkeeping the rotation policy depends on.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nghyane/dreamina-mux/internal/config"
	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/registry"
	"github.com/nghyane/dreamina-mux/internal/store"
)

// Selector picks accounts under a least-recently-selected rotation. The store
// stays authoritative: every pick re-reads status inside the selection
// transaction, so an account disabled or deleted by the admin surface can
// never be handed out afterwards.
type Selector struct {
	store *store.Store
	cfg   *config.Config
}

func NewSelector(st *store.Store, cfg *config.Config) *Selector {
	return &Selector{store: st, cfg: cfg}
}

// Pick returns one eligible account for the model, or ErrPoolExhausted.
//
// Eligibility: status active, non-empty session, credits > 0 when the model
// family is credit-bearing (CN accounts are exempt from the credit check),
// and the family usage counter below its configured daily limit. Ordering is
// last_selected_at ascending with id ascending as tie-break; the selection
// stamp happens in the same store transaction, so concurrent picks rotate
// instead of piling onto one account.
func (s *Selector) Pick(ctx context.Context, model string) (*store.Account, error) {
	family := registry.FamilyForModel(model)
	limit := 0
	if family.Tracked() {
		limit = s.cfg.LimitFor(string(family))
	}

	account, err := s.store.SelectNext(ctx, family, limit, family.CreditBearing())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPoolExhausted(model)
	}
	if err != nil {
		return nil, &Error{
			Code:       "store_failure",
			Message:    fmt.Sprintf("account selection failed: %v", err),
			HTTPStatus: 500,
		}
	}
	log.Debugf("pool: selected account %d (%s, region %s) for model %s",
		account.ID, account.Email, account.Region, model)
	return account, nil
}

// RecordSuccess persists the bookkeeping for a successful upstream response:
// usage counter increment for the family and the last-active stamp. The write
// lands before the dispatcher returns, so a crash mid-retry cannot lose it.
func (s *Selector) RecordSuccess(ctx context.Context, accountID int64, family registry.Family) error {
	now := time.Now().UTC()
	_, err := s.store.Update(ctx, accountID, func(a *store.Account) error {
		if family.Tracked() {
			a.Usage[family]++
		}
		a.LastActiveAt = &now
		return nil
	})
	return err
}

// RecordTransientFailure bans the account for banDuration and bumps its error
// counter. Called for 429/500/524 and transport-level failures.
func (s *Selector) RecordTransientFailure(ctx context.Context, accountID int64, banDuration time.Duration) error {
	until := time.Now().UTC().Add(banDuration)
	_, err := s.store.Update(ctx, accountID, func(a *store.Account) error {
		a.Ban(until)
		return nil
	})
	if err == nil {
		log.Warnf("pool: banned account %d until %s", accountID, until.Format(time.RFC3339))
	}
	return err
}

// UpdateCredits overwrites the persisted credit balance. Never invoked for CN
// accounts; the guard lives at the provisioner boundary as well.
func (s *Selector) UpdateCredits(ctx context.Context, accountID int64, points float64) error {
	_, err := s.store.Update(ctx, accountID, func(a *store.Account) error {
		if a.Region.CreditExempt() {
			return fmt.Errorf("pool: refusing credit update for CN account %d", a.ID)
		}
		a.Points = points
		return nil
	})
	return err
}
