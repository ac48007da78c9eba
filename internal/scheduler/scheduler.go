// Package scheduler runs the recurring pool maintenance jobs: unban sweep,
// session refresh, daily usage reset, credit synchronization, and optional
// auto-registration. Jobs are independent, idempotent, and communicate with
// the rest of the system only through account store mutations.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nghyane/dreamina-mux/internal/config"
	log "github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/provisioner"
	"github.com/nghyane/dreamina-mux/internal/store"
)

const unbanSweepInterval = time.Minute

// sessionCheckInterval is how often the refresh job looks for stale sessions.
// The staleness threshold itself is day-scale and comes from config.
const sessionCheckInterval = time.Hour

// Scheduler owns the background job goroutines.
type Scheduler struct {
	cfg   *config.Config
	store *store.Store
	prov  *provisioner.Client

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, prov *provisioner.Client) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		prov:     prov,
		stopChan: make(chan struct{}),
	}
}

// Start launches every enabled job on its own timer.
func (s *Scheduler) Start() {
	s.wg.Add(3)
	go s.unbanLoop()
	go s.sessionRefreshLoop()
	go s.usageResetLoop()

	snap := s.cfg.Snapshot()
	if snap.PointsUpdate.Enabled {
		s.wg.Add(1)
		go s.creditSyncLoop()
	}
	if snap.AutoRegister.Enabled {
		s.wg.Add(1)
		go s.autoRegisterLoop()
	}
	log.Info("scheduler: background jobs started")
}

// Stop terminates all job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Scheduler) unbanLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(unbanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunUnbanSweep(context.Background())
		}
	}
}

// RunUnbanSweep reactivates every account whose ban has expired.
func (s *Scheduler) RunUnbanSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	unbanned, err := s.store.UnbanExpired(ctx, time.Now())
	if err != nil {
		log.WithError(err).Error("scheduler: unban sweep failed")
		return
	}
	if unbanned > 0 {
		log.Infof("scheduler: unbanned %d accounts", unbanned)
	}
}

func (s *Scheduler) sessionRefreshLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sessionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunSessionRefresh(context.Background())
		}
	}
}

// RunSessionRefresh renews sessions older than the configured threshold, one
// batch per pass. A failing account is logged and left for the next pass.
func (s *Scheduler) RunSessionRefresh(ctx context.Context) {
	snap := s.cfg.Snapshot()
	if !s.prov.Configured() {
		return
	}
	batchSize := snap.SessionUpdateBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	cutoff := time.Now().AddDate(0, 0, -snap.SessionUpdateDays)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	stale, err := s.store.ListSessionStale(ctx, cutoff, batchSize)
	if err != nil {
		log.WithError(err).Error("scheduler: listing stale sessions failed")
		return
	}
	if len(stale) == 0 {
		return
	}
	log.Infof("scheduler: refreshing %d stale sessions", len(stale))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchSize)
	for _, account := range stale {
		g.Go(func() error {
			s.refreshOne(gctx, account)
			return nil // per-account failures never abort the batch
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) refreshOne(ctx context.Context, account *store.Account) {
	session, err := s.prov.RefreshSession(ctx, account)
	if err != nil {
		log.WithError(err).Warnf("scheduler: session refresh failed for account %d", account.ID)
		return
	}
	now := time.Now().UTC()
	_, err = s.store.Update(ctx, account.ID, func(a *store.Account) error {
		a.SetSession(session, now)
		return nil
	})
	if err != nil {
		log.WithError(err).Warnf("scheduler: session persist failed for account %d", account.ID)
		return
	}
	log.Infof("scheduler: refreshed session for account %d", account.ID)
}

func (s *Scheduler) usageResetLoop() {
	defer s.wg.Done()
	for {
		wait := s.untilNextReset(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			s.RunUsageReset(context.Background())
		}
	}
}

// untilNextReset computes the delay to the next configured HH:MM wall clock.
func (s *Scheduler) untilNextReset(now time.Time) time.Duration {
	hour, minute, err := config.ParseWallClock(s.cfg.Snapshot().ResetCountsTime)
	if err != nil {
		hour, minute = 0, 0
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// RunUsageReset zeroes every per-model usage counter across the pool.
func (s *Scheduler) RunUsageReset(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := s.store.ResetAllUsage(ctx); err != nil {
		log.WithError(err).Error("scheduler: usage reset failed")
		return
	}
	log.Info("scheduler: daily usage counters reset")
}

func (s *Scheduler) creditSyncLoop() {
	defer s.wg.Done()
	interval := parseIntervalOrDefault(s.cfg.Snapshot().PointsUpdate.Interval, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunCreditSync(context.Background())
		}
	}
}

// RunCreditSync re-queries and persists the credit balance of every non-CN
// account. CN accounts are excluded at the store query, and the provisioner
// client refuses them outright.
func (s *Scheduler) RunCreditSync(ctx context.Context) {
	if !s.prov.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	accounts, err := s.store.ListCreditSyncable(ctx)
	if err != nil {
		log.WithError(err).Error("scheduler: listing accounts for credit sync failed")
		return
	}
	var synced int
	for _, account := range accounts {
		points, err := s.prov.QueryCredits(ctx, account)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Warn("scheduler: credit sync aborted by deadline")
				return
			}
			log.WithError(err).Warnf("scheduler: credit query failed for account %d", account.ID)
			continue
		}
		if _, err := s.store.Update(ctx, account.ID, func(a *store.Account) error {
			a.Points = points
			return nil
		}); err != nil {
			log.WithError(err).Warnf("scheduler: credit persist failed for account %d", account.ID)
			continue
		}
		synced++
	}
	log.Infof("scheduler: credit sync updated %d/%d accounts", synced, len(accounts))
}

func (s *Scheduler) autoRegisterLoop() {
	defer s.wg.Done()
	interval := parseIntervalOrDefault(s.cfg.Snapshot().AutoRegister.Interval, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunAutoRegister(context.Background())
		}
	}
}

// RunAutoRegister provisions one new account and inserts it into the pool.
func (s *Scheduler) RunAutoRegister(ctx context.Context) {
	if !s.prov.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	reg, err := s.prov.Register(ctx)
	if err != nil {
		log.WithError(err).Warn("scheduler: auto-registration failed")
		return
	}
	region, err := store.ParseRegion(reg.Region)
	if err != nil {
		region = store.RegionUS
	}
	account := &store.Account{
		Email:    reg.Email,
		Password: reg.Password,
		Region:   region,
		Session:  reg.Session,
		Status:   store.StatusActive,
		Points:   reg.Credits,
	}
	if err := s.store.Create(ctx, account); err != nil {
		log.WithError(err).Warnf("scheduler: persisting registered account %s failed", reg.Email)
		return
	}
	log.Infof("scheduler: auto-registered account %d (%s, region %s)", account.ID, account.Email, account.Region)
}

func parseIntervalOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return fallback
}
