package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nghyane/dreamina-mux/internal/config"
	"github.com/nghyane/dreamina-mux/internal/registry"
	"github.com/nghyane/dreamina-mux/internal/store"
)

func newTestSelector(t *testing.T) (*Selector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewSelector(st, config.NewDefaultConfig()), st
}

func TestPickReturnsPoolExhausted(t *testing.T) {
	sel, _ := newTestSelector(t)

	_, err := sel.Pick(context.Background(), "jimeng-4.0")
	var poolErr *Error
	if !errors.As(err, &poolErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if poolErr.Code != "pool_exhausted" || poolErr.HTTPStatus != 503 {
		t.Errorf("unexpected pool error: %+v", poolErr)
	}
}

func TestPickEnforcesCreditForCreditBearingModels(t *testing.T) {
	sel, st := newTestSelector(t)
	ctx := context.Background()

	broke := &store.Account{Email: "broke@example.com", Session: "s", Points: 0}
	if err := st.Create(ctx, broke); err != nil {
		t.Fatal(err)
	}

	if _, err := sel.Pick(ctx, "nanobanana"); err == nil {
		t.Error("zero-credit account picked for credit-bearing model")
	}
	// Same account serves non-credit-bearing models.
	if _, err := sel.Pick(ctx, "jimeng-4.0"); err != nil {
		t.Errorf("Pick(jimeng-4.0): %v", err)
	}
}

func TestRecordSuccessIncrementsUsage(t *testing.T) {
	sel, st := newTestSelector(t)
	ctx := context.Background()

	a := &store.Account{Email: "ok@example.com", Session: "s"}
	if err := st.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := sel.RecordSuccess(ctx, a.ID, registry.FamilyVideo30); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	got, _ := st.Get(ctx, a.ID)
	if got.UsageFor(registry.FamilyVideo30) != 1 {
		t.Errorf("usage counter = %d, want 1", got.UsageFor(registry.FamilyVideo30))
	}
	if got.LastActiveAt == nil {
		t.Error("last_active_at not stamped")
	}

	// Untracked families leave counters alone.
	if err := sel.RecordSuccess(ctx, a.ID, registry.FamilyUnknown); err != nil {
		t.Fatalf("RecordSuccess(unknown): %v", err)
	}
	got, _ = st.Get(ctx, a.ID)
	for _, f := range registry.Families() {
		if f != registry.FamilyVideo30 && got.UsageFor(f) != 0 {
			t.Errorf("unexpected counter bump for %s", f)
		}
	}
}

func TestRecordTransientFailureBans(t *testing.T) {
	sel, st := newTestSelector(t)
	ctx := context.Background()

	a := &store.Account{Email: "fail@example.com", Session: "s"}
	if err := st.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := sel.RecordTransientFailure(ctx, a.ID, time.Hour); err != nil {
		t.Fatalf("RecordTransientFailure: %v", err)
	}
	got, _ := st.Get(ctx, a.ID)
	if got.Status != store.StatusBanned {
		t.Errorf("status = %s, want banned", got.Status)
	}
	if got.BanUntil == nil || !got.BanUntil.After(time.Now().Add(30*time.Minute)) {
		t.Errorf("ban_until not set far enough: %v", got.BanUntil)
	}
	if got.ErrCount != 1 {
		t.Errorf("error count = %d, want 1", got.ErrCount)
	}

	// Banned accounts disappear from selection.
	if _, err := sel.Pick(ctx, "jimeng-4.0"); err == nil {
		t.Error("banned account still selectable")
	}
}

func TestUpdateCreditsRefusesCN(t *testing.T) {
	sel, st := newTestSelector(t)
	ctx := context.Background()

	cn := &store.Account{Email: "cn@example.com", Region: store.RegionCN, Session: "s"}
	if err := st.Create(ctx, cn); err != nil {
		t.Fatal(err)
	}
	if err := sel.UpdateCredits(ctx, cn.ID, 42); err == nil {
		t.Error("expected refusal for CN credit update")
	}

	us := &store.Account{Email: "us@example.com", Region: store.RegionUS, Session: "s"}
	if err := st.Create(ctx, us); err != nil {
		t.Fatal(err)
	}
	if err := sel.UpdateCredits(ctx, us.ID, 42); err != nil {
		t.Fatalf("UpdateCredits: %v", err)
	}
	got, _ := st.Get(ctx, us.ID)
	if got.Points != 42 {
		t.Errorf("points = %v, want 42", got.Points)
	}
}
