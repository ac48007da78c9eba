package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nghyane/dreamina-mux/internal/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st *Store, a *Account) *Account {
	t.Helper()
	if err := st.Create(context.Background(), a); err != nil {
		t.Fatalf("Create(%s): %v", a.Email, err)
	}
	return a
}

func TestCreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, st, &Account{
		Email:   "one@example.com",
		Region:  RegionUS,
		Session: "sess-1",
		Points:  50,
	})
	if a.ID == 0 {
		t.Fatal("Create did not populate id")
	}

	got, err := st.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != "one@example.com" || got.Session != "sess-1" || got.Points != 50 {
		t.Errorf("unexpected account: %+v", got)
	}
	if got.SessionIssuedAt == nil {
		t.Error("expected session_issued_at stamped for accounts created with a session")
	}

	if _, err := st.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	st := newTestStore(t)
	mustCreate(t, st, &Account{Email: "dup@example.com"})
	err := st.Create(context.Background(), &Account{Email: "dup@example.com"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestUpdateMutates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, &Account{Email: "u@example.com", Session: "s"})

	updated, err := st.Update(ctx, a.ID, func(acc *Account) error {
		acc.Points = 77
		acc.Usage[registry.FamilyNanobanana] = 5
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Points != 77 {
		t.Errorf("points not updated: %v", updated.Points)
	}

	got, err := st.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageFor(registry.FamilyNanobanana) != 5 {
		t.Errorf("usage counter not persisted: %d", got.UsageFor(registry.FamilyNanobanana))
	}
}

func TestUpdateMutateErrorRollsBack(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, &Account{Email: "rb@example.com", Points: 10})

	wantErr := errors.New("refused")
	_, err := st.Update(ctx, a.ID, func(acc *Account) error {
		acc.Points = 0
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, _ := st.Get(ctx, a.ID)
	if got.Points != 10 {
		t.Errorf("rolled-back mutation persisted: points=%v", got.Points)
	}
}

func TestSelectNextRotates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, &Account{Email: "a@example.com", Session: "sa"})
	b := mustCreate(t, st, &Account{Email: "b@example.com", Session: "sb"})

	first, err := st.SelectNext(ctx, registry.FamilyJimeng40, 60, false)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if first.ID != a.ID {
		t.Errorf("expected lowest id first, got %d", first.ID)
	}
	if first.LastSelectedAt == nil {
		t.Error("selection did not stamp last_selected_at")
	}

	second, err := st.SelectNext(ctx, registry.FamilyJimeng40, 60, false)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if second.ID != b.ID {
		t.Errorf("rotation broken: got %d twice", second.ID)
	}

	third, err := st.SelectNext(ctx, registry.FamilyJimeng40, 60, false)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if third.ID != a.ID {
		t.Errorf("expected rotation back to %d, got %d", a.ID, third.ID)
	}
}

func TestSelectNextEligibility(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// No session: never eligible.
	mustCreate(t, st, &Account{Email: "nosess@example.com"})
	if _, err := st.SelectNext(ctx, registry.FamilyJimeng40, 60, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound with only sessionless accounts, got %v", err)
	}

	// Banned: not eligible.
	banned := mustCreate(t, st, &Account{Email: "banned@example.com", Session: "s"})
	until := time.Now().Add(time.Hour)
	if _, err := st.Update(ctx, banned.ID, func(a *Account) error { a.Ban(until); return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SelectNext(ctx, registry.FamilyJimeng40, 60, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("banned account selected: %v", err)
	}

	// Over the usage limit: not eligible for that family.
	maxed := mustCreate(t, st, &Account{Email: "maxed@example.com", Session: "s"})
	if _, err := st.Update(ctx, maxed.ID, func(a *Account) error {
		a.Usage[registry.FamilyJimeng40] = 60
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SelectNext(ctx, registry.FamilyJimeng40, 60, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("over-limit account selected: %v", err)
	}
	// Still eligible for a different family.
	if _, err := st.SelectNext(ctx, registry.FamilyVideo30, 60, false); err != nil {
		t.Errorf("limit leaked across families: %v", err)
	}
}

func TestSelectNextCreditRequirement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	broke := mustCreate(t, st, &Account{Email: "broke@example.com", Session: "s", Points: 0})
	if _, err := st.SelectNext(ctx, registry.FamilyNanobanana, 60, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("zero-credit account selected for credit-bearing model: %v", err)
	}

	// CN accounts are exempt from the credit check.
	cn := mustCreate(t, st, &Account{Email: "cn@example.com", Region: RegionCN, Session: "s", Points: 0})
	got, err := st.SelectNext(ctx, registry.FamilyNanobanana, 60, true)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if got.ID != cn.ID {
		t.Errorf("expected CN account %d, got %d", cn.ID, got.ID)
	}

	// Non-CN with credits is eligible too.
	if _, err := st.Update(ctx, broke.ID, func(a *Account) error { a.Points = 5; return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SelectNext(ctx, registry.FamilyNanobanana, 60, true); err != nil {
		t.Errorf("funded account not selected: %v", err)
	}
}

func TestUnbanExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	expired := mustCreate(t, st, &Account{Email: "expired@example.com", Session: "s"})
	active := mustCreate(t, st, &Account{Email: "active@example.com", Session: "s"})
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	if _, err := st.Update(ctx, expired.ID, func(a *Account) error { a.Ban(past); return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Update(ctx, active.ID, func(a *Account) error { a.Ban(future); return nil }); err != nil {
		t.Fatal(err)
	}

	n, err := st.UnbanExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("UnbanExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unban, got %d", n)
	}

	got, _ := st.Get(ctx, expired.ID)
	if got.Status != StatusActive || got.BanUntil != nil {
		t.Errorf("expired ban not cleared: %+v", got)
	}
	still, _ := st.Get(ctx, active.ID)
	if still.Status != StatusBanned {
		t.Errorf("unexpired ban cleared: %+v", still)
	}

	// Idempotent.
	n, err = st.UnbanExpired(ctx, time.Now())
	if err != nil || n != 0 {
		t.Errorf("second sweep changed %d rows, err=%v", n, err)
	}
}

func TestResetAllUsageIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, &Account{Email: "r@example.com", Session: "s"})
	if _, err := st.Update(ctx, a.ID, func(acc *Account) error {
		for _, f := range registry.Families() {
			acc.Usage[f] = 9
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := st.ResetAllUsage(ctx); err != nil {
			t.Fatalf("ResetAllUsage: %v", err)
		}
	}
	got, _ := st.Get(ctx, a.ID)
	for _, f := range registry.Families() {
		if got.UsageFor(f) != 0 {
			t.Errorf("counter %s not reset: %d", f, got.UsageFor(f))
		}
	}
}

func TestListSessionStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Fresh session.
	fresh := mustCreate(t, st, &Account{Email: "fresh@example.com", Session: "s"})
	// No recorded issue time at all.
	never := mustCreate(t, st, &Account{Email: "never@example.com"})
	// Old session.
	old := mustCreate(t, st, &Account{Email: "old@example.com", Session: "s"})
	past := time.Now().AddDate(0, 0, -30)
	if _, err := st.Update(ctx, old.ID, func(a *Account) error { a.SetSession("s", past); return nil }); err != nil {
		t.Fatal(err)
	}
	// Disabled accounts are skipped.
	disabled := mustCreate(t, st, &Account{Email: "dis@example.com"})
	if _, err := st.Update(ctx, disabled.ID, func(a *Account) error { a.Status = StatusDisabled; return nil }); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().AddDate(0, 0, -7)
	stale, err := st.ListSessionStale(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListSessionStale: %v", err)
	}
	ids := map[int64]bool{}
	for _, a := range stale {
		ids[a.ID] = true
	}
	if !ids[never.ID] || !ids[old.ID] {
		t.Errorf("stale accounts missing: %v", ids)
	}
	if ids[fresh.ID] || ids[disabled.ID] {
		t.Errorf("unexpected accounts in stale list: %v", ids)
	}
}

func TestListCreditSyncableExcludesCN(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	us := mustCreate(t, st, &Account{Email: "us@example.com", Region: RegionUS})
	mustCreate(t, st, &Account{Email: "cn@example.com", Region: RegionCN})

	accounts, err := st.ListCreditSyncable(ctx)
	if err != nil {
		t.Fatalf("ListCreditSyncable: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != us.ID {
		t.Errorf("expected only the US account, got %d accounts", len(accounts))
	}
}

func TestListPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, email := range []string{"p1@x.com", "p2@x.com", "p3@x.com"} {
		mustCreate(t, st, &Account{Email: email})
	}

	page, total, err := st.List(ctx, Filter{Page: 2, Size: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(page) != 1 {
		t.Errorf("expected 1 account on page 2, got %d", len(page))
	}

	filtered, total, err := st.List(ctx, Filter{Email: "p2"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(filtered) != 1 || filtered[0].Email != "p2@x.com" {
		t.Errorf("email filter failed: total=%d", total)
	}
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, st, &Account{Email: "gone@example.com"})

	if err := st.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted account still readable: %v", err)
	}
	if err := st.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
