package reconcile

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kocharsoft/portal-console/internal/store"
	"github.com/kocharsoft/portal-console/internal/tctl"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, slog.New(slog.DiscardHandler)), st
}

func TestReconcile_AddsNewAccounts(t *testing.T) {
	r, st := newTestReconciler(t)
	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	live := []tctl.RemoteUser{
		{Name: "alice", Roles: []string{"access", "editor"}, Created: now.Add(-time.Hour), CreatedBy: "admin"},
		{Name: "bob", Roles: []string{"access"}},
	}

	report, err := r.Reconcile("kocharsoft", live, now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 2 || report.Updated != 0 || len(report.Orphans) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	alice, err := st.GetAccountByName("alice", "kocharsoft")
	if err != nil {
		t.Fatal(err)
	}
	if alice.ID != store.AccountID("kocharsoft", "alice") {
		t.Errorf("expected canonical ID, got %s", alice.ID)
	}
	if alice.Status != store.StatusActive || alice.Manager != "admin" {
		t.Errorf("unexpected account: %+v", alice)
	}

	// bob has no created time in the listing; it falls back to now
	bob, err := st.GetAccountByName("bob", "kocharsoft")
	if err != nil {
		t.Fatal(err)
	}
	if !bob.CreatedDate.Equal(now) {
		t.Errorf("expected created fallback to %v, got %v", now, bob.CreatedDate)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	r, st := newTestReconciler(t)
	now := time.Now().UTC().Truncate(time.Second)

	live := []tctl.RemoteUser{{Name: "alice", Roles: []string{"access"}}}

	if _, err := r.Reconcile("kocharsoft", live, now); err != nil {
		t.Fatal(err)
	}
	report, err := r.Reconcile("kocharsoft", live, now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 0 || report.Updated != 1 || len(report.Orphans) != 0 {
		t.Errorf("second pass should only update: %+v", report)
	}

	accounts, _ := st.ListAccounts("kocharsoft")
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account after double reconcile, got %d", len(accounts))
	}
}

func TestReconcile_RekeysLegacyAccount(t *testing.T) {
	r, st := newTestReconciler(t)
	now := time.Now().UTC()

	legacy := &store.Account{
		ID:          "1f0a2b3c-late-import",
		Name:        "alice",
		Roles:       []string{"access"},
		Status:      store.StatusActive,
		CreatedDate: now.Add(-48 * time.Hour),
		Portal:      "igzy",
	}
	if err := st.UpsertAccount(legacy); err != nil {
		t.Fatal(err)
	}

	report, err := r.Reconcile("igzy", []tctl.RemoteUser{{Name: "alice", Roles: []string{"access"}}}, now)
	if err != nil {
		t.Fatal(err)
	}
	if report.Updated != 1 || report.Added != 0 {
		t.Errorf("rekey should count as update: %+v", report)
	}

	got, err := st.GetAccountByName("alice", "igzy")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != store.AccountID("igzy", "alice") {
		t.Errorf("expected canonical ID after rekey, got %s", got.ID)
	}
	if _, err := st.GetAccount(legacy.ID); !errors.Is(err, store.ErrAccountNotFound) {
		t.Error("legacy ID should be gone after rekey")
	}
}

func TestReconcile_ReportsOrphansWithoutMutating(t *testing.T) {
	r, st := newTestReconciler(t)
	now := time.Now().UTC()

	if _, err := r.Reconcile("kocharsoft", []tctl.RemoteUser{
		{Name: "alice"}, {Name: "bob"},
	}, now); err != nil {
		t.Fatal(err)
	}

	// bob disappears from the live listing
	report, err := r.Reconcile("kocharsoft", []tctl.RemoteUser{{Name: "alice"}}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Orphans) != 1 || report.Orphans[0].Name != "bob" {
		t.Fatalf("expected bob orphaned, got %+v", report.Orphans)
	}

	// Orphans are reported, never mutated, until the operator resolves
	bob, err := st.GetAccountByName("bob", "kocharsoft")
	if err != nil {
		t.Fatal(err)
	}
	if bob.Status != store.StatusActive {
		t.Errorf("orphan must stay untouched, got status %s", bob.Status)
	}
}

func TestReconcile_ScopedToPortal(t *testing.T) {
	r, st := newTestReconciler(t)
	now := time.Now().UTC()

	if _, err := r.Reconcile("kocharsoft", []tctl.RemoteUser{{Name: "alice"}}, now); err != nil {
		t.Fatal(err)
	}
	report, err := r.Reconcile("igzy", []tctl.RemoteUser{{Name: "carol"}}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Orphans) != 0 {
		t.Errorf("accounts on other portals are not orphans: %+v", report.Orphans)
	}

	all, _ := st.ListAccounts("")
	if len(all) != 2 {
		t.Errorf("expected 2 accounts across portals, got %d", len(all))
	}
}

func TestReconcile_DedupesRoles(t *testing.T) {
	r, st := newTestReconciler(t)

	if _, err := r.Reconcile("kocharsoft", []tctl.RemoteUser{
		{Name: "alice", Roles: []string{"access", "access", "", "editor"}},
	}, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetAccountByName("alice", "kocharsoft")
	if len(got.Roles) != 2 || got.Roles[0] != "access" || got.Roles[1] != "editor" {
		t.Errorf("unexpected roles: %v", got.Roles)
	}
}

func seedOrphans(t *testing.T, st *store.Store) (orphanIDs []string) {
	t.Helper()
	for _, name := range []string{"gone1", "gone2"} {
		a := &store.Account{
			ID:          store.AccountID("kocharsoft", name),
			Name:        name,
			Status:      store.StatusActive,
			CreatedDate: time.Now(),
			Portal:      "kocharsoft",
		}
		if err := st.UpsertAccount(a); err != nil {
			t.Fatal(err)
		}
		orphanIDs = append(orphanIDs, a.ID)
	}
	return orphanIDs
}

func TestResolveOrphans_KeepAll(t *testing.T) {
	r, st := newTestReconciler(t)
	ids := seedOrphans(t, st)

	n, err := r.ResolveOrphans("kocharsoft", PolicyKeepAll, ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 records touched, got %d", n)
	}
	for _, id := range ids {
		got, err := st.GetAccount(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != store.StatusInactive {
			t.Errorf("%s: expected inactive, got %s", got.Name, got.Status)
		}
	}
}

func TestResolveOrphans_DeleteAll(t *testing.T) {
	r, st := newTestReconciler(t)
	ids := seedOrphans(t, st)

	n, err := r.ResolveOrphans("kocharsoft", PolicyDeleteAll, ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}
	accounts, _ := st.ListAccounts("kocharsoft")
	if len(accounts) != 0 {
		t.Errorf("expected no accounts left, got %d", len(accounts))
	}
}

func TestResolveOrphans_Selective(t *testing.T) {
	r, st := newTestReconciler(t)
	ids := seedOrphans(t, st)

	n, err := r.ResolveOrphans("kocharsoft", PolicySelective, ids, ids[:1])
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 records touched, got %d", n)
	}

	kept, err := st.GetAccount(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != store.StatusInactive {
		t.Errorf("kept orphan should be inactive, got %s", kept.Status)
	}
	if _, err := st.GetAccount(ids[1]); !errors.Is(err, store.ErrAccountNotFound) {
		t.Error("unkept orphan should be deleted")
	}
}

func TestResolveOrphans_UnknownPolicy(t *testing.T) {
	r, _ := newTestReconciler(t)

	_, err := r.ResolveOrphans("kocharsoft", "purge_everything", nil, nil)
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("expected ErrUnknownPolicy, got %v", err)
	}
}
