package store

import (
	"errors"
	"testing"
	"time"
)

// newTestStore creates a store backed by a temp-dir SQLite database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(portal, name string, roles ...string) *Account {
	return &Account{
		ID:          AccountID(portal, name),
		Name:        name,
		Roles:       roles,
		Status:      StatusActive,
		CreatedDate: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Portal:      portal,
	}
}

func TestAccountID_Deterministic(t *testing.T) {
	a := AccountID("kocharsoft", "alice")
	b := AccountID("kocharsoft", "alice")
	if a != b {
		t.Fatalf("expected identical IDs, got %s and %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("expected 16-char ID, got %d", len(a))
	}
	if AccountID("igzy", "alice") == a {
		t.Error("expected different portals to yield different IDs")
	}
}

func TestUpsertAccount_UpdatesNotDuplicates(t *testing.T) {
	s := newTestStore(t)

	a := testAccount("kocharsoft", "alice", "access")
	if err := s.UpsertAccount(a); err != nil {
		t.Fatal(err)
	}

	a.Roles = []string{"access", "editor"}
	a.Status = StatusInactive
	if err := s.UpsertAccount(a); err != nil {
		t.Fatal(err)
	}

	accounts, err := s.ListAccounts("kocharsoft")
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account after duplicate upsert, got %d", len(accounts))
	}
	got := accounts[0]
	if got.Status != StatusInactive {
		t.Errorf("expected status %s, got %s", StatusInactive, got.Status)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "access" || got.Roles[1] != "editor" {
		t.Errorf("unexpected roles: %v", got.Roles)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetAccount("missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := s.GetAccountByName("ghost", "kocharsoft"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetAccountByName(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertAccount(testAccount("kocharsoft", "alice", "access")); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAccount(testAccount("igzy", "alice", "auditor")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccountByName("alice", "igzy")
	if err != nil {
		t.Fatal(err)
	}
	if got.Portal != "igzy" || len(got.Roles) != 1 || got.Roles[0] != "auditor" {
		t.Errorf("wrong account returned: %+v", got)
	}
}

func TestAccount_EmptyRoles(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertAccount(testAccount("kocharsoft", "norole")); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAccountByName("norole", "kocharsoft")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Roles) != 0 {
		t.Errorf("expected no roles, got %v", got.Roles)
	}
}

func TestApplySnapshot_RekeysLegacyRows(t *testing.T) {
	s := newTestStore(t)

	// Legacy record with a pre-deterministic ID
	legacy := testAccount("kocharsoft", "alice", "access")
	legacy.ID = "legacy-uuid-0001"
	if err := s.UpsertAccount(legacy); err != nil {
		t.Fatal(err)
	}

	canonical := AccountID("kocharsoft", "alice")
	updated := testAccount("kocharsoft", "alice", "access", "editor")
	err := s.ApplySnapshot(
		[]Rekey{{OldID: "legacy-uuid-0001", NewID: canonical}},
		[]*Account{updated},
	)
	if err != nil {
		t.Fatal(err)
	}

	accounts, err := s.ListAccounts("kocharsoft")
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account after rekey, got %d", len(accounts))
	}
	if accounts[0].ID != canonical {
		t.Errorf("expected canonical ID %s, got %s", canonical, accounts[0].ID)
	}
	if len(accounts[0].Roles) != 2 {
		t.Errorf("expected updated roles, got %v", accounts[0].Roles)
	}

	if _, err := s.GetAccount("legacy-uuid-0001"); !errors.Is(err, ErrAccountNotFound) {
		t.Error("legacy ID should no longer resolve")
	}
}

func TestDeleteAccounts(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := s.UpsertAccount(testAccount("kocharsoft", name)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteAccounts([]string{
		AccountID("kocharsoft", "a"),
		AccountID("kocharsoft", "c"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}

	accounts, _ := s.ListAccounts("kocharsoft")
	if len(accounts) != 1 || accounts[0].Name != "b" {
		t.Errorf("unexpected surviving accounts: %v", accounts)
	}

	// Empty list is a no-op
	n, err = s.DeleteAccounts(nil)
	if err != nil || n != 0 {
		t.Errorf("expected no-op, got n=%d err=%v", n, err)
	}
}

func TestSetAccountsStatus(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertAccount(testAccount("kocharsoft", "a")); err != nil {
		t.Fatal(err)
	}

	n, err := s.SetAccountsStatus([]string{AccountID("kocharsoft", "a"), "no-such-id"}, StatusInactive)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 update, got %d", n)
	}

	got, _ := s.GetAccountByName("a", "kocharsoft")
	if got.Status != StatusInactive {
		t.Errorf("expected inactive, got %s", got.Status)
	}
}

func TestResolveOrphans_SingleUnit(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := s.UpsertAccount(testAccount("kocharsoft", name)); err != nil {
			t.Fatal(err)
		}
	}

	deleteIDs := []string{AccountID("kocharsoft", "a"), AccountID("kocharsoft", "c")}
	keepIDs := []string{AccountID("kocharsoft", "b")}

	n, err := s.ResolveOrphans(deleteIDs, keepIDs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 records touched, got %d", n)
	}

	accounts, _ := s.ListAccounts("kocharsoft")
	if len(accounts) != 1 || accounts[0].Name != "b" || accounts[0].Status != StatusInactive {
		t.Errorf("unexpected state after resolution: %v", accounts)
	}

	// Repeating the same resolution is a no-op on the deleted rows and
	// leaves the kept row inactive.
	n, err = s.ResolveOrphans(deleteIDs, keepIDs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected only the keep update on repeat, got %d", n)
	}
	got, _ := s.GetAccountByName("b", "kocharsoft")
	if got.Status != StatusInactive {
		t.Errorf("expected b to stay inactive, got %s", got.Status)
	}
}
