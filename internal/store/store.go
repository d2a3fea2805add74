// Package store provides persistent storage for portal accounts and
// scheduled role-change tasks.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Account status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusPending  = "pending"
)

// Task status values. A task moves scheduled -> completed|failed exactly
// once and never leaves a terminal state.
const (
	TaskScheduled = "scheduled"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

var (
	// ErrAccountNotFound is returned when no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTaskNotFound is returned when no task matches the lookup.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinished is returned when a terminal-state task is updated.
	// Concurrent executors use it to detect that another writer already
	// owns the task.
	ErrTaskFinished = errors.New("task already in a terminal state")
)

// Account is the locally cached representation of one portal identity.
type Account struct {
	ID          string
	Name        string
	Roles       []string
	Status      string
	CreatedDate time.Time
	LastLogin   *time.Time
	Manager     string
	Portal      string
}

// ScheduledTask is one pending or completed role mutation.
type ScheduledTask struct {
	ID            string
	UserID        string
	UserName      string
	Portal        string
	ScheduledTime time.Time
	Action        string
	Roles         []string
	Status        string
	CreatedAt     time.Time
	ExecutedAt    *time.Time
	Result        string
}

// Rekey re-labels a legacy account row with its canonical ID.
type Rekey struct {
	OldID string
	NewID string
}

// AccountID derives the stable account identifier from the owning portal
// and the account name, so repeated ingestion of the same identity maps
// to the same row.
func AccountID(portal, name string) string {
	sum := sha256.Sum256([]byte(portal + "/" + name))
	return hex.EncodeToString(sum[:])[:16]
}

// Store manages persistent storage for accounts and scheduled tasks.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new store with the given data directory.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "console.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// migrate creates or updates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		roles TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_date DATETIME,
		last_login DATETIME,
		manager TEXT NOT NULL DEFAULT '',
		portal TEXT NOT NULL,
		UNIQUE(name, portal)
	);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		portal TEXT NOT NULL,
		scheduled_time DATETIME NOT NULL,
		action TEXT NOT NULL,
		roles TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'scheduled',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		executed_at DATETIME,
		result TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_portal ON accounts(portal);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, scheduled_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// joinRoles serializes a role list for storage.
func joinRoles(roles []string) string {
	return strings.Join(roles, ",")
}

// splitRoles deserializes a stored role list. An empty column means no
// roles, not one empty role.
func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

const accountColumns = "id, name, roles, status, created_date, last_login, manager, portal"

// scanAccount reads one account row.
func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var roles string
	var createdDate, lastLogin sql.NullTime

	if err := row.Scan(&a.ID, &a.Name, &roles, &a.Status, &createdDate, &lastLogin, &a.Manager, &a.Portal); err != nil {
		return nil, err
	}

	a.Roles = splitRoles(roles)
	if createdDate.Valid {
		a.CreatedDate = createdDate.Time
	}
	if lastLogin.Valid {
		a.LastLogin = &lastLogin.Time
	}
	return &a, nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// GetAccountByName retrieves an account by its (name, portal) key.
func (s *Store) GetAccountByName(name, portal string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+accountColumns+" FROM accounts WHERE name = ? AND portal = ?", name, portal)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

// ListAccounts returns all accounts, or only one portal's accounts when
// portal is non-empty.
func (s *Store) ListAccounts(portal string) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if portal != "" {
		rows, err = s.db.Query("SELECT "+accountColumns+" FROM accounts WHERE portal = ? ORDER BY name", portal)
	} else {
		rows, err = s.db.Query("SELECT " + accountColumns + " FROM accounts ORDER BY portal, name")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// UpsertAccount inserts or updates an account keyed by ID.
func (s *Store) UpsertAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return upsertAccount(s.db, a)
}

func upsertAccount(db execer, a *Account) error {
	var lastLogin any
	if a.LastLogin != nil {
		lastLogin = *a.LastLogin
	}

	_, err := db.Exec(`
		INSERT INTO accounts (id, name, roles, status, created_date, last_login, manager, portal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			roles = excluded.roles,
			status = excluded.status,
			manager = excluded.manager,
			portal = excluded.portal,
			last_login = COALESCE(excluded.last_login, accounts.last_login)
	`, a.ID, a.Name, joinRoles(a.Roles), a.Status, a.CreatedDate, lastLogin, a.Manager, a.Portal)
	return err
}

// ApplySnapshot commits one reconciliation pass as a single unit: legacy
// rows are re-keyed to their canonical IDs, then every live account is
// upserted. A failure anywhere rolls the whole pass back.
func (s *Store) ApplySnapshot(rekeys []Rekey, upserts []*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rk := range rekeys {
		if _, err := tx.Exec("UPDATE accounts SET id = ? WHERE id = ?", rk.NewID, rk.OldID); err != nil {
			return fmt.Errorf("rekey account %s: %w", rk.OldID, err)
		}
	}

	for _, a := range upserts {
		if err := upsertAccount(tx, a); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Name, err)
		}
	}

	return tx.Commit()
}

// placeholders builds a (?, ?, ...) list for an IN clause.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// DeleteAccounts hard-deletes the listed accounts.
func (s *Store) DeleteAccounts(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.Exec("DELETE FROM accounts WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetAccountsStatus updates the status of the listed accounts.
func (s *Store) SetAccountsStatus(ids []string, status string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{status}
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.Exec("UPDATE accounts SET status = ? WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResolveOrphans deletes one set of accounts and marks another inactive,
// committing both as a single unit. Returns the number of rows touched.
func (s *Store) ResolveOrphans(deleteIDs, keepIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	count := 0

	if len(deleteIDs) > 0 {
		args := make([]any, len(deleteIDs))
		for i, id := range deleteIDs {
			args[i] = id
		}
		res, err := tx.Exec("DELETE FROM accounts WHERE id IN ("+placeholders(len(deleteIDs))+")", args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}

	if len(keepIDs) > 0 {
		args := []any{StatusInactive}
		for _, id := range keepIDs {
			args = append(args, id)
		}
		res, err := tx.Exec("UPDATE accounts SET status = ? WHERE id IN ("+placeholders(len(keepIDs))+")", args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}
