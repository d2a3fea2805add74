package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = "id, user_id, user_name, portal, scheduled_time, action, roles, status, created_at, executed_at, result"

// scanTask reads one scheduled task row.
func scanTask(row interface{ Scan(...any) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	var roles string
	var executedAt sql.NullTime

	if err := row.Scan(&t.ID, &t.UserID, &t.UserName, &t.Portal, &t.ScheduledTime,
		&t.Action, &roles, &t.Status, &t.CreatedAt, &executedAt, &t.Result); err != nil {
		return nil, err
	}

	t.Roles = splitRoles(roles)
	if executedAt.Valid {
		t.ExecutedAt = &executedAt.Time
	}
	return &t, nil
}

// CreateTask persists a new task. Audit tasks for immediate executions
// arrive already in a terminal state with ExecutedAt and Result set.
func (s *Store) CreateTask(t *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var executedAt any
	if t.ExecutedAt != nil {
		executedAt = *t.ExecutedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, user_id, user_name, portal, scheduled_time, action, roles, status, created_at, executed_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.UserName, t.Portal, t.ScheduledTime, t.Action, joinRoles(t.Roles),
		t.Status, t.CreatedAt, executedAt, t.Result)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns all tasks, most recently created first.
func (s *Store) ListTasks() ([]*ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + taskColumns + " FROM scheduled_tasks ORDER BY created_at DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetDueTasks returns still-scheduled tasks whose time has come, in
// deterministic order: scheduled time first, ID as the tie-break.
func (s *Store) GetDueTasks(now time.Time) ([]*ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time, id
	`, TaskScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompleteTask marks a task completed and writes the account's new role
// set in one transaction: neither write lands without the other. The
// task row is claimed with a conditional update so a task that already
// reached a terminal state is never double-applied.
func (s *Store) CompleteTask(taskID, accountID string, newRoles []string, result string, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := finishTask(tx, taskID, TaskCompleted, result, executedAt); err != nil {
		return err
	}

	res, err := tx.Exec("UPDATE accounts SET roles = ? WHERE id = ?", joinRoles(newRoles), accountID)
	if err != nil {
		return fmt.Errorf("update account roles: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit()
}

// FailTask marks a task failed with the error detail. The account's
// stored roles are left untouched to avoid local/remote divergence.
func (s *Store) FailTask(taskID, result string, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := finishTask(tx, taskID, TaskFailed, result, executedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// finishTask transitions a task out of the scheduled state. Zero rows
// affected means another writer finished it first (or it never existed).
func finishTask(tx execer, taskID, status, result string, executedAt time.Time) error {
	res, err := tx.Exec(`
		UPDATE scheduled_tasks SET status = ?, executed_at = ?, result = ?
		WHERE id = ? AND status = ?
	`, status, executedAt, result, taskID, TaskScheduled)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskFinished
	}
	return nil
}
