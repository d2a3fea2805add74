// Package service implements the console's operator-facing operations:
// scheduling and executing role changes, reconciling portal state, and
// issuing join tokens.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kocharsoft/portal-console/internal/reconcile"
	"github.com/kocharsoft/portal-console/internal/store"
	"github.com/kocharsoft/portal-console/internal/tctl"
	"github.com/kocharsoft/portal-console/internal/validate"
)

// ErrInvalidSchedule is returned for a malformed schedule request.
var ErrInvalidSchedule = errors.New("invalid schedule request")

// CommandRunner executes one command line on a named portal.
type CommandRunner interface {
	Run(ctx context.Context, portal, command string) (string, error)
}

// ExecutionResult is the structured outcome of a role-change execution.
// Execution never returns an error: every failure is folded into the
// result so a single bad task can never kill the scheduler loop.
type ExecutionResult struct {
	Success bool
	Message string
	Output  string
}

// ScheduleRequest describes a future role change.
type ScheduleRequest struct {
	UserID        string   `validate:"required"`
	UserName      string   `validate:"required"`
	Portal        string   `validate:"required"`
	ScheduledTime string   `validate:"required"`
	Action        string   `validate:"required,oneof=add remove"`
	Roles         []string `validate:"required,min=1"`
}

// ExecuteRequest describes an immediate role change.
type ExecuteRequest struct {
	UserID   string   `validate:"required"`
	UserName string   `validate:"required"`
	Portal   string   `validate:"required"`
	Action   string   `validate:"required,oneof=add remove"`
	Roles    []string `validate:"required,min=1"`
}

// Service wires the stores, the remote executor, and the reconciler.
type Service struct {
	store      *store.Store
	runner     CommandRunner
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

// New creates a service.
func New(st *store.Store, runner CommandRunner, rec *reconcile.Reconciler, logger *slog.Logger) *Service {
	return &Service{store: st, runner: runner, reconciler: rec, logger: logger}
}

// ScheduleRoleChange validates and persists a future role change,
// returning the new task's ID. The referenced account must exist.
func (s *Service) ScheduleRoleChange(req ScheduleRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	scheduledTime, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		return "", fmt.Errorf("%w: scheduled_time: %v", ErrInvalidSchedule, err)
	}

	if _, err := s.lookupAccount(req.UserID, req.UserName, req.Portal); err != nil {
		return "", err
	}

	task := &store.ScheduledTask{
		ID:            newTaskID(),
		UserID:        req.UserID,
		UserName:      req.UserName,
		Portal:        req.Portal,
		ScheduledTime: scheduledTime,
		Action:        req.Action,
		Roles:         req.Roles,
		Status:        store.TaskScheduled,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateTask(task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	s.logger.Info("role change scheduled",
		"task_id", task.ID,
		"user", req.UserName,
		"portal", req.Portal,
		"action", req.Action,
		"scheduled_time", scheduledTime,
	)
	return task.ID, nil
}

// ExecuteRoleChangeNow applies a role change immediately. A task record
// is still written, already in its terminal state, as an audit trail.
func (s *Service) ExecuteRoleChangeNow(ctx context.Context, req ExecuteRequest) ExecutionResult {
	if err := validate.Struct(req); err != nil {
		return ExecutionResult{Message: fmt.Sprintf("invalid request: %v", err)}
	}

	now := time.Now()
	task := &store.ScheduledTask{
		ID:            newTaskID(),
		UserID:        req.UserID,
		UserName:      req.UserName,
		Portal:        req.Portal,
		ScheduledTime: now,
		Action:        req.Action,
		Roles:         req.Roles,
		Status:        store.TaskScheduled,
		CreatedAt:     now,
	}
	if err := s.store.CreateTask(task); err != nil {
		return ExecutionResult{Message: fmt.Sprintf("create audit task: %v", err)}
	}

	return s.ExecuteTask(ctx, task.ID)
}

// ExecuteTask runs one scheduled task to its terminal state. It is the
// boundary past which no error propagates: every failure is caught,
// logged, written onto the task, and folded into the result.
func (s *Service) ExecuteTask(ctx context.Context, taskID string) ExecutionResult {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("load task", "task_id", taskID, "error", err)
		return ExecutionResult{Message: fmt.Sprintf("load task: %v", err)}
	}

	if task.Status != store.TaskScheduled {
		// Defensive: the scheduler's poll predicate excludes terminal
		// tasks, but an external trigger may race it. Never double-apply.
		s.logger.Warn("task already finished, skipping", "task_id", taskID, "status", task.Status)
		return ExecutionResult{Message: fmt.Sprintf("task already %s", task.Status)}
	}

	account, err := s.lookupAccount(task.UserID, task.UserName, task.Portal)
	if err != nil {
		return s.failTask(task, fmt.Sprintf("account lookup: %v", err))
	}

	newRoles := applyRoleChange(account.Roles, task.Action, task.Roles)
	command := tctl.SetRolesCommand(account.Name, newRoles)

	output, err := s.runner.Run(ctx, task.Portal, command)
	if err != nil {
		// The account's stored roles stay untouched: the remote state
		// did not change, and neither may ours.
		return s.failTask(task, err.Error())
	}

	if err := s.store.CompleteTask(task.ID, account.ID, newRoles, output, time.Now()); err != nil {
		if errors.Is(err, store.ErrTaskFinished) {
			s.logger.Warn("task finished by another writer", "task_id", task.ID)
			return ExecutionResult{Message: "task already finished"}
		}
		s.logger.Error("complete task", "task_id", task.ID, "error", err)
		return s.failTask(task, fmt.Sprintf("persist completion: %v", err))
	}

	s.logger.Info("task completed", "task_id", task.ID, "user", account.Name, "roles", newRoles)
	return ExecutionResult{Success: true, Message: fmt.Sprintf("roles updated for %s", account.Name), Output: output}
}

// failTask moves a task to the failed state and reports the failure.
func (s *Service) failTask(task *store.ScheduledTask, detail string) ExecutionResult {
	s.logger.Error("task failed", "task_id", task.ID, "user", task.UserName, "error", detail)
	if err := s.store.FailTask(task.ID, detail, time.Now()); err != nil && !errors.Is(err, store.ErrTaskFinished) {
		s.logger.Error("record task failure", "task_id", task.ID, "error", err)
	}
	return ExecutionResult{Message: detail}
}

// lookupAccount finds the target account by ID, falling back to the
// denormalized (name, portal) key for records that predate stable IDs.
func (s *Service) lookupAccount(id, name, portal string) (*store.Account, error) {
	account, err := s.store.GetAccount(id)
	if errors.Is(err, store.ErrAccountNotFound) {
		account, err = s.store.GetAccountByName(name, portal)
	}
	if err != nil {
		return nil, fmt.Errorf("account %s (%s@%s): %w", id, name, portal, err)
	}
	return account, nil
}

// ListScheduledJobs returns all role-change tasks, newest first.
func (s *Service) ListScheduledJobs() ([]*store.ScheduledTask, error) {
	return s.store.ListTasks()
}

// FetchAndReconcile pulls the live account listing from a portal,
// parses it, and reconciles it into the store.
func (s *Service) FetchAndReconcile(ctx context.Context, portal string) (*reconcile.Report, error) {
	output, err := s.runner.Run(ctx, portal, tctl.ListUsersCommand())
	if err != nil {
		return nil, fmt.Errorf("list users on %s: %w", portal, err)
	}

	now := time.Now()
	users, err := tctl.ParseUsers(output, now)
	if err != nil {
		// A malformed listing aborts the whole pass; partial ingestion
		// would persist an inconsistent snapshot.
		return nil, fmt.Errorf("parse listing from %s: %w", portal, err)
	}

	return s.reconciler.Reconcile(portal, users, now)
}

// ResolveOrphans applies an orphan policy to explicitly listed records.
func (s *Service) ResolveOrphans(portal, policy string, orphanIDs, keepIDs []string) (int, error) {
	return s.reconciler.ResolveOrphans(portal, policy, orphanIDs, keepIDs)
}

// IssueJoinToken creates a node join token on the portal and parses it.
func (s *Service) IssueJoinToken(ctx context.Context, portal string) (tctl.TokenResult, error) {
	output, err := s.runner.Run(ctx, portal, tctl.TokensAddCommand())
	if err != nil {
		return tctl.TokenResult{}, fmt.Errorf("issue token on %s: %w", portal, err)
	}
	return tctl.ParseToken(output), nil
}

// AvailableRoles returns the sorted, distinct union of role strings
// across one portal's stored accounts.
func (s *Service) AvailableRoles(portal string) ([]string, error) {
	accounts, err := s.store.ListAccounts(portal)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var roles []string
	for _, a := range accounts {
		for _, role := range a.Roles {
			if !seen[role] {
				seen[role] = true
				roles = append(roles, role)
			}
		}
	}
	sort.Strings(roles)
	return roles, nil
}

// Accounts lists stored accounts, optionally scoped to one portal.
func (s *Service) Accounts(portal string) ([]*store.Account, error) {
	return s.store.ListAccounts(portal)
}

// UpdateAccount overwrites a stored account record.
func (s *Service) UpdateAccount(a *store.Account) error {
	return s.store.UpsertAccount(a)
}

// applyRoleChange computes the account's new role set. Add is an
// order-preserving, deduplicated union; remove subtracts exactly the
// requested roles and nothing else. Both are idempotent.
func applyRoleChange(current []string, action string, requested []string) []string {
	switch action {
	case store.ActionRemove:
		drop := make(map[string]bool, len(requested))
		for _, role := range requested {
			drop[role] = true
		}
		var out []string
		for _, role := range current {
			if !drop[role] {
				out = append(out, role)
			}
		}
		return out
	default: // add
		seen := make(map[string]bool, len(current))
		var out []string
		for _, role := range current {
			if !seen[role] {
				seen[role] = true
				out = append(out, role)
			}
		}
		for _, role := range requested {
			if !seen[role] {
				seen[role] = true
				out = append(out, role)
			}
		}
		return out
	}
}

// newTaskID generates a ULID task identifier.
func newTaskID() string {
	return ulid.Make().String()
}
