// Package reconcile diffs a portal's live account roster against the
// locally stored records and resolves orphaned records under
// operator-selected policies.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kocharsoft/portal-console/internal/store"
	"github.com/kocharsoft/portal-console/internal/tctl"
)

// Orphan resolution policies.
const (
	PolicyKeepAll   = "keep_all"
	PolicyDeleteAll = "delete_all"
	PolicySelective = "selective"
)

// ErrUnknownPolicy is returned for an unrecognized orphan policy.
var ErrUnknownPolicy = errors.New("unknown orphan policy")

// Orphan is a locally stored account absent from the live listing.
type Orphan struct {
	ID   string
	Name string
}

// Report summarizes one reconciliation pass. Orphans are reported only;
// mutating them takes a separate, explicit ResolveOrphans call.
type Report struct {
	Portal  string
	Added   int
	Updated int
	Orphans []Orphan
}

// Reconciler reconciles live portal listings into the account store.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a reconciler.
func New(st *store.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// Reconcile ingests a live account listing for one portal. Every live
// account is upserted under its canonical ID; legacy rows matched by
// (name, portal) are re-keyed first. All writes commit as one unit, so
// a failure mid-pass persists nothing. Running the same listing twice
// produces no additional mutations.
func (r *Reconciler) Reconcile(portal string, live []tctl.RemoteUser, now time.Time) (*Report, error) {
	locals, err := r.store.ListAccounts(portal)
	if err != nil {
		return nil, fmt.Errorf("load accounts for %s: %w", portal, err)
	}

	localByName := make(map[string]*store.Account, len(locals))
	for _, a := range locals {
		localByName[a.Name] = a
	}

	report := &Report{Portal: portal}
	liveNames := make(map[string]bool, len(live))

	var rekeys []store.Rekey
	upserts := make([]*store.Account, 0, len(live))

	for _, u := range live {
		liveNames[u.Name] = true
		id := store.AccountID(portal, u.Name)

		existing := localByName[u.Name]
		if existing != nil {
			if existing.ID != id {
				// Legacy row created before deterministic IDs; promote
				// it to the canonical key instead of duplicating it.
				r.logger.Info("re-keying legacy account",
					"portal", portal,
					"name", u.Name,
					"old_id", existing.ID,
					"new_id", id,
				)
				rekeys = append(rekeys, store.Rekey{OldID: existing.ID, NewID: id})
			}
			report.Updated++
		} else {
			report.Added++
		}

		created := u.Created
		if created.IsZero() {
			created = now
		}

		upserts = append(upserts, &store.Account{
			ID:          id,
			Name:        u.Name,
			Roles:       dedupeRoles(u.Roles),
			Status:      store.StatusActive,
			CreatedDate: created,
			Manager:     u.CreatedBy,
			Portal:      portal,
		})
	}

	for _, a := range locals {
		if !liveNames[a.Name] {
			report.Orphans = append(report.Orphans, Orphan{ID: a.ID, Name: a.Name})
		}
	}

	if err := r.store.ApplySnapshot(rekeys, upserts); err != nil {
		return nil, fmt.Errorf("apply snapshot for %s: %w", portal, err)
	}

	r.logger.Info("reconciliation applied",
		"portal", portal,
		"added", report.Added,
		"updated", report.Updated,
		"orphans", len(report.Orphans),
	)
	return report, nil
}

// ResolveOrphans applies an orphan policy to an explicit list of orphan
// IDs. Policies never apply to "all orphans implicitly"; the operator
// names every ID to bound the blast radius. Returns the number of
// records touched.
func (r *Reconciler) ResolveOrphans(portal, policy string, orphanIDs, keepIDs []string) (int, error) {
	var count int
	var err error

	switch policy {
	case PolicyKeepAll:
		count, err = r.store.ResolveOrphans(nil, orphanIDs)
	case PolicyDeleteAll:
		count, err = r.store.ResolveOrphans(orphanIDs, nil)
	case PolicySelective:
		keep := make(map[string]bool, len(keepIDs))
		for _, id := range keepIDs {
			keep[id] = true
		}
		var deleteIDs []string
		for _, id := range orphanIDs {
			if !keep[id] {
				deleteIDs = append(deleteIDs, id)
			}
		}
		count, err = r.store.ResolveOrphans(deleteIDs, keepIDs)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	if err != nil {
		return 0, fmt.Errorf("resolve orphans for %s: %w", portal, err)
	}

	r.logger.Info("orphans resolved", "portal", portal, "policy", policy, "count", count)
	return count, nil
}

// dedupeRoles removes duplicate roles, preserving first-seen order.
func dedupeRoles(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	var out []string
	for _, role := range roles {
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}
