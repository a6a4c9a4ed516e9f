// Package quota enforces plan limits against per-workspace usage counters.
package quota

import (
	"context"
	"fmt"

	"trackline/internal/domain"
	"trackline/internal/store"
)

// ExceededError reports a reservation that would push usage past the plan limit.
type ExceededError struct {
	Kind      domain.ResourceKind
	Limit     int64
	Attempted int64
}

func (e ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d > limit %d", e.Kind, e.Attempted, e.Limit)
}

// Tier is the set of limits a plan tier grants.
type Tier struct {
	MaxMembers        int64 `yaml:"max_members" json:"max_members"`
	MaxProjects       int64 `yaml:"max_projects" json:"max_projects"`
	StorageQuotaBytes int64 `yaml:"storage_quota_bytes" json:"storage_quota_bytes"`
}

const gib = int64(1) << 30

// DefaultTiers are the built-in plan limits. Zero is unlimited.
func DefaultTiers() map[domain.PlanTier]Tier {
	return map[domain.PlanTier]Tier{
		domain.TierFree:     {MaxMembers: 5, MaxProjects: 3, StorageQuotaBytes: 1 * gib},
		domain.TierPro:      {MaxMembers: 20, MaxProjects: 15, StorageQuotaBytes: 10 * gib},
		domain.TierBusiness: {MaxMembers: 100, MaxProjects: 0, StorageQuotaBytes: 100 * gib},
	}
}

// Ledger reserves and releases usage inside the caller's transaction.
type Ledger struct {
	Tiers map[domain.PlanTier]Tier
}

func (l Ledger) tiers() map[domain.PlanTier]Tier {
	if len(l.Tiers) == 0 {
		return DefaultTiers()
	}
	return l.Tiers
}

// PlanFor builds the plan row for tier.
func (l Ledger) PlanFor(workspaceID string, tier domain.PlanTier, now string) (domain.Plan, error) {
	t, ok := l.tiers()[tier]
	if !ok {
		return domain.Plan{}, fmt.Errorf("unknown plan tier %q", tier)
	}
	return domain.Plan{
		WorkspaceID:       workspaceID,
		Tier:              tier,
		MaxMembers:        t.MaxMembers,
		MaxProjects:       t.MaxProjects,
		StorageQuotaBytes: t.StorageQuotaBytes,
		UpdatedAt:         now,
	}, nil
}

// CheckAndReserve adds delta to the usage counter for kind if the plan
// allows it. On failure nothing is written.
func (l Ledger) CheckAndReserve(ctx context.Context, tx store.Tx, workspaceID string, kind domain.ResourceKind, delta int64) error {
	if delta <= 0 {
		return fmt.Errorf("reserve delta must be positive, got %d", delta)
	}
	plan, err := tx.GetPlan(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	limit := plan.Limit(kind)
	ok, err := tx.AdjustUsage(ctx, workspaceID, kind, delta, limit)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	usage, err := tx.GetUsage(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	return ExceededError{Kind: kind, Limit: limit, Attempted: usage.Count(kind) + delta}
}

// Release returns delta units of kind. Counters never drop below zero.
func (l Ledger) Release(ctx context.Context, tx store.Tx, workspaceID string, kind domain.ResourceKind, delta int64) error {
	if delta <= 0 {
		return nil
	}
	_, err := tx.AdjustUsage(ctx, workspaceID, kind, -delta, 0)
	return err
}

// SwapPlan replaces the workspace limits with those of tier. Usage is left
// untouched even if it now exceeds the new limits; further reservations
// fail until it falls back under them.
func (l Ledger) SwapPlan(ctx context.Context, tx store.Tx, workspaceID string, tier domain.PlanTier, now string) (domain.Plan, error) {
	plan, err := l.PlanFor(workspaceID, tier, now)
	if err != nil {
		return plan, err
	}
	return plan, tx.UpsertPlan(ctx, plan)
}

// Snapshot is the plan and usage of one workspace.
type Snapshot struct {
	Plan  domain.Plan  `json:"plan"`
	Usage domain.Usage `json:"usage"`
}

func (l Ledger) Snapshot(ctx context.Context, tx store.Tx, workspaceID string) (Snapshot, error) {
	plan, err := tx.GetPlan(ctx, workspaceID)
	if err != nil {
		return Snapshot{}, err
	}
	usage, err := tx.GetUsage(ctx, workspaceID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Plan: plan, Usage: usage}, nil
}
