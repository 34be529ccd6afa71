// Package entitlements maps a billing profile to plan-defined entitlements,
// gates resource creation, and keeps usage counters and plan-derived
// fields in sync with the canonical plan catalog.
//
// Grounded on the teacher's pkg/services validation style (session_service
// in the example pack: a thin service wrapping repository calls, returning
// a caller-facing decision value rather than an error for an ordinary
// policy violation) — generalized from request-shape validation to
// plan-limit validation, per spec.md §4.5.
package entitlements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brandsignal/batchworks/pkg/catalog"
	"github.com/brandsignal/batchworks/pkg/store"
)

// Resource is one of the three countable resources a billing profile caps.
type Resource string

const (
	ResourceBrand  Resource = "brand"
	ResourcePrompt Resource = "prompt"
	ResourceModel  Resource = "model"
)

// Decision is the caller-facing answer to canCreate — a policy violation
// is a value, never an error (spec.md §7: "surfaced to caller with
// {allowed, reason, limit, used, resetAt}; never written to persistent
// error state").
type Decision struct {
	Allowed bool
	Reason  string
	Limit   int
	Used    int
	ResetAt *time.Time
}

// Service implements the entitlements & usage accounting contract.
type Service struct {
	billingRepo   *store.BillingProfileRepo
	workspaceRepo *store.WorkspaceRepo
}

// NewService builds a Service over the shared-schema repositories it reads
// and writes billing profiles through.
func NewService(billingRepo *store.BillingProfileRepo, workspaceRepo *store.WorkspaceRepo) *Service {
	return &Service{billingRepo: billingRepo, workspaceRepo: workspaceRepo}
}

// CanCreate reports whether workspaceID may create one more of resource,
// resetting the prompt usage window first if it has elapsed (spec.md §8:
// "resets promptsUsed=0 on the next canCreate(prompt, ...) call").
func (s *Service) CanCreate(ctx context.Context, resource Resource, workspaceID string) (Decision, error) {
	profile, err := s.profileForWorkspace(ctx, workspaceID)
	if err != nil {
		return Decision{}, err
	}

	if resource == ResourcePrompt {
		reset, err := s.MaybeResetUsage(ctx, *profile)
		if err != nil {
			return Decision{}, err
		}
		if reset {
			profile, err = s.billingRepo.Get(ctx, profile.ID)
			if err != nil {
				return Decision{}, fmt.Errorf("reloading billing profile %s after usage reset: %w", profile.ID, err)
			}
		}
	}

	limit, used := resourceLimitAndUsage(*profile, resource)
	if limit == catalog.Unlimited {
		return Decision{Allowed: true, Limit: limit, Used: used}, nil
	}
	if used >= limit {
		reason := string(resource) + " limit reached"
		if resource != "" {
			reason = strings.ToUpper(reason[:1]) + reason[1:]
		}
		return Decision{
			Allowed: false,
			Reason:  reason,
			Limit:   limit,
			Used:    used,
			ResetAt: resourceResetAt(*profile, resource),
		}, nil
	}
	return Decision{Allowed: true, Limit: limit, Used: used}, nil
}

// CanCreatePrompt wraps CanCreate(ResourcePrompt, ...) with the
// promptCharacterLimit invariant (spec.md §3: len(phrase) must be ≤ the
// billing profile's limit at insert time; §8's boundary test treats
// length == limit as allowed and limit+1 as rejected). store.PromptRepo.Create
// has no way to enforce this itself since it never sees a billing profile,
// so this is the entry point callers creating a prompt must use instead of
// CanCreate directly.
func (s *Service) CanCreatePrompt(ctx context.Context, workspaceID, phrase string) (Decision, error) {
	decision, err := s.CanCreate(ctx, ResourcePrompt, workspaceID)
	if err != nil || !decision.Allowed {
		return decision, err
	}

	profile, err := s.profileForWorkspace(ctx, workspaceID)
	if err != nil {
		return Decision{}, err
	}

	limit := profile.PromptCharacterLimit
	if limit != catalog.Unlimited && len(phrase) > limit {
		return Decision{
			Allowed: false,
			Reason:  "prompt exceeds character limit",
			Limit:   limit,
			Used:    len(phrase),
		}, nil
	}
	return decision, nil
}

// CanUseModel reports whether modelID is in workspaceID's allowed-model
// set.
func (s *Service) CanUseModel(ctx context.Context, workspaceID, modelID string) (bool, error) {
	profile, err := s.profileForWorkspace(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	for _, m := range profile.AllowedModels {
		if m == modelID {
			return true, nil
		}
	}
	return false, nil
}

// IncrementUsage bumps a resource's used counter by one.
func (s *Service) IncrementUsage(ctx context.Context, profileID string, resource Resource) error {
	return s.billingRepo.IncrementUsage(ctx, profileID, string(resource), 1)
}

// DecrementUsage lowers a resource's used counter by one, used when a
// brand/prompt/model binding is removed.
func (s *Service) DecrementUsage(ctx context.Context, profileID string, resource Resource) error {
	return s.billingRepo.IncrementUsage(ctx, profileID, string(resource), -1)
}

// ApplyPlan writes every plan-derived field from the canonical catalog
// onto a billing profile and recomputes nextJobRunDate from the plan's
// cadence. Idempotent: applying the same plan twice yields an equal field
// set except updatedAt (spec.md §8).
func (s *Service) ApplyPlan(ctx context.Context, profileID, planID string) error {
	plan, ok := catalog.PlanByID(planID)
	if !ok {
		return fmt.Errorf("applying unknown plan %q to billing profile %s", planID, profileID)
	}

	cadence := store.CadenceDaily
	if plan.Cadence == catalog.CadenceMonthly {
		cadence = store.CadenceMonthly
	}
	nextRun := nextJobRunDate(time.Now(), cadence)

	return s.billingRepo.ApplyPlan(ctx, profileID, planID, store.BillingProfile{
		BrandsLimit:          plan.BrandsLimit,
		PromptsLimit:         plan.PromptsLimit,
		ModelsLimit:          plan.ModelsLimit,
		AllowedModels:        allowedModelsForPlan(plan),
		PromptCharacterLimit: plan.PromptCharLimit,
		JobFrequency:         cadence,
		DataRetentionDays:    plan.DataRetentionDays,
		NextJobRunDate:       &nextRun,
	})
}

// allowedModelsForPlan derives the allowed-model set from every active
// catalog model, bounded by the plan's modelsLimit (unlimited plans get
// every active model).
func allowedModelsForPlan(plan catalog.Plan) []string {
	active := catalog.Active()
	limit := len(active)
	if plan.ModelsLimit != catalog.Unlimited && plan.ModelsLimit < limit {
		limit = plan.ModelsLimit
	}
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, active[i].ID)
	}
	return out
}

// MaybeResetUsage resets promptsUsed and moves promptsResetDate to the
// first of the next UTC month for monthly-cadence profiles whose window has
// elapsed. Returns
// whether a reset occurred, so CanCreate can reload the profile it read
// before this check ran.
func (s *Service) MaybeResetUsage(ctx context.Context, profile store.BillingProfile) (bool, error) {
	if profile.JobFrequency != store.CadenceMonthly {
		return false, nil
	}
	if profile.PromptsResetDate != nil && profile.PromptsResetDate.After(time.Now()) {
		return false, nil
	}
	next := nextJobRunDate(time.Now(), store.CadenceMonthly)
	if err := s.billingRepo.ResetPromptsUsage(ctx, profile.ID, next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) profileForWorkspace(ctx context.Context, workspaceID string) (*store.BillingProfile, error) {
	ws, err := s.workspaceRepo.Get(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("loading workspace %s: %w", workspaceID, err)
	}
	profile, err := s.billingRepo.Get(ctx, ws.BillingProfileID)
	if err != nil {
		return nil, fmt.Errorf("loading billing profile for workspace %s: %w", workspaceID, err)
	}
	return profile, nil
}

func resourceLimitAndUsage(p store.BillingProfile, resource Resource) (limit, used int) {
	switch resource {
	case ResourceBrand:
		return p.BrandsLimit, p.BrandsUsed
	case ResourcePrompt:
		return p.PromptsLimit, p.PromptsUsed
	case ResourceModel:
		return p.ModelsLimit, p.ModelsUsed
	default:
		return 0, 0
	}
}

func resourceResetAt(p store.BillingProfile, resource Resource) *time.Time {
	if resource != ResourcePrompt || p.JobFrequency != store.CadenceMonthly {
		return nil
	}
	return p.PromptsResetDate
}

// nextJobRunDate computes the next scheduled job run from a cadence,
// anchored at the next UTC midnight for daily plans and the first of next
// month for monthly plans.
func nextJobRunDate(from time.Time, cadence store.Cadence) time.Time {
	from = from.UTC()
	if cadence == store.CadenceMonthly {
		firstOfMonth := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfMonth.AddDate(0, 1, 0)
	}
	midnight := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1)
}
