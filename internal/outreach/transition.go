package outreach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/events"
	"outreach-engine/internal/store"
)

const maxCASRetries = 3

// errNoChange lets a mutate func decline the update after seeing fresh state.
var errNoChange = errors.New("no change")

// mutateFunc derives the next lead and its audit entry from the current one.
type mutateFunc func(cur domain.Lead) (domain.Lead, domain.AuditLogEntry, error)

// update applies fn under the compare-and-set guard, reloading and retrying
// when another writer got there first. Used for operator and inbound-driven
// changes, which must not be lost.
func (e *Engine) update(ctx context.Context, leadID string, fn mutateFunc) (domain.Lead, error) {
	for attempt := 0; ; attempt++ {
		cur, err := e.d.Store.GetLead(ctx, leadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Lead{}, err
			}
			return domain.Lead{}, fmt.Errorf("%w: load lead: %w", ErrPersistence, err)
		}
		next, entry, err := fn(cur)
		if errors.Is(err, errNoChange) {
			return cur, nil
		}
		if err != nil {
			return cur, err
		}
		now := e.now().UTC()
		next.UpdatedAt = now
		entry.LeadID = cur.ID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}

		err = e.d.Store.ApplyTransition(ctx, next, cur.Version(), entry)
		switch {
		case err == nil:
			if next.Status != cur.Status {
				e.d.Events.Publish(events.MakeEvent("", events.TypeLeadStatus, 1, domain.Transition{
					From: cur.Status, To: next.Status, Cause: entry.Reasoning,
				}))
			}
			return next, nil
		case errors.Is(err, store.ErrConflict) && attempt+1 < maxCASRetries:
			e.log.Debug("retrying lead update after conflict", "lead_id", leadID, "attempt", attempt+1)
			continue
		case errors.Is(err, store.ErrConflict):
			return cur, err
		default:
			return cur, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
}

// Transition moves a lead along the lifecycle for an external cause such as
// an operator action or the enrichment collaborator. UNQUALIFIED leads only
// leave through Reenrich, and SCHEDULED is only entered by a scheduled send.
func (e *Engine) Transition(ctx context.Context, leadID string, to domain.LeadStatus, cause string) (domain.Lead, error) {
	if to == domain.StatusScheduled {
		return domain.Lead{}, fmt.Errorf("%w: %s is entered only by a scheduled send", ErrIllegalTransition, to)
	}
	cause = strings.TrimSpace(cause)
	if cause == "" {
		cause = "manual"
	}
	return e.update(ctx, leadID, func(cur domain.Lead) (domain.Lead, domain.AuditLogEntry, error) {
		if cur.Status == domain.StatusUnqualified && to != domain.StatusDoNotContact {
			return cur, domain.AuditLogEntry{}, fmt.Errorf("%w: %s -> %s requires re-enrichment", ErrIllegalTransition, cur.Status, to)
		}
		if !CanTransition(cur.Status, to) {
			return cur, domain.AuditLogEntry{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, to)
		}
		next := cur
		next.Status = to
		if to == domain.StatusDoNotContact {
			next.OptOut = true
		}
		next.ScheduledSendAt = nil
		return next, domain.AuditLogEntry{
			Action:    domain.ActionStatusChanged,
			Reasoning: fmt.Sprintf("Status changed from %s to %s: %s", cur.Status, to, cause),
			Metadata:  domain.Transition{From: cur.Status, To: to, Cause: cause},
		}, nil
	})
}

// Disqualify moves a lead whose address stopped accepting mail to
// UNQUALIFIED. Only leads awaiting a reply are affected; any other status is
// left as it is and returned unchanged.
func (e *Engine) Disqualify(ctx context.Context, leadID, cause string) (domain.Lead, error) {
	return e.update(ctx, leadID, func(cur domain.Lead) (domain.Lead, domain.AuditLogEntry, error) {
		if cur.Status != domain.StatusContacted && cur.Status != domain.StatusScheduled {
			return cur, domain.AuditLogEntry{}, errNoChange
		}
		next := cur
		next.Status = domain.StatusUnqualified
		next.ScheduledSendAt = nil
		return next, domain.AuditLogEntry{
			Action:    domain.ActionStatusChanged,
			Reasoning: fmt.Sprintf("Status changed from %s to %s: %s", cur.Status, domain.StatusUnqualified, cause),
			Metadata:  domain.Transition{From: cur.Status, To: domain.StatusUnqualified, Cause: cause},
		}, nil
	})
}

// Research is fresh enrichment output for a lead being re-qualified.
type Research struct {
	Summary  string `json:"researchSummary"`
	Locale   string `json:"detectedLocale,omitempty"`
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Score    int    `json:"score" validate:"gte=0,lte=100"`
}

// Reenrich is the only way out of UNQUALIFIED. It replaces the research fields
// and moves the lead back to RESEARCHING.
func (e *Engine) Reenrich(ctx context.Context, leadID string, r Research) (domain.Lead, error) {
	return e.update(ctx, leadID, func(cur domain.Lead) (domain.Lead, domain.AuditLogEntry, error) {
		if cur.Status != domain.StatusUnqualified {
			return cur, domain.AuditLogEntry{}, fmt.Errorf("%w: re-enrichment needs UNQUALIFIED, lead is %s", ErrIllegalTransition, cur.Status)
		}
		next := cur
		next.Status = domain.StatusResearching
		next.ResearchSummary = r.Summary
		next.DetectedLocale = r.Locale
		next.Timezone = r.Timezone
		next.Score = r.Score
		next.ScheduledSendAt = nil
		return next, domain.AuditLogEntry{
			Action:    domain.ActionStatusChanged,
			Reasoning: "Lead re-enriched; research fields reset",
			Metadata:  domain.Transition{From: cur.Status, To: domain.StatusResearching, Cause: "re-enrichment"},
		}, nil
	})
}

// CompleteScheduled marks a provider-scheduled send as delivered to the
// lead's inbox once its slot has passed. It reports false when the lead is
// not SCHEDULED or the slot is still ahead.
func (e *Engine) CompleteScheduled(ctx context.Context, leadID string) (bool, error) {
	done := false
	_, err := e.update(ctx, leadID, func(cur domain.Lead) (domain.Lead, domain.AuditLogEntry, error) {
		done = false
		if cur.Status != domain.StatusScheduled || cur.ScheduledSendAt == nil || cur.ScheduledSendAt.After(e.now()) {
			return cur, domain.AuditLogEntry{}, errNoChange
		}
		at := *cur.ScheduledSendAt
		next := cur
		next.Status = domain.StatusContacted
		next.LastContactedAt = &at
		next.ScheduledSendAt = nil
		done = true
		return next, domain.AuditLogEntry{
			Action:    domain.ActionStatusChanged,
			Reasoning: "Scheduled send slot elapsed; lead contacted",
			Metadata:  domain.Transition{From: cur.Status, To: domain.StatusContacted, Cause: "scheduled send elapsed"},
		}, nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}
