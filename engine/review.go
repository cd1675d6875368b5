package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// AutoApproveActor attributes transitions made by the auto-approval rule.
const AutoApproveActor = systemActorPrefix + "auto-approve"

type transition struct {
	action string
	from   []ReviewStatus
	to     ReviewStatus
}

var (
	approveTransition = transition{action: "approve", from: []ReviewStatus{StatusPending, StatusFlagged}, to: StatusApproved}
	rejectTransition  = transition{action: "reject", from: []ReviewStatus{StatusPending, StatusFlagged}, to: StatusRejected}
	flagTransition    = transition{action: "flag", from: []ReviewStatus{StatusPending}, to: StatusFlagged}
)

// ReviewResult is returned by a successful transition.
type ReviewResult struct {
	LinkID     uint         `json:"link_id"`
	Status     ReviewStatus `json:"review_status"`
	ReviewedAt time.Time    `json:"reviewed_at"`
	ReviewedBy string       `json:"reviewed_by"`
}

// ApproveLink moves a pending or flagged link to approved.
func (e *Engine) ApproveLink(ctx context.Context, linkID uint, actor string) (ReviewResult, error) {
	return e.transition(ctx, linkID, actor, approveTransition, "")
}

// RejectLink moves a pending or flagged link to rejected. reason is required.
func (e *Engine) RejectLink(ctx context.Context, linkID uint, actor string, reason string) (ReviewResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ReviewResult{}, invalid("reason", "a rejection reason is required")
	}
	return e.transition(ctx, linkID, actor, rejectTransition, reason)
}

// FlagLink defers a pending link for later triage. note is optional.
func (e *Engine) FlagLink(ctx context.Context, linkID uint, actor string, note string) (ReviewResult, error) {
	return e.transition(ctx, linkID, actor, flagTransition, strings.TrimSpace(note))
}

// transition performs a compare-and-swap on review_status: the update only
// matches rows still in one of t.from. A loser gets a ConflictError with the
// status the winner left behind.
func (e *Engine) transition(ctx context.Context, linkID uint, actor string, t transition, reason string) (ReviewResult, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ReviewResult{}, invalid("actor_id", "an actor is required for review actions")
	}
	if linkID == 0 {
		return ReviewResult{}, invalid("link_id", "link id is required")
	}

	now := e.now()
	var audit AuditEntry
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current EvidenceLink
		if err := tx.Select("id", "review_status").First(&current, linkID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Kind: "link", ID: linkID}
			}
			return fmt.Errorf("load link: %w", err)
		}

		updates := map[string]any{
			"review_status": t.to,
			"reviewed_at":   now,
			"reviewed_by":   actor,
		}
		switch t.to {
		case StatusRejected:
			updates["rejection_reason"] = reason
		case StatusFlagged:
			updates["flag_note"] = reason
			// flagging is a deferral, not a decision
			delete(updates, "reviewed_at")
		}
		res := tx.Model(&EvidenceLink{}).
			Where("id = ? AND review_status IN ?", linkID, t.from).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update link: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var actual EvidenceLink
			if err := tx.Select("review_status").First(&actual, linkID).Error; err != nil {
				return fmt.Errorf("reload link: %w", err)
			}
			return &ConflictError{Kind: "link", ID: linkID, Expected: t.from, Actual: actual.ReviewStatus}
		}
		audit = linkAudit(linkID, t.action, actor, current.ReviewStatus, t.to, reason, now)
		return writeAudit(tx, &audit)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.conflict()
			e.log.Info("review transition lost", "link_id", linkID, "action", t.action, "actor", actor, "error", err)
		}
		return ReviewResult{}, err
	}
	e.metrics.transition(t.to, actor)
	e.log.Info("review transition", "link_id", linkID, "action", t.action, "from", audit.FromStatus, "to", t.to, "actor", actor)
	e.emit(audit)
	return ReviewResult{LinkID: linkID, Status: t.to, ReviewedAt: now, ReviewedBy: actor}, nil
}

// AutoApproveResult summarizes one AutoApprove pass.
type AutoApproveResult struct {
	Approved  []uint `json:"approved"`
	Conflicts int    `json:"conflicts"`
}

// AutoApprove approves pending links at or above the configured confidence
// whose event is A/B tier and not retracted. Links marked needs_review always
// wait for a human, whatever the threshold. Each link goes through the same
// compare-and-swap as a human approval, so a link a reviewer touched first is
// skipped. Disabled (no-op) when no threshold is configured.
func (e *Engine) AutoApprove(ctx context.Context) (AutoApproveResult, error) {
	var out AutoApproveResult
	if e.autoMin <= 0 {
		return out, nil
	}
	var ids []uint
	err := e.db.WithContext(ctx).Model(&EvidenceLink{}).
		Joins("JOIN events ON events.id = evidence_links.event_id").
		Where("evidence_links.review_status = ?", StatusPending).
		Where("evidence_links.confidence >= ?", e.autoMin).
		Where("evidence_links.needs_review = ?", false).
		Where("events.retracted = ?", false).
		Where("events.evidence_tier IN ?", []Tier{TierA, TierB}).
		Order("evidence_links.id ASC").
		Pluck("evidence_links.id", &ids).Error
	if err != nil {
		return out, fmt.Errorf("select auto-approve candidates: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		_, err := e.transition(ctx, id, AutoApproveActor, approveTransition, "")
		switch {
		case err == nil:
			out.Approved = append(out.Approved, id)
		case errors.Is(err, ErrConflict):
			out.Conflicts++
		default:
			return out, err
		}
	}
	return out, nil
}

// AuditTrail lists audit entries for one subject, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, subject string, subjectID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := e.db.WithContext(ctx).
		Where("subject = ? AND subject_id = ?", subject, subjectID).
		Order("at ASC").Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	return entries, nil
}
