package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recomputeReasonRetraction = "retraction"

// RetractionInput describes why an event is withdrawn.
type RetractionInput struct {
	Actor       string `json:"actor_id"`
	Reason      string `json:"reason" validate:"required,max=4096"`
	EvidenceURL string `json:"evidence_url" validate:"omitempty,url,max=2048"`
}

// RetractionResult reports the retraction time. AlreadyRetracted is true when
// the event had been retracted earlier; RetractedAt is then the original time.
type RetractionResult struct {
	EventID          uint      `json:"event_id"`
	RetractedAt      time.Time `json:"retracted_at"`
	AlreadyRetracted bool      `json:"already_retracted"`
}

// RetractEvent withdraws an event from scoring. The event update, its audit
// entry and a recompute request for every snapshot the event may have
// influenced commit together; the recompute itself runs after commit. A second
// retraction of the same event is a no-op.
func (e *Engine) RetractEvent(ctx context.Context, eventID uint, in RetractionInput) (RetractionResult, error) {
	in.Actor = strings.TrimSpace(in.Actor)
	in.Reason = strings.TrimSpace(in.Reason)
	in.EvidenceURL = strings.TrimSpace(in.EvidenceURL)
	if in.Actor == "" {
		return RetractionResult{}, invalid("actor_id", "an actor is required to retract an event")
	}
	if in.Reason == "" {
		return RetractionResult{}, invalid("reason", "a retraction reason is required")
	}
	if err := validateStruct(in); err != nil {
		return RetractionResult{}, err
	}

	now := e.now()
	out := RetractionResult{EventID: eventID}
	var audit AuditEntry
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev Event
		if err := tx.First(&ev, eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Kind: "event", ID: eventID}
			}
			return fmt.Errorf("load event: %w", err)
		}
		if ev.Retracted {
			out.AlreadyRetracted = true
			if ev.RetractedAt != nil {
				out.RetractedAt = *ev.RetractedAt
			}
			return nil
		}

		res := tx.Model(&Event{}).
			Where("id = ? AND retracted = ?", eventID, false).
			Updates(map[string]any{
				"retracted":               true,
				"retracted_at":            now,
				"retracted_by":            in.Actor,
				"retraction_reason":       in.Reason,
				"retraction_evidence_url": in.EvidenceURL,
			})
		if res.Error != nil {
			return fmt.Errorf("retract event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// lost to a concurrent retraction
			var winner Event
			if err := tx.First(&winner, eventID).Error; err != nil {
				return fmt.Errorf("reload event: %w", err)
			}
			out.AlreadyRetracted = true
			if winner.RetractedAt != nil {
				out.RetractedAt = *winner.RetractedAt
			}
			return nil
		}
		out.RetractedAt = now

		audit = AuditEntry{
			Subject:   "event",
			SubjectID: strconv.FormatUint(uint64(eventID), 10),
			Action:    "retract",
			Actor:     in.Actor,
			Reason:    in.Reason,
			At:        now,
		}
		if err := writeAudit(tx, &audit); err != nil {
			return err
		}
		req := RecomputeRequest{EventID: eventID, Reason: recomputeReasonRetraction, RequestedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&req).Error
		if err != nil {
			return fmt.Errorf("enqueue recompute: %w", err)
		}
		return nil
	})
	if err != nil {
		return RetractionResult{}, err
	}
	if out.AlreadyRetracted {
		e.log.Info("event already retracted", "event_id", eventID, "retracted_at", out.RetractedAt)
		return out, nil
	}
	e.metrics.retraction()
	e.log.Info("event retracted", "event_id", eventID, "actor", in.Actor)
	e.notifyRecompute()
	e.emit(audit)
	return out, nil
}
