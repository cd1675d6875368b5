package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Creation policy thresholds for candidate links.
const (
	DiscardBelowConfidence     = 0.5
	NeedsReviewBelowConfidence = 0.7
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return invalid(fe.Field(), "must satisfy %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
		}
		return invalid(fe.Field(), "must satisfy %s", fe.Tag())
	}
	return invalid("", "%v", err)
}

// EventInput is what the ingestion collaborator supplies.
type EventInput struct {
	Title        string    `json:"title" validate:"required,max=1024"`
	SourceURL    string    `json:"source_url" validate:"required,url,max=2048"`
	PublishedAt  time.Time `json:"published_at" validate:"required"`
	EvidenceTier string    `json:"evidence_tier" validate:"required"`
	ContentHash  string    `json:"content_hash" validate:"omitempty,max=64"`
}

// IngestEvent stores an event, deduplicating on content hash. created is false
// when an event with the same hash already existed; that event is returned
// unchanged.
func (e *Engine) IngestEvent(ctx context.Context, in EventInput) (ev Event, created bool, err error) {
	if err := validateStruct(in); err != nil {
		return Event{}, false, err
	}
	tier, err := ParseTier(in.EvidenceTier)
	if err != nil {
		return Event{}, false, err
	}
	hash := strings.TrimSpace(in.ContentHash)
	if hash == "" {
		hash = ContentHash(in.Title, in.SourceURL)
	}
	ev = Event{
		Title:        strings.TrimSpace(in.Title),
		SourceURL:    strings.TrimSpace(in.SourceURL),
		PublishedAt:  in.PublishedAt.UTC(),
		EvidenceTier: tier,
		ContentHash:  hash,
		CreatedAt:    e.now(),
	}
	db := e.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		DoNothing: true,
	}).Create(&ev)
	if res.Error != nil {
		return Event{}, false, fmt.Errorf("insert event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		e.log.Debug("event ingested", "event_id", ev.ID, "tier", tier, "hash", hash)
		return ev, true, nil
	}
	var existing Event
	if err := db.Where("content_hash = ?", hash).First(&existing).Error; err != nil {
		return Event{}, false, fmt.Errorf("load deduplicated event: %w", err)
	}
	e.log.Debug("event deduplicated", "event_id", existing.ID, "hash", hash)
	return existing, false, nil
}

func (e *Engine) GetEvent(ctx context.Context, id uint) (Event, error) {
	var ev Event
	err := e.db.WithContext(ctx).First(&ev, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, &NotFoundError{Kind: "event", ID: id}
	}
	if err != nil {
		return Event{}, fmt.Errorf("load event: %w", err)
	}
	return ev, nil
}

// CandidateLink is what the mapping/scoring collaborator proposes. Ranges are
// validated, never clamped. Confidence and ImpactEstimate are pointers so an
// omitted field is rejected instead of reading as zero.
type CandidateLink struct {
	EventID        uint     `json:"event_id" validate:"required"`
	SignpostID     uint     `json:"signpost_id" validate:"required"`
	Confidence     *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
	LinkType       string   `json:"link_type" validate:"required"`
	ImpactEstimate *float64 `json:"impact_estimate" validate:"required,gte=0,lte=1"`
	ObservedValue  *float64 `json:"observed_value"`
	Rationale      string   `json:"rationale" validate:"max=8192"`
}

// LinkProposal reports what happened to a candidate. Link is nil when the
// candidate was discarded.
type LinkProposal struct {
	Link      *EvidenceLink `json:"link,omitempty"`
	Discarded bool          `json:"discarded"`
}

// ProposeLink applies the creation policy: confidence below 0.5 is discarded,
// [0.5, 0.7) is stored with needs_review, higher is stored without it. Every
// stored link starts pending.
func (e *Engine) ProposeLink(ctx context.Context, c CandidateLink) (LinkProposal, error) {
	if err := validateStruct(c); err != nil {
		return LinkProposal{}, err
	}
	linkType, err := ParseLinkType(c.LinkType)
	if err != nil {
		return LinkProposal{}, err
	}
	confidence := *c.Confidence

	var out LinkProposal
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := mustExist(tx, &Event{}, "event", c.EventID); err != nil {
			return err
		}
		if err := mustExist(tx, &Signpost{}, "signpost", c.SignpostID); err != nil {
			return err
		}
		if confidence < DiscardBelowConfidence {
			out.Discarded = true
			return nil
		}
		var dup int64
		if err := tx.Model(&EvidenceLink{}).
			Where("event_id = ? AND signpost_id = ?", c.EventID, c.SignpostID).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return &ConflictError{Kind: "link", ID: fmt.Sprintf("%d/%d", c.EventID, c.SignpostID), Message: "event is already linked to this signpost"}
		}
		link := EvidenceLink{
			EventID:        c.EventID,
			SignpostID:     c.SignpostID,
			Confidence:     confidence,
			LinkType:       linkType,
			ImpactEstimate: *c.ImpactEstimate,
			ObservedValue:  c.ObservedValue,
			Rationale:      strings.TrimSpace(c.Rationale),
			ReviewStatus:   StatusPending,
			NeedsReview:    confidence < NeedsReviewBelowConfidence,
			CreatedAt:      e.now(),
		}
		if err := tx.Create(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &ConflictError{Kind: "link", ID: fmt.Sprintf("%d/%d", c.EventID, c.SignpostID), Message: "event is already linked to this signpost"}
			}
			return fmt.Errorf("insert link: %w", err)
		}
		out.Link = &link
		return nil
	})
	if err != nil {
		return LinkProposal{}, err
	}
	switch {
	case out.Discarded:
		e.metrics.proposed("discarded")
		e.log.Debug("candidate link discarded", "event_id", c.EventID, "signpost_id", c.SignpostID, "confidence", confidence)
	case out.Link.NeedsReview:
		e.metrics.proposed("needs_review")
	default:
		e.metrics.proposed("persisted")
	}
	return out, nil
}

func mustExist(tx *gorm.DB, model any, kind string, id uint) error {
	var n int64
	if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("check %s: %w", kind, err)
	}
	if n == 0 {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// GetLink loads a link with its event and signpost.
func (e *Engine) GetLink(ctx context.Context, id uint) (EvidenceLink, error) {
	var link EvidenceLink
	err := e.db.WithContext(ctx).Preload("Event").Preload("Signpost").First(&link, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EvidenceLink{}, &NotFoundError{Kind: "link", ID: id}
	}
	if err != nil {
		return EvidenceLink{}, fmt.Errorf("load link: %w", err)
	}
	return link, nil
}

type QueueFilter struct {
	// Statuses defaults to pending and flagged.
	Statuses      []ReviewStatus
	NeedsReview   *bool
	MinConfidence *float64
	MaxConfidence *float64
	Limit         int
}

const (
	defaultQueueLimit = 100
	maxQueueLimit     = 1000
)

// ListReviewQueue returns links awaiting review with their event and
// signpost joined. needs_review links come first, then oldest first.
func (e *Engine) ListReviewQueue(ctx context.Context, f QueueFilter) ([]EvidenceLink, error) {
	if f.MinConfidence != nil && (*f.MinConfidence < 0 || *f.MinConfidence > 1) {
		return nil, invalid("min_confidence", "%v outside [0,1]", *f.MinConfidence)
	}
	if f.MaxConfidence != nil && (*f.MaxConfidence < 0 || *f.MaxConfidence > 1) {
		return nil, invalid("max_confidence", "%v outside [0,1]", *f.MaxConfidence)
	}
	if f.MinConfidence != nil && f.MaxConfidence != nil && *f.MinConfidence > *f.MaxConfidence {
		return nil, invalid("min_confidence", "greater than max_confidence")
	}
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []ReviewStatus{StatusPending, StatusFlagged}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	if limit > maxQueueLimit {
		limit = maxQueueLimit
	}

	query := e.db.WithContext(ctx).Model(&EvidenceLink{}).Where("review_status IN ?", statuses)
	if f.NeedsReview != nil {
		query = query.Where("needs_review = ?", *f.NeedsReview)
	}
	if f.MinConfidence != nil {
		query = query.Where("confidence >= ?", *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		query = query.Where("confidence <= ?", *f.MaxConfidence)
	}

	var links []EvidenceLink
	err := query.Preload("Event").Preload("Signpost").
		Order("needs_review DESC").Order("created_at ASC").Order("id ASC").
		Limit(limit).Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	return links, nil
}
