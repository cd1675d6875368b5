package engine

import (
	"time"

	"gorm.io/datatypes"
)

type Category string

const (
	CategoryCapabilities Category = "capabilities"
	CategoryAgents       Category = "agents"
	CategoryInputs       Category = "inputs"
	CategorySecurity     Category = "security"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryCapabilities, CategoryAgents, CategoryInputs, CategorySecurity}

type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
)

type Tier string

const (
	TierA Tier = "A" // peer-reviewed or official leaderboard
	TierB Tier = "B" // official announcement
	TierC Tier = "C" // press
	TierD Tier = "D" // social / unverified
)

type LinkType string

const (
	LinkSupports    LinkType = "supports"
	LinkContradicts LinkType = "contradicts"
	LinkRelated     LinkType = "related"
)

type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
	StatusFlagged  ReviewStatus = "flagged"
)

// Terminal reports whether no further review transition is allowed.
func (s ReviewStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Signpost struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Code                string    `gorm:"uniqueIndex;size:64" json:"code"`
	Name                string    `gorm:"size:256" json:"name"`
	Category            Category  `gorm:"index;size:32" json:"category"`
	BaselineValue       float64   `json:"baseline_value"`
	TargetValue         float64   `json:"target_value"`
	Direction           Direction `gorm:"size:16" json:"direction"`
	Unit                string    `gorm:"size:32" json:"unit"`
	IntraCategoryWeight float64   `json:"intra_category_weight"`
	FirstClass          bool      `gorm:"index" json:"first_class"`
	// CurrentSOTA is maintained outside the core. It is only consulted when the
	// signpost also has qualifying evidence.
	CurrentSOTA *float64  `gorm:"column:current_sota" json:"current_sota,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Event struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Title        string    `gorm:"size:1024" json:"title"`
	SourceURL    string    `gorm:"size:2048" json:"source_url"`
	PublishedAt  time.Time `gorm:"index" json:"published_at"`
	EvidenceTier Tier      `gorm:"index;size:1" json:"evidence_tier"`
	// ContentHash dedups re-ingested items. Derived from the normalized title and
	// URL when ingestion does not supply one.
	ContentHash           string     `gorm:"uniqueIndex;size:64" json:"content_hash"`
	Retracted             bool       `gorm:"index" json:"retracted"`
	RetractedAt           *time.Time `json:"retracted_at,omitempty"`
	RetractedBy           string     `gorm:"size:128" json:"retracted_by,omitempty"`
	RetractionReason      string     `gorm:"type:text" json:"retraction_reason,omitempty"`
	RetractionEvidenceURL string     `gorm:"size:2048" json:"retraction_evidence_url,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

type EvidenceLink struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	EventID        uint     `gorm:"uniqueIndex:uniq_event_signpost" json:"event_id"`
	SignpostID     uint     `gorm:"uniqueIndex:uniq_event_signpost;index" json:"signpost_id"`
	Confidence     float64  `gorm:"index" json:"confidence"`
	LinkType       LinkType `gorm:"size:16" json:"link_type"`
	ImpactEstimate float64  `json:"impact_estimate"`
	// ObservedValue is the measurement on the signpost's own scale, when the
	// scorer extracted one.
	ObservedValue   *float64     `json:"observed_value,omitempty"`
	Rationale       string       `gorm:"type:text" json:"rationale,omitempty"`
	ReviewStatus    ReviewStatus `gorm:"index;size:16" json:"review_status"`
	NeedsReview     bool         `gorm:"index" json:"needs_review"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
	ReviewedBy      string       `gorm:"size:128" json:"reviewed_by,omitempty"`
	RejectionReason string       `gorm:"type:text" json:"rejection_reason,omitempty"`
	FlagNote        string       `gorm:"type:text" json:"flag_note,omitempty"`
	CreatedAt       time.Time    `gorm:"index" json:"created_at"`

	Event    *Event    `gorm:"foreignKey:EventID" json:"event,omitempty"`
	Signpost *Signpost `gorm:"foreignKey:SignpostID" json:"signpost,omitempty"`
}

type IndexSnapshot struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	Preset   string `gorm:"uniqueIndex:uniq_preset_date;size:64" json:"preset"`
	AsOfDate string `gorm:"uniqueIndex:uniq_preset_date;size:10" json:"as_of_date"` // YYYY-MM-DD
	// CategoryScores maps category -> score, null when insufficient.
	CategoryScores datatypes.JSON `json:"category_scores"`
	Overall        *float64       `json:"overall"`
	OverallReason  string         `gorm:"size:32" json:"overall_reason,omitempty"`
	SafetyMargin   *float64       `json:"safety_margin"`
	ComputedAt     time.Time      `gorm:"index" json:"computed_at"`
}

// AuditEntry records one state-changing action. Written in the same
// transaction as the change it describes.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Subject    string    `gorm:"index:idx_audit_subject;size:16" json:"subject"` // link, event, snapshot
	SubjectID  string    `gorm:"index:idx_audit_subject;size:64" json:"subject_id"`
	Action     string    `gorm:"size:32" json:"action"`
	Actor      string    `gorm:"index;size:128" json:"actor"`
	FromStatus string    `gorm:"size:16" json:"from_status,omitempty"`
	ToStatus   string    `gorm:"size:16" json:"to_status,omitempty"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
	At         time.Time `gorm:"index" json:"at"`
}

// RecomputeRequest is the outbox row written by a retraction. EventID is
// unique so a replayed retraction never enqueues twice.
type RecomputeRequest struct {
	ID          uint       `gorm:"primaryKey"`
	EventID     uint       `gorm:"uniqueIndex"`
	Reason      string     `gorm:"size:64"`
	RequestedAt time.Time  `gorm:"index"`
	ProcessedAt *time.Time `gorm:"index"`
	Attempts    int
	LastError   string `gorm:"type:text"`
}
