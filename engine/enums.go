package engine

import "strings"

// ParseTier accepts a tier letter in either case, with or without a "tier "
// prefix ("a", "Tier B").
func ParseTier(v string) (Tier, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	s = strings.TrimSpace(strings.TrimPrefix(s, "TIER"))
	switch s {
	case "A":
		return TierA, nil
	case "B":
		return TierB, nil
	case "C":
		return TierC, nil
	case "D":
		return TierD, nil
	default:
		return "", invalid("evidence_tier", "unknown tier %q", v)
	}
}

// Scoring reports whether evidence of this tier may move the index.
func (t Tier) Scoring() bool {
	return t == TierA || t == TierB
}

func ParseCategory(v string) (Category, error) {
	s := Category(strings.ToLower(strings.TrimSpace(v)))
	for _, c := range Categories {
		if s == c {
			return c, nil
		}
	}
	return "", invalid("category", "unknown category %q", v)
}

func ParseLinkType(v string) (LinkType, error) {
	switch LinkType(strings.ToLower(strings.TrimSpace(v))) {
	case LinkSupports:
		return LinkSupports, nil
	case LinkContradicts:
		return LinkContradicts, nil
	case LinkRelated:
		return LinkRelated, nil
	default:
		return "", invalid("link_type", "unknown link type %q", v)
	}
}

func ParseDirection(v string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "increasing", "up", "higher_is_better":
		return DirectionIncreasing, nil
	case "decreasing", "down", "lower_is_better":
		return DirectionDecreasing, nil
	default:
		return "", invalid("direction", "unknown direction %q", v)
	}
}

func ParseReviewStatus(v string) (ReviewStatus, error) {
	switch ReviewStatus(strings.ToLower(strings.TrimSpace(v))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusFlagged:
		return StatusFlagged, nil
	default:
		return "", invalid("review_status", "unknown review status %q", v)
	}
}
