// Package classify maps extraction confidence to a review disposition.
//
// Threshold comparisons are strict: a field is below a threshold only when
// confidence < threshold, so a score exactly equal to a threshold belongs to
// the upper tier.
package classify

import "github.com/sells-group/docverify/internal/model"

// Tier is a coarse confidence band.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Disposition is the routing decision for a field.
type Disposition string

const (
	AutoAccept  Disposition = "auto_accept"
	NeedsReview Disposition = "needs_review"
)

// Thresholds is a resolved threshold set. Callers must supply monotonic
// values (Audit <= Medium <= High); threshold.Resolver guarantees this.
type Thresholds struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
	Audit  float64 `json:"audit"`
}

// Classification is the classifier output for one confidence score.
type Classification struct {
	Tier        Tier        `json:"tier"`
	Disposition Disposition `json:"disposition"`
}

// Classify is pure and idempotent.
func Classify(confidence float64, t Thresholds) Classification {
	c := Classification{Tier: TierLow, Disposition: AutoAccept}
	switch {
	case !(confidence < t.High):
		c.Tier = TierHigh
	case !(confidence < t.Medium):
		c.Tier = TierMedium
	}
	if confidence < t.Audit {
		c.Disposition = NeedsReview
	}
	return c
}

// AuditEligible reports whether f belongs in the audit queue: it is still
// unverified and its confidence is below the audit threshold.
func AuditEligible(f *model.ExtractedField, t Thresholds) bool {
	return f.Status == model.VerificationUnverified && f.Confidence < t.Audit
}
