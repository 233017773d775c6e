package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/docverify/internal/model"
)

var defaults = Thresholds{High: 0.90, Medium: 0.75, Audit: 0.70}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		confidence  float64
		tier        Tier
		disposition Disposition
	}{
		{"perfect", 1.0, TierHigh, AutoAccept},
		{"exactly high", 0.90, TierHigh, AutoAccept},
		{"just below high", 0.8999, TierMedium, AutoAccept},
		{"exactly medium", 0.75, TierMedium, AutoAccept},
		{"between audit and medium", 0.72, TierLow, AutoAccept},
		{"exactly audit", 0.70, TierLow, AutoAccept},
		{"just below audit", 0.6999, TierLow, NeedsReview},
		{"zero", 0, TierLow, NeedsReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.confidence, defaults)
			assert.Equal(t, tt.tier, got.Tier)
			assert.Equal(t, tt.disposition, got.Disposition)
			assert.Equal(t, got, Classify(tt.confidence, defaults), "idempotent")
		})
	}
}

func TestAuditEligible(t *testing.T) {
	t.Parallel()

	statuses := []model.VerificationStatus{
		model.VerificationUnverified,
		model.VerificationCorrect,
		model.VerificationCorrected,
		model.VerificationNotFound,
	}
	for _, status := range statuses {
		for _, conf := range []float64{0, 0.3, 0.69, 0.70, 0.71, 1} {
			f := &model.ExtractedField{Status: status, Confidence: conf}
			want := status == model.VerificationUnverified && conf < defaults.Audit
			assert.Equal(t, want, AuditEligible(f, defaults), "status=%s conf=%v", status, conf)
		}
	}
}
