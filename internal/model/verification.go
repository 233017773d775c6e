package model

import "time"

// Decision is a reviewer's verdict on an extracted field.
type Decision string

const (
	DecisionCorrect   Decision = "correct"
	DecisionCorrected Decision = "corrected"
	DecisionNotFound  Decision = "not_found"
)

// Status maps a decision to the verification status it produces.
func (d Decision) Status() (VerificationStatus, bool) {
	switch d {
	case DecisionCorrect:
		return VerificationCorrect, true
	case DecisionCorrected:
		return VerificationCorrected, true
	case DecisionNotFound:
		return VerificationNotFound, true
	}
	return "", false
}

// VerificationWrite is a single compare-and-set update of a field's
// verification columns. The write only applies when the stored version still
// equals ExpectedVersion.
type VerificationWrite struct {
	FieldID         string
	ExpectedVersion int64
	Status          VerificationStatus
	CorrectedValue  any
	Note            string
	Actor           string
	At              time.Time
}

// VerificationOutcome is the store's per-item answer to a VerificationWrite.
// Err is nil on success; Field holds the post-write state.
type VerificationOutcome struct {
	Field *ExtractedField
	Err   error
}
