package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/classify"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/threshold"
	"github.com/sells-group/docverify/internal/verify"
)

func TestParseFilters(t *testing.T) {
	got, err := parseFilters([]string{
		"vendor:eq:Acme",
		"amount:gt:100",
		`vendor:in:["Acme","Globex"]`,
		"note:contains:a:b",
		"paid:exists",
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, model.Predicate{Field: "vendor", Op: model.OpEq, Value: "Acme"}, got[0])
	assert.Equal(t, 100.0, got[1].Value)
	assert.Equal(t, []any{"Acme", "Globex"}, got[2].Value)
	assert.Equal(t, "a:b", got[3].Value, "only the first two colons split")
	assert.Equal(t, model.OpExists, got[4].Op)
	assert.Nil(t, got[4].Value)

	_, err = parseFilters([]string{"vendor"})
	assert.Error(t, err)
	_, err = parseFilters([]string{":eq:x"})
	assert.Error(t, err)
}

func TestFormatAuditQueue(t *testing.T) {
	var buf bytes.Buffer
	formatAuditQueue(&buf, []audit.Item{{
		FieldID: "f1", DocumentName: "inv.pdf", FieldName: "amount",
		FieldType: model.FieldTypeNumber, Value: 100.0, Confidence: 0.5, Tier: classify.TierLow,
	}})
	out := buf.String()
	assert.Contains(t, out, "FIELD_ID")
	assert.Contains(t, out, "inv.pdf")
	assert.Contains(t, out, "0.500")
	assert.Contains(t, out, "low")
}

func TestFormatThresholds(t *testing.T) {
	var buf bytes.Buffer
	formatThresholds(&buf, []threshold.Resolution{
		{Key: threshold.KeyHigh, Value: 0.95, Scope: threshold.ScopeUser},
		{Key: threshold.KeyAudit, Value: 0.7, Scope: threshold.ScopeHardcoded},
	})
	out := buf.String()
	assert.Contains(t, out, "high_confidence_threshold")
	assert.Contains(t, out, "0.95")
	assert.Contains(t, out, "user")
	assert.Contains(t, out, "0.70")
	assert.Contains(t, out, "hardcoded")
}

func TestFormatOutcome(t *testing.T) {
	var buf bytes.Buffer
	formatOutcome(&buf, &answer.Outcome{
		Field: &model.ExtractedField{ID: "f1", Name: "amount", Status: model.VerificationCorrected, Version: 2},
		Regenerated: []answer.Regenerated{
			{PreviousQueryID: "0123456789", Answer: &model.Answer{QueryID: "abcdefghij", Text: "Total is 175."}},
			{PreviousQueryID: "q2", Error: "generator down"},
		},
		AnswerRegenerationFailed: true,
	})
	out := buf.String()
	assert.Contains(t, out, "verified_corrected")
	assert.Contains(t, out, "01234567 -> abcdefgh")
	assert.Contains(t, out, "failed: generator down")
	assert.Contains(t, out, "Answer regeneration failed:")
}

func TestItemSummary(t *testing.T) {
	assert.Equal(t, "error: boom", itemSummary(verify.ItemResult{Err: errors.New("boom")}))
	assert.Equal(t, "unchanged", itemSummary(verify.ItemResult{Result: &verify.Result{NoOp: true}}))
	assert.Equal(t, "verified_correct", itemSummary(verify.ItemResult{Result: &verify.Result{
		Field: &model.ExtractedField{Status: model.VerificationCorrect},
	}}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "abcdefgh", short("abcdefghij"))
}
