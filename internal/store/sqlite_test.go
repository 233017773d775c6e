package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedInvoice(t *testing.T, st Store, id string, amount float64, conf float64) *model.Document {
	t.Helper()
	doc := &model.Document{
		ID:     id,
		Name:   id + ".pdf",
		Status: model.DocumentStatusCompleted,
		Fields: []model.ExtractedField{
			{Name: "vendor", Type: model.FieldTypeText, Value: "Acme", Confidence: 0.99},
			{Name: "amount", Type: model.FieldTypeNumber, Value: amount, Confidence: conf},
		},
	}
	require.NoError(t, st.CreateDocument(context.Background(), doc))
	return doc
}

// --- Documents ---

func TestSQLite_CreateAndGetDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := seedInvoice(t, st, "inv-1", 120.5, 0.62)
	assert.Equal(t, "inv-1", doc.ID)
	assert.NotEmpty(t, doc.Fields[0].ID)
	assert.Equal(t, int64(1), doc.Fields[1].Version)

	got, err := st.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusCompleted, got.Status)
	require.Len(t, got.Fields, 2)
	assert.Equal(t, "vendor", got.Fields[0].Name)
	assert.Equal(t, "amount", got.Fields[1].Name)
	assert.Equal(t, 120.5, got.Fields[1].Value)
	assert.Equal(t, model.VerificationUnverified, got.Fields[1].Status)
	assert.InDelta(t, 0.62, got.Fields[1].Confidence, 1e-9)
}

func TestSQLite_GetDocument_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSQLite_CreateDocument_DuplicateFieldName(t *testing.T) {
	st := newTestSQLiteStore(t)

	doc := &model.Document{ID: "dup", Name: "dup.pdf", Fields: []model.ExtractedField{
		{Name: "amount", Type: model.FieldTypeNumber, Value: 1.0, Confidence: 0.5},
		{Name: "amount", Type: model.FieldTypeNumber, Value: 2.0, Confidence: 0.5},
	}}
	require.Error(t, st.CreateDocument(context.Background(), doc))

	_, err := st.GetDocument(context.Background(), "dup")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "failed insert must not leave a partial document")
}

func TestSQLite_UpdateDocumentStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedInvoice(t, st, "inv-1", 10, 0.9)

	require.NoError(t, st.UpdateDocumentStatus(ctx, "inv-1", model.DocumentStatusProcessing))
	require.NoError(t, st.UpdateDocumentTemplate(ctx, "inv-1", "tpl-invoice"))

	got, err := st.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusProcessing, got.Status)
	assert.Equal(t, "tpl-invoice", got.TemplateID)

	err = st.UpdateDocumentStatus(ctx, "nope", model.DocumentStatusCompleted)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSQLite_AddAndReplaceField(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedInvoice(t, st, "inv-1", 10, 0.9)

	require.NoError(t, st.AddFields(ctx, "inv-1", []model.ExtractedField{
		{Name: "due_date", Type: model.FieldTypeDate, Value: "2024-03-01", Confidence: 0.4},
	}))

	repl := &model.ExtractedField{DocumentID: "inv-1", Name: "amount", Type: model.FieldTypeText, Value: "ten", Confidence: 0.3}
	require.NoError(t, st.ReplaceField(ctx, repl))
	assert.Equal(t, int64(2), repl.Version)
	assert.Equal(t, model.FieldTypeText, repl.Type)
	assert.Equal(t, model.VerificationUnverified, repl.Status)

	got, err := st.GetDocument(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, got.Fields, 3)
	assert.Equal(t, "due_date", got.Fields[2].Name)
	assert.Equal(t, 2, got.Fields[2].Position)

	err = st.ReplaceField(ctx, &model.ExtractedField{DocumentID: "inv-1", Name: "nope", Type: model.FieldTypeText})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// --- Templates ---

func TestSQLite_Templates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tpl := &model.Template{ID: "tpl-invoice", Name: "Invoice", Fields: []model.TemplateField{
		{Name: "vendor", Type: model.FieldTypeText},
		{Name: "amount", Type: model.FieldTypeNumber, Aliases: []string{"total"}},
	}}
	require.NoError(t, st.UpsertTemplate(ctx, tpl))
	tpl.Name = "Invoice v2"
	require.NoError(t, st.UpsertTemplate(ctx, tpl))
	require.NoError(t, st.UpsertTemplate(ctx, &model.Template{ID: "tpl-old", Name: "Old", Status: "archived"}))

	got, err := st.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Invoice v2", got[0].Name)
	assert.Equal(t, []string{"total"}, got[0].Fields[1].Aliases)
}

// --- Audit queue ---

func TestSQLite_ListAuditCandidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedInvoice(t, st, "a", 1, 0.50)
	seedInvoice(t, st, "b", 2, 0.30)
	seedInvoice(t, st, "c", 3, 0.70) // exactly at threshold: not eligible
	seedInvoice(t, st, "d", 4, 0.50)

	items, err := st.ListAuditCandidates(ctx, AuditQuery{Threshold: 0.70})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "b", items[0].Field.DocumentID)
	assert.Equal(t, "b.pdf", items[0].DocumentName)
	assert.InDelta(t, 0.50, items[1].Field.Confidence, 1e-9)
	assert.Less(t, items[1].Field.ID, items[2].Field.ID, "ties broken by field id")

	after := &AuditCursor{Confidence: items[0].Field.Confidence, FieldID: items[0].Field.ID}
	rest, err := st.ListAuditCandidates(ctx, AuditQuery{Threshold: 0.70, After: after, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, items[1].Field.ID, rest[0].Field.ID)

	scoped, err := st.ListAuditCandidates(ctx, AuditQuery{Threshold: 0.70, DocumentID: "d"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "d", scoped[0].Field.DocumentID)
}

// --- Verification ---

func TestSQLite_ApplyVerifications_PartialBatch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedInvoice(t, st, "a", 100, 0.4)
	b := seedInvoice(t, st, "b", 200, 0.4)

	writes := []model.VerificationWrite{
		{FieldID: a.Fields[1].ID, ExpectedVersion: 1, Status: model.VerificationCorrected, CorrectedValue: 150.0, Actor: "u1"},
		{FieldID: b.Fields[1].ID, ExpectedVersion: 7, Status: model.VerificationCorrect, Actor: "u1"},
		{FieldID: "ghost", ExpectedVersion: 1, Status: model.VerificationCorrect, Actor: "u1"},
	}
	out, err := st.ApplyVerifications(ctx, writes)
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NoError(t, out[0].Err)
	assert.Equal(t, int64(2), out[0].Field.Version)
	assert.Equal(t, 150.0, out[0].Field.CorrectedValue)
	assert.Equal(t, "u1", out[0].Field.VerifiedBy)
	require.NotNil(t, out[0].Field.VerifiedAt)

	assert.Equal(t, apperr.KindConflict, apperr.KindOf(out[1].Err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(out[2].Err))

	bField, err := st.GetField(ctx, b.Fields[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bField.Version, "conflicting item must be rolled back")
	assert.Equal(t, model.VerificationUnverified, bField.Status)
}

func TestSQLite_ApplyVerifications_RefreshesDocumentStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := seedInvoice(t, st, "a", 100, 0.4)

	out, err := st.ApplyVerifications(ctx, []model.VerificationWrite{
		{FieldID: doc.Fields[0].ID, ExpectedVersion: 1, Status: model.VerificationCorrect},
		{FieldID: doc.Fields[1].ID, ExpectedVersion: 1, Status: model.VerificationNotFound},
	})
	require.NoError(t, err)
	require.NoError(t, out[0].Err)
	require.NoError(t, out[1].Err)

	got, err := st.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusVerified, got.Status)
	assert.Nil(t, got.Fields[1].EffectiveValue())

	reset, err := st.ResetVerification(ctx, doc.Fields[1].ID, 2, "u2")
	require.NoError(t, err)
	assert.Equal(t, model.VerificationUnverified, reset.Status)
	assert.Equal(t, int64(3), reset.Version)
	assert.Nil(t, reset.VerifiedAt)

	got, err = st.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusCompleted, got.Status)

	_, err = st.ResetVerification(ctx, doc.Fields[1].ID, 2, "u2")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

// --- Full scan ---

func TestSQLite_ScanDocuments_NoTruncation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		seedInvoice(t, st, fmt.Sprintf("doc-%03d", i), float64(i), 0.95)
	}
	require.NoError(t, st.UpdateDocumentTemplate(ctx, "doc-000", "tpl-x"))

	var seen int
	var total float64
	err := st.ScanDocuments(ctx, ScanFilter{}, func(d *model.DocumentValues) error {
		seen++
		total += d.Fields["amount"].(float64)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 250, seen)
	assert.InDelta(t, 31125.0, total, 1e-9)

	seen = 0
	err = st.ScanDocuments(ctx, ScanFilter{TemplateIDs: []string{"tpl-x"}}, func(d *model.DocumentValues) error {
		seen++
		assert.Equal(t, "tpl-x", d.TemplateID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)

	seen = 0
	err = st.ScanDocuments(ctx, ScanFilter{DocumentIDs: []string{"doc-001", "doc-002", "doc-001"}}, func(*model.DocumentValues) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestSQLite_ScanDocuments_EffectiveValues(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	doc := seedInvoice(t, st, "a", 100, 0.4)

	_, err := st.ApplyVerifications(ctx, []model.VerificationWrite{
		{FieldID: doc.Fields[1].ID, ExpectedVersion: 1, Status: model.VerificationCorrected, CorrectedValue: 175.0},
	})
	require.NoError(t, err)

	var got any
	require.NoError(t, st.ScanDocuments(ctx, ScanFilter{}, func(d *model.DocumentValues) error {
		got = d.Fields["amount"]
		return nil
	}))
	assert.Equal(t, 175.0, got)
}

// --- Lineage ---

func TestSQLite_QueryHistory_Heads(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedInvoice(t, st, "a", 1, 0.9)
	seedInvoice(t, st, "b", 2, 0.9)

	now := time.Now().UTC()
	parent := &model.QueryHistoryRecord{
		Question: "total amount", Answer: "3", Kind: model.QueryAnalytical,
		Aggregation: &model.AggregateSpec{Field: "amount", Op: model.AggSum},
		DocumentIDs: []string{"a", "b"},
	}
	require.NoError(t, st.AppendQueryRecord(ctx, parent))

	expired := now.Add(-time.Hour)
	require.NoError(t, st.AppendQueryRecord(ctx, &model.QueryHistoryRecord{
		Question: "old", Answer: "x", Kind: model.QueryDescriptive, DocumentIDs: []string{"a"}, ExpiresAt: &expired,
	}))

	heads, err := st.ListQueryHeads(ctx, "a", now)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, parent.ID, heads[0].ID)
	assert.Equal(t, []string{"a", "b"}, heads[0].DocumentIDs)
	require.NotNil(t, heads[0].Aggregation)
	assert.Equal(t, model.AggSum, heads[0].Aggregation.Op)

	child := &model.QueryHistoryRecord{
		Question: "total amount", Answer: "4", Kind: model.QueryAnalytical,
		DocumentIDs: []string{"a", "b"}, ParentID: parent.ID,
	}
	require.NoError(t, st.AppendQueryRecord(ctx, child))

	heads, err = st.ListQueryHeads(ctx, "b", now)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, child.ID, heads[0].ID)

	// A second successor of the same parent would fork the lineage.
	err = st.AppendQueryRecord(ctx, &model.QueryHistoryRecord{
		Question: "total amount", Answer: "5", Kind: model.QueryAnalytical,
		DocumentIDs: []string{"a", "b"}, ParentID: parent.ID,
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	heads, err = st.ListQueryHeads(ctx, "a", now)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, child.ID, heads[0].ID)

	orig, err := st.GetQueryRecord(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "3", orig.Answer, "parent record is never rewritten")

	n, err := st.DeleteExpiredQueryRecords(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetQueryRecord(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// --- Thresholds ---

func TestSQLite_ThresholdSettings(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutThresholdSetting(ctx, ScopeUser, "u1", "audit_confidence_threshold", 0.6))
	require.NoError(t, st.PutThresholdSetting(ctx, ScopeUser, "u1", "audit_confidence_threshold", 0.65))
	require.NoError(t, st.PutThresholdSetting(ctx, ScopeOrganization, "o1", "high_confidence_threshold", 0.95))

	got, err := st.GetThresholdSettings(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"audit_confidence_threshold": 0.65}, got)

	empty, err := st.GetThresholdSettings(ctx, ScopeUser, "u2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
