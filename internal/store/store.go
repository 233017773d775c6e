package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/model"
)

// Threshold setting scopes persisted in threshold_settings.
const (
	ScopeUser         = "user"
	ScopeOrganization = "organization"
	ScopeSystem       = "system"
)

// AuditCursor is the keyset position of an audit queue item.
type AuditCursor struct {
	Confidence float64
	FieldID    string
}

// AuditQuery selects audit-eligible fields: unverified and strictly below
// Threshold, ordered by (confidence, id).
type AuditQuery struct {
	Threshold  float64
	DocumentID string
	After      *AuditCursor
	Limit      int
}

// AuditCandidate is an audit-eligible field joined with its document name.
type AuditCandidate struct {
	Field        model.ExtractedField
	DocumentName string
}

// ScanFilter narrows a full-set document scan. Empty slices do not filter.
type ScanFilter struct {
	TemplateIDs []string
	Statuses    []model.DocumentStatus
	DocumentIDs []string
}

// Store defines the persistence interface for documents, verification state,
// lineage and threshold overrides.
type Store interface {
	// Templates
	UpsertTemplate(ctx context.Context, t *model.Template) error
	ListTemplates(ctx context.Context) ([]model.Template, error)

	// Documents
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetDocuments(ctx context.Context, ids []string) ([]model.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status model.DocumentStatus) error
	UpdateDocumentTemplate(ctx context.Context, id, templateID string) error

	// Fields
	AddFields(ctx context.Context, docID string, fields []model.ExtractedField) error
	GetField(ctx context.Context, id string) (*model.ExtractedField, error)
	GetFields(ctx context.Context, ids []string) ([]model.ExtractedField, error)
	ReplaceField(ctx context.Context, f *model.ExtractedField) error

	// Audit and verification
	ListAuditCandidates(ctx context.Context, q AuditQuery) ([]AuditCandidate, error)
	ApplyVerifications(ctx context.Context, writes []model.VerificationWrite) ([]model.VerificationOutcome, error)
	ResetVerification(ctx context.Context, fieldID string, expectedVersion int64, actor string) (*model.ExtractedField, error)

	// Full-set scan; fn is called once per matching document.
	ScanDocuments(ctx context.Context, filter ScanFilter, fn func(*model.DocumentValues) error) error

	// Lineage
	AppendQueryRecord(ctx context.Context, r *model.QueryHistoryRecord) error
	GetQueryRecord(ctx context.Context, id string) (*model.QueryHistoryRecord, error)
	ListQueryHeads(ctx context.Context, docID string, now time.Time) ([]model.QueryHistoryRecord, error)
	DeleteExpiredQueryRecords(ctx context.Context, now time.Time) (int, error)

	// Thresholds
	GetThresholdSettings(ctx context.Context, scope, scopeID string) (map[string]float64, error)
	PutThresholdSetting(ctx context.Context, scope, scopeID, key string, value float64) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// refreshStatusSQL moves a reviewed document between completed and verified
// depending on whether any unverified field remains. Documents still in
// ingestion states are left alone.
const refreshStatusSQL = `UPDATE documents SET status = CASE
	WHEN EXISTS (SELECT 1 FROM extracted_fields WHERE document_id = %[1]s AND status = 'unverified') THEN 'completed'
	ELSE 'verified' END,
	updated_at = %[2]s
	WHERE id = %[1]s AND status IN ('completed', 'verified')`

func marshalValue(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "marshal value")
	}
	s := string(b)
	return &s, nil
}

func unmarshalValue(raw *string) (any, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(*raw), &v); err != nil {
		return nil, eris.Wrap(err, "unmarshal value")
	}
	return v, nil
}

func rawOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func rawFrom(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

// effectiveValue decodes a stored field row into the value aggregation sees.
func effectiveValue(status model.VerificationStatus, value, corrected *string) (any, error) {
	f := model.ExtractedField{Status: status}
	var err error
	if f.Value, err = unmarshalValue(value); err != nil {
		return nil, err
	}
	if f.CorrectedValue, err = unmarshalValue(corrected); err != nil {
		return nil, err
	}
	return f.EffectiveValue(), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func statusStrings(ss []model.DocumentStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func expiresUnix(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.UTC().Unix()
	return &u
}

func expiresTime(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0).UTC()
	return &t
}
