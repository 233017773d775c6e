// Package verify applies reviewer decisions to extracted fields. Every
// write is a compare-and-set on the field version, and cached answers that
// depend on a changed document are invalidated before the call returns.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/metrics"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
)

// Request is one reviewer decision. ExpectedVersion, when set, is the
// version the reviewer saw; otherwise the version read at call time is used.
type Request struct {
	FieldID         string         `json:"field_id"`
	Decision        model.Decision `json:"decision"`
	CorrectedValue  any            `json:"corrected_value,omitempty"`
	Note            string         `json:"note,omitempty"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
	Actor           string         `json:"-"`
}

// Result is the post-verification state of one field.
type Result struct {
	Field               *model.ExtractedField `json:"field"`
	AffectedDocumentIDs []string              `json:"affected_document_ids"`
	NoOp                bool                  `json:"no_op,omitempty"`
}

// ItemResult is one entry of a batch: exactly one of Result and Err is set.
type ItemResult struct {
	Index   int
	FieldID string
	Result  *Result
	Err     error
}

// Invalidator drops cached answers derived from a document.
type Invalidator interface {
	InvalidateDocument(ctx context.Context, docID string) (int, error)
}

// Engine is the verification engine.
type Engine struct {
	store store.Store
	cache Invalidator
	now   func() time.Time
}

// New creates an Engine. cache may be nil when no answer cache is wired.
func New(st store.Store, cache Invalidator) *Engine {
	return &Engine{store: st, cache: cache, now: func() time.Time { return time.Now().UTC() }}
}

// Verify applies a single decision.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	items, err := e.VerifyBatch(ctx, []Request{req})
	if err != nil {
		return nil, err
	}
	return items[0].Result, items[0].Err
}

// VerifyBatch applies decisions item by item. Malformed items fail without
// touching the store; the rest are written in one transaction where each
// item succeeds or fails on its own. Answers for every document touched by a
// successful item are invalidated before VerifyBatch returns, even when
// sibling items failed. The returned error is reserved for failures that
// affect the whole batch.
func (e *Engine) VerifyBatch(ctx context.Context, reqs []Request) ([]ItemResult, error) {
	results := make([]ItemResult, len(reqs))
	for i, r := range reqs {
		results[i] = ItemResult{Index: i, FieldID: r.FieldID}
	}
	if len(reqs) == 0 {
		return results, nil
	}

	ids := make([]string, 0, len(reqs))
	for i, r := range reqs {
		if err := checkRequest(r); err != nil {
			results[i].Err = err
			continue
		}
		ids = append(ids, r.FieldID)
	}

	fields, err := e.store.GetFields(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "verify: load fields")
	}
	byID := make(map[string]*model.ExtractedField, len(fields))
	for i := range fields {
		byID[fields[i].ID] = &fields[i]
	}

	var (
		writes  []model.VerificationWrite
		pending []int // results index per write
	)
	now := e.now()
	for i, r := range reqs {
		if results[i].Err != nil {
			continue
		}
		f, ok := byID[r.FieldID]
		if !ok {
			results[i].Err = apperr.NotFound("field", r.FieldID)
			continue
		}
		status, _ := r.Decision.Status()
		if r.Decision == model.DecisionCorrected {
			if err := ValidateValue(f.Type, r.CorrectedValue); err != nil {
				results[i].Err = err
				continue
			}
		}
		if isNoOp(f, status, r.CorrectedValue) {
			results[i].Result = &Result{Field: f, NoOp: true}
			continue
		}
		expected := f.Version
		if r.ExpectedVersion != nil {
			expected = *r.ExpectedVersion
		}
		var corrected any
		if status == model.VerificationCorrected {
			corrected = r.CorrectedValue
		}
		writes = append(writes, model.VerificationWrite{
			FieldID:         r.FieldID,
			ExpectedVersion: expected,
			Status:          status,
			CorrectedValue:  corrected,
			Note:            r.Note,
			Actor:           r.Actor,
			At:              now,
		})
		pending = append(pending, i)
	}

	if len(writes) > 0 {
		outcomes, err := e.store.ApplyVerifications(ctx, writes)
		if err != nil {
			return nil, eris.Wrap(err, "verify: apply")
		}
		for wi, o := range outcomes {
			i := pending[wi]
			if o.Err != nil {
				results[i].Err = o.Err
				continue
			}
			results[i].Result = &Result{Field: o.Field, AffectedDocumentIDs: []string{o.Field.DocumentID}}
		}
	}

	if err := e.invalidate(ctx, results); err != nil {
		return nil, err
	}

	m := metrics.Get()
	for i, r := range results {
		m.ObserveVerification(string(reqs[i].Decision), outcomeLabel(r))
		if r.Err != nil {
			zap.L().Info("verify: item rejected",
				zap.String("field_id", r.FieldID),
				zap.String("kind", string(apperr.KindOf(r.Err))),
				zap.Error(r.Err),
			)
		}
	}
	return results, nil
}

// Reset returns a verified field to unverified so it can re-enter the
// audit queue.
func (e *Engine) Reset(ctx context.Context, fieldID, actor string) (*Result, error) {
	f, err := e.store.GetField(ctx, fieldID)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: load %s", fieldID)
	}
	if f.Status == model.VerificationUnverified {
		return &Result{Field: f, NoOp: true}, nil
	}
	updated, err := e.store.ResetVerification(ctx, fieldID, f.Version, actor)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: reset %s", fieldID)
	}
	res := &Result{Field: updated, AffectedDocumentIDs: []string{updated.DocumentID}}
	if err := e.invalidate(ctx, []ItemResult{{Result: res}}); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) invalidate(ctx context.Context, results []ItemResult) error {
	if e.cache == nil {
		return nil
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		for _, docID := range r.Result.AffectedDocumentIDs {
			if seen[docID] {
				continue
			}
			seen[docID] = true
			n, err := e.cache.InvalidateDocument(ctx, docID)
			if err != nil {
				return eris.Wrapf(err, "verify: invalidate answers for %s", docID)
			}
			if n > 0 {
				zap.L().Debug("verify: invalidated answers",
					zap.String("document_id", docID),
					zap.Int("entries", n),
				)
			}
		}
	}
	return nil
}

func checkRequest(r Request) error {
	if strings.TrimSpace(r.FieldID) == "" {
		return apperr.Validation("field_id", "field id is required")
	}
	if _, ok := r.Decision.Status(); !ok {
		return apperr.Validation("decision", "decision must be correct, corrected or not_found, got %q", r.Decision)
	}
	if r.Decision != model.DecisionCorrected && r.CorrectedValue != nil {
		return apperr.Validation("corrected_value", "corrected value only applies to a corrected decision")
	}
	if r.ExpectedVersion != nil && *r.ExpectedVersion < 1 {
		return apperr.Validation("expected_version", "expected version must be >= 1")
	}
	return nil
}

// isNoOp reports whether applying status/value would leave f unchanged.
func isNoOp(f *model.ExtractedField, status model.VerificationStatus, corrected any) bool {
	if f.Status != status {
		return false
	}
	if status == model.VerificationCorrected {
		return sameValue(f.CorrectedValue, corrected)
	}
	return true
}

func outcomeLabel(r ItemResult) string {
	switch {
	case r.Err == nil && r.Result != nil && r.Result.NoOp:
		return "noop"
	case r.Err == nil:
		return "applied"
	}
	switch apperr.KindOf(r.Err) {
	case apperr.KindConflict:
		return "conflict"
	case apperr.KindNotFound:
		return "not_found"
	case apperr.KindValidation:
		return "invalid"
	}
	return "error"
}
