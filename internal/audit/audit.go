// Package audit serves the review queue: unverified fields below the
// caller's audit threshold, lowest confidence first.
package audit

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/classify"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
	"github.com/sells-group/docverify/internal/threshold"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Item is one queue entry with enough context to review the field in place.
type Item struct {
	FieldID      string          `json:"field_id"`
	DocumentID   string          `json:"document_id"`
	DocumentName string          `json:"document_name"`
	FieldName    string          `json:"field_name"`
	FieldType    model.FieldType `json:"field_type"`
	Value        any             `json:"value"`
	Confidence   float64         `json:"confidence"`
	Tier         classify.Tier   `json:"tier"`
	Version      int64           `json:"version"`
	Citation     json.RawMessage `json:"citation,omitempty"`
}

// Scope restricts the queue to one document. The zero value is global.
type Scope struct {
	DocumentID string
}

// ThresholdSource resolves thresholds for a caller.
type ThresholdSource interface {
	Thresholds(ctx context.Context, rc threshold.RequestContext) (classify.Thresholds, error)
}

// Manager computes the queue live from field state; nothing is cached.
type Manager struct {
	store      store.Store
	thresholds ThresholdSource
}

// New creates a Manager.
func New(st store.Store, th ThresholdSource) *Manager {
	return &Manager{store: st, thresholds: th}
}

// List returns up to limit items ordered by confidence then field id.
func (m *Manager) List(ctx context.Context, rc threshold.RequestContext, scope Scope, limit int) ([]Item, error) {
	th, err := m.thresholds.Thresholds(ctx, rc)
	if err != nil {
		return nil, err
	}
	return m.list(ctx, th, scope, nil, clampLimit(limit))
}

// Next returns the item that follows afterID in queue order, or the head of
// the queue when afterID is empty. afterID need not still be in the queue:
// its position is taken from its immutable confidence, so Next works right
// after that item was verified. A nil item means the queue is exhausted.
func (m *Manager) Next(ctx context.Context, rc threshold.RequestContext, scope Scope, afterID string) (*Item, error) {
	th, err := m.thresholds.Thresholds(ctx, rc)
	if err != nil {
		return nil, err
	}

	var after *store.AuditCursor
	if afterID != "" {
		f, err := m.store.GetField(ctx, afterID)
		if err != nil {
			return nil, eris.Wrapf(err, "audit: locate %s", afterID)
		}
		after = &store.AuditCursor{Confidence: f.Confidence, FieldID: f.ID}
	}

	items, err := m.list(ctx, th, scope, after, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (m *Manager) list(ctx context.Context, th classify.Thresholds, scope Scope, after *store.AuditCursor, limit int) ([]Item, error) {
	candidates, err := m.store.ListAuditCandidates(ctx, store.AuditQuery{
		Threshold:  th.Audit,
		DocumentID: scope.DocumentID,
		After:      after,
		Limit:      limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "audit: list candidates")
	}

	items := make([]Item, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if !classify.AuditEligible(&c.Field, th) {
			continue
		}
		items = append(items, Item{
			FieldID:      c.Field.ID,
			DocumentID:   c.Field.DocumentID,
			DocumentName: c.DocumentName,
			FieldName:    c.Field.Name,
			FieldType:    c.Field.Type,
			Value:        c.Field.Value,
			Confidence:   c.Field.Confidence,
			Tier:         classify.Classify(c.Field.Confidence, th).Tier,
			Version:      c.Field.Version,
			Citation:     c.Field.Citation,
		})
	}
	return items, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
