// Package ingest accepts parser output, groups and template-matches the
// batch, persists documents and fields, and classifies every field.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/classify"
	"github.com/sells-group/docverify/internal/cluster"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
	"github.com/sells-group/docverify/internal/threshold"
)

// ParsedField is one field as emitted by the extraction service.
type ParsedField struct {
	Name       string          `json:"field_name"`
	Type       model.FieldType `json:"field_type"`
	Value      any             `json:"value"`
	Confidence float64         `json:"confidence"`
	Citation   json.RawMessage `json:"citation,omitempty"`
}

// ParsedDocument is one parsed document. An empty ID creates a new
// document; a known ID is a re-extraction.
type ParsedDocument struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Citations json.RawMessage `json:"citations,omitempty"`
	Fields    []ParsedField   `json:"fields"`
}

// DocumentResult summarises what happened to one input document.
type DocumentResult struct {
	DocumentID  string                `json:"document_id"`
	Status      model.DocumentStatus  `json:"status"`
	TemplateID  string                `json:"template_id,omitempty"`
	Created     bool                  `json:"created"`
	NeedsReview int                   `json:"needs_review"`
	Tiers       map[classify.Tier]int `json:"tiers"`
	Added       []string              `json:"added_fields,omitempty"`
	Reset       []string              `json:"reset_fields,omitempty"`

	fields []model.ExtractedField
}

// Result is the outcome of one ingestion batch. Groups are not persisted.
type Result struct {
	Documents []DocumentResult      `json:"documents"`
	Groups    []model.DocumentGroup `json:"groups"`
}

// ThresholdSource resolves thresholds for a caller.
type ThresholdSource interface {
	Thresholds(ctx context.Context, rc threshold.RequestContext) (classify.Thresholds, error)
}

// Invalidator drops cached answers derived from a document.
type Invalidator interface {
	InvalidateDocument(ctx context.Context, docID string) (int, error)
}

// Ingester runs ingestion batches.
type Ingester struct {
	store      store.Store
	clusterer  *cluster.Clusterer
	thresholds ThresholdSource
	cache      Invalidator
}

// New creates an Ingester. cache may be nil.
func New(st store.Store, c *cluster.Clusterer, th ThresholdSource, cache Invalidator) *Ingester {
	return &Ingester{store: st, clusterer: c, thresholds: th, cache: cache}
}

// Validate checks the batch without touching the store.
func Validate(docs []ParsedDocument) error {
	if len(docs) == 0 {
		return apperr.Validation("documents", "at least one document is required")
	}
	for i, d := range docs {
		seen := make(map[string]bool, len(d.Fields))
		for j, f := range d.Fields {
			path := fmt.Sprintf("documents[%d].fields[%d]", i, j)
			name := strings.TrimSpace(f.Name)
			if name == "" {
				return apperr.Validation(path+".field_name", "field name is required")
			}
			key := strings.ToLower(name)
			if seen[key] {
				return apperr.Validation(path+".field_name", "duplicate field %q", name)
			}
			seen[key] = true
			if !f.Type.Valid() {
				return apperr.Validation(path+".field_type", "unknown field type %q", f.Type)
			}
			if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
				return apperr.Validation(path+".confidence", "confidence must be within [0, 1], got %v", f.Confidence)
			}
		}
	}
	return nil
}

// Ingest validates, clusters and persists docs. New documents walk
// ingested → clustering → template_matched|template_needed → processing →
// completed. Known documents are merged field by field: new names are added,
// a field whose declared type changed is replaced and re-enters review, and
// a field with an unchanged type keeps its original extraction.
func (in *Ingester) Ingest(ctx context.Context, rc threshold.RequestContext, docs []ParsedDocument) (*Result, error) {
	if err := Validate(docs); err != nil {
		return nil, err
	}
	th, err := in.thresholds.Thresholds(ctx, rc)
	if err != nil {
		return nil, err
	}
	templates, err := in.store.ListTemplates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list templates")
	}

	existing := make(map[string]*model.Document)
	inputs := make([]cluster.Input, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		} else {
			doc, err := in.store.GetDocument(ctx, d.ID)
			switch {
			case err == nil:
				existing[d.ID] = doc
			case !apperr.Is(err, apperr.KindNotFound):
				return nil, eris.Wrapf(err, "ingest: load document %s", d.ID)
			}
		}
		inputs = append(inputs, cluster.Input{DocumentID: d.ID, FieldNames: fieldNames(d.Fields)})
	}

	groups := in.clusterer.Run(inputs, templates)
	match := make(map[string]*model.DocumentGroup, len(docs))
	for gi := range groups {
		for _, id := range groups[gi].DocumentIDs {
			match[id] = &groups[gi]
		}
	}

	result := &Result{Groups: groups}
	for i := range docs {
		d := &docs[i]
		var (
			dr  *DocumentResult
			err error
		)
		if doc, ok := existing[d.ID]; ok {
			dr, err = in.reextract(ctx, doc, d)
		} else {
			dr, err = in.create(ctx, d, match[d.ID])
		}
		if err != nil {
			return result, err
		}
		classifyAll(dr, th)
		result.Documents = append(result.Documents, *dr)
	}

	zap.L().Info("ingest: batch complete",
		zap.Int("documents", len(docs)),
		zap.Int("groups", len(groups)),
	)
	return result, nil
}

func (in *Ingester) create(ctx context.Context, d *ParsedDocument, g *model.DocumentGroup) (*DocumentResult, error) {
	doc := &model.Document{
		ID:        d.ID,
		Name:      d.Name,
		Status:    model.DocumentStatusIngested,
		Citations: d.Citations,
		Fields:    toFields(d.Fields),
	}
	if err := in.store.CreateDocument(ctx, doc); err != nil {
		return nil, eris.Wrapf(err, "ingest: create document %s", d.ID)
	}

	steps := []model.DocumentStatus{model.DocumentStatusClustering}
	templateID := ""
	if g != nil && !g.TemplateNeeded {
		templateID = g.TemplateID
		steps = append(steps, model.DocumentStatusTemplateMatched)
	} else {
		steps = append(steps, model.DocumentStatusTemplateNeeded)
	}
	steps = append(steps, model.DocumentStatusProcessing, model.DocumentStatusCompleted)

	for _, status := range steps {
		if status == model.DocumentStatusTemplateMatched {
			if err := in.store.UpdateDocumentTemplate(ctx, doc.ID, templateID); err != nil {
				return nil, in.fail(ctx, doc.ID, err)
			}
		}
		if err := in.store.UpdateDocumentStatus(ctx, doc.ID, status); err != nil {
			return nil, in.fail(ctx, doc.ID, err)
		}
	}

	return &DocumentResult{
		DocumentID: doc.ID,
		Status:     model.DocumentStatusCompleted,
		TemplateID: templateID,
		Created:    true,
		fields:     doc.Fields,
	}, nil
}

// fail marks a document as errored and returns the original cause.
func (in *Ingester) fail(ctx context.Context, docID string, cause error) error {
	if err := in.store.UpdateDocumentStatus(ctx, docID, model.DocumentStatusError); err != nil {
		zap.L().Error("ingest: mark document error", zap.String("document_id", docID), zap.Error(err))
	}
	return eris.Wrapf(cause, "ingest: document %s", docID)
}

func (in *Ingester) reextract(ctx context.Context, doc *model.Document, d *ParsedDocument) (*DocumentResult, error) {
	dr := &DocumentResult{DocumentID: doc.ID, TemplateID: doc.TemplateID}

	current := make(map[string]*model.ExtractedField, len(doc.Fields))
	for i := range doc.Fields {
		current[strings.ToLower(doc.Fields[i].Name)] = &doc.Fields[i]
	}

	var added []model.ExtractedField
	for _, pf := range d.Fields {
		f := toField(pf)
		old, ok := current[strings.ToLower(f.Name)]
		if !ok {
			added = append(added, f)
			continue
		}
		if old.Type == f.Type {
			continue
		}
		f.DocumentID = doc.ID
		f.Name = old.Name
		if err := in.store.ReplaceField(ctx, &f); err != nil {
			return nil, eris.Wrapf(err, "ingest: replace field %s/%s", doc.ID, f.Name)
		}
		zap.L().Info("ingest: field type changed, verification reset",
			zap.String("document_id", doc.ID),
			zap.String("field", f.Name),
			zap.String("from", string(old.Type)),
			zap.String("to", string(f.Type)),
		)
		dr.Reset = append(dr.Reset, f.Name)
	}
	if len(added) > 0 {
		if err := in.store.AddFields(ctx, doc.ID, added); err != nil {
			return nil, eris.Wrapf(err, "ingest: add fields %s", doc.ID)
		}
		for _, f := range added {
			dr.Added = append(dr.Added, f.Name)
		}
	}

	if len(dr.Added) > 0 || len(dr.Reset) > 0 {
		if in.cache != nil {
			if _, err := in.cache.InvalidateDocument(ctx, doc.ID); err != nil {
				return nil, eris.Wrapf(err, "ingest: invalidate answers for %s", doc.ID)
			}
		}
	}

	fresh, err := in.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: reload document %s", doc.ID)
	}
	dr.Status = fresh.Status
	dr.fields = fresh.Fields
	return dr, nil
}

func classifyAll(dr *DocumentResult, th classify.Thresholds) {
	dr.Tiers = make(map[classify.Tier]int, 3)
	for i := range dr.fields {
		f := &dr.fields[i]
		c := classify.Classify(f.Confidence, th)
		dr.Tiers[c.Tier]++
		if classify.AuditEligible(f, th) {
			dr.NeedsReview++
		}
	}
	dr.fields = nil
	if dr.NeedsReview > 0 {
		zap.L().Debug("ingest: fields queued for review",
			zap.String("document_id", dr.DocumentID),
			zap.Int("needs_review", dr.NeedsReview),
		)
	}
}

func fieldNames(fields []ParsedField) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func toField(pf ParsedField) model.ExtractedField {
	return model.ExtractedField{
		Name:       strings.TrimSpace(pf.Name),
		Type:       pf.Type,
		Value:      pf.Value,
		Confidence: pf.Confidence,
		Citation:   pf.Citation,
		Status:     model.VerificationUnverified,
	}
}

func toFields(pfs []ParsedField) []model.ExtractedField {
	out := make([]model.ExtractedField, len(pfs))
	for i, pf := range pfs {
		out[i] = toField(pf)
	}
	return out
}
