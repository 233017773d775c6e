package answer

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/verify"
)

// Outcome is the result of one verification and the answers it refreshed.
type Outcome struct {
	Field                    *model.ExtractedField `json:"field"`
	AffectedDocumentIDs      []string              `json:"affected_document_ids"`
	NoOp                     bool                  `json:"no_op,omitempty"`
	Regenerated              []Regenerated         `json:"regenerated_answers"`
	AnswerRegenerationFailed bool                  `json:"answer_regeneration_failed"`
}

// BatchOutcome is the result of a verification batch. Answers are
// regenerated once for the union of documents touched by successful items.
type BatchOutcome struct {
	Items                    []verify.ItemResult
	Regenerated              []Regenerated
	AnswerRegenerationFailed bool
}

// Regenerator refreshes answers that depend on documents.
type Regenerator interface {
	Regenerate(ctx context.Context, docIDs []string) ([]Regenerated, error)
}

// Orchestrator verifies fields and then regenerates the answers that
// depended on them. A regeneration failure is reported on the outcome and
// never undoes the verification.
type Orchestrator struct {
	verifier *verify.Engine
	answers  Regenerator
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(v *verify.Engine, answers Regenerator) *Orchestrator {
	return &Orchestrator{verifier: v, answers: answers}
}

// Verify applies one decision.
func (o *Orchestrator) Verify(ctx context.Context, req verify.Request) (*Outcome, error) {
	res, err := o.verifier.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.outcome(ctx, res), nil
}

// Reset returns a field to unverified.
func (o *Orchestrator) Reset(ctx context.Context, fieldID, actor string) (*Outcome, error) {
	res, err := o.verifier.Reset(ctx, fieldID, actor)
	if err != nil {
		return nil, err
	}
	return o.outcome(ctx, res), nil
}

// VerifyBatch applies decisions item by item.
func (o *Orchestrator) VerifyBatch(ctx context.Context, reqs []verify.Request) (*BatchOutcome, error) {
	items, err := o.verifier.VerifyBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	var docIDs []string
	seen := make(map[string]bool)
	for _, it := range items {
		if it.Result == nil {
			continue
		}
		for _, id := range it.Result.AffectedDocumentIDs {
			if !seen[id] {
				seen[id] = true
				docIDs = append(docIDs, id)
			}
		}
	}
	out := &BatchOutcome{Items: items}
	out.Regenerated, out.AnswerRegenerationFailed = o.regenerate(ctx, docIDs)
	return out, nil
}

func (o *Orchestrator) outcome(ctx context.Context, res *verify.Result) *Outcome {
	out := &Outcome{
		Field:               res.Field,
		AffectedDocumentIDs: res.AffectedDocumentIDs,
		NoOp:                res.NoOp,
		Regenerated:         []Regenerated{},
	}
	if out.AffectedDocumentIDs == nil {
		out.AffectedDocumentIDs = []string{}
	}
	out.Regenerated, out.AnswerRegenerationFailed = o.regenerate(ctx, res.AffectedDocumentIDs)
	return out
}

func (o *Orchestrator) regenerate(ctx context.Context, docIDs []string) ([]Regenerated, bool) {
	if len(docIDs) == 0 || o.answers == nil {
		return []Regenerated{}, false
	}
	regen, err := o.answers.Regenerate(ctx, docIDs)
	if err != nil {
		zap.L().Warn("answer: could not find answers to regenerate", zap.Strings("document_ids", docIDs), zap.Error(err))
		return []Regenerated{}, true
	}
	failed := false
	for _, r := range regen {
		if r.Err != nil {
			failed = true
		}
	}
	if regen == nil {
		regen = []Regenerated{}
	}
	return regen, failed
}
