package answer

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docverify/internal/answercache"
	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/generator"
	"github.com/sells-group/docverify/internal/metrics"
	"github.com/sells-group/docverify/internal/model"
)

// Regenerated is the replacement for one superseded answer. Err is set
// when regeneration failed; the previous record stays the head.
type Regenerated struct {
	PreviousQueryID string        `json:"previous_query_id"`
	Answer          *model.Answer `json:"answer,omitempty"`
	Error           string        `json:"error,omitempty"`
	Err             error         `json:"-"`
}

// Regenerate recomputes the live answers that reference any of docIDs. At
// most maxRegen answers are regenerated, newest first. Failures are
// reported per answer and never returned as the call's error, which is
// reserved for failing to find the answers at all.
func (s *Service) Regenerate(ctx context.Context, docIDs []string) ([]Regenerated, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	heads, err := s.lineage.Heads(ctx, docIDs)
	if err != nil {
		return nil, err
	}
	if len(heads) > s.maxRegen {
		zap.L().Warn("answer: regeneration capped",
			zap.Int("affected", len(heads)),
			zap.Int("regenerating", s.maxRegen),
		)
		heads = heads[:s.maxRegen]
	}

	out := make([]Regenerated, len(heads))
	superseded := make([]bool, len(heads))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range heads {
		head := &heads[i]
		g.Go(func() error {
			out[i] = Regenerated{PreviousQueryID: head.ID}
			ans, err := s.regenerateOne(ctx, head)
			outcome := "ok"
			switch {
			case apperr.Is(err, apperr.KindConflict):
				// A concurrent regeneration already appended the successor.
				outcome = "superseded"
				superseded[i] = true
				zap.L().Info("answer: head already superseded", zap.String("query_id", head.ID))
			case err != nil:
				outcome = "error"
				out[i].Err = err
				out[i].Error = err.Error()
				zap.L().Warn("answer: regeneration failed",
					zap.String("query_id", head.ID),
					zap.String("kind", string(apperr.KindOf(err))),
					zap.Error(err),
				)
			default:
				out[i].Answer = ans
			}
			metrics.Get().ObserveRegeneration(string(head.Kind), outcome)
			return nil
		})
	}
	_ = g.Wait()

	kept := out[:0]
	for i := range out {
		if !superseded[i] {
			kept = append(kept, out[i])
		}
	}
	return kept, nil
}

func (s *Service) regenerateOne(ctx context.Context, head *model.QueryHistoryRecord) (*model.Answer, error) {
	scope, err := s.agg.MatchDocuments(ctx, head.Filters)
	if err != nil {
		return nil, err
	}
	tok, err := s.cache.Snapshot(ctx, union(scope, head.DocumentIDs))
	if err != nil {
		return nil, eris.Wrap(err, "answer: snapshot")
	}

	child := &model.QueryHistoryRecord{
		Question: head.Question,
		Filters:  head.Filters,
		Kind:     head.Kind,
	}
	switch head.Kind {
	case model.QueryAnalytical:
		if head.Aggregation == nil {
			return nil, eris.Errorf("answer: analytical record %s has no aggregation", head.ID)
		}
		if err := s.compute(ctx, child, *head.Aggregation); err != nil {
			return nil, err
		}
	default:
		if err := s.reprose(ctx, head, child); err != nil {
			return nil, err
		}
	}

	if err := s.lineage.Supersede(ctx, head, child); err != nil {
		return nil, err
	}
	s.remember(ctx, answercache.Fingerprint(answercache.Key{
		Question:    head.Question,
		DocumentIDs: scope,
		Filters:     head.Filters,
	}), child, scope, tok)
	return toAnswer(child), nil
}

// reprose asks the generator again over the same documents with their
// current, corrected values.
func (s *Service) reprose(ctx context.Context, head, child *model.QueryHistoryRecord) error {
	docs, err := s.store.GetDocuments(ctx, head.DocumentIDs)
	if err != nil {
		return eris.Wrap(err, "answer: load documents")
	}
	dctx := make([]generator.DocumentContext, 0, len(docs))
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		fields := make(map[string]any, len(d.Fields))
		for i := range d.Fields {
			if v := d.Fields[i].EffectiveValue(); v != nil {
				fields[d.Fields[i].Name] = v
			}
		}
		dctx = append(dctx, generator.DocumentContext{ID: d.ID, Name: d.Name, Fields: fields})
		ids = append(ids, d.ID)
	}
	schema, err := s.schema(ctx, dctx)
	if err != nil {
		return err
	}

	resp, err := s.gen.Generate(ctx, generator.Request{
		Question:  head.Question,
		Schema:    schema,
		Documents: dctx,
		Matched:   len(dctx),
	})
	if err != nil {
		return err
	}
	if resp.Kind != generator.KindProse {
		return &apperr.UpstreamGenerationError{Op: "regenerate", Err: eris.New("answer: expected prose for a descriptive answer")}
	}
	child.Answer = resp.Text
	child.DocumentIDs = constrain(resp.DocumentIDs, ids, ids)
	return nil
}
