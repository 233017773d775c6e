// Package answer turns questions into answers with lineage. Numeric answers
// are always computed by the aggregation engine over the full matching set;
// the generator only chooses what to compute, or writes prose for
// descriptive questions.
package answer

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/aggregate"
	"github.com/sells-group/docverify/internal/answercache"
	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/generator"
	"github.com/sells-group/docverify/internal/lineage"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
)

// Defaults for AnswerConfig zero values.
const (
	DefaultMaxContextDocuments = 50
	DefaultMaxRegenerations    = 20
	DefaultRegenConcurrency    = 4
)

// AskRequest is a natural-language question over the documents matching
// Filters.
type AskRequest struct {
	Question string            `json:"question"`
	Filters  []model.Predicate `json:"filters,omitempty"`
	History  []generator.Turn  `json:"history,omitempty"`
}

// Service answers questions and regenerates answers after corrections.
type Service struct {
	store   store.Store
	agg     *aggregate.Engine
	cache   answercache.Cache
	gen     generator.Generator
	lineage *lineage.Service

	maxContext  int
	maxRegen    int
	concurrency int
}

// New creates a Service.
func New(st store.Store, agg *aggregate.Engine, cache answercache.Cache, gen generator.Generator, lin *lineage.Service, cfg config.AnswerConfig) *Service {
	s := &Service{
		store:       st,
		agg:         agg,
		cache:       cache,
		gen:         gen,
		lineage:     lin,
		maxContext:  cfg.MaxContextDocuments,
		maxRegen:    cfg.MaxRegenerations,
		concurrency: cfg.RegenConcurrency,
	}
	if s.maxContext <= 0 {
		s.maxContext = DefaultMaxContextDocuments
	}
	if s.maxRegen <= 0 {
		s.maxRegen = DefaultMaxRegenerations
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultRegenConcurrency
	}
	return s
}

// Ask answers req. A cached answer is returned with its original query id.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*model.Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, apperr.Validation("question", "question is required")
	}
	scope, err := s.agg.MatchDocuments(ctx, req.Filters)
	if err != nil {
		return nil, err
	}
	fp := answercache.Fingerprint(answercache.Key{Question: req.Question, DocumentIDs: scope, Filters: req.Filters})

	tok, err := s.cache.Snapshot(ctx, scope)
	if err != nil {
		return nil, eris.Wrap(err, "answer: snapshot")
	}
	if e, ok, err := s.cache.Get(ctx, fp); err != nil {
		zap.L().Warn("answer: cache read failed", zap.Error(err))
	} else if ok {
		return &model.Answer{
			Text:        e.Answer,
			Value:       e.Value,
			Kind:        e.Kind,
			QueryID:     e.QueryID,
			DocumentIDs: e.DocumentIDs,
			CacheHit:    true,
		}, nil
	}

	gctx, err := s.buildContext(ctx, req.Filters)
	if err != nil {
		return nil, err
	}
	resp, err := s.gen.Generate(ctx, generator.Request{
		Question:  req.Question,
		Schema:    gctx.schema,
		History:   req.History,
		Documents: gctx.docs,
		Matched:   len(scope),
	})
	if err != nil {
		return nil, err
	}

	rec := &model.QueryHistoryRecord{Question: req.Question, Filters: req.Filters}
	switch resp.Kind {
	case generator.KindAggregation:
		spec := *resp.Aggregation
		spec.Filters = append(append([]model.Predicate{}, req.Filters...), spec.Filters...)
		if err := s.compute(ctx, rec, spec); err != nil {
			return nil, err
		}
	default:
		rec.Kind = model.QueryDescriptive
		rec.Answer = resp.Text
		rec.DocumentIDs = constrain(resp.DocumentIDs, scope, gctx.ids())
	}

	if err := s.lineage.Append(ctx, rec); err != nil {
		return nil, err
	}
	s.remember(ctx, fp, rec, scope, tok)
	return toAnswer(rec), nil
}

// compute runs spec through the engine and fills rec with the exact result.
func (s *Service) compute(ctx context.Context, rec *model.QueryHistoryRecord, spec model.AggregateSpec) error {
	res, err := s.agg.Aggregate(ctx, spec)
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		return &apperr.UpstreamGenerationError{Op: "aggregation spec", Err: err}
	}
	if err != nil {
		return err
	}
	rec.Kind = model.QueryAnalytical
	rec.Aggregation = &spec
	rec.Value = res
	rec.Answer = Describe(spec, res)
	rec.DocumentIDs = res.DocumentIDs
	return nil
}

// remember caches rec under fp. Failures only cost a future cache miss.
func (s *Service) remember(ctx context.Context, fp string, rec *model.QueryHistoryRecord, scope []string, tok answercache.Token) {
	stored, err := s.cache.Set(ctx, fp, &answercache.Entry{
		Answer:      rec.Answer,
		Value:       rec.Value,
		Kind:        rec.Kind,
		QueryID:     rec.ID,
		DocumentIDs: union(scope, rec.DocumentIDs),
		CreatedAt:   rec.CreatedAt,
	}, tok)
	if err != nil {
		zap.L().Warn("answer: cache write failed", zap.String("query_id", rec.ID), zap.Error(err))
		return
	}
	if !stored {
		zap.L().Debug("answer: skipped caching stale answer", zap.String("query_id", rec.ID))
	}
}

type genContext struct {
	schema []generator.FieldSchema
	docs   []generator.DocumentContext
}

func (g *genContext) ids() []string {
	out := make([]string, len(g.docs))
	for i, d := range g.docs {
		out[i] = d.ID
	}
	return out
}

var errEnough = errors.New("enough documents")

// buildContext collects the schema and up to maxContext documents in scope.
func (s *Service) buildContext(ctx context.Context, filters []model.Predicate) (*genContext, error) {
	gc := &genContext{}
	err := s.agg.Documents(ctx, filters, func(dv *model.DocumentValues) error {
		gc.docs = append(gc.docs, generator.DocumentContext{ID: dv.DocumentID, Name: dv.Name, Fields: dv.Fields})
		if len(gc.docs) >= s.maxContext {
			return errEnough
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnough) {
		return nil, err
	}
	schema, err := s.schema(ctx, gc.docs)
	if err != nil {
		return nil, err
	}
	gc.schema = schema
	return gc, nil
}

// schema lists template fields, then any extra field names seen in docs.
func (s *Service) schema(ctx context.Context, docs []generator.DocumentContext) ([]generator.FieldSchema, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "answer: list templates")
	}
	seen := make(map[string]bool)
	var out []generator.FieldSchema
	for _, t := range templates {
		for _, f := range t.Fields {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			out = append(out, generator.FieldSchema{Name: f.Name, Type: string(f.Type), Aliases: f.Aliases, Description: f.Description})
		}
	}
	var extra []string
	for _, d := range docs {
		for name := range d.Fields {
			if !seen[name] {
				seen[name] = true
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, generator.FieldSchema{Name: name})
	}
	return out, nil
}

// constrain keeps the generator's cited ids that are in scope, falling back
// to the documents it was shown.
func constrain(cited, scope, shown []string) []string {
	in := make(map[string]bool, len(scope))
	for _, id := range scope {
		in[id] = true
	}
	var out []string
	for _, id := range cited {
		if in[id] {
			out = append(out, id)
			in[id] = false
		}
	}
	if len(out) == 0 {
		return append([]string{}, shown...)
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func toAnswer(rec *model.QueryHistoryRecord) *model.Answer {
	return &model.Answer{
		Text:        rec.Answer,
		Value:       rec.Value,
		Kind:        rec.Kind,
		QueryID:     rec.ID,
		DocumentIDs: rec.DocumentIDs,
	}
}
