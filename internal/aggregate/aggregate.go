// Package aggregate computes exact statistics over every document matching
// a filter. Documents are streamed from the store in full; nothing in this
// package accepts or produces a ranked, size-limited subset.
package aggregate

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/metrics"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
)

// Scanner streams matching documents.
type Scanner interface {
	ScanDocuments(ctx context.Context, filter store.ScanFilter, fn func(*model.DocumentValues) error) error
}

// Engine runs aggregations.
type Engine struct {
	store Scanner
}

// New creates an Engine.
func New(st Scanner) *Engine {
	return &Engine{store: st}
}

// ValidateSpec checks that spec is computable.
func ValidateSpec(spec model.AggregateSpec) error {
	if err := ValidatePredicates(spec.Filters); err != nil {
		return err
	}
	switch spec.Op {
	case model.AggCount:
	case model.AggSum, model.AggAvg, model.AggMin, model.AggMax:
		if spec.Field == "" {
			return apperr.Validation("field", "%s needs a field", spec.Op)
		}
	case model.AggPercentile:
		if spec.Field == "" {
			return apperr.Validation("field", "percentile needs a field")
		}
		if spec.Percentile < 0 || spec.Percentile > 100 || math.IsNaN(spec.Percentile) {
			return apperr.Validation("percentile", "percentile must be within [0, 100]")
		}
	case model.AggHistogram:
		if spec.Field == "" {
			return apperr.Validation("field", "histogram needs a field")
		}
		if _, err := bucketEdges(spec.Histogram); err != nil {
			return err
		}
	case model.AggGroupBy:
		if spec.GroupBy == "" {
			return apperr.Validation("group_by", "group_by needs a dimension")
		}
		switch spec.GroupOp {
		case "", model.AggCount:
		case model.AggSum, model.AggAvg, model.AggMin, model.AggMax:
			if spec.Field == "" {
				return apperr.Validation("field", "group %s needs a field", spec.GroupOp)
			}
		default:
			return apperr.Validation("group_operation", "unsupported group operation %q", spec.GroupOp)
		}
	default:
		return apperr.Validation("operation", "unknown operation %q", spec.Op)
	}
	return nil
}

// Aggregate computes spec over the full matching set. Missing, null and
// non-numeric values are excluded from numeric denominators and counted in
// Excluded.
func (e *Engine) Aggregate(ctx context.Context, spec model.AggregateSpec) (*model.AggregateResult, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	start := time.Now()

	res := &model.AggregateResult{Op: spec.Op, Field: spec.Field, DocumentIDs: []string{}}
	acc := newAccumulator(spec.Op == model.AggPercentile || spec.Op == model.AggHistogram)
	groups := make(map[string]*accumulator)
	groupOp := spec.GroupOp
	if groupOp == "" {
		groupOp = model.AggCount
	}

	err := e.scan(ctx, spec.Filters, func(dv *model.DocumentValues) error {
		res.DocumentIDs = append(res.DocumentIDs, dv.DocumentID)

		target := acc
		op := spec.Op
		if spec.Op == model.AggGroupBy {
			dim, ok := lookup(dv, spec.GroupBy)
			if !ok {
				res.Excluded++
				return nil
			}
			key := groupKey(dim)
			target = groups[key]
			if target == nil {
				target = newAccumulator(false)
				groups[key] = target
			}
			op = groupOp
		}

		if op == model.AggCount && spec.Field == "" {
			target.count++
			return nil
		}
		v, present := lookup(dv, spec.Field)
		if op == model.AggCount {
			if present {
				target.count++
			} else {
				res.Excluded++
			}
			return nil
		}
		n, ok := toNumber(v)
		if !present || !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			res.Excluded++
			return nil
		}
		target.add(n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Matched = len(res.DocumentIDs)

	switch spec.Op {
	case model.AggGroupBy:
		res.Groups = make([]model.GroupResult, 0, len(groups))
		for key, g := range groups {
			res.Groups = append(res.Groups, model.GroupResult{Key: key, Value: g.result(groupOp, 0), Count: g.count})
			res.Count += g.count
		}
		sortGroups(res.Groups)
	case model.AggHistogram:
		edges, _ := bucketEdges(spec.Histogram)
		var outside int
		res.Buckets, outside = histogram(acc.values, edges)
		res.Count = acc.count - outside
		res.Excluded += outside
	default:
		res.Count = acc.count
		res.Value = acc.result(spec.Op, spec.Percentile)
	}

	metrics.Get().ObserveAggregation(string(spec.Op), start, res.Matched)
	return res, nil
}

// MatchDocuments returns the id of every document matching filters.
func (e *Engine) MatchDocuments(ctx context.Context, filters []model.Predicate) ([]string, error) {
	if err := ValidatePredicates(filters); err != nil {
		return nil, err
	}
	ids := []string{}
	err := e.scan(ctx, filters, func(dv *model.DocumentValues) error {
		ids = append(ids, dv.DocumentID)
		return nil
	})
	return ids, err
}

// Documents streams every document matching filters to fn.
func (e *Engine) Documents(ctx context.Context, filters []model.Predicate, fn func(*model.DocumentValues) error) error {
	if err := ValidatePredicates(filters); err != nil {
		return err
	}
	return e.scan(ctx, filters, fn)
}

func (e *Engine) scan(ctx context.Context, filters []model.Predicate, fn func(*model.DocumentValues) error) error {
	sf, rest := splitFilters(filters)
	seen := 0
	err := e.store.ScanDocuments(ctx, sf, func(dv *model.DocumentValues) error {
		seen++
		if seen%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !matches(dv, rest) {
			return nil
		}
		return fn(dv)
	})
	if err != nil {
		return eris.Wrap(err, "aggregate: scan")
	}
	return nil
}

// accumulator keeps streaming statistics, plus the raw values when an
// order statistic is needed.
type accumulator struct {
	count    int
	sum      neumaier
	min, max float64
	keep     bool
	values   []float64
}

func newAccumulator(keep bool) *accumulator {
	return &accumulator{keep: keep, min: math.Inf(1), max: math.Inf(-1)}
}

func (a *accumulator) add(x float64) {
	a.count++
	a.sum.add(x)
	if x < a.min {
		a.min = x
	}
	if x > a.max {
		a.max = x
	}
	if a.keep {
		a.values = append(a.values, x)
	}
}

func (a *accumulator) result(op model.Operation, p float64) *float64 {
	switch op {
	case model.AggCount:
		return ptr(float64(a.count))
	case model.AggSum:
		return ptr(a.sum.total())
	}
	if a.count == 0 {
		return nil
	}
	switch op {
	case model.AggAvg:
		return ptr(a.sum.total() / float64(a.count))
	case model.AggMin:
		return ptr(a.min)
	case model.AggMax:
		return ptr(a.max)
	case model.AggPercentile:
		return ptr(Percentile(a.values, p))
	}
	return nil
}

// neumaier is compensated summation; it keeps a running correction for the
// low-order bits lost when adding values of very different magnitude.
type neumaier struct {
	sum, c float64
}

func (n *neumaier) add(x float64) {
	t := n.sum + x
	if math.Abs(n.sum) >= math.Abs(x) {
		n.c += (n.sum - t) + x
	} else {
		n.c += (x - t) + n.sum
	}
	n.sum = t
}

func (n *neumaier) total() float64 {
	return n.sum + n.c
}

// Sum returns the compensated sum of xs.
func Sum(xs []float64) float64 {
	var n neumaier
	for _, x := range xs {
		n.add(x)
	}
	return n.total()
}

// Percentile returns the p-th percentile (0..100) of xs using linear
// interpolation between closest ranks. xs is sorted in place.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sort.Float64s(xs)
	if len(xs) == 1 {
		return xs[0]
	}
	rank := p / 100 * float64(len(xs)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return xs[lo]
	}
	frac := rank - float64(lo)
	return xs[lo] + frac*(xs[hi]-xs[lo])
}

// maxHistogramBuckets caps both Buckets and len(Edges)-1.
const maxHistogramBuckets = 10000

// bucketEdges turns a histogram spec into ascending edges.
func bucketEdges(h *model.HistogramSpec) ([]float64, error) {
	if h == nil {
		return nil, apperr.Validation("histogram", "histogram needs a bucket spec")
	}
	if len(h.Edges) > 0 {
		if len(h.Edges) > maxHistogramBuckets+1 {
			return nil, apperr.Validation("histogram.edges", "at most %d edges are allowed", maxHistogramBuckets+1)
		}
		if len(h.Edges) < 2 {
			return nil, apperr.Validation("histogram.edges", "at least two edges are required")
		}
		for i := 1; i < len(h.Edges); i++ {
			if !(h.Edges[i] > h.Edges[i-1]) {
				return nil, apperr.Validation("histogram.edges", "edges must be strictly ascending")
			}
		}
		return h.Edges, nil
	}
	if h.Buckets <= 0 {
		return nil, apperr.Validation("histogram.buckets", "buckets must be > 0")
	}
	if h.Buckets > maxHistogramBuckets {
		return nil, apperr.Validation("histogram.buckets", "buckets must be <= %d", maxHistogramBuckets)
	}
	if !(h.Max > h.Min) {
		return nil, apperr.Validation("histogram.max", "max must be greater than min")
	}
	edges := make([]float64, h.Buckets+1)
	width := (h.Max - h.Min) / float64(h.Buckets)
	for i := range edges {
		edges[i] = h.Min + float64(i)*width
	}
	edges[h.Buckets] = h.Max
	return edges, nil
}

// histogram counts values into [edge[i], edge[i+1]); the last bucket also
// includes its upper edge. Values outside the edges are returned as outside.
func histogram(values, edges []float64) ([]model.HistogramBucket, int) {
	buckets := make([]model.HistogramBucket, len(edges)-1)
	for i := range buckets {
		buckets[i] = model.HistogramBucket{Lower: edges[i], Upper: edges[i+1]}
	}
	last := len(buckets) - 1
	outside := 0
	for _, v := range values {
		if v < edges[0] || v > edges[len(edges)-1] {
			outside++
			continue
		}
		// First edge strictly greater than v, minus one.
		i := sort.SearchFloat64s(edges, v)
		if i < len(edges) && edges[i] == v {
			i++
		}
		i--
		if i > last {
			i = last
		}
		buckets[i].Count++
	}
	return buckets, outside
}

// sortGroups orders groups by value descending for display; groups without
// a value go last, ties break on key.
func sortGroups(gs []model.GroupResult) {
	sort.Slice(gs, func(i, j int) bool {
		a, b := gs[i].Value, gs[j].Value
		switch {
		case a == nil && b == nil:
			return gs[i].Key < gs[j].Key
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a > *b
		}
		return gs[i].Key < gs[j].Key
	})
}

func ptr(f float64) *float64 { return &f }
