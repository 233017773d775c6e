package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PredicateOp is a comparison used in document filters.
type PredicateOp string

const (
	OpEq       PredicateOp = "eq"
	OpNe       PredicateOp = "ne"
	OpGt       PredicateOp = "gt"
	OpGte      PredicateOp = "gte"
	OpLt       PredicateOp = "lt"
	OpLte      PredicateOp = "lte"
	OpIn       PredicateOp = "in"
	OpContains PredicateOp = "contains"
	OpExists   PredicateOp = "exists"
)

// Pseudo-fields that filter on document columns instead of extracted fields.
const (
	FilterTemplateID = "template_id"
	FilterStatus     = "status"
)

// Predicate restricts the document set by a field value.
type Predicate struct {
	Field string      `json:"field"`
	Op    PredicateOp `json:"op"`
	Value any         `json:"value,omitempty"`
}

// CanonicalPredicates serializes predicates in a stable order so that two
// logically identical filter lists produce identical strings.
func CanonicalPredicates(preds []Predicate) string {
	if len(preds) == 0 {
		return "[]"
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		v, err := json.Marshal(p.Value)
		if err != nil {
			v = []byte(fmt.Sprintf("%q", fmt.Sprint(p.Value)))
		}
		parts = append(parts, fmt.Sprintf("%s\x1f%s\x1f%s", strings.ToLower(strings.TrimSpace(p.Field)), p.Op, v))
	}
	sort.Strings(parts)
	return "[" + strings.Join(parts, "\x1e") + "]"
}

// Operation is an aggregation function.
type Operation string

const (
	AggSum        Operation = "sum"
	AggAvg        Operation = "avg"
	AggCount      Operation = "count"
	AggMin        Operation = "min"
	AggMax        Operation = "max"
	AggPercentile Operation = "percentile"
	AggHistogram  Operation = "histogram"
	AggGroupBy    Operation = "group_by"
)

// HistogramSpec defines histogram buckets either as Buckets equal-width bins
// over [Min, Max] or as explicit ascending Edges.
type HistogramSpec struct {
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Buckets int       `json:"buckets,omitempty"`
	Edges   []float64 `json:"edges,omitempty"`
}

// AggregateSpec is a structured analytical query.
type AggregateSpec struct {
	Filters    []Predicate    `json:"filters,omitempty"`
	Field      string         `json:"field"`
	Op         Operation      `json:"operation"`
	Percentile float64        `json:"percentile,omitempty"`
	Histogram  *HistogramSpec `json:"histogram,omitempty"`
	GroupBy    string         `json:"group_by,omitempty"`
	GroupOp    Operation      `json:"group_operation,omitempty"`
}

// HistogramBucket counts values in [Lower, Upper). The last bucket is closed.
type HistogramBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// GroupResult is the sub-aggregate for one distinct dimension value.
type GroupResult struct {
	Key   string   `json:"key"`
	Value *float64 `json:"value"`
	Count int      `json:"count"`
}

// AggregateResult is the exact answer to an AggregateSpec over every
// matching document.
type AggregateResult struct {
	Op          Operation         `json:"operation"`
	Field       string            `json:"field"`
	Value       *float64          `json:"value"`
	Count       int               `json:"count"`
	Excluded    int               `json:"excluded"`
	Matched     int               `json:"matched_documents"`
	Buckets     []HistogramBucket `json:"buckets,omitempty"`
	Groups      []GroupResult     `json:"groups,omitempty"`
	DocumentIDs []string          `json:"document_ids"`
}

// QueryKind distinguishes computed answers from generated prose.
type QueryKind string

const (
	QueryAnalytical  QueryKind = "analytical"
	QueryDescriptive QueryKind = "descriptive"
)

// QueryHistoryRecord is an immutable lineage entry tying an answer to the
// documents that produced it. A regenerated answer is a new record whose
// ParentID names the record it supersedes.
type QueryHistoryRecord struct {
	ID          string           `json:"id"`
	Question    string           `json:"question"`
	Answer      string           `json:"answer"`
	Value       *AggregateResult `json:"value,omitempty"`
	Kind        QueryKind        `json:"kind"`
	Filters     []Predicate      `json:"filters,omitempty"`
	Aggregation *AggregateSpec   `json:"aggregation,omitempty"`
	DocumentIDs []string         `json:"document_ids"`
	ParentID    string           `json:"parent_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// Answer is what the ask path returns to clients.
type Answer struct {
	Text        string           `json:"answer"`
	Value       *AggregateResult `json:"value,omitempty"`
	Kind        QueryKind        `json:"kind"`
	QueryID     string           `json:"query_id"`
	DocumentIDs []string         `json:"document_ids"`
	CacheHit    bool             `json:"cache_hit"`
}
