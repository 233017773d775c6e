// Package generator defines the contract with the external answer
// generator and its Anthropic implementation. The generator either names a
// structured aggregation for the engine to compute or writes prose over the
// documents it was given; it never supplies numbers of its own.
package generator

import (
	"context"

	"github.com/sells-group/docverify/internal/model"
)

// Kind is the shape of a generator response.
type Kind string

const (
	KindAggregation Kind = "aggregation"
	KindProse       Kind = "prose"
)

// FieldSchema describes one extractable field to the generator.
type FieldSchema struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
}

// DocumentContext is a document's current values as shown to the generator.
type DocumentContext struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
}

// Turn is one prior question and answer in a conversation.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Request asks the generator about a scoped document set.
type Request struct {
	Question  string
	Schema    []FieldSchema
	History   []Turn
	Documents []DocumentContext
	// Matched is the size of the full scope; Documents may be a sample.
	Matched int
}

// Response is the generator's answer.
type Response struct {
	Kind        Kind
	Aggregation *model.AggregateSpec
	Text        string
	DocumentIDs []string
}

// Generator produces answers.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
