package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/resilience"
	"github.com/sells-group/docverify/pkg/anthropic"
)

const systemPrompt = `You answer questions about a set of extracted documents.
Reply with a single JSON object and nothing else.

If the question asks for a number computed over the documents (a total,
average, count, minimum, maximum, percentile, distribution or breakdown),
do not compute it. Reply with:
{"kind":"aggregation","aggregation":{"operation":"sum|avg|count|min|max|percentile|histogram|group_by","field":"<field name>","filters":[{"field":"...","op":"eq|ne|gt|gte|lt|lte|in|contains|exists","value":...}],"percentile":<0-100>,"histogram":{"min":..,"max":..,"buckets":..},"group_by":"<field>","group_operation":"sum|avg|count|min|max"}}

Otherwise answer in prose using only the documents provided:
{"kind":"prose","answer":"<text>","document_ids":["<ids of the documents you used>"]}

Field names must come from the schema.`

// Anthropic generates answers with Claude.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic generator.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

// wireResponse is the JSON the model is asked to produce.
type wireResponse struct {
	Kind        Kind                 `json:"kind"`
	Aggregation *model.AggregateSpec `json:"aggregation,omitempty"`
	Answer      string               `json:"answer,omitempty"`
	DocumentIDs []string             `json:"document_ids,omitempty"`
}

// Generate implements Generator.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      systemPrompt,
		Messages:    buildMessages(req),
		Temperature: &temp,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientStatus(code) {
			return nil, resilience.Transient(err, code)
		}
		return nil, err
	}
	resp.Usage.Log(a.model, "generate")

	return parseResponse(resp.Text())
}

func buildMessages(req Request) []anthropic.Message {
	var msgs []anthropic.Message
	for _, t := range req.History {
		msgs = append(msgs,
			anthropic.Message{Role: "user", Content: t.Question},
			anthropic.Message{Role: "assistant", Content: t.Answer},
		)
	}

	schema, _ := json.Marshal(req.Schema)
	docs, _ := json.Marshal(req.Documents)
	var b strings.Builder
	fmt.Fprintf(&b, "Schema:\n%s\n\n", schema)
	fmt.Fprintf(&b, "Documents in scope: %d", req.Matched)
	if len(req.Documents) < req.Matched {
		fmt.Fprintf(&b, " (showing %d)", len(req.Documents))
	}
	fmt.Fprintf(&b, "\n%s\n\nQuestion: %s", docs, req.Question)
	return append(msgs, anthropic.Message{Role: "user", Content: b.String()})
}

// parseResponse decodes and checks the model's reply. Anything unusable is
// an UpstreamGenerationError.
func parseResponse(text string) (*Response, error) {
	var w wireResponse
	if err := json.Unmarshal([]byte(cleanJSON(text)), &w); err != nil {
		return nil, &apperr.UpstreamGenerationError{Op: "parse response", Err: eris.Wrap(err, "generator: decode")}
	}
	switch w.Kind {
	case KindAggregation:
		if w.Aggregation == nil || w.Aggregation.Op == "" {
			return nil, &apperr.UpstreamGenerationError{Op: "parse response", Err: eris.New("generator: aggregation response without an operation")}
		}
		return &Response{Kind: KindAggregation, Aggregation: w.Aggregation}, nil
	case KindProse:
		if strings.TrimSpace(w.Answer) == "" {
			return nil, &apperr.UpstreamGenerationError{Op: "parse response", Err: eris.New("generator: empty prose answer")}
		}
		return &Response{Kind: KindProse, Text: w.Answer, DocumentIDs: w.DocumentIDs}, nil
	}
	return nil, &apperr.UpstreamGenerationError{Op: "parse response", Err: eris.Errorf("generator: unknown response kind %q", w.Kind)}
}

// cleanJSON extracts a JSON object from text that may be wrapped in
// markdown code fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}
