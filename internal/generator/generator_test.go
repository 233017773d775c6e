package generator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/resilience"
	"github.com/sells-group/docverify/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

func TestAnthropic_Aggregation(t *testing.T) {
	mc := &mockClient{}
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r anthropic.MessageRequest) bool {
		return r.Model == "m" && r.System != "" && len(r.Messages) == 3
	})).Return(textResponse("```json\n{\"kind\":\"aggregation\",\"aggregation\":{\"operation\":\"sum\",\"field\":\"amount\"}}\n```"), nil)

	g := NewAnthropic(mc, "m", 0)
	resp, err := g.Generate(context.Background(), Request{
		Question: "total amount?",
		History:  []Turn{{Question: "how many?", Answer: "3"}},
		Matched:  3,
	})
	require.NoError(t, err)
	assert.Equal(t, KindAggregation, resp.Kind)
	require.NotNil(t, resp.Aggregation)
	assert.Equal(t, model.AggSum, resp.Aggregation.Op)
	assert.Equal(t, "amount", resp.Aggregation.Field)
	mc.AssertExpectations(t)
}

func TestAnthropic_Prose(t *testing.T) {
	mc := &mockClient{}
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`Sure: {"kind":"prose","answer":"Acme issued it.","document_ids":["d1"]}`), nil)

	resp, err := NewAnthropic(mc, "m", 100).Generate(context.Background(), Request{Question: "who?"})
	require.NoError(t, err)
	assert.Equal(t, KindProse, resp.Kind)
	assert.Equal(t, "Acme issued it.", resp.Text)
	assert.Equal(t, []string{"d1"}, resp.DocumentIDs)
}

func TestParseResponse_Unusable(t *testing.T) {
	for _, text := range []string{
		"not json at all",
		`{"kind":"aggregation"}`,
		`{"kind":"prose","answer":"  "}`,
		`{"kind":"poem"}`,
	} {
		_, err := parseResponse(text)
		assert.Equal(t, apperr.KindUpstreamGeneration, apperr.KindOf(err), text)
	}
}

func TestAnthropic_PlainErrorNotTransient(t *testing.T) {
	mc := &mockClient{}
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("plain failure"))
	_, err := NewAnthropic(mc, "m", 0).Generate(context.Background(), Request{Question: "q"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

type fakeGen struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int32) (*Response, error)
}

func (f *fakeGen) Generate(ctx context.Context, _ Request) (*Response, error) {
	return f.fn(ctx, f.calls.Add(1))
}

func guardedCfg() config.GeneratorConfig {
	return config.GeneratorConfig{TimeoutSecs: 1, MaxAttempts: 2, BreakerThreshold: 10}
}

func TestGuarded_RetriesTransientOnce(t *testing.T) {
	f := &fakeGen{fn: func(_ context.Context, n int32) (*Response, error) {
		if n == 1 {
			return nil, resilience.Transient(errors.New("overloaded"), 529)
		}
		return &Response{Kind: KindProse, Text: "ok"}, nil
	}}
	g := NewGuarded(f, guardedCfg())
	g.policy.Backoff = time.Millisecond

	resp, err := g.Generate(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGuarded_GenerationErrorNotRetried(t *testing.T) {
	f := &fakeGen{fn: func(context.Context, int32) (*Response, error) {
		return nil, &apperr.UpstreamGenerationError{Op: "parse response"}
	}}
	_, err := NewGuarded(f, guardedCfg()).Generate(context.Background(), Request{Question: "q"})
	assert.Equal(t, apperr.KindUpstreamGeneration, apperr.KindOf(err))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGuarded_TimeoutAfterBoundedAttempts(t *testing.T) {
	f := &fakeGen{fn: func(ctx context.Context, _ int32) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	g := NewGuarded(f, guardedCfg())
	g.timeout = 10 * time.Millisecond
	g.policy.Backoff = time.Millisecond

	_, err := g.Generate(context.Background(), Request{Question: "q"})
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGuarded_PlainErrorBecomesGenerationError(t *testing.T) {
	f := &fakeGen{fn: func(context.Context, int32) (*Response, error) {
		return nil, errors.New("400 bad request")
	}}
	_, err := NewGuarded(f, guardedCfg()).Generate(context.Background(), Request{Question: "q"})
	assert.Equal(t, apperr.KindUpstreamGeneration, apperr.KindOf(err))
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON("prefix {\"a\":1} suffix"))
	assert.Equal(t, "none", cleanJSON("  none "))
}
