package threshold

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/store"
)

type countingStore struct {
	settings map[string]map[string]float64
	loads    int
	err      error
}

func newCountingStore() *countingStore {
	return &countingStore{settings: make(map[string]map[string]float64)}
}

func (c *countingStore) GetThresholdSettings(_ context.Context, scope, scopeID string) (map[string]float64, error) {
	c.loads++
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]float64)
	for k, v := range c.settings[scope+"/"+scopeID] {
		out[k] = v
	}
	return out, nil
}

func (c *countingStore) PutThresholdSetting(_ context.Context, scope, scopeID, key string, value float64) error {
	k := scope + "/" + scopeID
	if c.settings[k] == nil {
		c.settings[k] = make(map[string]float64)
	}
	c.settings[k][key] = value
	return nil
}

func TestResolve(t *testing.T) {
	layers := []Layer{
		{Scope: ScopeUser, Values: map[string]float64{KeyAudit: 0.5}},
		{Scope: ScopeOrganization, Values: map[string]float64{KeyAudit: 0.6, KeyMedium: 0.7}},
		{Scope: ScopeSystem, Values: map[string]float64{}},
		{Scope: ScopeHardcoded, Values: Hardcoded},
	}

	v, scope, ok := Resolve(KeyAudit, layers)
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
	assert.Equal(t, ScopeUser, scope)

	v, scope, ok = Resolve(KeyMedium, layers)
	require.True(t, ok)
	assert.Equal(t, 0.7, v)
	assert.Equal(t, ScopeOrganization, scope)

	v, scope, ok = Resolve(KeyHigh, layers)
	require.True(t, ok)
	assert.Equal(t, 0.90, v)
	assert.Equal(t, ScopeHardcoded, scope)

	_, _, ok = Resolve("unknown", layers)
	assert.False(t, ok)
}

func TestResolverFallsThroughToHardcoded(t *testing.T) {
	r := NewResolver(newCountingStore(), config.ThresholdsConfig{})

	got, err := r.Thresholds(context.Background(), RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, 0.90, got.High)
	assert.Equal(t, 0.75, got.Medium)
	assert.Equal(t, 0.70, got.Audit)
}

func TestResolverPrecedence(t *testing.T) {
	st := newCountingStore()
	ctx := context.Background()
	r := NewResolver(st, config.ThresholdsConfig{High: 0.95, Audit: 0.65})

	require.NoError(t, r.Set(ctx, ScopeOrganization, "org-1", KeyAudit, 0.55))
	require.NoError(t, r.Set(ctx, ScopeUser, "u-1", KeyAudit, 0.45))

	res, err := r.Explain(ctx, RequestContext{UserID: "u-1", OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, Resolution{Key: KeyHigh, Value: 0.95, Scope: ScopeSystem}, res[0])
	assert.Equal(t, Resolution{Key: KeyMedium, Value: 0.75, Scope: ScopeHardcoded}, res[1])
	assert.Equal(t, Resolution{Key: KeyAudit, Value: 0.45, Scope: ScopeUser}, res[2])

	// Another user in the same organization sees the org override.
	got, err := r.Thresholds(ctx, RequestContext{UserID: "u-2", OrgID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, 0.55, got.Audit)

	// No org, no user: system value.
	got, err = r.Thresholds(ctx, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, 0.65, got.Audit)
}

func TestResolverMemoAndEviction(t *testing.T) {
	st := newCountingStore()
	ctx := context.Background()
	r := NewResolver(st, config.ThresholdsConfig{LayerCacheTTLSecs: 60})
	rc := RequestContext{UserID: "u-1"}

	_, err := r.Thresholds(ctx, rc)
	require.NoError(t, err)
	_, err = r.Thresholds(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 1, st.loads, "second lookup served from memo")

	require.NoError(t, r.Set(ctx, ScopeUser, "u-1", KeyAudit, 0.5))
	got, err := r.Thresholds(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Audit)
	assert.Equal(t, 2, st.loads)
}

func TestResolverStoreError(t *testing.T) {
	st := newCountingStore()
	st.err = errors.New("boom")
	r := NewResolver(st, config.ThresholdsConfig{})

	_, err := r.Thresholds(context.Background(), RequestContext{OrgID: "org-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold: load organization org-1")
}

func TestClampNonMonotonic(t *testing.T) {
	st := newCountingStore()
	ctx := context.Background()
	r := NewResolver(st, config.ThresholdsConfig{})

	require.NoError(t, r.Set(ctx, ScopeUser, "u-1", KeyMedium, 0.95))
	require.NoError(t, r.Set(ctx, ScopeUser, "u-1", KeyAudit, 0.99))

	got, err := r.Thresholds(ctx, RequestContext{UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 0.90, got.High)
	assert.Equal(t, 0.90, got.Medium)
	assert.Equal(t, 0.90, got.Audit)
	assert.LessOrEqual(t, got.Audit, got.Medium)
	assert.LessOrEqual(t, got.Medium, got.High)
}

func TestSetValidation(t *testing.T) {
	r := NewResolver(newCountingStore(), config.ThresholdsConfig{})
	ctx := context.Background()

	tests := []struct {
		name    string
		scope   Scope
		scopeID string
		key     string
		value   float64
		field   string
	}{
		{"system scope", ScopeSystem, "x", KeyAudit, 0.5, "scope"},
		{"missing id", ScopeUser, "", KeyAudit, 0.5, "scope_id"},
		{"unknown key", ScopeUser, "u", "low_threshold", 0.5, "key"},
		{"above one", ScopeUser, "u", KeyAudit, 1.2, "value"},
		{"negative", ScopeOrganization, "o", KeyHigh, -0.1, "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Set(ctx, tt.scope, tt.scopeID, tt.key, tt.value)
			require.Error(t, err)
			var ve *apperr.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestResolverWithSQLiteStore(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "thresholds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	r := NewResolver(st, config.ThresholdsConfig{High: 0.9, Medium: 0.75, Audit: 0.7})
	require.NoError(t, r.Set(ctx, ScopeOrganization, "acme", KeyAudit, 0.6))

	got, err := r.Thresholds(ctx, RequestContext{OrgID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Audit)

	// A fresh resolver reads the persisted override.
	r2 := NewResolver(st, config.ThresholdsConfig{})
	got, err = r2.Thresholds(ctx, RequestContext{OrgID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Audit)
}
