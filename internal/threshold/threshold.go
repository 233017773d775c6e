// Package threshold resolves confidence thresholds through the cascade
// user > organization > system > hardcoded.
package threshold

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/classify"
	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/store"
)

// Threshold keys.
const (
	KeyHigh   = "high_confidence_threshold"
	KeyMedium = "medium_confidence_threshold"
	KeyAudit  = "audit_confidence_threshold"
)

// Keys lists every threshold key in display order.
var Keys = []string{KeyHigh, KeyMedium, KeyAudit}

// Scope identifies a layer of the cascade.
type Scope string

const (
	ScopeUser         Scope = store.ScopeUser
	ScopeOrganization Scope = store.ScopeOrganization
	ScopeSystem       Scope = store.ScopeSystem
	ScopeHardcoded    Scope = "hardcoded"
)

// Hardcoded is the last layer of every cascade.
var Hardcoded = map[string]float64{
	KeyHigh:   0.90,
	KeyMedium: 0.75,
	KeyAudit:  0.70,
}

// Layer is one scope's overrides. A missing key falls through.
type Layer struct {
	Scope  Scope
	Values map[string]float64
}

// Resolve returns the first value for key in layers, highest precedence
// first, with the scope that supplied it.
func Resolve(key string, layers []Layer) (float64, Scope, bool) {
	for _, l := range layers {
		if v, ok := l.Values[key]; ok {
			return v, l.Scope, true
		}
	}
	return 0, "", false
}

// RequestContext identifies the caller whose overrides apply. Empty ids skip
// their layer.
type RequestContext struct {
	UserID string
	OrgID  string
}

// SettingsStore persists user and organization overrides.
type SettingsStore interface {
	GetThresholdSettings(ctx context.Context, scope, scopeID string) (map[string]float64, error)
	PutThresholdSetting(ctx context.Context, scope, scopeID, key string, value float64) error
}

// Resolution is a resolved key with the scope it came from.
type Resolution struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Scope Scope   `json:"scope"`
}

// Resolver assembles layers for a request. User and organization layers are
// memoised briefly; Set evicts the affected memo entry.
type Resolver struct {
	store  SettingsStore
	system map[string]float64
	memo   *cache.Cache
}

// NewResolver builds a Resolver whose system layer comes from cfg. Zero
// config values fall through to the hardcoded layer.
func NewResolver(st SettingsStore, cfg config.ThresholdsConfig) *Resolver {
	system := make(map[string]float64)
	if cfg.High > 0 {
		system[KeyHigh] = cfg.High
	}
	if cfg.Medium > 0 {
		system[KeyMedium] = cfg.Medium
	}
	if cfg.Audit > 0 {
		system[KeyAudit] = cfg.Audit
	}
	ttl := time.Duration(cfg.LayerCacheTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		store:  st,
		system: system,
		memo:   cache.New(ttl, 2*ttl),
	}
}

// Layers returns the cascade for rc, highest precedence first.
func (r *Resolver) Layers(ctx context.Context, rc RequestContext) ([]Layer, error) {
	layers := make([]Layer, 0, 4)
	if rc.UserID != "" {
		vals, err := r.load(ctx, ScopeUser, rc.UserID)
		if err != nil {
			return nil, err
		}
		layers = append(layers, Layer{Scope: ScopeUser, Values: vals})
	}
	if rc.OrgID != "" {
		vals, err := r.load(ctx, ScopeOrganization, rc.OrgID)
		if err != nil {
			return nil, err
		}
		layers = append(layers, Layer{Scope: ScopeOrganization, Values: vals})
	}
	return append(layers,
		Layer{Scope: ScopeSystem, Values: r.system},
		Layer{Scope: ScopeHardcoded, Values: Hardcoded},
	), nil
}

func (r *Resolver) load(ctx context.Context, scope Scope, id string) (map[string]float64, error) {
	key := memoKey(scope, id)
	if x, found := r.memo.Get(key); found {
		return x.(map[string]float64), nil
	}
	vals, err := r.store.GetThresholdSettings(ctx, string(scope), id)
	if err != nil {
		return nil, eris.Wrapf(err, "threshold: load %s %s", scope, id)
	}
	r.memo.Set(key, vals, cache.DefaultExpiration)
	return vals, nil
}

// Explain resolves every key for rc.
func (r *Resolver) Explain(ctx context.Context, rc RequestContext) ([]Resolution, error) {
	layers, err := r.Layers(ctx, rc)
	if err != nil {
		return nil, err
	}
	out := make([]Resolution, 0, len(Keys))
	for _, k := range Keys {
		v, scope, _ := Resolve(k, layers)
		out = append(out, Resolution{Key: k, Value: v, Scope: scope})
	}
	return out, nil
}

// Thresholds resolves the full threshold set for rc. A cascade that would
// break audit <= medium <= high is clamped downward and logged.
func (r *Resolver) Thresholds(ctx context.Context, rc RequestContext) (classify.Thresholds, error) {
	layers, err := r.Layers(ctx, rc)
	if err != nil {
		return classify.Thresholds{}, err
	}
	high, _, _ := Resolve(KeyHigh, layers)
	medium, _, _ := Resolve(KeyMedium, layers)
	audit, _, _ := Resolve(KeyAudit, layers)
	return Clamp(classify.Thresholds{High: high, Medium: medium, Audit: audit}, rc), nil
}

// Clamp enforces audit <= medium <= high by lowering the offending value.
func Clamp(t classify.Thresholds, rc RequestContext) classify.Thresholds {
	if t.Medium > t.High {
		zap.L().Warn("threshold: medium above high, clamping",
			zap.String("user_id", rc.UserID),
			zap.String("org_id", rc.OrgID),
			zap.Float64("medium", t.Medium),
			zap.Float64("high", t.High),
		)
		t.Medium = t.High
	}
	if t.Audit > t.Medium {
		zap.L().Warn("threshold: audit above medium, clamping",
			zap.String("user_id", rc.UserID),
			zap.String("org_id", rc.OrgID),
			zap.Float64("audit", t.Audit),
			zap.Float64("medium", t.Medium),
		)
		t.Audit = t.Medium
	}
	return t
}

// Set stores an override and evicts the memoised layer. Only user and
// organization scopes are writable; the system layer is configuration.
func (r *Resolver) Set(ctx context.Context, scope Scope, scopeID, key string, value float64) error {
	if scope != ScopeUser && scope != ScopeOrganization {
		return apperr.Validation("scope", "scope must be %s or %s", ScopeUser, ScopeOrganization)
	}
	if scopeID == "" {
		return apperr.Validation("scope_id", "scope id is required")
	}
	if _, ok := Hardcoded[key]; !ok {
		return apperr.Validation("key", "unknown threshold key %q", key)
	}
	if value < 0 || value > 1 {
		return apperr.Validation("value", "threshold must be between 0 and 1, got %v", value)
	}
	if err := r.store.PutThresholdSetting(ctx, string(scope), scopeID, key, value); err != nil {
		return eris.Wrapf(err, "threshold: set %s %s %s", scope, scopeID, key)
	}
	r.memo.Delete(memoKey(scope, scopeID))
	return nil
}

func memoKey(scope Scope, id string) string {
	return string(scope) + ":" + id
}
