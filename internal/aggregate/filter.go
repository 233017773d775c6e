package aggregate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
)

// ValidatePredicates rejects unknown operators and operands of the wrong shape.
func ValidatePredicates(preds []model.Predicate) error {
	for i, p := range preds {
		path := fmt.Sprintf("filters[%d]", i)
		if strings.TrimSpace(p.Field) == "" {
			return apperr.Validation(path+".field", "field is required")
		}
		switch p.Op {
		case model.OpEq, model.OpNe, model.OpContains:
			if p.Value == nil {
				return apperr.Validation(path+".value", "%s needs a value", p.Op)
			}
		case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
			if _, ok := toNumber(p.Value); !ok {
				if _, ok := p.Value.(string); !ok {
					return apperr.Validation(path+".value", "%s needs a number or string", p.Op)
				}
			}
		case model.OpIn:
			if _, ok := p.Value.([]any); !ok {
				return apperr.Validation(path+".value", "in needs an array")
			}
		case model.OpExists:
			if p.Value != nil {
				if _, ok := p.Value.(bool); !ok {
					return apperr.Validation(path+".value", "exists takes an optional boolean")
				}
			}
		default:
			return apperr.Validation(path+".op", "unknown operator %q", p.Op)
		}
	}
	return nil
}

// splitFilters moves equality predicates on document columns into a store
// filter; everything else is evaluated against the streamed documents.
func splitFilters(preds []model.Predicate) (store.ScanFilter, []model.Predicate) {
	var (
		sf   store.ScanFilter
		rest []model.Predicate
	)
	for _, p := range preds {
		vals, ok := pushdownValues(p)
		if !ok {
			rest = append(rest, p)
			continue
		}
		switch p.Field {
		case model.FilterTemplateID:
			if sf.TemplateIDs != nil {
				rest = append(rest, p)
				continue
			}
			sf.TemplateIDs = vals
		case model.FilterStatus:
			if sf.Statuses != nil {
				rest = append(rest, p)
				continue
			}
			for _, v := range vals {
				sf.Statuses = append(sf.Statuses, model.DocumentStatus(v))
			}
		default:
			rest = append(rest, p)
		}
	}
	return sf, rest
}

func pushdownValues(p model.Predicate) ([]string, bool) {
	if p.Field != model.FilterTemplateID && p.Field != model.FilterStatus {
		return nil, false
	}
	switch p.Op {
	case model.OpEq:
		s, ok := p.Value.(string)
		if !ok {
			return nil, false
		}
		return []string{s}, true
	case model.OpIn:
		arr, ok := p.Value.([]any)
		if !ok || len(arr) == 0 {
			return nil, false
		}
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// lookup returns a document's value for a field or pseudo-field and whether
// it is present and non-null.
func lookup(dv *model.DocumentValues, field string) (any, bool) {
	switch field {
	case model.FilterTemplateID:
		if dv.TemplateID == "" {
			return nil, false
		}
		return dv.TemplateID, true
	case model.FilterStatus:
		return string(dv.Status), true
	}
	v, ok := dv.Fields[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// matches reports whether dv satisfies every predicate. A missing value
// fails every operator except exists=false.
func matches(dv *model.DocumentValues, preds []model.Predicate) bool {
	for _, p := range preds {
		if !eval(dv, p) {
			return false
		}
	}
	return true
}

func eval(dv *model.DocumentValues, p model.Predicate) bool {
	v, present := lookup(dv, p.Field)
	if p.Op == model.OpExists {
		want := true
		if b, ok := p.Value.(bool); ok {
			want = b
		}
		return present == want
	}
	if !present {
		return false
	}

	switch p.Op {
	case model.OpEq:
		return equal(v, p.Value)
	case model.OpNe:
		return !equal(v, p.Value)
	case model.OpGt:
		c, ok := compare(v, p.Value)
		return ok && c > 0
	case model.OpGte:
		c, ok := compare(v, p.Value)
		return ok && c >= 0
	case model.OpLt:
		c, ok := compare(v, p.Value)
		return ok && c < 0
	case model.OpLte:
		c, ok := compare(v, p.Value)
		return ok && c <= 0
	case model.OpIn:
		arr, _ := p.Value.([]any)
		for _, want := range arr {
			if equal(v, want) {
				return true
			}
		}
		return false
	case model.OpContains:
		return contains(v, p.Value)
	}
	return false
}

func equal(a, b any) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
		return false
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// compare orders two numbers or two strings; other pairs are incomparable.
// ISO dates compare correctly as strings.
func compare(a, b any) (int, bool) {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func contains(v, want any) bool {
	switch x := v.(type) {
	case string:
		s, ok := want.(string)
		return ok && strings.Contains(strings.ToLower(x), strings.ToLower(s))
	case []any:
		for _, e := range x {
			if equal(e, want) {
				return true
			}
		}
	}
	return false
}

// toNumber accepts JSON numbers only; numeric strings are not coerced.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// groupKey renders a dimension value as a map key.
func groupKey(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	if n, ok := toNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
