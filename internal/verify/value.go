package verify

import (
	"encoding/json"
	"math"
	"reflect"
	"time"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
)

// DateLayouts are the accepted encodings of a date field.
var DateLayouts = []string{"2006-01-02", time.RFC3339}

// ValidateValue checks v against the declared field type without coercion:
// "42" is not a number and 1 is not a boolean.
func ValidateValue(t model.FieldType, v any) error {
	if v == nil {
		return apperr.Validation("corrected_value", "a corrected value is required")
	}

	switch t {
	case model.FieldTypeText:
		if _, ok := v.(string); !ok {
			return typeMismatch(t, v)
		}

	case model.FieldTypeNumber:
		n, ok := asNumber(v)
		if !ok {
			return typeMismatch(t, v)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return apperr.Validation("corrected_value", "number must be finite")
		}

	case model.FieldTypeDate:
		s, ok := v.(string)
		if !ok {
			return typeMismatch(t, v)
		}
		if !isDate(s) {
			return apperr.Validation("corrected_value", "date %q must be YYYY-MM-DD or RFC 3339", s)
		}

	case model.FieldTypeBoolean:
		if _, ok := v.(bool); !ok {
			return typeMismatch(t, v)
		}

	case model.FieldTypeArray:
		if _, ok := asSlice(v); !ok {
			return typeMismatch(t, v)
		}

	case model.FieldTypeTable:
		rows, ok := asSlice(v)
		if !ok {
			return typeMismatch(t, v)
		}
		for i, row := range rows {
			if _, ok := asSlice(row); !ok {
				return apperr.Validation("corrected_value", "table row %d is not an array", i)
			}
		}

	case model.FieldTypeArrayOfObjects:
		items, ok := asSlice(v)
		if !ok {
			return typeMismatch(t, v)
		}
		for i, item := range items {
			if !isObject(item) {
				return apperr.Validation("corrected_value", "element %d is not an object", i)
			}
		}

	default:
		return apperr.Validation("type", "unknown field type %q", t)
	}
	return nil
}

func typeMismatch(t model.FieldType, v any) error {
	return apperr.Validation("corrected_value", "expected %s, got %s", t, jsonKind(v))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isDate(s string) bool {
	for _, layout := range DateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isObject(v any) bool {
	if _, ok := v.(map[string]any); ok {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
}

func jsonKind(v any) string {
	switch {
	case v == nil:
		return "null"
	case isObject(v):
		return "object"
	}
	if _, ok := asSlice(v); ok {
		return "array"
	}
	if _, ok := asNumber(v); ok {
		return "number"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	return reflect.TypeOf(v).String()
}

// sameValue compares two values by their JSON encoding.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
