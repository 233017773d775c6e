package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		field ExtractedField
		want  any
	}{
		{"unverified uses raw", ExtractedField{Value: 10.0, Status: VerificationUnverified}, 10.0},
		{"correct uses raw", ExtractedField{Value: 10.0, Status: VerificationCorrect}, 10.0},
		{"corrected uses correction", ExtractedField{Value: 10.0, CorrectedValue: 12.5, Status: VerificationCorrected}, 12.5},
		{"not found is nil", ExtractedField{Value: 10.0, Status: VerificationNotFound}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.field.EffectiveValue())
		})
	}
}

func TestDecisionStatus(t *testing.T) {
	t.Parallel()

	s, ok := DecisionCorrected.Status()
	assert.True(t, ok)
	assert.Equal(t, VerificationCorrected, s)

	_, ok = Decision("approve").Status()
	assert.False(t, ok)
}

func TestFieldTypeValid(t *testing.T) {
	t.Parallel()

	for _, ft := range []FieldType{FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeBoolean, FieldTypeArray, FieldTypeTable, FieldTypeArrayOfObjects} {
		assert.True(t, ft.Valid(), ft)
	}
	assert.False(t, FieldType("currency").Valid())
}

func TestDocumentFieldByName(t *testing.T) {
	t.Parallel()

	doc := Document{Fields: []ExtractedField{{Name: "vendor"}, {Name: "amount"}}}
	assert.Equal(t, []string{"vendor", "amount"}, doc.FieldNames())
	assert.NotNil(t, doc.FieldByName("amount"))
	assert.Nil(t, doc.FieldByName("total"))
}

func TestCanonicalPredicates_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := []Predicate{
		{Field: "vendor", Op: OpEq, Value: "Acme"},
		{Field: "amount", Op: OpGt, Value: 100},
	}
	b := []Predicate{
		{Field: "amount", Op: OpGt, Value: 100},
		{Field: " Vendor ", Op: OpEq, Value: "Acme"},
	}
	assert.Equal(t, CanonicalPredicates(a), CanonicalPredicates(b))
	assert.NotEqual(t, CanonicalPredicates(a), CanonicalPredicates(a[:1]))
	assert.Equal(t, "[]", CanonicalPredicates(nil))
}
