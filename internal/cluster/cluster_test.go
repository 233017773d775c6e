package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/model"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"half", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3},
		{"case and space", []string{" Vendor ", "AMOUNT"}, []string{"vendor", "amount"}, 1},
		{"empty", nil, []string{"a"}, 0},
		{"both empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(config.ClusterConfig{})
	assert.Equal(t, DefaultMergeThreshold, c.MergeThreshold)
	assert.Equal(t, DefaultMatchThreshold, c.MatchThreshold)
}

func TestGroupIdenticalMerge(t *testing.T) {
	c := New(config.ClusterConfig{MergeThreshold: 0.99})
	groups := c.Group([]Input{
		{DocumentID: "a", FieldNames: []string{"vendor", "amount", "date"}},
		{DocumentID: "b", FieldNames: []string{"date", "Vendor", "amount"}},
	})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b"}, groups[0].DocumentIDs)
	assert.Equal(t, 1.0, groups[0].Cohesion)
}

func TestGroupDisjointNeverMerge(t *testing.T) {
	// Even a permissive threshold must not merge documents with nothing in common.
	c := &Clusterer{MergeThreshold: 0.0001, MatchThreshold: 0.7}
	groups := c.Group([]Input{
		{DocumentID: "a", FieldNames: []string{"vendor", "amount"}},
		{DocumentID: "b", FieldNames: []string{"patient", "diagnosis"}},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a"}, groups[0].DocumentIDs)
	assert.Equal(t, []string{"b"}, groups[1].DocumentIDs)
}

func TestGroupCompleteLinkageBlocksChaining(t *testing.T) {
	// a~b and b~c clear 0.6 but a~c does not, so c cannot join a's group.
	c := New(config.ClusterConfig{MergeThreshold: 0.6})
	groups := c.Group([]Input{
		{DocumentID: "a", FieldNames: []string{"f1", "f2", "f3", "f4"}},
		{DocumentID: "b", FieldNames: []string{"f2", "f3", "f4", "f5"}},
		{DocumentID: "c", FieldNames: []string{"f3", "f4", "f5", "f6"}},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b"}, groups[0].DocumentIDs)
	assert.Equal(t, []string{"c"}, groups[1].DocumentIDs)
	assert.InDelta(t, 0.6, groups[0].Cohesion, 1e-9)

	// b and c clear the threshold yet end up apart: only within-group pairs
	// are guaranteed to be similar.
	assert.GreaterOrEqual(t, Jaccard([]string{"f2", "f3", "f4", "f5"}, []string{"f3", "f4", "f5", "f6"}), c.MergeThreshold)
	assert.Less(t, Jaccard([]string{"f1", "f2", "f3", "f4"}, []string{"f3", "f4", "f5", "f6"}), c.MergeThreshold)
}

func TestGroupSizeRatioPrunes(t *testing.T) {
	c := New(config.ClusterConfig{MergeThreshold: 0.8})
	groups := c.Group([]Input{
		{DocumentID: "small", FieldNames: []string{"a", "b"}},
		{DocumentID: "large", FieldNames: []string{"a", "b", "c", "d", "e"}},
	})
	assert.Len(t, groups, 2)
}

func TestGroupSuggestedFieldsByFrequency(t *testing.T) {
	c := New(config.ClusterConfig{MergeThreshold: 0.5})
	groups := c.Group([]Input{
		{DocumentID: "a", FieldNames: []string{"vendor", "amount", "date"}},
		{DocumentID: "b", FieldNames: []string{"vendor", "amount", "po_number"}},
		{DocumentID: "c", FieldNames: []string{"vendor", "amount", "date"}},
	})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"amount", "vendor", "date", "po_number"}, groups[0].SuggestedFields)
}

func invoiceTemplate(id string) model.Template {
	return model.Template{
		ID:   id,
		Name: "Invoice",
		Fields: []model.TemplateField{
			{Name: "vendor", Type: model.FieldTypeText, Aliases: []string{"supplier"}},
			{Name: "amount", Type: model.FieldTypeNumber},
			{Name: "date", Type: model.FieldTypeDate},
		},
	}
}

func TestMatch(t *testing.T) {
	c := New(config.ClusterConfig{MatchThreshold: 0.7})
	templates := []model.Template{
		invoiceTemplate("tpl-invoice"),
		{ID: "tpl-claim", Fields: []model.TemplateField{{Name: "patient"}, {Name: "diagnosis"}}},
	}

	id, score, ok := c.Match([]string{"vendor", "amount", "date"}, templates)
	require.True(t, ok)
	assert.Equal(t, "tpl-invoice", id)
	assert.Equal(t, 1.0, score)

	id, _, ok = c.Match([]string{"Supplier", "amount", "date"}, templates)
	require.True(t, ok, "alias maps to canonical name")
	assert.Equal(t, "tpl-invoice", id)

	_, score, ok = c.Match([]string{"vendor", "weight"}, templates)
	assert.False(t, ok)
	assert.Less(t, score, 0.7)

	_, _, ok = c.Match([]string{"anything"}, nil)
	assert.False(t, ok)
}

func TestMatchTieBreak(t *testing.T) {
	c := New(config.ClusterConfig{MatchThreshold: 0.5})

	// Same score, same size: lower id wins regardless of order.
	a := model.Template{ID: "b-tpl", Fields: []model.TemplateField{{Name: "x"}, {Name: "y"}}}
	b := model.Template{ID: "a-tpl", Fields: []model.TemplateField{{Name: "x"}, {Name: "y"}}}
	id, _, ok := c.Match([]string{"x", "y"}, []model.Template{a, b})
	require.True(t, ok)
	assert.Equal(t, "a-tpl", id)

	// {a,b,c,d} scores 2/4 against small and 3/6 against large: the larger
	// template wins the tie even though its id sorts later.
	small := model.Template{ID: "a-small", Fields: []model.TemplateField{{Name: "a"}, {Name: "b"}}}
	large := model.Template{ID: "z-large", Fields: []model.TemplateField{
		{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "x"}, {Name: "y"},
	}}
	id, score, ok := c.Match([]string{"a", "b", "c", "d"}, []model.Template{small, large})
	require.True(t, ok)
	assert.Equal(t, "z-large", id)
	assert.Equal(t, 0.5, score)
}

func TestRun(t *testing.T) {
	c := New(config.ClusterConfig{})
	groups := c.Run([]Input{
		{DocumentID: "i1", FieldNames: []string{"vendor", "amount", "date"}},
		{DocumentID: "i2", FieldNames: []string{"vendor", "amount", "date"}},
		{DocumentID: "x1", FieldNames: []string{"shipment", "weight"}},
	}, []model.Template{invoiceTemplate("tpl-invoice")})

	require.Len(t, groups, 2)
	assert.Equal(t, "tpl-invoice", groups[0].TemplateID)
	assert.False(t, groups[0].TemplateNeeded)
	assert.True(t, groups[1].TemplateNeeded)
	assert.Empty(t, groups[1].TemplateID)
}
