package model

import "time"

// TemplateField describes one field of a document template. Aliases and
// Description feed the answer generator's schema.
type TemplateField struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Aliases     []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Template is a canonical field layout that a family of documents shares.
type Template struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Fields    []TemplateField `json:"fields" yaml:"fields"`
	Status    string          `json:"status,omitempty" yaml:"status,omitempty"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
}

// FieldNames returns the template's canonical field names.
func (t *Template) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// DocumentGroup is a set of structurally similar documents from one
// ingestion batch. It is returned to the caller and never persisted.
type DocumentGroup struct {
	DocumentIDs     []string `json:"document_ids"`
	SuggestedFields []string `json:"suggested_fields"`
	Cohesion        float64  `json:"cohesion"`
	TemplateID      string   `json:"template_id,omitempty"`
	MatchScore      float64  `json:"match_score"`
	TemplateNeeded  bool     `json:"template_needed"`
}
