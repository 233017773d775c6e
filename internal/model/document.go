package model

import (
	"encoding/json"
	"time"
)

// DocumentStatus represents where a document is in the ingestion and review lifecycle.
type DocumentStatus string

const (
	DocumentStatusIngested        DocumentStatus = "ingested"
	DocumentStatusClustering      DocumentStatus = "clustering"
	DocumentStatusTemplateNeeded  DocumentStatus = "template_needed"
	DocumentStatusTemplateMatched DocumentStatus = "template_matched"
	DocumentStatusProcessing      DocumentStatus = "processing"
	DocumentStatusCompleted       DocumentStatus = "completed"
	DocumentStatusVerified        DocumentStatus = "verified"
	DocumentStatusError           DocumentStatus = "error"
)

// Valid reports whether s is a known document status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentStatusIngested, DocumentStatusClustering, DocumentStatusTemplateNeeded,
		DocumentStatusTemplateMatched, DocumentStatusProcessing, DocumentStatusCompleted,
		DocumentStatusVerified, DocumentStatusError:
		return true
	}
	return false
}

// FieldType is the declared type of an extracted field.
type FieldType string

const (
	FieldTypeText           FieldType = "text"
	FieldTypeNumber         FieldType = "number"
	FieldTypeDate           FieldType = "date"
	FieldTypeBoolean        FieldType = "boolean"
	FieldTypeArray          FieldType = "array"
	FieldTypeTable          FieldType = "table"
	FieldTypeArrayOfObjects FieldType = "array_of_objects"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeNumber, FieldTypeDate, FieldTypeBoolean,
		FieldTypeArray, FieldTypeTable, FieldTypeArrayOfObjects:
		return true
	}
	return false
}

// VerificationStatus tracks human review of a single field.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationCorrect    VerificationStatus = "verified_correct"
	VerificationCorrected  VerificationStatus = "verified_corrected"
	VerificationNotFound   VerificationStatus = "not_found"
)

// Document is a single ingested source document and its extracted fields.
type Document struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Status     DocumentStatus   `json:"status"`
	TemplateID string           `json:"template_id,omitempty"`
	Citations  json.RawMessage  `json:"citations,omitempty"` // opaque page/bbox metadata from the parser
	Fields     []ExtractedField `json:"fields,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// FieldNames returns the names of all extracted fields in document order.
func (d *Document) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		names = append(names, f.Name)
	}
	return names
}

// FieldByName returns the named field, or nil.
func (d *Document) FieldByName(name string) *ExtractedField {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// ExtractedField is one value pulled out of a document by the extraction
// pipeline. Confidence never changes after the initial extraction; only the
// verification columns mutate.
type ExtractedField struct {
	ID             string             `json:"id"`
	DocumentID     string             `json:"document_id"`
	Name           string             `json:"name"`
	Type           FieldType          `json:"type"`
	Value          any                `json:"value"`
	Confidence     float64            `json:"confidence"`
	Status         VerificationStatus `json:"verification_status"`
	CorrectedValue any                `json:"corrected_value,omitempty"`
	Note           string             `json:"note,omitempty"`
	VerifiedAt     *time.Time         `json:"verified_at,omitempty"`
	VerifiedBy     string             `json:"verified_by,omitempty"`
	Version        int64              `json:"version"`
	Position       int                `json:"position"`
	Citation       json.RawMessage    `json:"citation,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// EffectiveValue is the value downstream consumers should see: the human
// correction when one exists, nothing when the reviewer marked the field as
// absent from the source, and the raw extraction otherwise.
func (f *ExtractedField) EffectiveValue() any {
	switch f.Status {
	case VerificationCorrected:
		return f.CorrectedValue
	case VerificationNotFound:
		return nil
	default:
		return f.Value
	}
}

// DocumentValues is a flattened view of a document used by full-set scans.
// Fields holds effective values keyed by field name.
type DocumentValues struct {
	DocumentID string         `json:"document_id"`
	Name       string         `json:"name"`
	TemplateID string         `json:"template_id,omitempty"`
	Status     DocumentStatus `json:"status"`
	Fields     map[string]any `json:"fields"`
}
