package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/model"
)

// scannable is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// scanField reads the fieldColumns projection. A no-rows error is returned
// unwrapped so callers can map it to NotFound.
func scanField(row scannable, extra ...any) (*model.ExtractedField, error) {
	var (
		f                          model.ExtractedField
		fieldType, status          string
		value, corrected, citation *string
		verifiedAt                 *time.Time
	)
	dest := []any{
		&f.ID, &f.DocumentID, &f.Name, &fieldType, &value, &f.Confidence, &status, &corrected,
		&f.Note, &verifiedAt, &f.VerifiedBy, &f.Version, &f.Position, &citation, &f.CreatedAt, &f.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, eris.Wrap(err, "scan field")
	}
	f.Type = model.FieldType(fieldType)
	f.Status = model.VerificationStatus(status)
	f.VerifiedAt = verifiedAt
	f.Citation = rawFrom(citation)

	var err error
	if f.Value, err = unmarshalValue(value); err != nil {
		return nil, eris.Wrapf(err, "field %s value", f.ID)
	}
	if f.CorrectedValue, err = unmarshalValue(corrected); err != nil {
		return nil, eris.Wrapf(err, "field %s corrected value", f.ID)
	}
	return &f, nil
}

func scanAuditCandidate(row scannable) (*AuditCandidate, error) {
	var name string
	f, err := scanField(row, &name)
	if err != nil {
		return nil, err
	}
	return &AuditCandidate{Field: *f, DocumentName: name}, nil
}

// recordColumns holds the JSON-encoded columns of a query_history row.
type recordColumns struct {
	value       *string
	filters     *string
	aggregation *string
}

func encodeRecord(r *model.QueryHistoryRecord) (recordColumns, error) {
	var cols recordColumns
	var err error
	if r.Value != nil {
		if cols.value, err = marshalValue(r.Value); err != nil {
			return cols, err
		}
	}
	if len(r.Filters) > 0 {
		if cols.filters, err = marshalValue(r.Filters); err != nil {
			return cols, err
		}
	}
	if r.Aggregation != nil {
		if cols.aggregation, err = marshalValue(r.Aggregation); err != nil {
			return cols, err
		}
	}
	return cols, nil
}

func (c recordColumns) decode(r *model.QueryHistoryRecord) error {
	if c.value != nil {
		r.Value = &model.AggregateResult{}
		if err := json.Unmarshal([]byte(*c.value), r.Value); err != nil {
			return eris.Wrapf(err, "query %s value", r.ID)
		}
	}
	if c.filters != nil {
		if err := json.Unmarshal([]byte(*c.filters), &r.Filters); err != nil {
			return eris.Wrapf(err, "query %s filters", r.ID)
		}
	}
	if c.aggregation != nil {
		r.Aggregation = &model.AggregateSpec{}
		if err := json.Unmarshal([]byte(*c.aggregation), r.Aggregation); err != nil {
			return eris.Wrapf(err, "query %s aggregation", r.ID)
		}
	}
	return nil
}
