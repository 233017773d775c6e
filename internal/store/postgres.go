package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/db"
	"github.com/sells-group/docverify/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS templates (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	fields     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'ingested',
	template_id TEXT,
	citations   JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id     TEXT NOT NULL REFERENCES documents(id),
	name            TEXT NOT NULL,
	type            TEXT NOT NULL,
	value           JSONB,
	confidence      DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	status          TEXT NOT NULL DEFAULT 'unverified',
	corrected_value JSONB,
	note            TEXT NOT NULL DEFAULT '',
	verified_at     TIMESTAMPTZ,
	verified_by     TEXT NOT NULL DEFAULT '',
	version         BIGINT NOT NULL DEFAULT 1,
	position        INTEGER NOT NULL DEFAULT 0,
	citation        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (document_id, name)
);

CREATE TABLE IF NOT EXISTS threshold_settings (
	scope      TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, scope_id, key)
);

CREATE TABLE IF NOT EXISTS query_history (
	id          TEXT PRIMARY KEY,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	value       JSONB,
	kind        TEXT NOT NULL,
	filters     JSONB,
	aggregation JSONB,
	parent_id   TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS query_history_documents (
	query_id    TEXT NOT NULL REFERENCES query_history(id) ON DELETE CASCADE,
	document_id TEXT NOT NULL REFERENCES documents(id),
	PRIMARY KEY (query_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_template ON documents(template_id);
CREATE INDEX IF NOT EXISTS idx_fields_audit ON extracted_fields(confidence, id) WHERE status = 'unverified';
CREATE INDEX IF NOT EXISTS idx_fields_document ON extracted_fields(document_id, position);
CREATE UNIQUE INDEX IF NOT EXISTS idx_query_history_successor ON query_history(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_query_history_expires ON query_history(expires_at);
CREATE INDEX IF NOT EXISTS idx_qhd_document ON query_history_documents(document_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Templates ---

func (s *PostgresStore) UpsertTemplate(ctx context.Context, t *model.Template) error {
	fieldsJSON, err := json.Marshal(t.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal template fields")
	}
	if t.Status == "" {
		t.Status = "active"
	}
	t.UpdatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO templates (id, name, fields, status, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, fields = EXCLUDED.fields,
		 status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, string(fieldsJSON), t.Status, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert template %s", t.ID)
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, fields, status, updated_at FROM templates WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		var fieldsJSON string
		if err := rows.Scan(&t.ID, &t.Name, &fieldsJSON, &t.Status, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan template")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &t.Fields); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal template %s fields", t.ID)
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list templates iterate")
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = model.DocumentStatusIngested
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create document")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, name, status, template_id, citations, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.Name, string(doc.Status), nullString(doc.TemplateID), rawOrNil(doc.Citations), now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert document %s", doc.ID)
	}
	if err := insertFieldsPgx(ctx, tx, doc.ID, doc.Fields, 0, now); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create document")
}

var copyFieldColumns = []string{
	"id", "document_id", "name", "type", "value", "confidence", "status",
	"version", "position", "citation", "created_at", "updated_at",
}

func insertFieldsPgx(ctx context.Context, tx pgx.Tx, docID string, fields []model.ExtractedField, startPos int, now time.Time) error {
	rows := make([][]any, 0, len(fields))
	for i := range fields {
		f := &fields[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.DocumentID = docID
		f.Position = startPos + i
		if f.Status == "" {
			f.Status = model.VerificationUnverified
		}
		if f.Version == 0 {
			f.Version = 1
		}
		f.CreatedAt, f.UpdatedAt = now, now

		value, err := marshalValue(f.Value)
		if err != nil {
			return eris.Wrapf(err, "postgres: field %s", f.Name)
		}
		rows = append(rows, []any{
			f.ID, docID, f.Name, string(f.Type), value, f.Confidence, string(f.Status),
			f.Version, f.Position, rawOrNil(f.Citation), now, now,
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "extracted_fields", copyFieldColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: insert fields for %s", docID)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	docs, err := s.GetDocuments(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("document", id)
	}
	return &docs[0], nil
}

func (s *PostgresStore) GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, status, template_id, citations, created_at, updated_at FROM documents WHERE id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get documents")
	}
	var docs []model.Document
	index := make(map[string]int, len(ids))
	for rows.Next() {
		var d model.Document
		var status string
		var templateID, citations *string
		if err := rows.Scan(&d.ID, &d.Name, &status, &templateID, &citations, &d.CreatedAt, &d.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		d.Status = model.DocumentStatus(status)
		d.TemplateID = deref(templateID)
		d.Citations = rawFrom(citations)
		index[d.ID] = len(docs)
		docs = append(docs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: get documents iterate")
	}

	fieldRows, err := s.pool.Query(ctx,
		`SELECT `+fieldColumns+` FROM extracted_fields WHERE document_id = ANY($1) ORDER BY document_id, position`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get document fields")
	}
	defer fieldRows.Close()
	for fieldRows.Next() {
		f, err := scanField(fieldRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[f.DocumentID]; ok {
			docs[i].Fields = append(docs[i].Fields, *f)
		}
	}
	return docs, eris.Wrap(fieldRows.Err(), "postgres: get document fields iterate")
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id string, status model.DocumentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update document status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document", id)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentTemplate(ctx context.Context, id, templateID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET template_id = $1, updated_at = $2 WHERE id = $3`,
		nullString(templateID), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update document template %s", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document", id)
	}
	return nil
}

// --- Fields ---

func (s *PostgresStore) AddFields(ctx context.Context, docID string, fields []model.ExtractedField) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin add fields")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM extracted_fields WHERE document_id = $1`, docID,
	).Scan(&next); err != nil {
		return eris.Wrapf(err, "postgres: next position %s", docID)
	}
	now := time.Now().UTC()
	if err := insertFieldsPgx(ctx, tx, docID, fields, next, now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(refreshStatusSQL, "$1", "$2"), docID, now); err != nil {
		return eris.Wrapf(err, "postgres: refresh document status %s", docID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit add fields")
}

func (s *PostgresStore) GetField(ctx context.Context, id string) (*model.ExtractedField, error) {
	f, err := scanField(s.pool.QueryRow(ctx, `SELECT `+fieldColumns+` FROM extracted_fields WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperr.NotFound("field", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get field")
	}
	return f, nil
}

func (s *PostgresStore) GetFields(ctx context.Context, ids []string) ([]model.ExtractedField, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+fieldColumns+` FROM extracted_fields WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get fields")
	}
	defer rows.Close()

	var out []model.ExtractedField
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get fields iterate")
}

func (s *PostgresStore) ReplaceField(ctx context.Context, f *model.ExtractedField) error {
	value, err := marshalValue(f.Value)
	if err != nil {
		return eris.Wrapf(err, "postgres: field %s", f.Name)
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace field")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	updated, err := scanField(tx.QueryRow(ctx,
		`UPDATE extracted_fields SET type = $1, value = $2, confidence = $3, citation = $4, status = 'unverified',
		 corrected_value = NULL, note = '', verified_at = NULL, verified_by = '', version = version + 1, updated_at = $5
		 WHERE document_id = $6 AND name = $7
		 RETURNING `+fieldColumns,
		string(f.Type), value, f.Confidence, rawOrNil(f.Citation), now, f.DocumentID, f.Name,
	))
	if isNoRows(err) {
		return apperr.NotFound("field", f.DocumentID+"/"+f.Name)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: replace field %s/%s", f.DocumentID, f.Name)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(refreshStatusSQL, "$1", "$2"), f.DocumentID, now); err != nil {
		return eris.Wrapf(err, "postgres: refresh document status %s", f.DocumentID)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit replace field")
	}
	*f = *updated
	return nil
}

// --- Audit & verification ---

func (s *PostgresStore) ListAuditCandidates(ctx context.Context, q AuditQuery) ([]AuditCandidate, error) {
	var b strings.Builder
	b.WriteString(`SELECT f.` + strings.ReplaceAll(fieldColumns, ", ", ", f.") + `, d.name
		FROM extracted_fields f JOIN documents d ON d.id = f.document_id
		WHERE f.status = 'unverified' AND f.confidence < $1`)
	args := []any{q.Threshold}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.DocumentID != "" {
		b.WriteString(` AND f.document_id = ` + next(q.DocumentID))
	}
	if q.After != nil {
		b.WriteString(` AND (f.confidence, f.id) > (` + next(q.After.Confidence) + `, ` + next(q.After.FieldID) + `)`)
	}
	b.WriteString(` ORDER BY f.confidence, f.id`)
	if q.Limit > 0 {
		b.WriteString(` LIMIT ` + next(q.Limit))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit candidates")
	}
	defer rows.Close()

	var out []AuditCandidate
	for rows.Next() {
		c, err := scanAuditCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit candidates iterate")
}

// ApplyVerifications writes every item inside one transaction with a
// savepoint per item; see SQLiteStore.ApplyVerifications.
func (s *PostgresStore) ApplyVerifications(ctx context.Context, writes []model.VerificationWrite) ([]model.VerificationOutcome, error) {
	out := make([]model.VerificationOutcome, len(writes))
	if len(writes) == 0 {
		return out, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin verification batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	touched := make(map[string]struct{})
	var order []string
	for i, w := range writes {
		sp := fmt.Sprintf("verify_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, eris.Wrapf(err, "postgres: savepoint %s", sp)
		}

		f, itemErr := applyOnePgx(ctx, tx, w)
		if itemErr != nil {
			if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
				return nil, eris.Wrapf(err, "postgres: rollback to %s", sp)
			}
			out[i] = model.VerificationOutcome{Err: itemErr}
		} else {
			out[i] = model.VerificationOutcome{Field: f}
			if _, ok := touched[f.DocumentID]; !ok {
				touched[f.DocumentID] = struct{}{}
				order = append(order, f.DocumentID)
			}
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return nil, eris.Wrapf(err, "postgres: release %s", sp)
		}
	}

	now := time.Now().UTC()
	for _, docID := range order {
		if _, err := tx.Exec(ctx, fmt.Sprintf(refreshStatusSQL, "$1", "$2"), docID, now); err != nil {
			return nil, eris.Wrapf(err, "postgres: refresh document status %s", docID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit verification batch")
	}
	return out, nil
}

func applyOnePgx(ctx context.Context, tx pgx.Tx, w model.VerificationWrite) (*model.ExtractedField, error) {
	corrected, err := marshalValue(w.CorrectedValue)
	if err != nil {
		return nil, apperr.Validation("corrected_value", "%v", err)
	}
	at := w.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	f, err := scanField(tx.QueryRow(ctx,
		`UPDATE extracted_fields SET status = $1, corrected_value = $2, note = $3, verified_at = $4, verified_by = $5,
		 version = version + 1, updated_at = $4
		 WHERE id = $6 AND version = $7
		 RETURNING `+fieldColumns,
		string(w.Status), corrected, w.Note, at, w.Actor, w.FieldID, w.ExpectedVersion,
	))
	if err == nil {
		return f, nil
	}
	if !isNoRows(err) {
		return nil, eris.Wrapf(err, "postgres: verify field %s", w.FieldID)
	}
	return nil, casFailurePgx(ctx, tx, w.FieldID, w.ExpectedVersion)
}

func casFailurePgx(ctx context.Context, tx pgx.Tx, fieldID string, expected int64) error {
	var actual int64
	err := tx.QueryRow(ctx, `SELECT version FROM extracted_fields WHERE id = $1`, fieldID).Scan(&actual)
	if isNoRows(err) {
		return apperr.NotFound("field", fieldID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read version %s", fieldID)
	}
	return &apperr.ConflictError{Entity: "field", ID: fieldID, Expected: expected, Actual: actual}
}

func (s *PostgresStore) ResetVerification(ctx context.Context, fieldID string, expectedVersion int64, actor string) (*model.ExtractedField, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin reset")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	f, err := scanField(tx.QueryRow(ctx,
		`UPDATE extracted_fields SET status = 'unverified', corrected_value = NULL, note = '', verified_at = NULL,
		 verified_by = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4
		 RETURNING `+fieldColumns,
		actor, now, fieldID, expectedVersion,
	))
	if isNoRows(err) {
		return nil, casFailurePgx(ctx, tx, fieldID, expectedVersion)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reset field %s", fieldID)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(refreshStatusSQL, "$1", "$2"), f.DocumentID, now); err != nil {
		return nil, eris.Wrapf(err, "postgres: refresh document status %s", f.DocumentID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit reset")
	}
	return f, nil
}

// --- Full-set scan ---

// ScanDocuments streams every document matching filter. No LIMIT is applied.
func (s *PostgresStore) ScanDocuments(ctx context.Context, filter ScanFilter, fn func(*model.DocumentValues) error) error {
	var b strings.Builder
	b.WriteString(`SELECT d.id, d.name, d.template_id, d.status, f.name, f.value, f.corrected_value, f.status
		FROM documents d LEFT JOIN extracted_fields f ON f.document_id = d.id
		WHERE TRUE`)
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(filter.TemplateIDs) > 0 {
		b.WriteString(` AND d.template_id = ANY(` + next(filter.TemplateIDs) + `)`)
	}
	if len(filter.Statuses) > 0 {
		b.WriteString(` AND d.status = ANY(` + next(statusStrings(filter.Statuses)) + `)`)
	}
	if len(filter.DocumentIDs) > 0 {
		b.WriteString(` AND d.id = ANY(` + next(dedupe(filter.DocumentIDs)) + `)`)
	}
	b.WriteString(` ORDER BY d.id, f.position`)

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return eris.Wrap(err, "postgres: scan documents")
	}
	defer rows.Close()

	var cur *model.DocumentValues
	for rows.Next() {
		var (
			docID, docName, docStatus string
			templateID                *string
			fieldName, fieldStatus    *string
			value, corrected          *string
		)
		if err := rows.Scan(&docID, &docName, &templateID, &docStatus, &fieldName, &value, &corrected, &fieldStatus); err != nil {
			return eris.Wrap(err, "postgres: scan document row")
		}
		if cur == nil || cur.DocumentID != docID {
			if cur != nil {
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur = &model.DocumentValues{
				DocumentID: docID,
				Name:       docName,
				TemplateID: deref(templateID),
				Status:     model.DocumentStatus(docStatus),
				Fields:     make(map[string]any),
			}
		}
		if fieldName == nil {
			continue
		}
		v, err := effectiveValue(model.VerificationStatus(deref(fieldStatus)), value, corrected)
		if err != nil {
			return eris.Wrapf(err, "postgres: decode %s/%s", docID, *fieldName)
		}
		cur.Fields[*fieldName] = v
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: scan documents iterate")
	}
	if cur != nil {
		return fn(cur)
	}
	return nil
}

// --- Lineage ---

func (s *PostgresStore) AppendQueryRecord(ctx context.Context, r *model.QueryHistoryRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cols, err := encodeRecord(r)
	if err != nil {
		return eris.Wrap(err, "postgres: encode query record")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append query record")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO query_history (id, question, answer, value, kind, filters, aggregation, parent_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Question, r.Answer, cols.value, string(r.Kind), cols.filters, cols.aggregation,
		nullString(r.ParentID), r.CreatedAt, r.ExpiresAt,
	)
	if isPgUnique(err) && r.ParentID != "" {
		return &apperr.ConflictError{Entity: "query", ID: r.ParentID}
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: insert query record %s", r.ID)
	}
	if docs := dedupe(r.DocumentIDs); len(docs) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO query_history_documents (query_id, document_id) SELECT $1, unnest($2::text[])`,
			r.ID, docs,
		); err != nil {
			return eris.Wrapf(err, "postgres: link query %s documents", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit query record")
}

// queryRecordSelect aggregates the linked document ids into the row so one
// round trip returns a complete record.
const queryRecordSelect = `SELECT ` + queryRecordColumns + `,
	COALESCE((SELECT array_agg(qd2.document_id ORDER BY qd2.document_id) FROM query_history_documents qd2 WHERE qd2.query_id = q.id), '{}')
	FROM query_history q`

func (s *PostgresStore) GetQueryRecord(ctx context.Context, id string) (*model.QueryHistoryRecord, error) {
	r, err := scanPgxQueryRecord(s.pool.QueryRow(ctx, queryRecordSelect+` WHERE q.id = $1`, id))
	if isNoRows(err) {
		return nil, apperr.NotFound("query", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get query record")
	}
	return r, nil
}

func (s *PostgresStore) ListQueryHeads(ctx context.Context, docID string, now time.Time) ([]model.QueryHistoryRecord, error) {
	rows, err := s.pool.Query(ctx, queryRecordSelect+`
		JOIN query_history_documents qd ON qd.query_id = q.id
		WHERE qd.document_id = $1
		  AND (q.expires_at IS NULL OR q.expires_at > $2)
		  AND NOT EXISTS (SELECT 1 FROM query_history c WHERE c.parent_id = q.id)
		ORDER BY q.created_at DESC, q.id`,
		docID, now.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list query heads")
	}
	defer rows.Close()

	var out []model.QueryHistoryRecord
	for rows.Next() {
		r, err := scanPgxQueryRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan query head")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list query heads iterate")
}

func (s *PostgresStore) DeleteExpiredQueryRecords(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM query_history WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired query records")
	}
	return int(tag.RowsAffected()), nil
}

func scanPgxQueryRecord(row scannable) (*model.QueryHistoryRecord, error) {
	var (
		r      model.QueryHistoryRecord
		kind   string
		cols   recordColumns
		parent *string
	)
	err := row.Scan(&r.ID, &r.Question, &r.Answer, &cols.value, &kind, &cols.filters, &cols.aggregation,
		&parent, &r.CreatedAt, &r.ExpiresAt, &r.DocumentIDs)
	if err != nil {
		return nil, err
	}
	r.Kind = model.QueryKind(kind)
	r.ParentID = deref(parent)
	if err := cols.decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Thresholds ---

func (s *PostgresStore) GetThresholdSettings(ctx context.Context, scope, scopeID string) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM threshold_settings WHERE scope = $1 AND scope_id = $2`, scope, scopeID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get threshold settings")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan threshold setting")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "postgres: threshold settings iterate")
}

func (s *PostgresStore) PutThresholdSetting(ctx context.Context, scope, scopeID, key string, value float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threshold_settings (scope, scope_id, key, value, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scope, scope_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		scope, scopeID, key, value, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put threshold %s/%s/%s", scope, scopeID, key)
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
