package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS templates (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	fields     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'ingested',
	template_id TEXT,
	citations   TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL REFERENCES documents(id),
	name            TEXT NOT NULL,
	type            TEXT NOT NULL,
	value           TEXT,
	confidence      REAL NOT NULL,
	status          TEXT NOT NULL DEFAULT 'unverified',
	corrected_value TEXT,
	note            TEXT NOT NULL DEFAULT '',
	verified_at     DATETIME,
	verified_by     TEXT NOT NULL DEFAULT '',
	version         INTEGER NOT NULL DEFAULT 1,
	position        INTEGER NOT NULL DEFAULT 0,
	citation        TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (document_id, name)
);

CREATE TABLE IF NOT EXISTS threshold_settings (
	scope      TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      REAL NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (scope, scope_id, key)
);

CREATE TABLE IF NOT EXISTS query_history (
	id          TEXT PRIMARY KEY,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	value       TEXT,
	kind        TEXT NOT NULL,
	filters     TEXT,
	aggregation TEXT,
	parent_id   TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at  INTEGER
);

CREATE TABLE IF NOT EXISTS query_history_documents (
	query_id    TEXT NOT NULL REFERENCES query_history(id),
	document_id TEXT NOT NULL REFERENCES documents(id),
	PRIMARY KEY (query_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_template ON documents(template_id);
CREATE INDEX IF NOT EXISTS idx_fields_audit ON extracted_fields(status, confidence, id);
CREATE INDEX IF NOT EXISTS idx_fields_document ON extracted_fields(document_id, position);
CREATE UNIQUE INDEX IF NOT EXISTS idx_query_history_successor ON query_history(parent_id) WHERE parent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_query_history_expires ON query_history(expires_at);
CREATE INDEX IF NOT EXISTS idx_qhd_document ON query_history_documents(document_id);
`

const fieldColumns = `id, document_id, name, type, value, confidence, status, corrected_value, note, verified_at, verified_by, version, position, citation, created_at, updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Templates ---

func (s *SQLiteStore) UpsertTemplate(ctx context.Context, t *model.Template) error {
	fieldsJSON, err := json.Marshal(t.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal template fields")
	}
	if t.Status == "" {
		t.Status = "active"
	}
	t.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, name, fields, status, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, fields = excluded.fields,
		 status = excluded.status, updated_at = excluded.updated_at`,
		t.ID, t.Name, string(fieldsJSON), t.Status, t.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert template %s", t.ID)
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, fields, status, updated_at FROM templates WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		var fieldsJSON string
		if err := rows.Scan(&t.ID, &t.Name, &fieldsJSON, &t.Status, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan template")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &t.Fields); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal template %s fields", t.ID)
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list templates iterate")
}

// --- Documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = model.DocumentStatusIngested
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create document")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, name, status, template_id, citations, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, string(doc.Status), nullString(doc.TemplateID), rawOrNil(doc.Citations), now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert document %s", doc.ID)
	}
	if err := insertFieldsTx(ctx, tx, doc.ID, doc.Fields, 0, now); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create document")
}

func insertFieldsTx(ctx context.Context, tx *sql.Tx, docID string, fields []model.ExtractedField, startPos int, now time.Time) error {
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
			return eris.Wrapf(err, "sqlite: field %s", f.Name)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO extracted_fields (id, document_id, name, type, value, confidence, status, version, position, citation, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, docID, f.Name, string(f.Type), value, f.Confidence, string(f.Status), f.Version, f.Position, rawOrNil(f.Citation), now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert field %s/%s", docID, f.Name)
		}
	}
	return nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	docs, err := s.GetDocuments(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("document", id)
	}
	return &docs[0], nil
}

func (s *SQLiteStore) GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := sqliteIn(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, template_id, citations, created_at, updated_at FROM documents WHERE id IN (`+in+`) ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get documents")
	}
	var docs []model.Document
	index := make(map[string]int, len(ids))
	for rows.Next() {
		var d model.Document
		var templateID, citations *string
		if err := rows.Scan(&d.ID, &d.Name, &d.Status, &templateID, &citations, &d.CreatedAt, &d.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		if templateID != nil {
			d.TemplateID = *templateID
		}
		d.Citations = rawFrom(citations)
		index[d.ID] = len(docs)
		docs = append(docs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: get documents iterate")
	}

	fieldRows, err := s.db.QueryContext(ctx,
		`SELECT `+fieldColumns+` FROM extracted_fields WHERE document_id IN (`+in+`) ORDER BY document_id, position`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get document fields")
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
	return docs, eris.Wrap(fieldRows.Err(), "sqlite: get document fields iterate")
}

func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, id string, status model.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update document status %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) UpdateDocumentTemplate(ctx context.Context, id, templateID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET template_id = ?, updated_at = ? WHERE id = ?`,
		nullString(templateID), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update document template %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

// --- Fields ---

func (s *SQLiteStore) AddFields(ctx context.Context, docID string, fields []model.ExtractedField) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin add fields")
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM extracted_fields WHERE document_id = ?`, docID,
	).Scan(&next); err != nil {
		return eris.Wrapf(err, "sqlite: next position %s", docID)
	}
	now := time.Now().UTC()
	if err := insertFieldsTx(ctx, tx, docID, fields, next, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(refreshStatusSQL, "?1", "?2"), docID, now); err != nil {
		return eris.Wrapf(err, "sqlite: refresh document status %s", docID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit add fields")
}

func (s *SQLiteStore) GetField(ctx context.Context, id string) (*model.ExtractedField, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM extracted_fields WHERE id = ?`, id)
	f, err := scanField(row)
	if isNoRows(err) {
		return nil, apperr.NotFound("field", id)
	}
	return f, err
}

func (s *SQLiteStore) GetFields(ctx context.Context, ids []string) ([]model.ExtractedField, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := sqliteIn(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT `+fieldColumns+` FROM extracted_fields WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get fields")
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
	return out, eris.Wrap(rows.Err(), "sqlite: get fields iterate")
}

func (s *SQLiteStore) ReplaceField(ctx context.Context, f *model.ExtractedField) error {
	value, err := marshalValue(f.Value)
	if err != nil {
		return eris.Wrapf(err, "sqlite: field %s", f.Name)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace field")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE extracted_fields SET type = ?, value = ?, confidence = ?, citation = ?, status = 'unverified',
		 corrected_value = NULL, note = '', verified_at = NULL, verified_by = '', version = version + 1, updated_at = ?
		 WHERE document_id = ? AND name = ?`,
		string(f.Type), value, f.Confidence, rawOrNil(f.Citation), now, f.DocumentID, f.Name,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: replace field %s/%s", f.DocumentID, f.Name)
	}
	if err := checkRowsAffected(res, "field", f.DocumentID+"/"+f.Name); err != nil {
		return err
	}
	updated, err := scanField(tx.QueryRowContext(ctx,
		`SELECT `+fieldColumns+` FROM extracted_fields WHERE document_id = ? AND name = ?`, f.DocumentID, f.Name))
	if err != nil {
		return eris.Wrap(err, "sqlite: reload replaced field")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(refreshStatusSQL, "?1", "?2"), f.DocumentID, now); err != nil {
		return eris.Wrapf(err, "sqlite: refresh document status %s", f.DocumentID)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit replace field")
	}
	*f = *updated
	return nil
}

// --- Audit & verification ---

func (s *SQLiteStore) ListAuditCandidates(ctx context.Context, q AuditQuery) ([]AuditCandidate, error) {
	query := `SELECT f.` + strings.ReplaceAll(fieldColumns, ", ", ", f.") + `, d.name
		FROM extracted_fields f JOIN documents d ON d.id = f.document_id
		WHERE f.status = 'unverified' AND f.confidence < ?`
	args := []any{q.Threshold}

	if q.DocumentID != "" {
		query += ` AND f.document_id = ?`
		args = append(args, q.DocumentID)
	}
	if q.After != nil {
		query += ` AND (f.confidence > ? OR (f.confidence = ? AND f.id > ?))`
		args = append(args, q.After.Confidence, q.After.Confidence, q.After.FieldID)
	}
	query += ` ORDER BY f.confidence, f.id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit candidates")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list audit candidates iterate")
}

// ApplyVerifications writes every item inside one transaction. Each item
// gets its own savepoint so a failed compare-and-set only rolls back that
// item; the batch becomes visible to readers at the single commit.
func (s *SQLiteStore) ApplyVerifications(ctx context.Context, writes []model.VerificationWrite) ([]model.VerificationOutcome, error) {
	out := make([]model.VerificationOutcome, len(writes))
	if len(writes) == 0 {
		return out, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin verification batch")
	}
	defer tx.Rollback() //nolint:errcheck

	touched := make(map[string]struct{})
	var order []string
	for i, w := range writes {
		sp := fmt.Sprintf("verify_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, eris.Wrapf(err, "sqlite: savepoint %s", sp)
		}

		f, itemErr := applyOneSQLite(ctx, tx, w)
		if itemErr != nil {
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
				return nil, eris.Wrapf(err, "sqlite: rollback to %s", sp)
			}
			out[i] = model.VerificationOutcome{Err: itemErr}
		} else {
			out[i] = model.VerificationOutcome{Field: f}
			if _, ok := touched[f.DocumentID]; !ok {
				touched[f.DocumentID] = struct{}{}
				order = append(order, f.DocumentID)
			}
		}
		if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
			return nil, eris.Wrapf(err, "sqlite: release %s", sp)
		}
	}

	now := time.Now().UTC()
	for _, docID := range order {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(refreshStatusSQL, "?1", "?2"), docID, now); err != nil {
			return nil, eris.Wrapf(err, "sqlite: refresh document status %s", docID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit verification batch")
	}
	return out, nil
}

func applyOneSQLite(ctx context.Context, tx *sql.Tx, w model.VerificationWrite) (*model.ExtractedField, error) {
	corrected, err := marshalValue(w.CorrectedValue)
	if err != nil {
		return nil, apperr.Validation("corrected_value", "%v", err)
	}
	at := w.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE extracted_fields SET status = ?, corrected_value = ?, note = ?, verified_at = ?, verified_by = ?,
		 version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(w.Status), corrected, w.Note, at, w.Actor, at, w.FieldID, w.ExpectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: verify field %s", w.FieldID)
	}
	return reloadAfterCAS(ctx, tx, res, w.FieldID, w.ExpectedVersion)
}

// reloadAfterCAS returns the post-write field, or the Conflict/NotFound
// error explaining why the guarded update matched no row.
func reloadAfterCAS(ctx context.Context, tx *sql.Tx, res sql.Result, fieldID string, expected int64) (*model.ExtractedField, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, casFailureSQLite(ctx, tx, fieldID, expected)
	}
	f, err := scanField(tx.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM extracted_fields WHERE id = ?`, fieldID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reload field %s", fieldID)
	}
	return f, nil
}

func casFailureSQLite(ctx context.Context, tx *sql.Tx, fieldID string, expected int64) error {
	var actual int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM extracted_fields WHERE id = ?`, fieldID).Scan(&actual)
	if err == sql.ErrNoRows {
		return apperr.NotFound("field", fieldID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read version %s", fieldID)
	}
	return &apperr.ConflictError{Entity: "field", ID: fieldID, Expected: expected, Actual: actual}
}

func (s *SQLiteStore) ResetVerification(ctx context.Context, fieldID string, expectedVersion int64, actor string) (*model.ExtractedField, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin reset")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE extracted_fields SET status = 'unverified', corrected_value = NULL, note = '', verified_at = NULL,
		 verified_by = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		actor, now, fieldID, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reset field %s", fieldID)
	}
	f, err := reloadAfterCAS(ctx, tx, res, fieldID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(refreshStatusSQL, "?1", "?2"), f.DocumentID, now); err != nil {
		return nil, eris.Wrapf(err, "sqlite: refresh document status %s", f.DocumentID)
	}
	return f, eris.Wrap(tx.Commit(), "sqlite: commit reset")
}

// --- Full-set scan ---

// ScanDocuments streams every document matching filter, with effective field
// values, ordered by document id. No LIMIT is applied.
func (s *SQLiteStore) ScanDocuments(ctx context.Context, filter ScanFilter, fn func(*model.DocumentValues) error) error {
	query := `SELECT d.id, d.name, d.template_id, d.status, f.name, f.value, f.corrected_value, f.status
		FROM documents d LEFT JOIN extracted_fields f ON f.document_id = d.id
		WHERE 1=1`
	var args []any
	if len(filter.TemplateIDs) > 0 {
		in, a := sqliteIn(filter.TemplateIDs)
		query += ` AND d.template_id IN (` + in + `)`
		args = append(args, a...)
	}
	if len(filter.Statuses) > 0 {
		in, a := sqliteIn(statusStrings(filter.Statuses))
		query += ` AND d.status IN (` + in + `)`
		args = append(args, a...)
	}
	if len(filter.DocumentIDs) > 0 {
		in, a := sqliteIn(dedupe(filter.DocumentIDs))
		query += ` AND d.id IN (` + in + `)`
		args = append(args, a...)
	}
	query += ` ORDER BY d.id, f.position`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: scan documents")
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
			return eris.Wrap(err, "sqlite: scan document row")
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
				Status:     model.DocumentStatus(docStatus),
				Fields:     make(map[string]any),
			}
			if templateID != nil {
				cur.TemplateID = *templateID
			}
		}
		if fieldName == nil {
			continue
		}
		v, err := effectiveValue(model.VerificationStatus(deref(fieldStatus)), value, corrected)
		if err != nil {
			return eris.Wrapf(err, "sqlite: decode %s/%s", docID, *fieldName)
		}
		cur.Fields[*fieldName] = v
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: scan documents iterate")
	}
	if cur != nil {
		return fn(cur)
	}
	return nil
}

// --- Lineage ---

func (s *SQLiteStore) AppendQueryRecord(ctx context.Context, r *model.QueryHistoryRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cols, err := encodeRecord(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode query record")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append query record")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO query_history (id, question, answer, value, kind, filters, aggregation, parent_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Question, r.Answer, cols.value, string(r.Kind), cols.filters, cols.aggregation,
		nullString(r.ParentID), r.CreatedAt, expiresUnix(r.ExpiresAt),
	)
	if isSQLiteUnique(err) && r.ParentID != "" {
		return &apperr.ConflictError{Entity: "query", ID: r.ParentID}
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert query record %s", r.ID)
	}
	for _, docID := range dedupe(r.DocumentIDs) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO query_history_documents (query_id, document_id) VALUES (?, ?)`, r.ID, docID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: link query %s to document %s", r.ID, docID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit query record")
}

const queryRecordColumns = `q.id, q.question, q.answer, q.value, q.kind, q.filters, q.aggregation, q.parent_id, q.created_at, q.expires_at`

func (s *SQLiteStore) GetQueryRecord(ctx context.Context, id string) (*model.QueryHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryRecordColumns+` FROM query_history q WHERE q.id = ?`, id)
	r, err := scanSQLiteQueryRecord(row)
	if isNoRows(err) {
		return nil, apperr.NotFound("query", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRecordDocuments(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListQueryHeads(ctx context.Context, docID string, now time.Time) ([]model.QueryHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queryRecordColumns+`
		 FROM query_history q JOIN query_history_documents qd ON qd.query_id = q.id
		 WHERE qd.document_id = ?
		   AND (q.expires_at IS NULL OR q.expires_at > ?)
		   AND NOT EXISTS (SELECT 1 FROM query_history c WHERE c.parent_id = q.id)
		 ORDER BY q.created_at DESC, q.id`,
		docID, now.UTC().Unix(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list query heads")
	}
	var out []model.QueryHistoryRecord
	for rows.Next() {
		r, err := scanSQLiteQueryRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list query heads iterate")
	}
	for i := range out {
		if err := s.loadRecordDocuments(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadRecordDocuments(ctx context.Context, r *model.QueryHistoryRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id FROM query_history_documents WHERE query_id = ? ORDER BY document_id`, r.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: load documents for query %s", r.ID)
	}
	defer rows.Close()
	r.DocumentIDs = r.DocumentIDs[:0]
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return eris.Wrap(err, "sqlite: scan query document")
		}
		r.DocumentIDs = append(r.DocumentIDs, id)
	}
	return eris.Wrap(rows.Err(), "sqlite: load query documents iterate")
}

func (s *SQLiteStore) DeleteExpiredQueryRecords(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin purge")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_history_documents WHERE query_id IN
		 (SELECT id FROM query_history WHERE expires_at IS NOT NULL AND expires_at <= ?)`, cutoff,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired query links")
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM query_history WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired query records")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: commit purge")
}

// --- Thresholds ---

func (s *SQLiteStore) GetThresholdSettings(ctx context.Context, scope, scopeID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM threshold_settings WHERE scope = ? AND scope_id = ?`, scope, scopeID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get threshold settings")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan threshold setting")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "sqlite: threshold settings iterate")
}

func (s *SQLiteStore) PutThresholdSetting(ctx context.Context, scope, scopeID, key string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threshold_settings (scope, scope_id, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope, scope_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, scopeID, key, value, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put threshold %s/%s/%s", scope, scopeID, key)
}

// helpers

func scanSQLiteQueryRecord(row scannable) (*model.QueryHistoryRecord, error) {
	var (
		r       model.QueryHistoryRecord
		cols    recordColumns
		parent  *string
		expires *int64
	)
	err := row.Scan(&r.ID, &r.Question, &r.Answer, &cols.value, &r.Kind, &cols.filters, &cols.aggregation, &parent, &r.CreatedAt, &expires)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan query record")
	}
	if err := cols.decode(&r); err != nil {
		return nil, err
	}
	r.ParentID = deref(parent)
	r.ExpiresAt = expiresTime(expires)
	return &r, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

func sqliteIn(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isSQLiteUnique reports a unique or primary key constraint violation.
func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}
