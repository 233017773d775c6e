package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/ingest"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/verify"
)

const maxBatchItems = 500

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auditScope maps ?scope= to a queue scope; "global" and empty mean all
// documents, anything else is a document id.
func auditScope(r *http.Request) audit.Scope {
	scope := strings.TrimSpace(r.URL.Query().Get("scope"))
	if scope == "" || scope == "global" {
		return audit.Scope{}
	}
	return audit.Scope{DocumentID: scope}
}

func (s *Server) auditQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, apperr.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	items, err := s.deps.Audit.List(r.Context(), caller(r), auditScope(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) auditNext(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Audit.Next(r.Context(), caller(r), auditScope(r), r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req verify.Request
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = caller(r).UserID
	out, err := s.deps.Orchestrator.Verify(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type batchRequest struct {
	Items []verify.Request `json:"items"`
}

// UnmarshalJSON accepts either a bare array of items or {"items": [...]}.
func (b *batchRequest) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return dec.Decode(&b.Items)
	}
	var wrapped struct {
		Items []verify.Request `json:"items"`
	}
	if err := dec.Decode(&wrapped); err != nil {
		return err
	}
	b.Items = wrapped.Items
	return nil
}

type batchItem struct {
	Index               int                   `json:"index"`
	FieldID             string                `json:"field_id"`
	OK                  bool                  `json:"ok"`
	Field               *model.ExtractedField `json:"field,omitempty"`
	AffectedDocumentIDs []string              `json:"affected_document_ids,omitempty"`
	NoOp                bool                  `json:"no_op,omitempty"`
	Error               *errorBody            `json:"error,omitempty"`
}

type batchResponse struct {
	Results                  []batchItem          `json:"results"`
	Regenerated              []answer.Regenerated `json:"regenerated_answers"`
	AnswerRegenerationFailed bool                 `json:"answer_regeneration_failed"`
}

func (s *Server) verifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, r, apperr.Validation("items", "at least one item is required"))
		return
	}
	if len(req.Items) > maxBatchItems {
		writeError(w, r, apperr.Validation("items", "at most %d items per batch", maxBatchItems))
		return
	}
	actor := caller(r).UserID
	for i := range req.Items {
		req.Items[i].Actor = actor
	}

	out, err := s.deps.Orchestrator.VerifyBatch(r.Context(), req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := batchResponse{
		Results:                  make([]batchItem, len(out.Items)),
		Regenerated:              out.Regenerated,
		AnswerRegenerationFailed: out.AnswerRegenerationFailed,
	}
	for i, it := range out.Items {
		bi := batchItem{Index: it.Index, FieldID: it.FieldID, Error: itemError(it.Err)}
		if it.Result != nil {
			bi.OK = true
			bi.Field = it.Result.Field
			bi.AffectedDocumentIDs = it.Result.AffectedDocumentIDs
			bi.NoOp = it.Result.NoOp
		}
		resp.Results[i] = bi
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resetField(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Orchestrator.Reset(r.Context(), chi.URLParam(r, "id"), caller(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req answer.AskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.deps.Answers.Ask(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// queryDocuments returns exactly the documents a query record references.
func (s *Server) queryDocuments(w http.ResponseWriter, r *http.Request) {
	queryID := strings.TrimSpace(r.URL.Query().Get("query_id"))
	if queryID == "" {
		writeError(w, r, apperr.Validation("query_id", "query_id is required"))
		return
	}
	trace, err := s.deps.Lineage.Documents(r.Context(), queryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	docs := trace.Documents
	if docs == nil {
		docs = []model.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query_id":  trace.Record.ID,
		"question":  trace.Record.Question,
		"answer":    trace.Record.Answer,
		"parent_id": trace.Record.ParentID,
		"documents": docs,
	})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type ingestRequest struct {
	Documents []ingest.ParsedDocument `json:"documents"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Ingester.Ingest(r.Context(), caller(r), req.Documents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	var spec model.AggregateSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Aggregator.Aggregate(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
