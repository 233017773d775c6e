package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/threshold"
)

const (
	headerUserID = "X-User-ID"
	headerOrgID  = "X-Org-ID"

	maxBodyBytes = 16 << 20
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.KindOf(err), Message: err.Error()}
	if status >= http.StatusInternalServerError && body.Error == apperr.KindInternal {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

// itemError renders a per-item batch failure.
func itemError(err error) *errorBody {
	if err == nil {
		return nil
	}
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	return &errorBody{Error: kind, Message: msg}
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("body", "request body is required")
		}
		return &apperr.ValidationError{Field: "body", Reason: "invalid JSON: " + err.Error(), Err: err}
	}
	return nil
}

// caller identifies whose threshold overrides apply.
func caller(r *http.Request) threshold.RequestContext {
	return threshold.RequestContext{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		OrgID:  strings.TrimSpace(r.Header.Get(headerOrgID)),
	}
}
