package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/faults"
)

func testHandler() *Handler {
	return &Handler{log: zap.NewNop(), validate: validator.New()}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSearchParams(t *testing.T) {
	p := searchParams(url.Values{
		"query":    {"acme"},
		"status":   {"parsed"},
		"language": {"uk"},
		"page":     {"2"},
		"per_page": {"50"},
	})
	assert.Equal(t, "acme", p.Query)
	assert.Equal(t, "parsed", p.Status)
	assert.Equal(t, "uk", p.Language)
	assert.Equal(t, 2, p.Page)
	assert.Equal(t, 50, p.PerPage)

	assert.Equal(t, "acme", searchParams(url.Values{"q": {"acme"}}).Query, "q shorthand accepted")
	assert.Equal(t, "first", searchParams(url.Values{"query": {"first"}, "q": {"second"}}).Query)
}

func TestSaveRequestBodyUsesDataKey(t *testing.T) {
	h := testHandler()

	var req SaveRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"document_id":"aaaaaaaa-bbbb-4bbb-8bbb-bbbbbbbbbbbb","data":{"totals":{}}}`), &req))
	require.NoError(t, h.validate.Struct(req))
	assert.Contains(t, req.Data, "totals")

	var legacy SaveRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"document_id":"aaaaaaaa-bbbb-4bbb-8bbb-bbbbbbbbbbbb","payload":{"totals":{}}}`), &legacy))
	assert.Error(t, h.validate.Struct(legacy), "only the data key carries the approved payload")
}

func TestSendErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	testHandler().sendError(rec, http.StatusBadRequest, codeInvalidRequest, "no file provided")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_request", body["error_code"])
	assert.Equal(t, "no file provided", body["message"])
	assert.NotContains(t, body, "error")
}

func TestSendFaultStatusMapping(t *testing.T) {
	h := testHandler()

	rec := httptest.NewRecorder()
	h.sendFault(rec, faults.InputRejected("unsupported content type %q", "text/html"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeBody(t, rec)["error_code"])

	rec = httptest.NewRecorder()
	h.sendFault(rec, faults.ErrDuplicateInProgress)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_in_progress", decodeBody(t, rec)["error_code"])

	rec = httptest.NewRecorder()
	h.sendFault(rec, faults.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error_code"])

	rec = httptest.NewRecorder()
	h.sendFault(rec, faults.RateLimited(errors.New("429")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "E001", decodeBody(t, rec)["error_code"])
}

func TestSendFaultCarriesExtractedPayload(t *testing.T) {
	h := testHandler()

	rec := httptest.NewRecorder()
	h.sendFaultPayload(rec, faults.Persistence(errors.New("serialization failure")), map[string]any{
		"document_info": map[string]any{"document_number": "755"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "E099", body["error_code"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "extracted payload returned with the fault")
	assert.Contains(t, data, "document_info")

	rec = httptest.NewRecorder()
	h.sendFaultPayload(rec, faults.Persistence(errors.New("boom")), nil)
	assert.NotContains(t, decodeBody(t, rec), "data")
}
