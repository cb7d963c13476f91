package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cartograph/api/internal/auth"
	"cartograph/api/internal/ratelimit"
)

var testSecret = []byte("test-secret")

type testServer struct {
	handler http.Handler
	store   *fakeStore
	blobs   *fakeBlob
	audit   *fakeAudit
	service *Service
}

func newHTTPTestServer(t *testing.T) *testServer {
	t.Helper()
	fs := newFakeStore()
	fb := newFakeBlob()
	fa := &fakeAudit{}
	svc := newTestService(fs, fb, &fakeLimiter{}, fa)
	server := NewHTTPServer(svc, testSecret, "*", svc.logger)
	return &testServer{
		handler: server.Handler(),
		store:   fs,
		blobs:   fb,
		audit:   fa,
		service: svc,
	}
}

func issueTestToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:    "user-1",
		Name:   "Avery",
		Scopes: scopes,
		Exp:    time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSONBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return payload
}

func TestStateEndpointsRequireToken(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/documents/doc-1/state"},
		{http.MethodPut, "/api/documents/doc-1/state"},
		{http.MethodGet, "/api/documents"},
		{http.MethodDelete, "/api/documents/doc-1"},
	} {
		rec := ts.do(t, tc.method, tc.path, "", []byte("x"))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}

	rec := ts.do(t, http.MethodGet, "/api/documents/doc-1/state", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("malformed token: expected 401, got %d", rec.Code)
	}
}

func TestStatePutThenGetRoundTrip(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")
	payload := []byte{0x01, 0x02, 0xFE, 0xFF, 0x00, 0x42}

	rec := ts.do(t, http.MethodPut, "/api/documents/doc-1/state", token, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT state: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSONBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success true, got %v", body["success"])
	}
	if body["size"].(float64) != float64(len(payload)) {
		t.Errorf("expected size %d, got %v", len(payload), body["size"])
	}
	if body["sync_version"].(float64) != 1 {
		t.Errorf("expected sync_version 1, got %v", body["sync_version"])
	}

	rec = ts.do(t, http.MethodGet, "/api/documents/doc-1/state", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET state: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("expected octet-stream, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("payload mismatch: %v vs %v", rec.Body.Bytes(), payload)
	}
}

func TestStatePostAliasesPut(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPost, "/api/documents/doc-1/state", token, []byte("beacon save"))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST state: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.store.docs["doc-1"].SyncVersion != 1 {
		t.Errorf("expected sync_version 1 after POST alias, got %d", ts.store.docs["doc-1"].SyncVersion)
	}
}

func TestStateGetBeforeFirstWriteReturnsEmptyBody(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodGet, "/api/documents/doc-1/state", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %d bytes", rec.Body.Len())
	}
}

func TestStatePutEmptyBodyRejected(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPut, "/api/documents/doc-1/state", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeJSONBody(t, rec); body["code"] != "EMPTY_STATE_REJECTED" {
		t.Errorf("expected EMPTY_STATE_REJECTED, got %v", body["code"])
	}
}

func TestStatePutOversizeBodyRejected(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	ts.service.cfg.MaxPayloadBytes = 64
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPut, "/api/documents/doc-1/state", token, make([]byte, 200))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSONBody(t, rec)
	if body["code"] != "PAYLOAD_TOO_LARGE" {
		t.Errorf("expected PAYLOAD_TOO_LARGE, got %v", body["code"])
	}
	if ts.blobs.uploads != 0 {
		t.Errorf("oversize body reached the blob store")
	}
}

func TestStatePutRateLimitedSetsRetryAfter(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	ts.service.limiter = &fakeLimiter{allowFn: func(context.Context, string, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}, nil
	}}
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPut, "/api/documents/doc-1/state", token, []byte("state"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
	if body := decodeJSONBody(t, rec); body["code"] != "RATE_LIMITED" {
		t.Errorf("expected RATE_LIMITED, got %v", body["code"])
	}
}

func TestStateRejectsMalformedIdentifier(t *testing.T) {
	ts := newHTTPTestServer(t)
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodGet, "/api/documents/bad*id/state", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeJSONBody(t, rec); body["code"] != "INVALID_IDENTIFIER" {
		t.Errorf("expected INVALID_IDENTIFIER, got %v", body["code"])
	}
}

func TestStateCrossTenantIsNotFound(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-omega")

	for _, tc := range []struct {
		method string
		path   string
		body   []byte
	}{
		{http.MethodGet, "/api/documents/doc-1/state", nil},
		{http.MethodPut, "/api/documents/doc-1/state", []byte("state")},
		{http.MethodGet, "/api/documents/doc-1", nil},
		{http.MethodDelete, "/api/documents/doc-1", nil},
	} {
		rec := ts.do(t, tc.method, tc.path, token, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s cross-tenant: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestDocumentPatchRejectsUnknownFields(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPatch, "/api/documents/doc-1", token, []byte(`{"sync_version": 99}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.store.docs["doc-1"].SyncVersion != 0 {
		t.Errorf("sync_version must not be patchable")
	}
}

func TestDocumentPatchUpdatesAllowedFields(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPatch, "/api/documents/doc-1", token, []byte(`{"title":"Renamed","document_kind":"mindmap"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSONBody(t, rec)
	doc, ok := body["document"].(map[string]any)
	if !ok {
		t.Fatalf("expected document in response, got %v", body)
	}
	if doc["title"] != "Renamed" || doc["document_kind"] != "mindmap" {
		t.Errorf("unexpected document payload: %v", doc)
	}
}

func TestDocumentDeleteThenStateIsGone(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	ts.blobs.objects[storagePath("doc-1")] = []byte("state")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodDelete, "/api/documents/doc-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeJSONBody(t, rec); body["success"] != true {
		t.Errorf("expected success true, got %v", body["success"])
	}

	rec = ts.do(t, http.MethodGet, "/api/documents/doc-1/state", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("state after delete: expected 404, got %d", rec.Code)
	}
}

func TestDocumentCreateListGet(t *testing.T) {
	ts := newHTTPTestServer(t)
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodPost, "/api/documents", token, []byte(`{"title":"Launch plan","document_kind":"roadmap","team_scope":"team-alpha"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST documents: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeJSONBody(t, rec)["document"].(map[string]any)
	documentID, _ := created["id"].(string)
	if documentID == "" {
		t.Fatal("created document has no id")
	}
	if created["sync_version"].(float64) != 0 {
		t.Errorf("new document must start at sync_version 0, got %v", created["sync_version"])
	}
	if created["last_sync_at"] != nil {
		t.Errorf("new document must have null last_sync_at, got %v", created["last_sync_at"])
	}

	rec = ts.do(t, http.MethodGet, "/api/documents", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET documents: expected 200, got %d", rec.Code)
	}
	documents, ok := decodeJSONBody(t, rec)["documents"].([]any)
	if !ok || len(documents) != 1 {
		t.Fatalf("expected one document in list, got %v", documents)
	}

	rec = ts.do(t, http.MethodGet, "/api/documents/"+documentID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET document: expected 200, got %d", rec.Code)
	}
}

func TestStateMethodNotAllowed(t *testing.T) {
	ts := newHTTPTestServer(t)
	seedDocument(ts.store, "doc-1", "team-alpha")
	token := issueTestToken(t, "team-alpha")

	rec := ts.do(t, http.MethodDelete, "/api/documents/doc-1/state", token, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newHTTPTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Errorf("expected request ID echoed back, got %q", got)
	}

	rec = ts.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request ID")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	ts := newHTTPTestServer(t)
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:    "user-1",
		Scopes: []string{"team-alpha"},
		Exp:    time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/api/documents", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token: expected 401, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newHTTPTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
}

func TestReadyReportsBackendFailures(t *testing.T) {
	ts := newHTTPTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when backends are up, got %d", rec.Code)
	}

	ts.store.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}
	rec = ts.do(t, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", rec.Code)
	}
	body := decodeJSONBody(t, rec)
	if body["status"] != "not_ready" {
		t.Errorf("expected not_ready status, got %v", body["status"])
	}
}
