package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"surveyhub/api/internal/store"
)

func newTestHTTPServer(dataStore *fakeStore, sched *fakeScheduler) *HTTPServer {
	service := newTestService(dataStore, sched, &fakeMailer{})
	return NewHTTPServer(service, nil, "*")
}

func doRequest(t *testing.T, server *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})
	rec := doRequest(t, server, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["ok"] != true {
		t.Error("health payload should report ok")
	}
}

func TestCreateSurveyEndpoint(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})

	rec := doRequest(t, server, http.MethodPost, "/api/surveys", `{"title":"Pulse"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["isDraft"] != true {
		t.Error("created survey should be a draft")
	}

	rec = doRequest(t, server, http.MethodPost, "/api/surveys", `{"title":""}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for empty title, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["code"] != "VALIDATION_ERROR" {
		t.Error("error envelope should carry the VALIDATION_ERROR code")
	}

	rec = doRequest(t, server, http.MethodPost, "/api/surveys", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestPublishEndpointConflict(t *testing.T) {
	dataStore := &fakeStore{
		publishSurveyFn: func(context.Context, string) error {
			return store.ErrAlreadyPublished
		},
	}
	server := newTestHTTPServer(dataStore, &fakeScheduler{})

	rec := doRequest(t, server, http.MethodPost, "/api/surveys/s1/publish", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["code"] != "STATE_ERROR" {
		t.Error("error envelope should carry the STATE_ERROR code")
	}
}

func TestBulkDistributionEndpoint(t *testing.T) {
	dataStore := draftSurveyStore(true)
	sched := &fakeScheduler{}
	server := newTestHTTPServer(dataStore, sched)

	rec := doRequest(t, server, http.MethodPost, "/api/distribution/bulk-distribution",
		`{"surveyId":"s1","method":"email","recipients":["a@example.com","b@example.com"],"subject":"Hi"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	items, ok := payload["distributions"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("expected 2 distributions in payload, got %v", payload["distributions"])
	}
	if payload["deferred"] != true {
		t.Error("draft distribution should report deferred")
	}
}

func TestClickedEndpoint(t *testing.T) {
	dataStore := &fakeStore{
		incrementClickFn: func(_ context.Context, id string) (store.Distribution, error) {
			return store.Distribution{ID: id, Status: store.StatusClicked, ClickedCount: 1}, nil
		},
	}
	server := newTestHTTPServer(dataStore, &fakeScheduler{})

	rec := doRequest(t, server, http.MethodPut, "/api/distribution/d1/clicked", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["status"] != "clicked" {
		t.Errorf("expected clicked status, got %v", payload["status"])
	}
	if payload["clickedCount"] != float64(1) {
		t.Errorf("expected clickedCount 1, got %v", payload["clickedCount"])
	}
}

func TestPreflightHasNoBody(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})
	rec := doRequest(t, server, http.MethodOptions, "/api/surveys", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("204 response must not carry a body, got %q", rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight should carry CORS headers")
	}
}

func TestCompleteResponseConflict(t *testing.T) {
	dataStore := &fakeStore{
		completeResponseFn: func(context.Context, string) error {
			return store.ErrAlreadyCompleted
		},
	}
	server := newTestHTTPServer(dataStore, &fakeScheduler{})

	rec := doRequest(t, server, http.MethodPost, "/api/responses/r1/complete", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["code"] != "STATE_ERROR" {
		t.Error("error envelope should carry the STATE_ERROR code")
	}
}

func TestDistributionNotFoundMapsTo404(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})

	rec := doRequest(t, server, http.MethodGet, "/api/distribution/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if decodeResponse(t, rec)["code"] != "NOT_FOUND" {
		t.Error("error envelope should carry the NOT_FOUND code")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})
	rec := doRequest(t, server, http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})
	rec := doRequest(t, server, http.MethodPatch, "/api/surveys", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeScheduler{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request id to round-trip, got %q", got)
	}
}
