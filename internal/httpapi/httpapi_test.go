package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/httpapi"
	"github.com/reubenjohn/reeve-bot/internal/pulsestore"
)

func openTestStore(t *testing.T) *pulsestore.Store {
	t.Helper()
	s, err := pulsestore.Open(filepath.Join(t.TempDir(), "pulse_queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, store *pulsestore.Store) (http.Handler, string) {
	t.Helper()
	const token = "test-token"
	srv := httpapi.New(httpapi.Config{
		Store:     store,
		AuthToken: token,
		Service:   "pulsed-test",
		DeskPath:  "/tmp/desk",
		APIPort:   8765,
	})
	return srv.Handler(), token
}

func doRequest(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h, _ := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodGet, "/api/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %q", body["status"])
	}
}

func TestSchedule_RequiresBearerToken(t *testing.T) {
	h, _ := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodPost, "/api/pulse/schedule", "", `{"prompt":"a prompt long enough to pass"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestSchedule_RejectsWrongToken(t *testing.T) {
	h, _ := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodPost, "/api/pulse/schedule", "wrong-token", `{"prompt":"a prompt long enough to pass"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestSchedule_CreatesPulseAndRoundTrips(t *testing.T) {
	store := openTestStore(t)
	h, token := newTestServer(t, store)

	reqBody := `{"prompt":"Morning briefing at specific time","scheduled_at":"2026-01-20T09:00:00Z","priority":"normal","source":"scheduler"}`
	w := doRequest(h, http.MethodPost, "/api/pulse/schedule", token, reqBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode schedule response: %v", err)
	}
	pulseID := int64(resp["pulse_id"].(float64))
	if pulseID == 0 {
		t.Fatal("expected non-zero pulse_id")
	}
	if resp["scheduled_at"] != "2026-01-20T09:00:00+00:00" {
		t.Fatalf("unexpected scheduled_at: %v", resp["scheduled_at"])
	}

	getW := doRequest(h, http.MethodGet, "/api/pulse/"+strconv.FormatInt(pulseID, 10), token, "")
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200 on get-by-id, got %d", getW.Code)
	}
	var pulse map[string]any
	if err := json.Unmarshal(getW.Body.Bytes(), &pulse); err != nil {
		t.Fatalf("decode pulse: %v", err)
	}
	if pulse["created_by"] != "scheduler" {
		t.Fatalf("expected created_by=scheduler, got %v", pulse["created_by"])
	}
}

func TestSchedule_RejectsShortPrompt(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodPost, "/api/pulse/schedule", token, `{"prompt":"short"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSchedule_RejectsInvalidTimeString(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodPost, "/api/pulse/schedule", token, `{"prompt":"a prompt long enough to pass","scheduled_at":"sometime soon"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodGet, "/api/pulse/99999", token, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpcoming_TruncatesLongPrompts(t *testing.T) {
	store := openTestStore(t)
	h, token := newTestServer(t, store)

	longPrompt := ""
	for i := 0; i < 150; i++ {
		longPrompt += "x"
	}
	if _, err := store.Schedule(context.Background(), pulsestore.ScheduleParams{
		ScheduledAt: time.Now(),
		Prompt:      longPrompt,
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	w := doRequest(h, http.MethodGet, "/api/pulse/upcoming?limit=5", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Pulses []map[string]any `json:"pulses"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Pulses) != 1 {
		t.Fatalf("expected 1 pulse, got %d", len(resp.Pulses))
	}
	prompt := resp.Pulses[0]["prompt"].(string)
	if len(prompt) != 103 || prompt[100:] != "..." {
		t.Fatalf("expected truncated prompt with ellipsis, got %q (len=%d)", prompt, len(prompt))
	}
}

func TestList_RejectsLimitOutOfRange(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodGet, "/api/pulse/list?limit=0", token, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", w.Code)
	}
	w = doRequest(h, http.MethodGet, "/api/pulse/list?limit=101", token, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=101, got %d", w.Code)
	}
	w = doRequest(h, http.MethodGet, "/api/pulse/list?limit=100", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for limit=100, got %d", w.Code)
	}
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodGet, "/api/pulse/list?status=bogus", token, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestPulseStats_ReturnsCounters(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodGet, "/api/pulse/stats", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"pending", "overdue", "failed", "completed_today", "processing"} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("expected key %q in pulse stats response", key)
		}
	}
}

func TestStatus_ReportsConfiguredValues(t *testing.T) {
	h, token := newTestServer(t, openTestStore(t))
	w := doRequest(h, http.MethodGet, "/api/status", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "running" {
		t.Fatalf("expected status=running, got %v", resp["status"])
	}
	if resp["desk_path"] != "/tmp/desk" {
		t.Fatalf("expected desk_path=/tmp/desk, got %v", resp["desk_path"])
	}
}

