package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestBackoffFor_CapsAtMaxBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	}
	for attempts, want := range cases {
		if got := backoffFor(attempts); got != want {
			t.Fatalf("backoffFor(%d) = %v, want %v", attempts, got, want)
		}
	}
	if got := backoffFor(20); got != maxBackoff {
		t.Fatalf("expected backoff capped at %v, got %v", maxBackoff, got)
	}
}

func TestOffset_RoundTripsThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telegram_offset.txt")
	b := &Bridge{cfg: Config{OffsetFilePath: path}, logger: testLogger()}

	if got := b.loadOffset(); got != 0 {
		t.Fatalf("expected 0 offset when file absent, got %d", got)
	}

	b.offset = 42
	b.saveOffset()

	b2 := &Bridge{cfg: Config{OffsetFilePath: path}, logger: testLogger()}
	if got := b2.loadOffset(); got != 42 {
		t.Fatalf("expected loaded offset 42, got %d", got)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp offset file to be renamed away")
	}
}

func TestOffset_LoadIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telegram_offset.txt")
	if err := os.WriteFile(path, []byte("not-a-number"), 0o644); err != nil {
		t.Fatalf("write corrupt offset file: %v", err)
	}
	b := &Bridge{cfg: Config{OffsetFilePath: path}, logger: testLogger()}
	if got := b.loadOffset(); got != 0 {
		t.Fatalf("expected 0 on corrupt offset file, got %d", got)
	}
}

func TestSchedulePulse_PostsExpectedPayload(t *testing.T) {
	var captured map[string]any
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"pulse_id": 7, "scheduled_at": "now", "message": "ok"})
	}))
	defer srv.Close()

	b := New(Config{
		APIURL:   srv.URL,
		APIToken: "test-token",
		Logger:   testLogger(),
	})

	id, err := b.schedulePulse(context.Background(), "Telegram message from Alice: hello")
	if err != nil {
		t.Fatalf("schedulePulse: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected pulse id 7, got %d", id)
	}
	if authHeader != "Bearer test-token" {
		t.Fatalf("expected bearer auth header, got %q", authHeader)
	}
	if captured["priority"] != "critical" {
		t.Fatalf("expected priority critical, got %v", captured["priority"])
	}
	if captured["source"] != "telegram" {
		t.Fatalf("expected source telegram, got %v", captured["source"])
	}
	if captured["prompt"] != "Telegram message from Alice: hello" {
		t.Fatalf("unexpected prompt: %v", captured["prompt"])
	}
}

func TestSchedulePulse_PropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	b := New(Config{APIURL: srv.URL, APIToken: "wrong", Logger: testLogger()})
	if _, err := b.schedulePulse(context.Background(), "hi"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestProcessUpdate_SkipsUnauthorizedChat(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(map[string]any{"pulse_id": 1})
	}))
	defer srv.Close()

	b := New(Config{APIURL: srv.URL, APIToken: "t", AuthorizedChat: 12345, Logger: testLogger()})
	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: "hello",
			Chat: &tgbotapi.Chat{ID: 99999},
			From: &tgbotapi.User{FirstName: "Eve"},
		},
	}
	b.processUpdate(context.Background(), update)
	if called {
		t.Fatal("expected no HTTP call for a message from an unauthorized chat")
	}
}

func TestProcessUpdate_SkipsMessagesWithoutText(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	b := New(Config{APIURL: srv.URL, APIToken: "t", AuthorizedChat: 12345, Logger: testLogger()})
	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			Chat: &tgbotapi.Chat{ID: 12345},
			From: &tgbotapi.User{FirstName: "Alice"},
		},
	}
	b.processUpdate(context.Background(), update)
	if called {
		t.Fatal("expected no HTTP call for a message with no text content")
	}
}

func TestProcessUpdate_ForwardsAuthorizedTextMessage(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]any{"pulse_id": 3})
	}))
	defer srv.Close()

	b := New(Config{APIURL: srv.URL, APIToken: "t", AuthorizedChat: 12345, Logger: testLogger()})
	update := tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: "what's on my calendar today?",
			Chat: &tgbotapi.Chat{ID: 12345},
			From: &tgbotapi.User{FirstName: "Alice", UserName: "alice123"},
		},
	}
	b.processUpdate(context.Background(), update)
	if captured == nil {
		t.Fatal("expected a pulse to be scheduled")
	}
	want := "Telegram message from Alice (@alice123): what's on my calendar today?"
	if captured["prompt"] != want {
		t.Fatalf("expected prompt %q, got %v", want, captured["prompt"])
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
