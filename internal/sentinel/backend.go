package sentinel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Backend delivers an alert message out-of-band. Implementations must
// never panic or block indefinitely; a failed send returns false so the
// caller can decide whether to retry later.
type Backend interface {
	Send(message string) bool
}

// backendFactory probes the environment for the credentials a backend
// needs and returns nil if they are absent, so auto-detection can try
// the next registered backend.
type backendFactory struct {
	name    string
	fromEnv func() Backend
}

var registry = []backendFactory{
	{name: "telegram", fromEnv: telegramFromEnv},
}

// ResolveBackend picks a Backend by explicit name (an empty name falls
// back to the SENTINEL_BACKEND env var, then to auto-detection in
// registration order). It returns nil if no backend could be resolved.
func ResolveBackend(name string) Backend {
	if name == "" {
		name = os.Getenv("SENTINEL_BACKEND")
	}
	if name != "" {
		for _, f := range registry {
			if f.name == name {
				return f.fromEnv()
			}
		}
		return nil
	}
	for _, f := range registry {
		if b := f.fromEnv(); b != nil {
			return b
		}
	}
	return nil
}

// telegramBackend posts alerts to the Telegram Bot API using only the
// standard library's net/http client, deliberately independent of the
// richer go-telegram-bot-api client the inbound bridge uses: an alert
// path must still work when the rest of the process's dependency graph
// is unhealthy.
type telegramBackend struct {
	botToken string
	chatID   string
	client   *http.Client
}

func telegramFromEnv() Backend {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return nil
	}
	return &telegramBackend{
		botToken: token,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

const telegramMaxMessageLen = 4096

func (t *telegramBackend) Send(message string) bool {
	if len(message) > telegramMaxMessageLen {
		message = message[:telegramMaxMessageLen]
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return false
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
