// Package bridge is the Inbound Bridge: a long-polling process that reads
// unsolicited messages from Telegram, filters them to the one authorized
// chat, and posts them into the HTTP Ingress as pulses.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	longPollTimeoutSeconds = 100
	maxConsecutiveErrors   = 10
	maxBackoff             = 300 * time.Second
	httpClientTimeout      = 30 * time.Second
)

// ErrInvalidBotToken marks a fatal, non-retryable startup condition: the
// configured bot token was rejected by Telegram.
var ErrInvalidBotToken = fmt.Errorf("bridge: invalid telegram bot token")

// Config holds the Bridge's dependencies.
type Config struct {
	BotToken       string
	AuthorizedChat int64
	APIURL         string
	APIToken       string
	OffsetFilePath string
	Logger         *slog.Logger
}

// Bridge polls Telegram for updates and forwards authorized text messages
// to the HTTP Ingress as pulses.
type Bridge struct {
	cfg        Config
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
	offset     int
}

// New builds a Bridge. Call Run to start polling.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: httpClientTimeout},
	}
}

// Run loads the persisted offset, verifies the bot token, and polls until
// ctx is cancelled or a fatal condition is hit. It always attempts to
// persist the current offset before returning.
func (b *Bridge) Run(ctx context.Context) error {
	b.offset = b.loadOffset()

	bot, err := tgbotapi.NewBotAPI(b.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBotToken, err)
	}
	b.bot = bot
	b.logger.Info("telegram bridge started", "bot_user", bot.Self.UserName, "offset", b.offset)

	defer b.saveOffset()

	errorCount := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := b.getUpdates(ctx)
		if err != nil {
			if err == ErrInvalidBotToken {
				return err
			}
			errorCount++
			if errorCount >= maxConsecutiveErrors {
				return fmt.Errorf("bridge: %d consecutive errors, giving up", errorCount)
			}
			backoff := backoffFor(errorCount)
			b.logger.Error("telegram poll failed", "error", err, "backoff", backoff, "attempt", errorCount)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		errorCount = 0

		for _, u := range updates {
			b.processUpdate(ctx, u)
			b.offset = u.UpdateID + 1
		}
		if len(updates) > 0 {
			b.saveOffset()
		}
	}
}

func backoffFor(errorCount int) time.Duration {
	d := time.Duration(1<<uint(errorCount)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (b *Bridge) getUpdates(ctx context.Context) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(b.offset)
	cfg.Timeout = longPollTimeoutSeconds

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		u, err := b.bot.GetUpdates(cfg)
		done <- result{updates: u, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil
	case r := <-done:
		if r.err != nil {
			if strings.Contains(strings.ToLower(r.err.Error()), "unauthorized") {
				return nil, ErrInvalidBotToken
			}
			return nil, r.err
		}
		return r.updates, nil
	}
}

func (b *Bridge) processUpdate(ctx context.Context, u tgbotapi.Update) {
	if u.Message == nil {
		return
	}
	if u.Message.Chat.ID != b.cfg.AuthorizedChat {
		b.logger.Warn("ignoring message from unauthorized chat", "chat_id", u.Message.Chat.ID)
		return
	}
	text := u.Message.Text
	if text == "" {
		return
	}

	userDisplay := u.Message.From.FirstName
	if u.Message.From.UserName != "" {
		userDisplay += " (@" + u.Message.From.UserName + ")"
	}
	prompt := fmt.Sprintf("Telegram message from %s: %s", userDisplay, text)

	pulseID, err := b.schedulePulse(ctx, prompt)
	if err != nil {
		b.logger.Error("failed to schedule pulse from telegram message", "error", err, "user", userDisplay)
		return
	}
	b.logger.Info("scheduled pulse from telegram message", "pulse_id", pulseID, "user", userDisplay)
}

func (b *Bridge) schedulePulse(ctx context.Context, prompt string) (int64, error) {
	payload := map[string]any{
		"prompt":       prompt,
		"scheduled_at": "now",
		"priority":     "critical",
		"source":       "telegram",
		"tags":         []string{"telegram", "user_message"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.APIURL+"/api/pulse/schedule", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ingress returned %d", resp.StatusCode)
	}

	var out struct {
		PulseID int64 `json:"pulse_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.PulseID, nil
}

func (b *Bridge) loadOffset() int {
	data, err := os.ReadFile(b.cfg.OffsetFilePath)
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}

func (b *Bridge) saveOffset() {
	dir := filepath.Dir(b.cfg.OffsetFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.Warn("failed to create offset file directory", "error", err)
		return
	}
	tmp := b.cfg.OffsetFilePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(b.offset)+"\n"), 0o644); err != nil {
		b.logger.Warn("failed to write offset temp file", "error", err)
		return
	}
	if err := os.Rename(tmp, b.cfg.OffsetFilePath); err != nil {
		b.logger.Warn("failed to rename offset file into place", "error", err)
	}
}
