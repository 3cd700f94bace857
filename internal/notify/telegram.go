// Package notify delivers formatted messages to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "chirpwatch/pkg/logx"
)

// Telegram sends messages to a single configured chat.
//
// Send never returns an error: delivery is reported as a bool so callers can
// log the outcome and move on. Missing credentials are a configuration gap,
// not a transient failure; Send no-ops without network I/O in that case.
type Telegram struct {
	log logx.Logger

	mu     sync.Mutex
	token  string
	chatID int64
	bot    *tele.Bot

	limiter    *rate.Limiter
	retryMax   int
	retryDelay time.Duration
}

func NewTelegram(log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		log: log,
		// One message per second smooths bursts within a sweep well under
		// Telegram's per-chat limit.
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		retryMax:   3,
		retryDelay: 2 * time.Second,
	}
}

// Apply swaps delivery credentials at runtime (config reload). An
// unparseable chat id is treated as absent credentials.
func (t *Telegram) Apply(token, chatID string) {
	token = strings.TrimSpace(token)
	var id int64
	if s := strings.TrimSpace(chatID); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			t.log.Warn("telegram chat_id is not numeric; delivery disabled", logx.String("chat_id", s))
		} else {
			id = n
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if token != t.token {
		t.bot = nil // rebuild lazily with the new token
	}
	t.token = token
	t.chatID = id
}

// Configured reports whether delivery credentials are present.
func (t *Telegram) Configured() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token != "" && t.chatID != 0
}

// Send delivers text as HTML. It retries transport failures with a fixed
// delay; an API rejection (the endpoint answered but refused the message)
// is terminal and logged.
func (t *Telegram) Send(ctx context.Context, text string) bool {
	t.mu.Lock()
	token, chatID := t.token, t.chatID
	bot := t.bot
	t.mu.Unlock()

	if token == "" || chatID == 0 {
		t.log.Debug("telegram credentials missing; skipping send")
		return false
	}

	if bot == nil {
		b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
		if err != nil {
			t.log.Error("telegram bot init failed", logx.Err(err))
			return false
		}
		t.mu.Lock()
		if t.bot == nil && t.token == token {
			t.bot = b
		}
		bot = t.bot
		t.mu.Unlock()
		if bot == nil {
			return false
		}
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	}

	for attempt := 1; attempt <= t.retryMax; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return false
		}

		_, err := bot.Send(tele.ChatID(chatID), text, opts)
		if err == nil {
			return true
		}

		var apiErr *tele.Error
		if errors.As(err, &apiErr) {
			t.log.Warn("telegram rejected message",
				logx.Int("code", apiErr.Code),
				logx.String("description", apiErr.Description))
			return false
		}

		t.log.Warn("telegram send failed",
			logx.Int("attempt", attempt),
			logx.Int("max", t.retryMax),
			logx.Err(err))
		if attempt < t.retryMax {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(t.retryDelay):
			}
		}
	}
	return false
}
