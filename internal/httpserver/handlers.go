package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chirpwatch/internal/classify"
	"chirpwatch/internal/config"
	"chirpwatch/internal/notify"
	"chirpwatch/internal/source"
	logx "chirpwatch/pkg/logx"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (d Deps) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := d.Cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"source_api_key":        cfg.SourceAPIKey,
		"telegram_token":        cfg.Telegram.Token,
		"telegram_chat_id":      cfg.Telegram.ChatID,
		"accounts":              cfg.Accounts,
		"poll_interval_seconds": cfg.PollIntervalSeconds,
		"running":               cfg.Running,
	})
}

// updateConfig applies a partial update: only fields present in the request
// body change.
func (d Deps) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceAPIKey        *string `json:"source_api_key"`
		TelegramToken       *string `json:"telegram_token"`
		TelegramChatID      *string `json:"telegram_chat_id"`
		PollIntervalSeconds *int    `json:"poll_interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := d.Cfg.Update(func(c *config.Config) {
		if req.SourceAPIKey != nil {
			c.SourceAPIKey = *req.SourceAPIKey
		}
		if req.TelegramToken != nil {
			c.Telegram.Token = *req.TelegramToken
		}
		if req.TelegramChatID != nil {
			c.Telegram.ChatID = *req.TelegramChatID
		}
		if req.PollIntervalSeconds != nil && *req.PollIntervalSeconds > 0 {
			c.PollIntervalSeconds = *req.PollIntervalSeconds
		}
	})
	if err != nil {
		d.Log.Error("config save failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "config not saved")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d Deps) listAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": d.Cfg.Get().Accounts})
}

// addAccount validates the handle against the provider before persisting it,
// so typos fail fast instead of producing a permanently erroring sweep.
func (d Deps) addAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	handle := strings.TrimPrefix(strings.TrimSpace(req.Handle), "@")
	if handle == "" {
		writeError(w, http.StatusBadRequest, "handle must not be empty")
		return
	}
	if d.Cfg.Get().HasAccount(handle) {
		writeError(w, http.StatusConflict, "account already monitored")
		return
	}

	prof, err := d.Src.FetchProfile(r.Context(), handle)
	if err != nil {
		d.Log.Warn("account validation failed", logx.String("account", handle), logx.Err(err))
		writeError(w, http.StatusBadGateway, "account not found or provider unavailable")
		return
	}

	if err := d.Cfg.Update(func(c *config.Config) {
		if !c.HasAccount(handle) {
			c.Accounts = append(c.Accounts, handle)
		}
	}); err != nil {
		d.Log.Error("config save failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "config not saved")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"handle":    handle,
		"name":      prof.Name,
		"followers": prof.Followers,
		"avatar":    prof.AvatarURL,
	})
}

// deleteAccount removes the handle from monitoring and cascade-deletes its
// tracked state, so a later re-add primes fresh instead of replaying stale ids.
func (d Deps) deleteAccount(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if err := d.Cfg.Update(func(c *config.Config) {
		out := c.Accounts[:0]
		for _, a := range c.Accounts {
			if a != handle {
				out = append(out, a)
			}
		}
		c.Accounts = out
	}); err != nil {
		d.Log.Error("config save failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "config not saved")
		return
	}
	if err := d.Store.DeleteAccount(handle); err != nil {
		d.Log.Error("state cleanup failed", logx.String("account", handle), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type previewItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

func toPreview(it *source.Item) *previewItem {
	if it == nil {
		return nil
	}
	return &previewItem{ID: it.ID, Text: it.Text, URL: it.URL, CreatedAt: it.CreatedAt}
}

// previewAccount shows a live classified view of the account's latest items.
func (d Deps) previewAccount(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	items, err := d.Src.FetchTimeline(r.Context(), handle)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	slots := classify.Classify(items)

	pinned := ""
	if prof, err := d.Src.FetchProfile(r.Context(), handle); err == nil {
		pinned = prof.PinnedID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"original":  toPreview(slots.Original),
		"reply":     toPreview(slots.Reply),
		"repost":    toPreview(slots.Repost),
		"pinned_id": pinned,
	})
}

func (d Deps) startMonitor(w http.ResponseWriter, r *http.Request) {
	d.Mon.Start(d.BaseCtx)
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

func (d Deps) stopMonitor(w http.ResponseWriter, r *http.Request) {
	d.Mon.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func (d Deps) testTelegram(w http.ResponseWriter, r *http.Request) {
	delivered := d.Notif.Send(r.Context(), notify.TestMessage)
	if !delivered {
		writeJSON(w, http.StatusOK, map[string]any{"delivered": false, "error": "delivery failed; check credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

func (d Deps) status(w http.ResponseWriter, r *http.Request) {
	cfg := d.Cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":        cfg.Running,
		"worker_alive":   d.Mon.WorkerAlive(),
		"tracked_states": d.Store.Count(),
		"accounts":       len(cfg.Accounts),
	})
}
