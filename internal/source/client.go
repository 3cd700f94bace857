// Package source talks to the social data provider's read-only REST API.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	logx "chirpwatch/pkg/logx"
)

const DefaultBaseURL = "https://api.twitterapi.io"

// Config configures the provider client.
type Config struct {
	BaseURL string
	// APIKey returns the current credential. It is a func so config reloads
	// take effect on the next fetch without rebuilding the client.
	APIKey func() string

	// RetryMax is the number of attempts on transport failure (default 3).
	RetryMax int
	// RetryDelay is the fixed wait between attempts (default 2s).
	RetryDelay time.Duration
	// Timeout bounds a single HTTP request (default 30s).
	Timeout time.Duration
}

// Client fetches account profiles and recent items.
//
// Transport failures are retried with a fixed delay; a well-formed provider
// error response is returned as *APIError without retry. The client never
// touches monitor state.
type Client struct {
	baseURL    string
	apiKey     func() string
	http       *http.Client
	log        logx.Logger
	retryMax   int
	retryDelay time.Duration
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.APIKey == nil {
		cfg.APIKey = func() string { return "" }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: cfg.Timeout},
		log:        log,
		retryMax:   cfg.RetryMax,
		retryDelay: cfg.RetryDelay,
	}
}

// provider envelope: {"status": "success"|..., "msg": ..., "data": {...}}
type envelope struct {
	Status string          `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

type apiProfile struct {
	Name           string   `json:"name"`
	Followers      int64    `json:"followers"`
	ProfilePicture string   `json:"profilePicture"`
	PinnedTweetIDs []string `json:"pinnedTweetIds"`
}

type apiTimeline struct {
	Tweets []apiTweet `json:"tweets"`
}

type apiTweet struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	URL       string          `json:"url"`
	CreatedAt string          `json:"createdAt"`
	IsReply   bool            `json:"isReply"`
	Retweeted json.RawMessage `json:"retweeted_tweet"`
}

// FetchProfile returns the account's display profile, including its current
// pinned item identifier (empty if none).
func (c *Client) FetchProfile(ctx context.Context, handle string) (Profile, error) {
	if handle == "" {
		return Profile{}, fmt.Errorf("fetch profile: empty handle")
	}
	raw, err := c.getJSON(ctx, "/twitter/user/info", url.Values{"userName": {handle}})
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile %s: %w", handle, err)
	}

	var p apiProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("fetch profile %s: decode: %w", handle, err)
	}

	prof := Profile{
		Handle:    handle,
		Name:      p.Name,
		Followers: p.Followers,
		AvatarURL: p.ProfilePicture,
	}
	if len(p.PinnedTweetIDs) > 0 {
		prof.PinnedID = p.PinnedTweetIDs[0]
	}
	if prof.Name == "" {
		prof.Name = handle
	}
	return prof, nil
}

// FetchTimeline returns the account's recent items in fetch order, newest
// first, with the category already derived from provider flags.
func (c *Client) FetchTimeline(ctx context.Context, handle string) ([]Item, error) {
	if handle == "" {
		return nil, fmt.Errorf("fetch timeline: empty handle")
	}
	raw, err := c.getJSON(ctx, "/twitter/user/last_tweets", url.Values{
		"userName":       {handle},
		"includeReplies": {"true"},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch timeline %s: %w", handle, err)
	}

	var tl apiTimeline
	if err := json.Unmarshal(raw, &tl); err != nil {
		return nil, fmt.Errorf("fetch timeline %s: decode: %w", handle, err)
	}

	items := make([]Item, 0, len(tl.Tweets))
	for _, t := range tl.Tweets {
		items = append(items, Item{
			ID:        t.ID,
			Kind:      kindOf(t),
			Text:      t.Text,
			URL:       t.URL,
			CreatedAt: t.CreatedAt,
		})
	}
	return items, nil
}

func kindOf(t apiTweet) Kind {
	switch {
	case len(t.Retweeted) > 0 && string(t.Retweeted) != "null":
		return KindRepost
	case t.IsReply:
		return KindReply
	default:
		return KindOriginal
	}
}

// getJSON performs the request with bounded retry on transport failure and
// unwraps the provider envelope. A non-success status is terminal.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	u := c.baseURL + path + "?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.retryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", c.apiKey())
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("provider request failed",
				logx.String("path", path),
				logx.Int("attempt", attempt),
				logx.Int("max", c.retryMax),
				logx.Err(err))
			if attempt < c.retryMax {
				if serr := sleepCtx(ctx, c.retryDelay); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		var env envelope
		decErr := json.NewDecoder(resp.Body).Decode(&env)
		_ = resp.Body.Close()
		if decErr != nil {
			lastErr = decErr
			c.log.Warn("provider response decode failed",
				logx.String("path", path),
				logx.Int("attempt", attempt),
				logx.Err(decErr))
			if attempt < c.retryMax {
				if serr := sleepCtx(ctx, c.retryDelay); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		if env.Status != "success" {
			// The provider answered; retrying would return the same rejection.
			return nil, &APIError{Status: env.Status, Msg: env.Msg}
		}
		return env.Data, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retryMax, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
