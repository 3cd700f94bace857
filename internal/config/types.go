package config

// Config is the full on-disk configuration.
//
// Everything here is hot-reloadable between poll cycles. The Running flag is
// special: the monitor itself flips it on start/stop so a restart resumes in
// the same state.
type Config struct {
	// SourceAPIKey authenticates against the social data provider.
	SourceAPIKey string `json:"source_api_key"`

	Telegram TelegramConfig `json:"telegram"`

	// Accounts is the list of monitored account handles (no leading "@").
	Accounts []string `json:"accounts"`

	// PollIntervalSeconds is the wait between full sweeps. Defaults to 60.
	PollIntervalSeconds int `json:"poll_interval_seconds"`

	// Running records whether the poll loop should be active.
	Running bool `json:"running"`

	Logging LoggingConfig `json:"logging"`
	State   StateConfig   `json:"state"`
	HTTP    HTTPConfig    `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the destination chat, as a decimal string.
	ChatID string `json:"chat_id"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StateConfig controls the dedup state store.
//
// Driver values:
//   - "file" (default): JSON snapshot with atomic replace
//   - "sqlite": SQLite database file
type StateConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type HTTPConfig struct {
	// Addr is the control panel listen address. Empty disables the panel.
	Addr string `json:"addr,omitempty"`
}

// HasAccount reports whether handle is in the monitored list.
func (c *Config) HasAccount(handle string) bool {
	for _, a := range c.Accounts {
		if a == handle {
			return true
		}
	}
	return false
}

func applyDefaults(c *Config) {
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 60
	}
	if c.State.Driver == "" {
		c.State.Driver = "file"
	}
	if c.State.Path == "" {
		c.State.Path = "./state.json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// clone deep-copies c (slices only; all other fields are values).
func clone(c *Config) *Config {
	cp := *c
	cp.Accounts = append([]string(nil), c.Accounts...)
	return &cp
}
