// Package monitor drives the fetch-classify-diff-notify-persist loop across
// all configured accounts.
package monitor

import (
	"context"
	"sync"
	"time"

	"chirpwatch/internal/config"
	"chirpwatch/internal/source"
	"chirpwatch/internal/state"
	logx "chirpwatch/pkg/logx"
)

// Source is the data provider consumed by the sweep.
type Source interface {
	FetchProfile(ctx context.Context, handle string) (source.Profile, error)
	FetchTimeline(ctx context.Context, handle string) ([]source.Item, error)
}

// Notifier delivers one formatted message. The bool reports delivery; it
// never fails loudly.
type Notifier interface {
	Send(ctx context.Context, text string) bool
}

// Service owns the single background worker. Starting while a worker is
// alive is a no-op; stopping is cooperative and observed at the next
// checkpoint (end of an account or a sleep tick), never mid-call.
type Service struct {
	cfgm  *config.Manager
	store state.Store
	src   Source
	notif Notifier
	log   logx.Logger

	mu     sync.Mutex
	alive  bool
	cancel context.CancelFunc
	done   chan struct{}

	// Loop tunables. Tests shrink these; production keeps the defaults.
	accountPause time.Duration // pause between accounts to smooth request rate
	tick         time.Duration // granularity at which sleeps observe the stop flag
	errThreshold int           // consecutive account failures before cooling down
	cooldown     time.Duration // wait after hitting errThreshold
	crashPause   time.Duration // pause after a failure escaping the account boundary
}

func New(cfgm *config.Manager, store state.Store, src Source, notif Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfgm:  cfgm,
		store: store,
		src:   src,
		notif: notif,
		log:   log,

		accountPause: time.Second,
		tick:         time.Second,
		errThreshold: 10,
		cooldown:     5 * time.Minute,
		crashPause:   10 * time.Second,
	}
}

// Start flips the running flag and spawns the worker unless one is already
// alive. The worker exits when the flag is cleared or parent is cancelled.
func (s *Service) Start(parent context.Context) {
	s.mu.Lock()
	if s.alive {
		s.mu.Unlock()
		s.log.Debug("monitor worker already running")
		s.setRunning(true)
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.alive = true
	s.mu.Unlock()

	s.setRunning(true)

	go func() {
		defer func() {
			s.mu.Lock()
			s.alive = false
			s.cancel = nil
			s.mu.Unlock()
			close(done)
		}()
		s.run(ctx)
	}()
}

// Stop clears the running flag. The worker notices within one tick.
func (s *Service) Stop() {
	s.setRunning(false)
}

// Shutdown cancels the worker context and waits for the worker to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerAlive reports whether the background worker goroutine is running.
func (s *Service) WorkerAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Running reports the configured running flag.
func (s *Service) Running() bool {
	cfg := s.cfgm.Get()
	return cfg != nil && cfg.Running
}

func (s *Service) setRunning(v bool) {
	if err := s.cfgm.Update(func(c *config.Config) { c.Running = v }); err != nil {
		s.log.Warn("could not persist running flag", logx.Bool("running", v), logx.Err(err))
	}
}

func (s *Service) run(ctx context.Context) {
	s.log.Info("monitor loop started")
	errs := 0
	for s.shouldRun(ctx) {
		errs = s.cycle(ctx, errs)
		if !s.shouldRun(ctx) {
			break
		}
		if errs >= s.errThreshold {
			s.log.Warn("too many consecutive errors; cooling down",
				logx.Int("errors", errs),
				logx.Duration("cooldown", s.cooldown))
			if !s.sleep(ctx, s.cooldown) {
				break
			}
			errs = 0
			continue
		}
		if !s.sleep(ctx, s.interval()) {
			break
		}
	}
	s.log.Info("monitor loop stopped")
}

func (s *Service) interval() time.Duration {
	secs := 60
	if cfg := s.cfgm.Get(); cfg != nil && cfg.PollIntervalSeconds > 0 {
		secs = cfg.PollIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

func (s *Service) shouldRun(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	cfg := s.cfgm.Get()
	return cfg != nil && cfg.Running
}

// sleep waits d, polling the stop flag every tick so a stop takes effect
// within one tick rather than a full interval. Returns false on stop.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !s.shouldRun(ctx) {
			return false
		}
		step := s.tick
		if rem := time.Until(deadline); rem < step {
			step = rem
		}
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	return s.shouldRun(ctx)
}
