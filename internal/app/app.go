// Package app wires configuration, logging, state, the data source client,
// the notifier, the monitor loop and the control panel together.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chirpwatch/internal/config"
	"chirpwatch/internal/httpserver"
	"chirpwatch/internal/monitor"
	"chirpwatch/internal/notify"
	"chirpwatch/internal/source"
	"chirpwatch/internal/state"
	logx "chirpwatch/pkg/logx"
)

type App struct {
	cfgm  *config.Manager
	logs  *logx.Service
	log   logx.Logger
	store state.Store
	src   *source.Client
	notif *notify.Telegram
	mon   *monitor.Service
	http  *httpserver.Server

	cfgSub chan *config.Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := parseDurationOrDefault("state.busy_timeout", cfg.State.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(state.Config{
		Driver:      cfg.State.Driver,
		Path:        cfg.State.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "state")))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	src := source.New(source.Config{
		// The credential is read per request so reloads take effect
		// without rebuilding the client.
		APIKey: func() string { return cfgm.Get().SourceAPIKey },
	}, log.With(logx.String("comp", "source")))

	notif := notify.NewTelegram(log.With(logx.String("comp", "notify")))
	notif.Apply(cfg.Telegram.Token, cfg.Telegram.ChatID)

	mon := monitor.New(cfgm, store, src, notif, log.With(logx.String("comp", "monitor")))

	a := &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		store: store,
		src:   src,
		notif: notif,
		mon:   mon,
	}
	return a, nil
}

func (a *App) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	cfg := a.cfgm.Get()

	// Pick up external config edits for the lifetime of the app.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()

	// Re-apply hot-reloadable sections on every config change.
	a.cfgSub = a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-a.cfgSub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				a.notif.Apply(next.Telegram.Token, next.Telegram.ChatID)
			}
		}
	}()

	if cfg.HTTP.Addr != "" {
		a.http = httpserver.New(cfg.HTTP.Addr, a.log.With(logx.String("comp", "http")), httpserver.Deps{
			Cfg:     a.cfgm,
			Store:   a.store,
			Src:     a.src,
			Notif:   a.notif,
			Mon:     a.mon,
			BaseCtx: ctx,
			Log:     a.log.With(logx.String("comp", "http")),
		})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.http.Start(); err != nil {
				a.log.Error("control panel failed", logx.Err(err))
			}
		}()
	}

	// Resume monitoring if the previous run left it on.
	if cfg.Running {
		a.log.Info("running flag set; starting monitor")
		a.mon.Start(ctx)
	}

	a.log.Info("started",
		logx.Int("accounts", len(cfg.Accounts)),
		logx.Bool("running", cfg.Running))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.http != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.http.Stop(sctx)
		cancel()
	}
	_ = a.mon.Shutdown(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}
	// The watcher and subscriber goroutines still log and re-apply config;
	// wait them out before closing shared resources.
	a.wg.Wait()
	_ = a.store.Close()
	_ = a.logs.Close()
	return nil
}

func parseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
