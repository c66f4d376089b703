// Package app wires every component from one config and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/credits"
	"postpilot/internal/eventbus"
	"postpilot/internal/fulfillment"
	"postpilot/internal/poller"
	"postpilot/internal/posts"
	"postpilot/internal/providers/facebook"
	"postpilot/internal/providers/gemini"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	"postpilot/internal/task/engine"
	"postpilot/internal/task/scheduler"
	"postpilot/internal/transport/httpapi"
	"postpilot/internal/transport/telegram"
	logx "postpilot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.SQLStore
	alerts *telegram.Sender // nil without a bot token
	gemini *gemini.Client

	engine    *engine.Service
	engineCtx context.Context
	sched     *scheduler.Service
	posts     *posts.Ledger
	credits   *credits.Ledger
	pipeline  *fulfillment.Pipeline
	poller    *poller.Poller

	api             *httpapi.Server // nil when http is disabled
	shutdownTimeout time.Duration
	started         time.Time
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bootLog := logx.NewConsole("INFO")
	var (
		alerts *telegram.Sender
		sender logx.AlertSender
	)
	if cfg.Telegram.Token != "" {
		alerts, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = alerts
	}
	logSvc, root := logx.New(mapLogging(cfg), sender)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), alerts: alerts}
	ok := false
	defer func() {
		if !ok {
			_ = a.closeResources()
			_ = a.logs.Close()
		}
	}()

	sc := mapStorage(cfg)
	a.store, err = storage.Open(ctx, sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", a.store.Driver()))

	a.gemini, err = gemini.New(ctx, mapGemini(cfg), comp("gemini"))
	if err != nil {
		return nil, err
	}
	fb := facebook.New(mapFacebook(cfg), comp("facebook"))

	a.engine = engine.New(mapEngine(cfg), comp("taskengine"), a.bus)
	a.sched = scheduler.New(mapScheduler(cfg), a.engine, comp("scheduler"))
	a.posts = posts.NewLedger(a.store, mapPosts(cfg), comp("posts"))
	a.credits = credits.NewLedger(a.store, mapCredits(cfg), comp("credits"))
	a.pipeline = fulfillment.New(fulfillment.Deps{
		Posts:     a.posts,
		Credits:   a.credits,
		Users:     a.store,
		Content:   a.gemini,
		Images:    a.gemini,
		Publisher: fb,
		Bus:       a.bus,
	}, mapTimeouts(cfg), comp("fulfillment"))
	a.poller = poller.New(mapPoller(cfg), a.posts, a.pipeline, a.engine, comp("poller"))

	if cfg.HTTP.Enabled {
		hc, shutdown := mapHTTP(cfg)
		a.shutdownTimeout = shutdown
		a.api = httpapi.New(hc, httpapi.Deps{
			Posts:      a.posts,
			Credits:    a.credits,
			Dispatcher: a.poller,
			Health:     a.health,
		}, httpapi.NewAuthenticator(cfg.HTTP.JWTSecret), comp("http"))
	}
	ok = true
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error the supervisor saw.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })

	// Runs in flight must outlive the app context; Stop drains them.
	a.engineCtx = context.WithoutCancel(ctx)
	a.engine.Start(a.engineCtx)

	if err := a.poller.Register(a.sched); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; due posts will not be picked up")
	}
	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}

	if cfg := a.cfgm.Get(); a.alerts != nil && cfg.Telegram.AlertChatID != 0 {
		chatID, thread := cfg.Telegram.AlertChatID, cfg.Logging.Alerts.ThreadID
		a.sup.Go("alerts.relay", func(c context.Context) error {
			return a.alerts.Relay(c, a.bus, chatID, thread)
		})
	}
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if pe, ok := e.Data.(eventbus.PostEvent); ok {
				fields = append(fields, logx.String("post", pe.PostID), logx.String("status", pe.Status))
			}
			a.log.Debug("event", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	if a.api != nil {
		a.step(ctx, "http", a.shutdownTimeout, a.api.Stop)
	}
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Fulfillment runs are not interrupted unless this deadline passes.
	a.step(ctx, "taskengine", 2*time.Minute, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	return a.logs.Close()
}

func (a *App) closeResources() error {
	var errs []error
	if a.gemini != nil {
		errs = append(errs, a.gemini.Close())
		a.gemini = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
