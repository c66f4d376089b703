package app

import (
	"context"
	"strings"

	"postpilot/internal/config"
	logx "postpilot/pkg/logx"
)

// reloadLoop fans committed config changes out to the live components.
// Sections listed by config.RestartRequired are only reported.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(cfg))
	a.engine.Apply(a.engineCtx, mapEngine(cfg))

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(mapScheduler(cfg))
	switch {
	case wasEnabled && !cfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.sched.Stop(ctx)
	case !wasEnabled && cfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
	if err := a.poller.Apply(mapPoller(cfg)); err != nil {
		a.log.Warn("poll period rejected; keeping previous", logx.Err(err))
	}

	a.posts.Apply(mapPosts(cfg))
	a.credits.Apply(mapCredits(cfg))
	a.pipeline.Apply(mapTimeouts(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
