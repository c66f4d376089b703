package app

import (
	"context"
	"time"

	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/task/engine"
)

type scheduleHealth struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
}

type Health struct {
	Status     string           `json:"status"`
	Uptime     string           `json:"uptime"`
	Storage    string           `json:"storage"`
	Engine     engine.Snapshot  `json:"engine"`
	Schedules  []scheduleHealth `json:"schedules"`
	Goroutines rtsup.Counters   `json:"goroutines"`
}

func (a *App) health(ctx context.Context) any {
	h := Health{Status: "ok", Uptime: time.Since(a.started).Round(time.Second).String(), Storage: "ok"}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.Ping(pctx); err != nil {
		h.Status, h.Storage = "degraded", "unavailable"
	}
	h.Engine = a.engine.Snapshot()
	if !h.Engine.Running {
		h.Status = "degraded"
	}
	for _, s := range a.sched.Snapshot().Schedules {
		h.Schedules = append(h.Schedules, scheduleHealth{Name: s.Name, Spec: s.Spec, Next: s.Next, Prev: s.Prev})
	}
	if a.sup != nil {
		h.Goroutines = a.sup.Counters()
	}
	return h
}
