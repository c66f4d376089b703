package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/task/engine"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "America/Mexico_City"
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string // cron expression or "@every <d>"
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     engine.TaskOptions
	inline  bool
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer
	runCtx context.Context // parent of inline runs

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// ScheduleOption tunes one schedule.
type ScheduleOption func(*scheduleDef)

// Inline runs the job on the scheduler's own goroutine instead of queueing
// it behind engine work. A firing is skipped while the previous run is
// still going.
func Inline() ScheduleOption {
	return func(d *scheduleDef) { d.inline = true }
}

// cronLogger feeds robfig/cron's chain wrappers into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Inline  bool
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
