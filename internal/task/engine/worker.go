package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer s.releaseKey(qt.keyHeld)

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onDropped(start, qt.task, "stale_queue_delay", 0, 0)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		qt.task.dropped("stale_queue_delay")
		return
	}

	var (
		err      error
		attempts int
	)
	for attempts = 1; attempts <= 1+qt.opt.RetryMax; attempts++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, attempts, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-stopCh:
			err = ErrStopping
		case <-time.After(delay):
			continue
		}
		break
	}
	attempts = min(attempts, 1+qt.opt.RetryMax)

	dur := time.Since(start)
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		ev.Error, item.Error = err.Error(), err.Error()
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: "task.failed", Data: ev})
	} else {
		s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	}
	s.record(item)
}

// runOnce converts a panic into an error so one bad task cannot take a
// worker down.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay is exponential from RetryBase, capped at RetryMaxDelay, with
// 20% jitter.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	if rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*0.2))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
