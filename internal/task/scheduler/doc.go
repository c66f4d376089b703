// Package scheduler turns cron and interval schedules into engine tasks.
//
// By default it only triggers: each firing enqueues a task into the engine,
// which owns execution, timeouts and retries. Schedules added with Inline
// run on the scheduler itself and never wait for a free worker.
package scheduler
