// Package scheduler decides when work runs; the pool decides where.
//
// A single timing goroutine keeps a min-heap of pending tasks ordered by
// their next run time (monotonic clock). It sleeps until the earliest task
// is due or a registration, cancel or shutdown wakes it, hands due tasks to
// the Executor and re-inserts recurring tasks with their next occurrence.
//
// Supported kinds are once, fixed rate, fixed delay and cron.
package scheduler
