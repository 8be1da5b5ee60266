// Package worker provides a generic serial work queue.
//
// A Queue hands items to its processor one at a time on a single goroutine,
// in the order they were submitted. The queue is unbounded: Submit never
// blocks and never drops, which makes it safe to call while holding other
// locks. Items submitted with SubmitKeyed replace a still-pending item with
// the same key in place, which lets a slow consumer skip intermediate states
// without losing its position in line.
//
// Lifecycle:
//
//	q := worker.NewQueue("events", handle,
//	    worker.WithMetricsRegistry[Event](registry, "horizont_events"))
//	q.Start(ctx)
//	q.Submit(ev)
//	q.Stop(5 * time.Second) // drains pending items, abandons them on timeout
//
// A panicking processor is recovered and counted as a failed item; the
// queue keeps running.
package worker
