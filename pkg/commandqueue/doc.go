// Package commandqueue serializes goal runs through named lanes.
//
// The main lane runs one session at a time, so two goals can never
// interleave tool side effects in the shared workspace. Scheduler-fired
// goals go through the cron lane, which allows bounded concurrency.
// Enqueue blocks until the task ran and returns its result; generation
// counters let a reset invalidate everything still waiting in a lane,
// and request ids give retried submissions idempotency.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(commandqueue.LaneMain, func(ctx context.Context) (interface{}, error) {
//		return engine.Run(ctx, params)
//	}, nil)
package commandqueue
