package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/observability"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/tracing"
)

// Lanes the daemon wires at startup. Operator goals serialize through
// LaneMain; scheduler-fired goals share the bounded LaneCron so a burst
// of due jobs cannot monopolize the engine.
const (
	LaneMain = "main"
	LaneCron = "cron"
)

// DefaultCronConcurrency bounds simultaneous scheduler-fired runs.
const DefaultCronConcurrency = 5

// Queue event types observable through On.
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
)

var (
	// ErrLaneReset rejects work queued before the lane's generation moved
	// on; whatever state it was going to act on no longer exists.
	ErrLaneReset = errors.New("task cancelled by lane reset")
	// ErrLaneCleared rejects work dropped by an explicit lane clear.
	ErrLaneCleared = errors.New("task cancelled by lane clear")
)

// Task is one unit of queued work, typically a full engine session.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter reports a task still waiting in line after this long.
	// Zero disables the warning.
	WarnAfter time.Duration
	// OnWait is called once when WarnAfter fires, with the elapsed wait
	// and the task's position in the lane.
	OnWait func(wait time.Duration, position int)
}

// taskRecord tracks one queued task until its result is delivered.
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds one lane's queue, capacity and generation counter.
type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
}

// EventHandler receives queue events synchronously.
type EventHandler func(event Event)

// Event is one observable queue transition.
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// LaneStats is a point-in-time view of one lane for the status surface.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
	Generation  int `json:"generation"`
}

// CommandQueue dispatches tasks lane by lane, FIFO within a lane, with a
// per-lane concurrency cap.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int

	dedup  *dedupCache
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
}

// New creates a queue with the main and cron lanes ready.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:    make(map[string]*laneState),
		dedup:    newDedupCache(0),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]EventHandler),
	}
	cq.initLane(LaneMain, 1)
	cq.initLane(LaneCron, DefaultCronConcurrency)
	return cq
}

func (cq *CommandQueue) initLane(lane string, concurrency int) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return ls
	}
	ls := &laneState{
		concurrency: concurrency,
		activeIDs:   make(map[string]bool),
	}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

// laneFor returns the lane, creating it serial (concurrency 1) when it
// was never configured.
func (cq *CommandQueue) laneFor(lane string) *laneState {
	cq.mu.RLock()
	ls := cq.lanes[lane]
	cq.mu.RUnlock()
	if ls != nil {
		return ls
	}
	return cq.initLane(lane, 1)
}

// Enqueue adds a task to the lane and blocks until it ran.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the lane and blocks until it ran,
// carrying the caller's tracing context into the task.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"manus.queue",
		"queue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	ls := cq.laneFor(lane)

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]interface{}{"queue_size": queueSize},
	})

	if opts.WarnAfter > 0 {
		go cq.warnIfStillWaiting(ls, lane, record)
	}

	go cq.pump(lane, ls)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

// EnqueueDeduped gives retried submissions idempotency. Calls sharing a
// request id coalesce onto one execution, and a retry after a successful
// run replays the stored result instead of running the goal again. An
// empty request id disables deduplication.
func (cq *CommandQueue) EnqueueDeduped(ctx context.Context, lane, requestID string, task Task, options *TaskOptions) (interface{}, error) {
	if requestID == "" {
		return cq.EnqueueWithContext(ctx, lane, task, options)
	}
	return cq.dedup.Do(ctx, requestID, func() (interface{}, error) {
		return cq.EnqueueWithContext(ctx, lane, task, options)
	})
}

// pump starts queued tasks while the lane has capacity. Tasks from an
// older generation are rejected instead of started.
func (cq *CommandQueue) pump(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			close(record.result)
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		cq.wg.Add(1)
		go cq.runTask(lane, ls, record)
	}
}

func (cq *CommandQueue) runTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"manus.queue",
		"queue.run_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	// Queue shutdown cancels in-flight work through the task context.
	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     err == nil,
		},
	})

	go cq.pump(lane, ls)
}

func (cq *CommandQueue) warnIfStillWaiting(ls *laneState, lane string, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	position := -1
	for i, queued := range ls.queue {
		if queued.id == record.id {
			position = i
			break
		}
	}
	ls.mu.Unlock()
	if position < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("position", position).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, position)
	}
}

// QueueSize reports how many tasks wait in the lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.RLock()
	ls := cq.lanes[lane]
	cq.mu.RUnlock()
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running reports how many tasks the lane is executing right now.
func (cq *CommandQueue) Running(lane string) int {
	cq.mu.RLock()
	ls := cq.lanes[lane]
	cq.mu.RUnlock()
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats snapshots every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
			Generation:  ls.generation,
		}
		ls.mu.Unlock()
	}
	return stats
}

// Clear rejects everything waiting in the lane. Running tasks finish.
func (cq *CommandQueue) Clear(lane string) int {
	cq.mu.RLock()
	ls := cq.lanes[lane]
	cq.mu.RUnlock()
	if ls == nil {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
		close(record.result)
	}
	ls.queue = nil

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)
	return count
}

// Reset advances the lane's generation. Everything waiting is rejected,
// and anything enqueued before the reset but not yet started can never
// run. Running tasks are left to finish.
func (cq *CommandQueue) Reset(lane string) {
	cq.mu.RLock()
	ls := cq.lanes[lane]
	cq.mu.RUnlock()
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
		close(record.result)
	}
	ls.queue = nil

	log.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
}

// SetConcurrency updates the lane's cap, creating the lane if needed.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.laneFor(lane)

	ls.mu.Lock()
	previous := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("previous", previous).
		Int("concurrency", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > previous {
		go cq.pump(lane, ls)
	}
}

// Drain waits for every running task to finish, up to the timeout. It
// reports whether the queue fully drained.
func (cq *CommandQueue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		active := 0
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			active += len(ls.activeIDs)
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if active == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("active", active).Msg("Timed out waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels in-flight task contexts and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}

// On registers a synchronous handler for a queue event type.
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	cq.handlers[eventType] = append(cq.handlers[eventType], handler)
}

// Off removes every handler for the event type.
func (cq *CommandQueue) Off(eventType string) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	delete(cq.handlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.handlersMu.RLock()
	handlers := cq.handlers[event.Type]
	cq.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
