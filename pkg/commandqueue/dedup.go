package commandqueue

import (
	"context"
	"sync"
	"time"
)

// dedupEntry is a completed result kept for replay.
type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// pendingCall lets retries of an in-flight request wait for the first
// attempt instead of running the task a second time.
type pendingCall struct {
	done   chan struct{}
	result taskResult
}

// dedupCache gives retried requests idempotency. Concurrent calls with
// the same id coalesce onto one execution; a later retry within the TTL
// window replays the stored result. Only successful results are stored,
// so a failed request runs again when retried.
type dedupCache struct {
	ttl time.Duration

	mu       sync.Mutex
	inflight map[string]*pendingCall
	finished map[string]*dedupEntry

	stop     chan struct{}
	stopOnce sync.Once
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	dc := &dedupCache{
		ttl:      ttl,
		inflight: make(map[string]*pendingCall),
		finished: make(map[string]*dedupEntry),
		stop:     make(chan struct{}),
	}
	go dc.cleanup()
	return dc
}

func (dc *dedupCache) Stop() {
	dc.stopOnce.Do(func() { close(dc.stop) })
}

// Do runs fn once per request id. Waiting for an in-flight attempt ends
// early when the caller's context is cancelled; the attempt itself keeps
// running for its original caller.
func (dc *dedupCache) Do(ctx context.Context, requestID string, fn func() (interface{}, error)) (interface{}, error) {
	dc.mu.Lock()
	if entry, ok := dc.finished[requestID]; ok && time.Since(entry.timestamp) <= dc.ttl {
		dc.mu.Unlock()
		return entry.result.value, entry.result.err
	}
	if call, ok := dc.inflight[requestID]; ok {
		dc.mu.Unlock()
		select {
		case <-call.done:
			return call.result.value, call.result.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &pendingCall{done: make(chan struct{})}
	dc.inflight[requestID] = call
	dc.mu.Unlock()

	value, err := fn()
	call.result = taskResult{value: value, err: err}

	dc.mu.Lock()
	delete(dc.inflight, requestID)
	if err == nil {
		dc.finished[requestID] = &dedupEntry{result: call.result, timestamp: time.Now()}
	}
	dc.mu.Unlock()
	close(call.done)

	return value, err
}

func (dc *dedupCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.stop:
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for id, entry := range dc.finished {
				if now.Sub(entry.timestamp) > dc.ttl {
					delete(dc.finished, id)
				}
			}
			dc.mu.Unlock()
		}
	}
}

// Size reports stored results plus in-flight attempts.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.finished) + len(dc.inflight)
}
