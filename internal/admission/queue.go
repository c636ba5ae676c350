// Package admission bounds concurrent load on the downstream completion
// service. A global token pool caps total in-flight work; a per-session
// lane of capacity one serializes bursts from the same session without
// blocking other sessions beyond the shared cap.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrTimeout means the system is busy. Callers must treat it as
// backpressure, never as a run failure.
var ErrTimeout = errors.New("admission: acquire timed out")

const DefaultGlobalConcurrency = 3

type lane struct {
	sem  *semaphore.Weighted
	refs int
}

// Queue is the two-level concurrency gate. The mutex guards lane
// creation and reference counting only; waiting happens on the
// semaphores, which grant FIFO across sessions.
type Queue struct {
	mu     sync.Mutex
	global *semaphore.Weighted
	lanes  map[string]*lane
}

func NewQueue(globalSize int) *Queue {
	if globalSize < 1 {
		globalSize = 1
	}
	return &Queue{
		global: semaphore.NewWeighted(int64(globalSize)),
		lanes:  make(map[string]*lane),
	}
}

// Acquire waits for a global token, then for the session's lane token,
// both under the same timeout. If the lane wait fails after the global
// token was obtained, the global token is returned before the error
// surfaces, so nothing leaks.
func (q *Queue) Acquire(ctx context.Context, sessionKey string, timeout time.Duration) (*Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := q.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("global pool for session %q: %w", sessionKey, ErrTimeout)
	}
	ln := q.checkout(sessionKey)
	if err := ln.sem.Acquire(ctx, 1); err != nil {
		q.checkin(sessionKey)
		q.global.Release(1)
		return nil, fmt.Errorf("session lane %q: %w", sessionKey, ErrTimeout)
	}
	return &Ticket{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		AcquiredAt: time.Now(),
		queue:      q,
		lane:       ln,
	}, nil
}

// checkout returns the session's lane, creating it lazily and bumping
// its reference count.
func (q *Queue) checkout(sessionKey string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[sessionKey]
	if !ok {
		ln = &lane{sem: semaphore.NewWeighted(1)}
		q.lanes[sessionKey] = ln
	}
	ln.refs++
	return ln
}

// checkin drops one reference and prunes the lane once nothing holds it.
// A lane with refs == 0 is topped back up to capacity by construction:
// every holder released its token before checkin ran.
func (q *Queue) checkin(sessionKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln, ok := q.lanes[sessionKey]
	if !ok {
		return
	}
	ln.refs--
	if ln.refs <= 0 {
		delete(q.lanes, sessionKey)
	}
}

// Lanes reports the number of live session lanes.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Ticket is proof of admission. Release is one-shot but idempotent:
// double release under racing cleanup paths is safe.
type Ticket struct {
	ID         string
	SessionKey string
	AcquiredAt time.Time

	queue *Queue
	lane  *lane
	once  sync.Once
}

// Release returns the lane token, then the global token.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.lane.sem.Release(1)
		t.queue.checkin(t.SessionKey)
		t.queue.global.Release(1)
	})
}
