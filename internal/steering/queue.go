// Package steering implements the per-session steering queue: a FIFO of
// work items scoped to one session key, split between items that start
// a fresh agent run and items that steer one already in flight, with
// compaction so a burst of rapid messages collapses into one injected
// turn instead of replaying each individually.
package steering

import (
	"context"
	"strings"
	"sync"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/resolver"
)

// Kind distinguishes work that should start a fresh agent run from work
// that should only steer a run already in progress.
type Kind int

const (
	// Command items carry an explicit trigger (or a classifier decision)
	// and start a new agent run if none is active for the session.
	Command Kind = iota
	// Passive items have no trigger; they only matter if a run is
	// already active, where they get folded into the next steering
	// injection.
	Passive
)

// Item is one unit of queued work. Its completion handle is shared by
// every copy of the Item (including the one a caller holds after
// TakeNextWorkCompacted returns it), so FinishItem/FailItem observe the
// same state regardless of which copy they're called through.
type Item struct {
	Kind     Kind
	Message  bus.RoomMessage
	Resolved resolver.ResolvedCommand

	state *itemState
}

// itemState tracks one Item's completion. Once an item is finished or
// failed, any further FinishItem/FailItem call on it is a no-op.
type itemState struct {
	mu   sync.Mutex
	done bool
	err  error
}

func (s *itemState) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
}

func (s *itemState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
}

// Err returns the error Item failed with, or nil if it hasn't failed
// (including if it's still pending or finished successfully).
func (it Item) Err() error {
	if it.state == nil {
		return nil
	}
	it.state.mu.Lock()
	defer it.state.mu.Unlock()
	return it.state.err
}

// Queue is the steering queue for a single session key. Safe for
// concurrent use; one session runner goroutine drains it while any
// number of producer goroutines enqueue.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	active     bool // true while a session runner is processing this session
	wake       chan struct{}
	generation uint64
}

// New creates an empty steering queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// EnqueueCommandOrStartRunner appends a Command item and reports whether
// the caller should start a new session runner for it (true when no
// runner is currently active for this session) or whether it was folded
// into the queue for the active runner to pick up on its next iteration
// (false).
func (q *Queue) EnqueueCommandOrStartRunner(item Item) (shouldStart bool) {
	item.Kind = Command
	if item.state == nil {
		item.state = &itemState{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	q.notifyLocked()

	if q.active {
		return false
	}
	q.active = true
	return true
}

// EnqueuePassive appends a Passive item. Never starts a runner; if no
// runner is active the item sits until a Command item arrives (or is
// dropped when the queue is reset).
func (q *Queue) EnqueuePassive(item Item) {
	item.Kind = Passive
	if item.state == nil {
		item.state = &itemState{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	q.notifyLocked()
}

func (q *Queue) notifyLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DrainSteeringContextMessages removes and compacts every Passive item
// currently queued, returning combined text suitable for injecting into
// an in-flight agent turn via AgentSession.Steer. Returns "", false if no
// passive items are queued.
func (q *Queue) DrainSteeringContextMessages() (text string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []Item
	var lines []string
	for _, it := range q.items {
		if it.Kind == Passive {
			lines = append(lines, formatSteeringLine(it))
		} else {
			kept = append(kept, it)
		}
	}
	q.items = kept

	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// TakeNextWorkCompacted removes and returns the single oldest Command
// item currently queued, for the session runner to process as its next
// turn once its current run finishes. Commands are never collapsed
// together — each runs (or fails) as its own turn; a burst of several
// queued commands simply means this method is called again for the next
// one once the runner loops back around. Passive items ahead of it in
// the queue are left in place for DrainSteeringContextMessages, not
// dropped here. Returns ok=false and marks the queue inactive only when
// no Command item remains — the caller should stop running and let the
// next EnqueueCommandOrStartRunner call restart it.
func (q *Queue) TakeNextWorkCompacted() (item Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.Kind == Command {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return it, true
		}
	}
	q.active = false
	return Item{}, false
}

// FinishItem marks item as successfully completed. A second call, or a
// call after FailItem already completed it, is a no-op.
func (q *Queue) FinishItem(item Item) {
	if item.state != nil {
		item.state.finish()
	}
}

// FailItem marks item as failed with err. A second call, or a call after
// FinishItem already completed it, is a no-op.
func (q *Queue) FailItem(item Item, err error) {
	if item.state != nil {
		item.state.fail(err)
	}
}

// HasQueuedCommands reports whether any Command item is currently queued
// (i.e. not yet returned by TakeNextWorkCompacted).
func (q *Queue) HasQueuedCommands() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Kind == Command {
			return true
		}
	}
	return false
}

// AbortSession fails every Command item still queued with err, finishes
// every queued Passive item (they'll never be drained into a turn now),
// clears the queue, and marks it inactive. Used when a session's runner
// hits a terminal error partway through draining the queue: items
// already waiting must observe the error rather than sit forever behind
// a runner that isn't coming back for them.
func (q *Queue) AbortSession(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.active = false
	q.generation++
	q.mu.Unlock()

	for _, it := range items {
		if it.Kind == Command {
			it.state.fail(err)
		} else {
			it.state.finish()
		}
	}
}

// ReleaseSession marks the queue inactive (letting a future
// EnqueueCommandOrStartRunner call start a fresh runner for it) and
// reports whether the queue is now fully empty, which tells the caller
// it's safe to forget this session's state entirely rather than leave it
// idle for later reuse.
func (q *Queue) ReleaseSession() (empty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = false
	return len(q.items) == 0
}

// WaitForNewItem blocks until an item is enqueued or ctx is cancelled.
// Used by an idle session runner (queue inactive, no command work) that
// still wants to wake promptly when new work arrives rather than polling.
func (q *Queue) WaitForNewItem(ctx context.Context) bool {
	select {
	case <-q.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsActive reports whether a session runner is currently claimed for this
// queue.
func (q *Queue) IsActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Reset clears all queued items and marks the queue inactive, bumping the
// generation counter so any runner mid-flight can recognize it was reset
// out from under it (used by an explicit "stop" command).
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.active = false
	q.generation++
}

// Generation returns the current reset generation, for callers that need
// to detect a Reset happening concurrently with their own processing.
func (q *Queue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

func formatSteeringLine(it Item) string {
	if it.Message.Nick != "" {
		return it.Message.Nick + ": " + it.Message.Content
	}
	return it.Message.Content
}
