package steering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/resolver"
)

func commandItem(nick, cleaned string) Item {
	return Item{Message: bus.RoomMessage{Nick: nick}, Resolved: resolver.ResolvedCommand{CleanedContent: cleaned}}
}

func passiveItem(nick, content string) Item {
	return Item{Message: bus.RoomMessage{Nick: nick, Content: content}}
}

func TestEnqueueCommandOrStartRunnerFirstStarts(t *testing.T) {
	q := New()
	start := q.EnqueueCommandOrStartRunner(commandItem("alice", "hello"))
	if !start {
		t.Fatal("first EnqueueCommandOrStartRunner = false, want true")
	}
	if !q.IsActive() {
		t.Fatal("IsActive() = false after starting runner, want true")
	}
}

func TestEnqueueCommandOrStartRunnerSecondDoesNotStart(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	start := q.EnqueueCommandOrStartRunner(commandItem("alice", "second"))
	if start {
		t.Fatal("second EnqueueCommandOrStartRunner = true while a runner is active, want false")
	}
}

func TestTakeNextWorkCompactedReturnsOneAtATimeInOrder(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	q.EnqueueCommandOrStartRunner(commandItem("alice", "second"))

	first, ok := q.TakeNextWorkCompacted()
	if !ok {
		t.Fatal("TakeNextWorkCompacted ok = false, want true")
	}
	if first.Resolved.CleanedContent != "first" {
		t.Fatalf("first item = %q, want %q", first.Resolved.CleanedContent, "first")
	}
	if !q.IsActive() {
		t.Fatal("IsActive() = false with a second command still queued, want true")
	}

	second, ok := q.TakeNextWorkCompacted()
	if !ok {
		t.Fatal("TakeNextWorkCompacted ok = false on second call, want true")
	}
	if second.Resolved.CleanedContent != "second" {
		t.Fatalf("second item = %q, want %q", second.Resolved.CleanedContent, "second")
	}
}

func TestTakeNextWorkCompactedEmptyMarksInactive(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	q.TakeNextWorkCompacted()

	_, ok := q.TakeNextWorkCompacted()
	if ok {
		t.Fatal("TakeNextWorkCompacted ok = true with no queued commands, want false")
	}
	if q.IsActive() {
		t.Fatal("IsActive() = true after draining to empty, want false")
	}
}

func TestFinishItemThenFailItemIsNoOp(t *testing.T) {
	q := New()
	item := commandItem("alice", "first")
	q.EnqueueCommandOrStartRunner(item)
	taken, _ := q.TakeNextWorkCompacted()

	q.FinishItem(taken)
	q.FailItem(taken, errBoom)
	if err := taken.Err(); err != nil {
		t.Fatalf("Err() after FinishItem then FailItem = %v, want nil (finish wins)", err)
	}
}

func TestFailItemThenFinishItemIsNoOp(t *testing.T) {
	q := New()
	item := commandItem("alice", "first")
	q.EnqueueCommandOrStartRunner(item)
	taken, _ := q.TakeNextWorkCompacted()

	q.FailItem(taken, errBoom)
	q.FinishItem(taken)
	if err := taken.Err(); err != errBoom {
		t.Fatalf("Err() after FailItem then FinishItem = %v, want %v (fail wins)", err, errBoom)
	}
}

func TestHasQueuedCommandsReflectsUntakenCommands(t *testing.T) {
	q := New()
	if q.HasQueuedCommands() {
		t.Fatal("HasQueuedCommands() = true on an empty queue, want false")
	}
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	if !q.HasQueuedCommands() {
		t.Fatal("HasQueuedCommands() = false with a command queued, want true")
	}
	q.TakeNextWorkCompacted()
	if q.HasQueuedCommands() {
		t.Fatal("HasQueuedCommands() = true after the only command was taken, want false")
	}
}

func TestAbortSessionFailsQueuedCommandsAndClearsQueue(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	pending := commandItem("bob", "second")
	q.EnqueueCommandOrStartRunner(pending)
	taken, _ := q.TakeNextWorkCompacted() // "first" is now out of the queue, mid-run

	q.AbortSession(errBoom)

	if q.IsActive() {
		t.Fatal("IsActive() = true after AbortSession, want false")
	}
	if q.HasQueuedCommands() {
		t.Fatal("HasQueuedCommands() = true after AbortSession, want false")
	}
	// The item already taken out of the queue is unaffected by
	// AbortSession; only items still queued get failed.
	if err := taken.Err(); err != nil {
		t.Fatalf("Err() on the already-taken item = %v, want nil", err)
	}
}

func TestReleaseSessionReportsEmptyAndMarksInactive(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	q.TakeNextWorkCompacted()

	if empty := q.ReleaseSession(); !empty {
		t.Fatal("ReleaseSession() empty = false with no items left, want true")
	}
	if q.IsActive() {
		t.Fatal("IsActive() = true after ReleaseSession, want false")
	}
}

func TestReleaseSessionReportsNotEmptyWithQueuedWork(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "first"))
	q.EnqueueCommandOrStartRunner(commandItem("alice", "second"))
	q.TakeNextWorkCompacted()

	if empty := q.ReleaseSession(); empty {
		t.Fatal("ReleaseSession() empty = true with a command still queued, want false")
	}
}

var errBoom = errors.New("boom")

func TestDrainSteeringContextMessagesPreservesOrder(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "cmd"))
	q.EnqueuePassive(passiveItem("bob", "first passive"))
	q.EnqueuePassive(passiveItem("carol", "second passive"))

	text, ok := q.DrainSteeringContextMessages()
	if !ok {
		t.Fatal("DrainSteeringContextMessages ok = false, want true")
	}
	want := "bob: first passive\ncarol: second passive"
	if text != want {
		t.Fatalf("text = %q, want %q", text, want)
	}
}

func TestDrainSteeringContextMessagesEmptyAfterFullDrain(t *testing.T) {
	q := New()
	q.EnqueuePassive(passiveItem("bob", "hi"))
	q.DrainSteeringContextMessages()

	_, ok := q.DrainSteeringContextMessages()
	if ok {
		t.Fatal("second DrainSteeringContextMessages ok = true, want false (idempotent drain)")
	}
}

func TestDrainSteeringContextMessagesLeavesCommandsQueued(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "cmd"))
	q.EnqueuePassive(passiveItem("bob", "passive"))

	q.DrainSteeringContextMessages()

	item, ok := q.TakeNextWorkCompacted()
	if !ok || item.Resolved.CleanedContent != "cmd" {
		t.Fatalf("TakeNextWorkCompacted = %+v, %v; want the command item remaining", item, ok)
	}
}

func TestWaitForNewItemWakesOnEnqueue(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- q.WaitForNewItem(ctx) }()

	time.Sleep(20 * time.Millisecond)
	q.EnqueuePassive(passiveItem("bob", "hi"))

	select {
	case woken := <-done:
		if !woken {
			t.Fatal("WaitForNewItem() = false, want true (woken by enqueue)")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForNewItem never woke")
	}
}

func TestWaitForNewItemTimesOutOnContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if q.WaitForNewItem(ctx) {
		t.Fatal("WaitForNewItem() = true with no enqueue, want false on context cancel")
	}
}

func TestResetClearsQueueAndBumpsGeneration(t *testing.T) {
	q := New()
	q.EnqueueCommandOrStartRunner(commandItem("alice", "cmd"))
	q.EnqueuePassive(passiveItem("bob", "passive"))
	gen0 := q.Generation()

	q.Reset()

	if q.IsActive() {
		t.Fatal("IsActive() = true after Reset, want false")
	}
	if q.Generation() == gen0 {
		t.Fatal("Generation() unchanged after Reset, want it bumped")
	}
	_, ok := q.TakeNextWorkCompacted()
	if ok {
		t.Fatal("TakeNextWorkCompacted ok = true after Reset, want false (queue cleared)")
	}
}
