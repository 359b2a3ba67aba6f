package pending

import (
	"reflect"
	"testing"

	"github.com/mudco/bridge/internal/messaging"
)

func newTracker() (*Tracker, *messaging.FakeClient) {
	fake := messaging.NewFakeClient("discord")
	return NewTracker(fake), fake
}

// ---------------------------------------------------------------------------
// Full lifecycle reaction sequence
// ---------------------------------------------------------------------------

func TestLifecycleReactionSequence(t *testing.T) {
	tr, fake := newTracker()
	key := "p/codex"

	tr.MarkPending(key, "ch1", "msg1", "fix the bug")
	tr.MarkRouteResolved(key, HintMemory)
	tr.MarkDispatching(key)
	tr.MarkCompleted(key)

	want := []string{
		"typing-start:ch1",
		"add:📥",
		"add:🧠",
		"replace:📥→🚀",
		"replace:🚀→⏳",
		"typing-stop:ch1",
		"replace:⏳→✅",
	}
	if got := fake.OpsSnapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("ops = %v\nwant %v", got, want)
	}
	if tr.PendingDepth(key) != 0 {
		t.Errorf("queue should be empty after completion")
	}
}

// ---------------------------------------------------------------------------
// FIFO invariant
// ---------------------------------------------------------------------------

func TestFIFOOldestChannelWins(t *testing.T) {
	tr, _ := newTracker()
	key := "p/claude"

	tr.MarkPending(key, "thread-a", "m1", "")
	tr.MarkPending(key, "thread-b", "m2", "")

	if ch, ok := tr.PendingChannel(key); !ok || ch != "thread-a" {
		t.Errorf("got (%q, %v), want thread-a", ch, ok)
	}

	tr.MarkCompleted(key)
	if ch, ok := tr.PendingChannel(key); !ok || ch != "thread-b" {
		t.Errorf("after completion got (%q, %v), want thread-b", ch, ok)
	}

	tr.MarkCompleted(key)
	if _, ok := tr.PendingChannel(key); ok {
		t.Error("expected empty queue")
	}
}

// ---------------------------------------------------------------------------
// Idempotence and no-ops on empty queues
// ---------------------------------------------------------------------------

func TestTerminalOnEmptyQueueIsNoOp(t *testing.T) {
	tr, fake := newTracker()

	tr.MarkCompleted("p/ghost")
	tr.MarkError("p/ghost")
	tr.MarkRetry("p/ghost")
	tr.MarkDispatching("p/ghost")
	tr.MarkRouteResolved("p/ghost", HintReply)
	tr.MarkHasAttachments("p/ghost")

	if ops := fake.OpsSnapshot(); len(ops) != 0 {
		t.Errorf("expected no side effects, got %v", ops)
	}
}

func TestRepeatedTransitionIsIdempotent(t *testing.T) {
	tr, fake := newTracker()
	key := "p/codex"

	tr.MarkPending(key, "ch", "m", "")
	tr.MarkDispatching(key)
	before := len(fake.OpsSnapshot())
	tr.MarkDispatching(key)
	if after := len(fake.OpsSnapshot()); after != before {
		t.Errorf("second MarkDispatching emitted %d new ops", after-before)
	}
}

// ---------------------------------------------------------------------------
// Retry keeps the entry at the head
// ---------------------------------------------------------------------------

func TestRetryStaysAtHead(t *testing.T) {
	tr, _ := newTracker()
	key := "p/codex"

	tr.MarkPending(key, "ch-first", "m1", "")
	tr.MarkPending(key, "ch-second", "m2", "")
	tr.MarkRetry(key)

	if ch, _ := tr.PendingChannel(key); ch != "ch-first" {
		t.Errorf("retried entry should stay at head, oldest channel = %q", ch)
	}
	if tr.PendingDepth(key) != 2 {
		t.Errorf("depth = %d, want 2", tr.PendingDepth(key))
	}
}

// ---------------------------------------------------------------------------
// Typing indicator release
// ---------------------------------------------------------------------------

func TestClearInstanceReleasesTyping(t *testing.T) {
	tr, fake := newTracker()
	key := "p/opencode"

	tr.MarkPending(key, "ch", "m1", "")
	tr.MarkPending(key, "ch", "m2", "")
	tr.ClearInstance(key)

	stops := 0
	for _, op := range fake.OpsSnapshot() {
		if op == "typing-stop:ch" {
			stops++
		}
	}
	if stops != 2 {
		t.Errorf("got %d typing stops, want 2", stops)
	}
	if tr.PendingDepth(key) != 0 {
		t.Error("queue not cleared")
	}
}

func TestErrorStopsTyping(t *testing.T) {
	tr, fake := newTracker()
	key := "p/codex"

	tr.MarkPending(key, "ch", "m", "")
	tr.MarkError(key)

	found := false
	for _, op := range fake.OpsSnapshot() {
		if op == "typing-stop:ch" {
			found = true
		}
	}
	if !found {
		t.Error("typing indicator not stopped on error")
	}
}

// ---------------------------------------------------------------------------
// Prompt tails and snapshots
// ---------------------------------------------------------------------------

func TestPromptTails(t *testing.T) {
	tr, _ := newTracker()
	key := "p/claude"

	tr.MarkPending(key, "ch", "m1", "first prompt")
	tr.MarkPending(key, "ch", "m2", "second prompt")

	if tail, ok := tr.PendingPromptTail(key); !ok || tail != "first prompt" {
		t.Errorf("oldest tail = (%q, %v)", tail, ok)
	}
	tails := tr.PendingPromptTails(key)
	if len(tails) != 2 || tails[0] != "first prompt" || tails[1] != "second prompt" {
		t.Errorf("tails = %v", tails)
	}
}

func TestSnapshotReflectsStagesAndTerminal(t *testing.T) {
	tr, _ := newTracker()
	key := "p/codex"

	tr.MarkPending(key, "ch", "m1", "")
	tr.MarkPending(key, "ch", "m2", "")
	tr.MarkRouteResolved(key, HintNone) // newest → routed

	snap := tr.Snapshot(key)
	if snap.Depth != 2 {
		t.Errorf("depth = %d", snap.Depth)
	}
	if snap.OldestStage != StageReceived || snap.NewestStage != StageRouted {
		t.Errorf("stages = %s/%s", snap.OldestStage, snap.NewestStage)
	}

	tr.MarkCompleted(key)
	tr.MarkCompleted(key)
	snap = tr.Snapshot(key)
	if snap.Depth != 0 || snap.LastTerminalStage != StageCompleted {
		t.Errorf("final snapshot = %+v", snap)
	}
}
