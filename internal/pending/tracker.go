// Package pending tracks in-flight user requests per agent instance.
//
// Each instance owns a strict FIFO of unresolved requests. Output routing
// always consults the oldest entry; lifecycle and hint updates target the
// newest. Every visual side effect (reactions, typing indicators) is
// best-effort: a failed chat call never propagates to the caller.
package pending

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mudco/bridge/internal/messaging"
)

// Stage is the lifecycle position of one pending request.
type Stage string

const (
	StageReceived   Stage = "received"
	StageRouted     Stage = "routed"
	StageProcessing Stage = "processing"
	StageCompleted  Stage = "completed"
	StageError      Stage = "error"
	StageRetry      Stage = "retry"
)

// stageEmoji is the reaction shown for each stage.
var stageEmoji = map[Stage]string{
	StageReceived:   "📥",
	StageRouted:     "🚀",
	StageProcessing: "⏳",
	StageCompleted:  "✅",
	StageError:      "❌",
	StageRetry:      "🔁",
}

// RouteHint describes how a message's route was resolved, surfaced as a
// secondary reaction.
type RouteHint string

const (
	HintNone       RouteHint = ""
	HintReply      RouteHint = "reply"
	HintThread     RouteHint = "thread"
	HintMemory     RouteHint = "memory"
	HintAttachment RouteHint = "attachment"
)

var hintEmoji = map[RouteHint]string{
	HintReply:      "↩️",
	HintThread:     "🧵",
	HintMemory:     "🧠",
	HintAttachment: "📎",
}

// sideEffectTimeout bounds each best-effort chat call.
const sideEffectTimeout = 5 * time.Second

type entry struct {
	channelID  string
	messageID  string
	stage      Stage
	promptTail string
	stopTyping func()
	receivedAt time.Time
	stageAt    time.Time
}

// Tracker is the per-instance pending request queue. All methods are safe
// on unknown instance keys and empty queues (no-ops).
type Tracker struct {
	client messaging.Client

	mu           sync.Mutex
	queues       map[string][]*entry
	lastTerminal map[string]Stage
	now          func() time.Time
}

// NewTracker creates a Tracker delivering visual feedback through client.
func NewTracker(client messaging.Client) *Tracker {
	return &Tracker{
		client:       client,
		queues:       make(map[string][]*entry),
		lastTerminal: make(map[string]Stage),
		now:          time.Now,
	}
}

// MarkPending records a newly received request for the instance and
// attaches the received reaction plus a typing indicator.
func (t *Tracker) MarkPending(key, channelID, messageID, promptTail string) {
	t.mu.Lock()
	e := &entry{
		channelID:  channelID,
		messageID:  messageID,
		stage:      StageReceived,
		promptTail: promptTail,
		receivedAt: t.now(),
		stageAt:    t.now(),
	}
	e.stopTyping = t.client.StartTypingIndicator(channelID)
	t.queues[key] = append(t.queues[key], e)
	t.mu.Unlock()

	t.addReaction(channelID, messageID, stageEmoji[StageReceived])
}

// MarkRouteResolved transitions the newest entry to routed, adding the
// route hint as a secondary reaction first.
func (t *Tracker) MarkRouteResolved(key string, hint RouteHint) {
	t.mu.Lock()
	e := t.newestLocked(key)
	if e == nil {
		t.mu.Unlock()
		return
	}
	channelID, messageID := e.channelID, e.messageID
	prev := t.advanceLocked(e, StageRouted)
	t.mu.Unlock()

	if emoji, ok := hintEmoji[hint]; ok {
		t.addReaction(channelID, messageID, emoji)
	}
	if prev != "" {
		t.replaceReaction(channelID, messageID, prev, stageEmoji[StageRouted])
	}
}

// MarkDispatching transitions the newest entry to processing.
func (t *Tracker) MarkDispatching(key string) {
	t.transitionNewest(key, StageProcessing)
}

// MarkHasAttachments adds the attachment hint to the newest entry.
func (t *Tracker) MarkHasAttachments(key string) {
	t.mu.Lock()
	e := t.newestLocked(key)
	if e == nil {
		t.mu.Unlock()
		return
	}
	channelID, messageID := e.channelID, e.messageID
	t.mu.Unlock()

	t.addReaction(channelID, messageID, hintEmoji[HintAttachment])
}

// MarkCompleted resolves the oldest entry successfully and removes it.
func (t *Tracker) MarkCompleted(key string) {
	t.finishOldest(key, StageCompleted)
}

// MarkError resolves the oldest entry as failed and removes it.
func (t *Tracker) MarkError(key string) {
	t.finishOldest(key, StageError)
}

// MarkRetry re-queues the oldest entry at the head so the same logical
// request is retried before anything newer. The entry stays pending.
func (t *Tracker) MarkRetry(key string) {
	t.mu.Lock()
	q := t.queues[key]
	if len(q) == 0 {
		t.mu.Unlock()
		return
	}
	e := q[0]
	channelID, messageID := e.channelID, e.messageID
	prev := t.advanceLocked(e, StageRetry)
	t.mu.Unlock()

	if prev != "" {
		t.replaceReaction(channelID, messageID, prev, stageEmoji[StageRetry])
	}
}

// PendingChannel returns the delivery channel of the oldest pending entry.
func (t *Tracker) PendingChannel(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[key]
	if len(q) == 0 {
		return "", false
	}
	return q[0].channelID, true
}

// PendingDepth returns the number of unresolved requests for the instance.
func (t *Tracker) PendingDepth(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[key])
}

// PendingPromptTail returns the prompt tail of the oldest entry, used to
// keep a delivered message from echoing the user's own prompt.
func (t *Tracker) PendingPromptTail(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[key]
	if len(q) == 0 {
		return "", false
	}
	return q[0].promptTail, true
}

// PendingPromptTails returns the prompt tails of every pending entry.
func (t *Tracker) PendingPromptTails(key string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tails []string
	for _, e := range t.queues[key] {
		if e.promptTail != "" {
			tails = append(tails, e.promptTail)
		}
	}
	return tails
}

// ClearInstance force-clears the instance's whole queue and releases every
// typing indicator reference. Used on instance teardown.
func (t *Tracker) ClearInstance(key string) {
	t.mu.Lock()
	q := t.queues[key]
	delete(t.queues, key)
	t.mu.Unlock()

	for _, e := range q {
		e.stopTyping()
	}
}

// QueueSnapshot is the external observability view of one instance queue.
type QueueSnapshot struct {
	Depth             int           `json:"depth"`
	OldestStage       Stage         `json:"oldestStage,omitempty"`
	OldestAge         time.Duration `json:"-"`
	NewestStage       Stage         `json:"newestStage,omitempty"`
	NewestAge         time.Duration `json:"-"`
	LastTerminalStage Stage         `json:"lastTerminalStage,omitempty"`
}

// Snapshot returns the current queue state for /runtime-status. Derived,
// never authoritative.
func (t *Tracker) Snapshot(key string) QueueSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := QueueSnapshot{LastTerminalStage: t.lastTerminal[key]}
	q := t.queues[key]
	snap.Depth = len(q)
	if len(q) > 0 {
		now := t.now()
		snap.OldestStage = q[0].stage
		snap.OldestAge = now.Sub(q[0].receivedAt)
		snap.NewestStage = q[len(q)-1].stage
		snap.NewestAge = now.Sub(q[len(q)-1].receivedAt)
	}
	return snap
}

// --- internals ---

func (t *Tracker) newestLocked(key string) *entry {
	q := t.queues[key]
	if len(q) == 0 {
		return nil
	}
	return q[len(q)-1]
}

// advanceLocked moves an entry to stage and returns the emoji to replace,
// or "" if the entry is already there (idempotent transition).
func (t *Tracker) advanceLocked(e *entry, stage Stage) string {
	if e.stage == stage {
		return ""
	}
	prev := stageEmoji[e.stage]
	e.stage = stage
	e.stageAt = t.now()
	return prev
}

func (t *Tracker) transitionNewest(key string, stage Stage) {
	t.mu.Lock()
	e := t.newestLocked(key)
	if e == nil {
		t.mu.Unlock()
		return
	}
	channelID, messageID := e.channelID, e.messageID
	prev := t.advanceLocked(e, stage)
	t.mu.Unlock()

	if prev != "" {
		t.replaceReaction(channelID, messageID, prev, stageEmoji[stage])
	}
}

func (t *Tracker) finishOldest(key string, stage Stage) {
	t.mu.Lock()
	q := t.queues[key]
	if len(q) == 0 {
		t.mu.Unlock()
		return
	}
	e := q[0]
	t.queues[key] = q[1:]
	if len(t.queues[key]) == 0 {
		delete(t.queues, key)
	}
	t.lastTerminal[key] = stage
	channelID, messageID := e.channelID, e.messageID
	prev := stageEmoji[e.stage]
	t.mu.Unlock()

	e.stopTyping()
	t.replaceReaction(channelID, messageID, prev, stageEmoji[stage])
}

func (t *Tracker) addReaction(channelID, messageID, emoji string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := t.client.AddReactionToMessage(ctx, channelID, messageID, emoji); err != nil {
		log.Printf("Tracker: adding reaction %s to %s: %v", emoji, messageID, err)
	}
}

func (t *Tracker) replaceReaction(channelID, messageID, oldEmoji, newEmoji string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := t.client.ReplaceOwnReactionOnMessage(ctx, channelID, messageID, oldEmoji, newEmoji); err != nil {
		log.Printf("Tracker: replacing reaction %s→%s on %s: %v", oldEmoji, newEmoji, messageID, err)
	}
}
