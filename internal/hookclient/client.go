// Package hookclient emits agent lifecycle events to the bridge's
// /agent-event endpoint. Start and error emissions are queued through a
// retry outbox so they survive a briefly unreachable bridge; final and
// progress emissions are one-shot because the capture poller will recover
// the output anyway if they are lost.
package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mudco/bridge/internal/config"
)

// maxTurnSeqEntries bounds the auto-seq map across long-lived processes.
const maxTurnSeqEntries = 50000

// Event is one lifecycle event as posted to /agent-event.
type Event struct {
	ProjectName  string `json:"projectName"`
	AgentType    string `json:"agentType,omitempty"`
	InstanceID   string `json:"instanceId,omitempty"`
	Type         string `json:"type"`
	TurnID       string `json:"turnId,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
	EventID      string `json:"eventId,omitempty"`
	Text         string `json:"text,omitempty"`
	ProgressMode string `json:"progressMode,omitempty"`
}

type outboxEntry struct {
	event   Event
	attempt int // failed delivery attempts so far
	dueAt   time.Time
}

// Client posts events to a local bridge.
type Client struct {
	endpoint string
	hooks    config.HooksConfig
	http     *http.Client

	mu        sync.Mutex
	turnSeq   map[string]int64
	turnOrder []string
	outbox    []*outboxEntry
	now       func() time.Time
	wake      chan struct{}
}

// New creates a Client targeting the bridge on the given port.
func New(port int, hooks config.HooksConfig) *Client {
	return &Client{
		endpoint: fmt.Sprintf("http://127.0.0.1:%d/agent-event", port),
		hooks:    hooks,
		http: &http.Client{
			Timeout: time.Duration(hooks.TimeoutMs) * time.Millisecond,
		},
		turnSeq: make(map[string]int64),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// EmitCodexStart queues a session.start event. Fire-and-forget: delivery
// is retried from the outbox, the caller never waits.
func (c *Client) EmitCodexStart(project, instanceID, turnID string) {
	c.enqueue(Event{
		ProjectName: project,
		AgentType:   "codex",
		InstanceID:  instanceID,
		Type:        "session.start",
		TurnID:      turnID,
	})
}

// EmitCodexError queues a session.error event. Fire-and-forget.
func (c *Client) EmitCodexError(project, instanceID, turnID, message string) {
	c.enqueue(Event{
		ProjectName: project,
		AgentType:   "codex",
		InstanceID:  instanceID,
		Type:        "session.error",
		TurnID:      turnID,
		Text:        message,
	})
}

// EmitCodexFinal posts a session.final event once, reporting success.
// Not queued on failure: the poller's completion heuristic is the backstop.
func (c *Client) EmitCodexFinal(ctx context.Context, project, instanceID, turnID, text string) bool {
	return c.Post(ctx, Event{
		ProjectName: project,
		AgentType:   "codex",
		InstanceID:  instanceID,
		Type:        "session.final",
		TurnID:      turnID,
		Text:        text,
	})
}

// EmitCodexProgress posts a session.progress event once, reporting success.
func (c *Client) EmitCodexProgress(ctx context.Context, project, instanceID, turnID, text string) bool {
	return c.Post(ctx, Event{
		ProjectName: project,
		AgentType:   "codex",
		InstanceID:  instanceID,
		Type:        "session.progress",
		TurnID:      turnID,
		Text:        text,
	})
}

// Enqueue queues an arbitrary event for retried delivery from the outbox.
func (c *Client) Enqueue(ev Event) {
	c.enqueue(ev)
}

// Post attempts one synchronous delivery and returns false on any failure
// without queuing.
func (c *Client) Post(ctx context.Context, ev Event) bool {
	c.prepare(&ev)
	if err := c.post(ctx, ev); err != nil {
		log.Printf("HookClient: posting %s %s: %v", ev.Type, ev.EventID, err)
		return false
	}
	return true
}

// Run drains the outbox until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
		c.drainOnce(ctx)
	}
}

// OutboxDepth returns how many events are waiting for delivery.
func (c *Client) OutboxDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// prepare assigns the event's seq and stable eventId. Seq is monotonically
// increasing per (project, instance, turnId); the id derives from turn+seq
// so a retried delivery carries the same identity.
func (c *Client) prepare(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.TurnID != "" {
		key := ev.ProjectName + "/" + ev.InstanceID + "|" + ev.TurnID
		if _, seen := c.turnSeq[key]; !seen {
			c.turnOrder = append(c.turnOrder, key)
			if len(c.turnOrder) > maxTurnSeqEntries {
				delete(c.turnSeq, c.turnOrder[0])
				c.turnOrder = c.turnOrder[1:]
			}
		}
		if ev.Seq == 0 {
			c.turnSeq[key]++
			ev.Seq = c.turnSeq[key]
		} else if ev.Seq > c.turnSeq[key] {
			c.turnSeq[key] = ev.Seq
		}
	}

	if ev.EventID == "" {
		if ev.TurnID != "" {
			ev.EventID = fmt.Sprintf("%s-%d", ev.TurnID, ev.Seq)
		} else {
			ev.EventID = uuid.NewString()
		}
	}
}

// enqueue adds a prepared event to the outbox, due immediately.
func (c *Client) enqueue(ev Event) {
	c.prepare(&ev)

	c.mu.Lock()
	c.outbox = append(c.outbox, &outboxEntry{event: ev, dueAt: c.now()})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drainOnce walks the outbox in queue order, posting every due entry.
// A failed entry is rescheduled in place; entries behind it that are due
// are still attempted on this pass.
func (c *Client) drainOnce(ctx context.Context) {
	c.mu.Lock()
	now := c.now()
	due := make([]*outboxEntry, 0, len(c.outbox))
	for _, e := range c.outbox {
		if !e.dueAt.After(now) {
			due = append(due, e)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		err := c.post(ctx, e.event)
		if err == nil {
			c.removeEntry(e)
			continue
		}

		e.attempt++
		if e.attempt > c.hooks.RetryMax {
			log.Printf("HookClient: dropping %s %s after %d attempts: %v",
				e.event.Type, e.event.EventID, e.attempt, err)
			c.removeEntry(e)
			continue
		}
		delay := c.backoff(e.attempt)
		log.Printf("HookClient: %s %s attempt %d failed, retrying in %s: %v",
			e.event.Type, e.event.EventID, e.attempt, delay, err)

		c.mu.Lock()
		e.dueAt = c.now().Add(delay)
		c.mu.Unlock()
	}
}

// backoff returns min(cap, base·2^(attempt-1)).
func (c *Client) backoff(attempt int) time.Duration {
	base := time.Duration(c.hooks.BackoffBaseMs) * time.Millisecond
	capD := time.Duration(c.hooks.BackoffCapMs) * time.Millisecond

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= capD {
			return capD
		}
	}
	if d > capD {
		return capD
	}
	return d
}

func (c *Client) removeEntry(target *outboxEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.outbox {
		if e == target {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return
		}
	}
}

func (c *Client) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
