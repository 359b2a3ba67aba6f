// Package poller watches every provisioned tmux pane and relays new agent
// output to chat. Completion is heuristic: a turn ends after enough
// consecutive polls without screen change. Each instance polls on its own
// schedule; one broken pane never stalls the others.
package poller

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/messaging"
	"github.com/mudco/bridge/internal/pending"
	"github.com/mudco/bridge/internal/state"
	"github.com/mudco/bridge/internal/textutil"
)

// TerminalCapture is the pane-reading capability the poller consumes.
type TerminalCapture interface {
	CapturePaneFromWindow(ctx context.Context, window string, lines int) (string, error)
}

// deliverTimeout bounds one chat send from the poll loop.
const deliverTimeout = 30 * time.Second

// Poller drives capture polling for all instances in the state store.
type Poller struct {
	cfg     *config.Config
	term    TerminalCapture
	client  messaging.Client
	tracker *pending.Tracker
	store   state.Store

	mu    sync.Mutex
	turns map[string]*turn
	now   func() time.Time
}

// New creates a Poller. Run must be called to start polling.
func New(cfg *config.Config, term TerminalCapture, client messaging.Client, tracker *pending.Tracker, store state.Store) *Poller {
	return &Poller{
		cfg:     cfg,
		term:    term,
		client:  client,
		tracker: tracker,
		store:   store,
		turns:   make(map[string]*turn),
		now:     time.Now,
	}
}

// Run polls until ctx is cancelled. Instances added to the store while
// running are picked up on the next tick; removed instances simply stop
// being polled and their turn state is dropped.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	log.Printf("Poller: started, interval %s", p.cfg.PollInterval())
	for {
		select {
		case <-ctx.Done():
			log.Printf("Poller: stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick dispatches one poll per instance. A poll still in flight from the
// previous tick is skipped, so a slow capture delays only its own instance.
func (p *Poller) tick(ctx context.Context) {
	refs := p.store.Instances()

	live := make(map[string]bool, len(refs))
	for _, ref := range refs {
		live[ref.Key()] = true
	}

	p.mu.Lock()
	for key := range p.turns {
		if !live[key] {
			delete(p.turns, key)
		}
	}
	var due []state.Ref
	for _, ref := range refs {
		if ref.TmuxWindow == "" {
			continue
		}
		st := p.turnLocked(ref.Key())
		if st.inFlight {
			continue
		}
		st.inFlight = true
		due = append(due, ref)
	}
	p.mu.Unlock()

	for _, ref := range due {
		go p.pollInstance(ctx, ref)
	}
}

func (p *Poller) turnLocked(key string) *turn {
	st, ok := p.turns[key]
	if !ok {
		st = &turn{phase: PhaseIdle, lastChangeAt: p.now()}
		p.turns[key] = st
	}
	return st
}

// pollInstance captures the pane once and advances the turn state machine.
// Capture errors are logged and swallowed: the pane may be mid-restart.
func (p *Poller) pollInstance(ctx context.Context, ref state.Ref) {
	key := ref.Key()
	defer func() {
		p.mu.Lock()
		if st, ok := p.turns[key]; ok {
			st.inFlight = false
		}
		p.mu.Unlock()
	}()

	raw, err := p.term.CapturePaneFromWindow(ctx, ref.TmuxWindow, p.cfg.Poller.CaptureLines)
	if err != nil {
		log.Printf("Poller: capture %s (%s): %v", key, ref.TmuxWindow, err)
		return
	}

	p.step(ctx, ref, textutil.StripANSI(raw))
}

// step advances one instance's turn given a freshly stripped capture.
func (p *Poller) step(ctx context.Context, ref state.Ref, clean string) {
	key := ref.Key()
	now := p.now()

	p.mu.Lock()
	st := p.turnLocked(key)
	delta := captureDelta(st.lastClean, clean)
	st.lastClean = clean

	if delta == "" {
		st.quietPolls++

		needed := p.cfg.Poller.QuietPolls
		if !st.sawOutput {
			needed = p.cfg.Poller.InitialQuietPolls
		}
		if st.phase == PhaseStreaming && st.quietPolls >= needed {
			final := st.buffer.String()
			st.reset()
			p.mu.Unlock()
			p.completeTurn(ctx, ref, final)
			return
		}

		stale := !st.staleAlerted &&
			now.Sub(st.lastChangeAt) >= p.cfg.StaleAlertAfter() &&
			p.tracker.PendingDepth(key) > 0
		if stale {
			st.staleAlerted = true
		}
		age := now.Sub(st.lastChangeAt)
		p.mu.Unlock()

		if stale {
			p.alertStale(ctx, ref, age)
		}
		return
	}

	st.quietPolls = 0
	st.lastChangeAt = now
	st.staleAlerted = false
	if st.phase == PhaseIdle {
		st.phase = PhaseStreaming
	}

	if p.cfg.Poller.PromptEchoFilter && !st.sawOutput {
		tails := p.tracker.PendingPromptTails(key)
		filtered := stripPromptEcho(delta, tails)
		if strings.TrimSpace(filtered) == "" {
			if st.echoPolls < p.cfg.Poller.PromptEchoMaxPolls {
				st.echoPolls++
				p.mu.Unlock()
				return
			}
			// Echo budget spent: deliver the raw delta rather than go silent.
		} else {
			delta = filtered
		}
	}
	st.sawOutput = true

	if p.cfg.IsFinalOnly(ref.AgentType) {
		st.buffer.WriteString(delta)
		if !strings.HasSuffix(delta, "\n") {
			st.buffer.WriteByte('\n')
		}
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.deliver(ctx, ref, delta)
}

// completeTurn flushes any buffered final-only output and resolves the
// oldest pending request for the instance.
func (p *Poller) completeTurn(ctx context.Context, ref state.Ref, buffered string) {
	key := ref.Key()
	if strings.TrimSpace(buffered) != "" {
		p.deliver(ctx, ref, buffered)
	}
	p.tracker.MarkCompleted(key)
	log.Printf("Poller: %s turn complete", key)
}

// deliver sends a chunk of agent output to the channel the oldest pending
// request came from. With several requests queued the output can't be
// attributed to one of them, so it goes to the instance's own channel.
func (p *Poller) deliver(ctx context.Context, ref state.Ref, text string) {
	key := ref.Key()

	channel := ref.ChannelID
	if p.tracker.PendingDepth(key) == 1 {
		if ch, ok := p.tracker.PendingChannel(key); ok && ch != "" {
			channel = ch
		}
	}
	if channel == "" {
		log.Printf("Poller: %s has output but no delivery channel", key)
		return
	}

	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	var err error
	if len(text) >= p.cfg.Poller.LongOutputMinChars {
		err = p.client.SendLongOutput(sendCtx, channel, text)
	} else {
		err = p.client.SendToChannel(sendCtx, channel, text)
	}
	if err != nil {
		log.Printf("Poller: delivering %s output to %s: %v", key, channel, err)
	}
}

// alertStale tells the user their request is still pending but the pane
// has been silent for a long time. Advisory only; the turn stays open.
func (p *Poller) alertStale(ctx context.Context, ref state.Ref, age time.Duration) {
	key := ref.Key()
	log.Printf("Poller: %s stale, no output for %s with requests pending", key, age.Round(time.Second))

	channel := ref.ChannelID
	if ch, ok := p.tracker.PendingChannel(key); ok && ch != "" {
		channel = ch
	}
	if channel == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	msg := fmt.Sprintf("⏳ Still waiting on the agent: no new output for %s.", age.Round(time.Second))
	if err := p.client.SendToChannel(sendCtx, channel, msg); err != nil {
		log.Printf("Poller: stale alert for %s: %v", key, err)
	}
}

// InstanceSnapshot is the poller's observability view of one instance.
type InstanceSnapshot struct {
	Phase      Phase `json:"phase"`
	SawOutput  bool  `json:"sawOutput"`
	Stale      bool  `json:"stale"`
	QuietSecs  int   `json:"quietSecs"`
	QuietPolls int   `json:"quietPolls"`
}

// Snapshot returns the current turn state for /runtime-status.
func (p *Poller) Snapshot(key string) InstanceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.turns[key]
	if !ok {
		return InstanceSnapshot{Phase: PhaseIdle}
	}
	return InstanceSnapshot{
		Phase:      st.phase,
		SawOutput:  st.sawOutput,
		Stale:      st.staleAlerted,
		QuietSecs:  int(p.now().Sub(st.lastChangeAt) / time.Second),
		QuietPolls: st.quietPolls,
	}
}
