package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/messaging"
	"github.com/mudco/bridge/internal/pending"
	"github.com/mudco/bridge/internal/state"
)

// MaxMessageChars is the largest message body the router will deliver to a
// pane.
const MaxMessageChars = 10000

// promptTailChars is how much of the prompt's last line the tracker keeps
// for echo suppression.
const promptTailChars = 120

// ErrNoInstance means no agent instance could be resolved for a message.
var ErrNoInstance = errors.New("no instance mapping for message")

// TerminalDriver is the pane-injection surface the router depends on.
type TerminalDriver interface {
	TypeKeysToWindow(ctx context.Context, window, text string) error
	SendEnterToWindow(ctx context.Context, window string) error
	SendKeysToWindow(ctx context.Context, window, text string) error
	SendRawKeyToWindow(ctx context.Context, window, key string) error
	GetPaneCurrentCommand(ctx context.Context, window string) (string, error)
	KillWindow(ctx context.Context, window string) error
}

// Attachment is a file attached to an inbound chat message.
type Attachment struct {
	URL      string
	Filename string
}

// InboundMessage is one chat message handed to the router by the platform
// layer.
type InboundMessage struct {
	ChannelID string
	ThreadID  string
	MessageID string
	AuthorID  string
	ReplyToID string
	Content   string

	Attachments []Attachment

	// Explicit instance mapping supplied by the platform layer (e.g. a
	// per-channel override). Wins over everything else.
	MappedProject    string
	MappedInstanceID string
}

// ConversationKey identifies the follow-up context: the thread, or the
// channel+author pair outside threads.
func (m InboundMessage) ConversationKey() string {
	if m.ThreadID != "" {
		return "thread:" + m.ThreadID
	}
	return "conv:" + m.ChannelID + ":" + m.AuthorID
}

// DeliveryChannel is where responses for this message go.
func (m InboundMessage) DeliveryChannel() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ChannelID
}

// Router maps each inbound message to exactly one agent instance and
// delivers its content through the agent's submission protocol.
type Router struct {
	cfg     *config.Config
	msg     messaging.Client
	term    TerminalDriver
	store   state.Store
	tracker *pending.Tracker
	memory  *Memory
	fetch   AttachmentFetcher

	onInstanceRemoved func(instanceKey string)
}

// NewRouter wires a Router from its collaborators.
func NewRouter(cfg *config.Config, msg messaging.Client, term TerminalDriver,
	store state.Store, tracker *pending.Tracker, memory *Memory, fetch AttachmentFetcher) *Router {
	if fetch == nil {
		fetch = NewHTTPFetcher()
	}
	return &Router{
		cfg:     cfg,
		msg:     msg,
		term:    term,
		store:   store,
		tracker: tracker,
		memory:  memory,
		fetch:   fetch,
	}
}

// OnInstanceRemoved registers a hook invoked with the instance key after a
// session-control teardown removes an instance, so other components can
// drop their per-instance state.
func (r *Router) OnInstanceRemoved(fn func(instanceKey string)) {
	r.onInstanceRemoved = fn
}

// Resolve finds the instance for a message. First match wins:
// explicit mapping → remembered message route → remembered conversation
// route → channel binding (which covers the agent type's primary instance
// for legacy channel maps).
func (r *Router) Resolve(m InboundMessage) (state.Ref, pending.RouteHint, error) {
	if m.MappedProject != "" && m.MappedInstanceID != "" {
		if ref, ok := r.store.Resolve(m.MappedProject, "", m.MappedInstanceID); ok {
			return ref, pending.HintNone, nil
		}
	}

	if m.ReplyToID != "" {
		if route, ok := r.memory.ByMessage(m.ReplyToID); ok {
			if ref, ok := r.store.Resolve(route.ProjectName, route.AgentType, route.InstanceID); ok {
				return ref, pending.HintReply, nil
			}
		}
	}

	if route, ok := r.memory.ByConversation(m.ConversationKey()); ok {
		if ref, ok := r.store.Resolve(route.ProjectName, route.AgentType, route.InstanceID); ok {
			hint := pending.HintMemory
			if m.ThreadID != "" {
				hint = pending.HintThread
			}
			return ref, hint, nil
		}
	}

	if ref, ok := r.store.FindByChannel(m.ChannelID); ok {
		return ref, pending.HintNone, nil
	}

	return state.Ref{}, pending.HintNone, ErrNoInstance
}

// HandleMessage processes one inbound chat message end to end. All
// failures are reported to the user in-channel; nothing here returns an
// error to the platform layer.
func (r *Router) HandleMessage(ctx context.Context, m InboundMessage) {
	ref, hint, err := r.Resolve(m)
	if err != nil {
		log.Printf("Router: %v (channel=%s message=%s)", err, m.ChannelID, m.MessageID)
		r.reply(ctx, m, "No agent instance is mapped to this channel. Provision one first, or reply to a message the agent answered.")
		return
	}

	trimmed := strings.TrimSpace(m.Content)

	if cmd, ok := parseKeyCommand(trimmed); ok {
		r.handleKeyCommand(ctx, m, ref, cmd)
		return
	}
	if isLegacyKeyCommand(trimmed) {
		r.reply(ctx, m, keyCommandUsage)
		return
	}
	if cmd, ok := parseSessionCommand(trimmed); ok {
		r.handleSessionCommand(ctx, m, ref, cmd)
		return
	}

	r.deliver(ctx, m, ref, hint)
}

// deliver runs the normal path: attachments, sanitization, queueing, and
// the agent-specific submission protocol.
func (r *Router) deliver(ctx context.Context, m InboundMessage, ref state.Ref, hint pending.RouteHint) {
	content := m.Content

	hasAttachments := false
	for _, att := range m.Attachments {
		path, err := r.fetch.Fetch(ctx, att.URL, att.Filename)
		if err != nil {
			log.Printf("Router: downloading attachment %s: %v", att.Filename, err)
			r.reply(ctx, m, fmt.Sprintf("⚠️ Could not download attachment %s; sending the message without it.", att.Filename))
			continue
		}
		content += fmt.Sprintf("\n[file:%s]", path)
		hasAttachments = true
	}

	content, err := sanitize(content)
	if err != nil {
		r.reply(ctx, m, "⚠️ "+err.Error())
		return
	}

	key := ref.Key()
	r.tracker.MarkPending(key, m.DeliveryChannel(), m.MessageID, promptTail(content))
	r.tracker.MarkRouteResolved(key, hint)
	if hasAttachments {
		r.tracker.MarkHasAttachments(key)
	}
	r.tracker.MarkDispatching(key)

	outcome, err := r.submit(ctx, ref, content)
	switch {
	case err != nil:
		log.Printf("Router: delivering to %s (window %s): %v", key, ref.TmuxWindow, err)
		r.tracker.MarkError(key)
		r.reply(ctx, m, fmt.Sprintf("⚠️ Could not reach the %s pane (window %s). Check that the tmux session is still running, then resend.", ref.AgentType, ref.TmuxWindow))
	case outcome == OutcomeRestarted:
		r.tracker.MarkError(key)
		r.reply(ctx, m, fmt.Sprintf("⚠️ %s was not running in its pane; relaunched it. Resend your message once it is back up.", ref.AgentType))
	default:
		r.memory.Remember(m.MessageID, m.ConversationKey(), Route{
			ProjectName: ref.ProjectName,
			InstanceID:  ref.InstanceID,
			AgentType:   ref.AgentType,
		})
	}
}

// sanitize validates a message body for pane delivery.
func sanitize(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("message is empty, nothing to send")
	}
	if utf8.RuneCountInString(content) > MaxMessageChars {
		return "", fmt.Errorf("message is too long (over %d characters); split it up", MaxMessageChars)
	}
	if !utf8.ValidString(content) {
		return "", errors.New("message contains invalid characters")
	}
	// Normalize newlines so multi-line prompts paste as the agent expects.
	return strings.ReplaceAll(content, "\r\n", "\n"), nil
}

// promptTail returns the end of the prompt used for echo suppression.
func promptTail(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	tail := strings.TrimSpace(lines[len(lines)-1])
	runes := []rune(tail)
	if len(runes) > promptTailChars {
		tail = string(runes[len(runes)-promptTailChars:])
	}
	return tail
}

// reply sends user-facing feedback next to the originating message.
func (r *Router) reply(ctx context.Context, m InboundMessage, text string) {
	if err := r.msg.SendToChannel(ctx, m.DeliveryChannel(), text); err != nil {
		log.Printf("Router: sending feedback to %s: %v", m.DeliveryChannel(), err)
	}
}
