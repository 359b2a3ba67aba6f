package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/messaging"
	"github.com/mudco/bridge/internal/pending"
	"github.com/mudco/bridge/internal/state"
)

// fakeTerminal records pane operations and plays back scripted state.
type fakeTerminal struct {
	calls   []string
	paneCmd string
	fail    bool
}

func (f *fakeTerminal) record(op string) error {
	f.calls = append(f.calls, op)
	if f.fail {
		return fmt.Errorf("pane gone")
	}
	return nil
}

func (f *fakeTerminal) TypeKeysToWindow(ctx context.Context, w, text string) error {
	return f.record("type:" + w + ":" + text)
}
func (f *fakeTerminal) SendEnterToWindow(ctx context.Context, w string) error {
	return f.record("enter:" + w)
}
func (f *fakeTerminal) SendKeysToWindow(ctx context.Context, w, text string) error {
	return f.record("send:" + w + ":" + text)
}
func (f *fakeTerminal) SendRawKeyToWindow(ctx context.Context, w, key string) error {
	return f.record("raw:" + w + ":" + key)
}
func (f *fakeTerminal) GetPaneCurrentCommand(ctx context.Context, w string) (string, error) {
	f.calls = append(f.calls, "panecmd:"+w)
	return f.paneCmd, nil
}
func (f *fakeTerminal) KillWindow(ctx context.Context, w string) error {
	return f.record("kill:" + w)
}

type fakeFetcher struct{ path string }

func (f fakeFetcher) Fetch(ctx context.Context, url, filename string) (string, error) {
	return f.path, nil
}

type fixture struct {
	router  *Router
	msg     *messaging.FakeClient
	term    *fakeTerminal
	store   *state.FileStore
	tracker *pending.Tracker
	memory  *Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetProject("proj", state.Project{
		ProjectPath: "/work/proj",
		Instances: map[string]state.Instance{
			"codex-1": {InstanceID: "codex-1", AgentType: "codex", ChannelID: "ch-codex", TmuxWindow: "proj:1"},
			"oc-1":    {InstanceID: "oc-1", AgentType: "opencode", ChannelID: "ch-oc", TmuxWindow: "proj:2"},
			"cl-1":    {InstanceID: "cl-1", AgentType: "claude", ChannelID: "ch-cl", TmuxWindow: "proj:3"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	msg := messaging.NewFakeClient("discord")
	term := &fakeTerminal{paneCmd: "codex"}
	tracker := pending.NewTracker(msg)
	memory := NewMemory()
	cfg := config.Default()
	router := NewRouter(cfg, msg, term, store, tracker, memory, fakeFetcher{path: "/tmp/att.png"})

	return &fixture{router: router, msg: msg, term: term, store: store, tracker: tracker, memory: memory}
}

func hasCall(calls []string, want string) bool {
	for _, c := range calls {
		if strings.Contains(c, want) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Resolution order
// ---------------------------------------------------------------------------

func TestResolveChannelBinding(t *testing.T) {
	f := newFixture(t)
	ref, hint, err := f.router.Resolve(InboundMessage{ChannelID: "ch-codex"})
	if err != nil {
		t.Fatal(err)
	}
	if ref.InstanceID != "codex-1" || hint != pending.HintNone {
		t.Errorf("got %+v hint=%q", ref, hint)
	}
}

func TestResolveReplyMemoryBeatsConversation(t *testing.T) {
	f := newFixture(t)
	f.memory.Remember("msg-old", "conv:ch-other:u1", Route{ProjectName: "proj", InstanceID: "oc-1", AgentType: "opencode"})
	f.memory.Remember("", "conv:ch-other:u1", Route{ProjectName: "proj", InstanceID: "cl-1", AgentType: "claude"})

	ref, hint, err := f.router.Resolve(InboundMessage{
		ChannelID: "ch-other", AuthorID: "u1", ReplyToID: "msg-old",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref.InstanceID != "oc-1" || hint != pending.HintReply {
		t.Errorf("got %s hint=%q, want oc-1/reply", ref.InstanceID, hint)
	}
}

func TestResolveThreadHint(t *testing.T) {
	f := newFixture(t)
	f.memory.Remember("", "thread:th-9", Route{ProjectName: "proj", InstanceID: "cl-1", AgentType: "claude"})

	ref, hint, err := f.router.Resolve(InboundMessage{ChannelID: "ch-none", ThreadID: "th-9"})
	if err != nil {
		t.Fatal(err)
	}
	if ref.InstanceID != "cl-1" || hint != pending.HintThread {
		t.Errorf("got %s hint=%q", ref.InstanceID, hint)
	}
}

func TestResolveDirectMappingWinsOverMemory(t *testing.T) {
	f := newFixture(t)
	f.memory.Remember("msg-old", "", Route{ProjectName: "proj", InstanceID: "oc-1", AgentType: "opencode"})

	ref, _, err := f.router.Resolve(InboundMessage{
		ReplyToID: "msg-old", MappedProject: "proj", MappedInstanceID: "cl-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref.InstanceID != "cl-1" {
		t.Errorf("direct mapping lost to memory: got %s", ref.InstanceID)
	}
}

func TestNoMappingTellsUser(t *testing.T) {
	f := newFixture(t)
	f.router.HandleMessage(context.Background(), InboundMessage{ChannelID: "ch-unknown", MessageID: "m1", Content: "hi"})

	sent := f.msg.SentTo("ch-unknown")
	if len(sent) != 1 || !strings.Contains(sent[0], "No agent instance") {
		t.Errorf("sent = %v", sent)
	}
	if len(f.term.calls) != 0 {
		t.Errorf("nothing should reach the pane: %v", f.term.calls)
	}
}

// ---------------------------------------------------------------------------
// Submission protocols
// ---------------------------------------------------------------------------

func TestOpencodeTypesDelaysThenEnters(t *testing.T) {
	f := newFixture(t)
	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-oc", MessageID: "m1", AuthorID: "u1", Content: "do the thing",
	})

	if len(f.term.calls) != 2 {
		t.Fatalf("calls = %v", f.term.calls)
	}
	if !strings.HasPrefix(f.term.calls[0], "type:proj:2:") {
		t.Errorf("first call = %q", f.term.calls[0])
	}
	if f.term.calls[1] != "enter:proj:2" {
		t.Errorf("second call = %q", f.term.calls[1])
	}
}

func TestCodexRestartWhenShellForeground(t *testing.T) {
	f := newFixture(t)
	f.term.paneCmd = "bash"

	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-codex", MessageID: "m1", AuthorID: "u1", Content: "fix it",
	})

	if !hasCall(f.term.calls, "send:proj:1:codex") {
		t.Errorf("codex relaunch not sent: %v", f.term.calls)
	}
	if hasCall(f.term.calls, "fix it") {
		t.Error("original prompt must not reach a bare shell")
	}
	sent := f.msg.SentTo("ch-codex")
	if len(sent) != 1 || !strings.Contains(sent[0], "relaunched") {
		t.Errorf("user feedback = %v", sent)
	}
}

func TestCodexSendsWhenAgentRunning(t *testing.T) {
	f := newFixture(t)
	f.term.paneCmd = "codex"

	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-codex", MessageID: "m1", AuthorID: "u1", Content: "fix it",
	})

	if !hasCall(f.term.calls, "send:proj:1:fix it") {
		t.Errorf("prompt not delivered: %v", f.term.calls)
	}
	// Route remembered for replies and the conversation.
	if _, ok := f.memory.ByMessage("m1"); !ok {
		t.Error("route not cached by message id")
	}
	if _, ok := f.memory.ByConversation("conv:ch-codex:u1"); !ok {
		t.Error("route not cached by conversation key")
	}
}

func TestDeliveryFailureMarksErrorAndExplains(t *testing.T) {
	f := newFixture(t)
	f.term.fail = true

	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-cl", MessageID: "m1", AuthorID: "u1", Content: "hello",
	})

	sent := f.msg.SentTo("ch-cl")
	if len(sent) != 1 || !strings.Contains(sent[0], "tmux") {
		t.Errorf("remediation text = %v", sent)
	}
	if f.tracker.PendingDepth("proj/cl-1") != 0 {
		t.Error("entry should be resolved as error")
	}
	if _, ok := f.memory.ByMessage("m1"); ok {
		t.Error("failed delivery must not be remembered")
	}
}

// ---------------------------------------------------------------------------
// Sanitization
// ---------------------------------------------------------------------------

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-cl", MessageID: "m1", Content: "   ",
	})

	if len(f.term.calls) != 0 {
		t.Errorf("pane calls = %v", f.term.calls)
	}
	if f.tracker.PendingDepth("proj/cl-1") != 0 {
		t.Error("nothing should be queued for a rejected message")
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	f := newFixture(t)
	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-cl", MessageID: "m1", Content: strings.Repeat("a", MaxMessageChars+1),
	})

	if len(f.term.calls) != 0 {
		t.Error("oversized message must not be dispatched")
	}
	sent := f.msg.SentTo("ch-cl")
	if len(sent) != 1 || !strings.Contains(sent[0], "too long") {
		t.Errorf("feedback = %v", sent)
	}
}

// ---------------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------------

func TestAttachmentsAppendedAsMarkers(t *testing.T) {
	f := newFixture(t)
	f.router.HandleMessage(context.Background(), InboundMessage{
		ChannelID: "ch-cl", MessageID: "m1", AuthorID: "u1", Content: "look at this",
		Attachments: []Attachment{{URL: "https://cdn/x.png", Filename: "x.png"}},
	})

	if !hasCall(f.term.calls, "[file:/tmp/att.png]") {
		t.Errorf("marker missing: %v", f.term.calls)
	}
	if !hasCall(f.msg.OpsSnapshot(), "add:📎") {
		t.Error("attachment hint reaction missing")
	}
}
