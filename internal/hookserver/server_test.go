package hookserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/messaging"
	"github.com/mudco/bridge/internal/pending"
	"github.com/mudco/bridge/internal/state"
)

type fixture struct {
	server      *Server
	msg         *messaging.FakeClient
	tracker     *pending.Tracker
	store       *state.FileStore
	projectPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	projectPath := t.TempDir()

	store, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetProject("proj", state.Project{
		ProjectPath: projectPath,
		Instances: map[string]state.Instance{
			"oc-1": {InstanceID: "oc-1", AgentType: "opencode", ChannelID: "ch-oc", TmuxWindow: "proj:1"},
			"cl-1": {InstanceID: "cl-1", AgentType: "claude", ChannelID: "ch-cl", TmuxWindow: "proj:2"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	msg := messaging.NewFakeClient("discord")
	tracker := pending.NewTracker(msg)
	server := New(config.Default(), store, msg, tracker, nil)

	return &fixture{
		server:      server,
		msg:         msg,
		tracker:     tracker,
		store:       store,
		projectPath: projectPath,
	}
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload string
	switch b := body.(type) {
	case string:
		payload = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		payload = string(data)
	}

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(payload))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Sequencing
// ---------------------------------------------------------------------------

func TestStaleSeqCountedNotApplied(t *testing.T) {
	f := newFixture(t)
	key := "proj/oc-1"

	for seq := 1; seq <= 3; seq++ {
		rec := f.post(t, "/agent-event", map[string]any{
			"projectName": "proj", "agentType": "opencode", "instanceId": "oc-1",
			"type": "session.progress", "turnId": "t1", "seq": seq,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("seq %d: status %d", seq, rec.Code)
		}
	}

	rec := f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "agentType": "opencode", "instanceId": "oc-1",
		"type": "session.final", "turnId": "t1", "seq": 2, "text": "stale final",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("stale event must still be acknowledged, got %d", rec.Code)
	}
	if got := f.server.Sequencer().LastSeq(key, "t1"); got != 3 {
		t.Errorf("lastSeq = %d, want 3", got)
	}
	if got := f.server.Sequencer().Rejected(key); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
	for _, s := range f.msg.SentTo("ch-oc") {
		if strings.Contains(s, "stale final") {
			t.Error("stale final must not be delivered")
		}
	}
}

func TestForgetInstanceResetsSequencing(t *testing.T) {
	s := NewSequencer()
	if !s.Accept("proj/cl-1", "t1", 3) {
		t.Fatal("first event rejected")
	}
	if s.Accept("proj/cl-1", "t1", 1) {
		t.Fatal("stale seq accepted")
	}
	s.SetProgressMode("proj/cl-1", config.ProgressThread)
	s.Accept("proj/oc-1", "t1", 5)

	s.ForgetInstance("proj/cl-1")

	// A re-provisioned instance reusing the key starts its turns fresh.
	if !s.Accept("proj/cl-1", "t1", 1) {
		t.Error("fresh instance's first event rejected as stale")
	}
	if got := s.Rejected("proj/cl-1"); got != 0 {
		t.Errorf("rejected counter carried over teardown: %d", got)
	}
	if _, _, ok := s.ProgressMode("proj/cl-1"); ok {
		t.Error("progress mode carried over teardown")
	}
	if got := s.LastSeq("proj/oc-1", "t1"); got != 5 {
		t.Errorf("unrelated instance lost its seq state: %d", got)
	}
}

func TestStaleFinalDoesNotResolvePending(t *testing.T) {
	f := newFixture(t)
	key := "proj/oc-1"
	f.tracker.MarkPending(key, "ch-oc", "m1", "")

	f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "instanceId": "oc-1",
		"type": "session.progress", "turnId": "t1", "seq": 5,
	})
	f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "instanceId": "oc-1",
		"type": "session.final", "turnId": "t1", "seq": 4, "text": "late",
	})

	if f.tracker.PendingDepth(key) != 1 {
		t.Error("stale final resolved the pending entry")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle event application
// ---------------------------------------------------------------------------

func TestFinalDeliversAndCompletes(t *testing.T) {
	f := newFixture(t)
	key := "proj/oc-1"
	f.tracker.MarkPending(key, "ch-thread", "m1", "")

	rec := f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "instanceId": "oc-1",
		"type": "session.final", "turnId": "t1", "seq": 1, "text": "all done",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if sent := f.msg.SentTo("ch-thread"); len(sent) != 1 || sent[0] != "all done" {
		t.Errorf("sent = %v", sent)
	}
	if f.tracker.PendingDepth(key) != 0 {
		t.Error("final should resolve the oldest pending entry")
	}
}

func TestErrorEventMarksErrorWithWarning(t *testing.T) {
	f := newFixture(t)
	key := "proj/oc-1"
	f.tracker.MarkPending(key, "ch-oc", "m1", "")

	f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "instanceId": "oc-1",
		"type": "session.error", "text": "context overflow",
	})

	sent := f.msg.SentTo("ch-oc")
	if len(sent) != 1 || !strings.Contains(sent[0], "⚠️") || !strings.Contains(sent[0], "context overflow") {
		t.Errorf("sent = %v", sent)
	}
	if !hasOp(f.msg.OpsSnapshot(), "replace:📥→❌") {
		t.Errorf("error reaction missing: %v", f.msg.OpsSnapshot())
	}
}

func TestProgressDroppedWhenModeOff(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "instanceId": "oc-1",
		"type": "session.progress", "text": "thinking...",
	})

	if sent := f.msg.SentTo("ch-oc"); len(sent) != 0 {
		t.Errorf("progress delivered with mode off: %v", sent)
	}
}

func TestProgressHonorsAnnouncedMode(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/agent-event", map[string]any{
		"projectName": "proj", "instanceId": "oc-1",
		"type": "session.progress", "text": "step 1", "progressMode": "channel",
	})

	if sent := f.msg.SentTo("ch-oc"); len(sent) != 1 || sent[0] != "step 1" {
		t.Errorf("sent = %v", sent)
	}
}

func TestUnknownInstanceRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/agent-event", map[string]any{
		"projectName": "nope", "type": "session.final", "text": "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/agent-event", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// /opencode-event
// ---------------------------------------------------------------------------

func TestOpencodeErrorEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/opencode-event", map[string]any{
		"projectName": "proj", "type": "session.error", "message": "boom",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	sent := f.msg.SentTo("ch-oc")
	if len(sent) != 1 || sent[0] != "⚠️ OpenCode session error: boom" {
		t.Errorf("sent = %v", sent)
	}
}

func TestOpencodeIdlePrefersTextOverMessage(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/opencode-event", map[string]any{
		"projectName": "proj", "type": "session.idle",
		"text": "text value", "message": "message value",
	})

	sent := f.msg.SentTo("ch-oc")
	if len(sent) != 1 || sent[0] != "text value" {
		t.Errorf("sent = %v", sent)
	}
}

func TestOpencodeIdleUploadsMentionedFiles(t *testing.T) {
	f := newFixture(t)
	report := filepath.Join(f.projectPath, "report.pdf")
	if err := os.WriteFile(report, []byte("pdf"), 0o644); err != nil {
		t.Fatal(err)
	}

	f.post(t, "/opencode-event", map[string]any{
		"projectName": "proj", "type": "session.idle",
		"text": fmt.Sprintf("Wrote the summary to %s for you.", report),
	})

	files := f.msg.Files["ch-oc"]
	if len(files) != 1 || files[0] != report {
		t.Errorf("files = %v", files)
	}
	for _, s := range f.msg.SentTo("ch-oc") {
		if strings.Contains(s, "report.pdf") {
			t.Errorf("file path should be stripped from prose: %q", s)
		}
	}
}

func TestOpencodeUnknownProjectRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/opencode-event", map[string]any{
		"projectName": "ghost", "type": "session.idle", "text": "hi",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// /send-files
// ---------------------------------------------------------------------------

func TestSendFilesValidation(t *testing.T) {
	f := newFixture(t)
	inside := filepath.Join(f.projectPath, "out.txt")
	if err := os.WriteFile(inside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body any
		code int
	}{
		{"missing project", map[string]any{"files": []string{inside}}, http.StatusBadRequest},
		{"no files", map[string]any{"projectName": "proj"}, http.StatusBadRequest},
		{"unknown project", map[string]any{"projectName": "ghost", "files": []string{inside}}, http.StatusNotFound},
		{"file outside project", map[string]any{"projectName": "proj", "files": []string{outside}}, http.StatusBadRequest},
		{"missing file", map[string]any{"projectName": "proj", "files": []string{inside + ".gone"}}, http.StatusBadRequest},
		{"valid", map[string]any{"projectName": "proj", "files": []string{inside}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(t, "/send-files", tt.body)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
		})
	}

	if files := f.msg.Files["ch-oc"]; len(files) != 1 || files[0] != inside {
		t.Errorf("delivered files = %v", files)
	}
}

// ---------------------------------------------------------------------------
// /runtime-status and /reload
// ---------------------------------------------------------------------------

func TestRuntimeStatusAggregates(t *testing.T) {
	f := newFixture(t)
	f.tracker.MarkPending("proj/oc-1", "ch-oc", "m1", "")
	f.server.Sequencer().SetProgressMode("proj/oc-1", config.ProgressThread)

	rec := f.get(t, "/runtime-status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var resp runtimeStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.GeneratedAt == "" {
		t.Error("generatedAt missing")
	}
	if len(resp.Instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(resp.Instances))
	}

	var oc *instanceStatus
	for i := range resp.Instances {
		if resp.Instances[i].InstanceID == "oc-1" {
			oc = &resp.Instances[i]
		}
	}
	if oc == nil {
		t.Fatal("oc-1 missing from snapshot")
	}
	if oc.Queue.Depth != 1 || oc.Queue.OldestStage != pending.StageReceived {
		t.Errorf("queue = %+v", oc.Queue)
	}
	if oc.ProgressMode != "thread" {
		t.Errorf("progressMode = %q", oc.ProgressMode)
	}
}

func TestReloadRereadsState(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/reload", map[string]any{})
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func hasOp(ops []string, want string) bool {
	for _, op := range ops {
		if strings.Contains(op, want) {
			return true
		}
	}
	return false
}
