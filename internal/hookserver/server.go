// Package hookserver is the localhost HTTP surface agents push lifecycle
// events through, bypassing capture polling. It also serves the runtime
// snapshot and a websocket feed of accepted events.
package hookserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mudco/bridge/internal/config"
	"github.com/mudco/bridge/internal/messaging"
	"github.com/mudco/bridge/internal/pending"
	"github.com/mudco/bridge/internal/poller"
	"github.com/mudco/bridge/internal/state"
	"github.com/mudco/bridge/internal/textutil"
)

// maxBodyBytes bounds one request body. Agent events are small; anything
// bigger is a misbehaving client.
const maxBodyBytes = 1 << 20

// PollerStatus is the turn-state view the runtime snapshot includes.
type PollerStatus interface {
	Snapshot(key string) poller.InstanceSnapshot
}

// Server handles the bridge's HTTP surface.
type Server struct {
	cfg     *config.Config
	store   state.Store
	client  messaging.Client
	tracker *pending.Tracker
	turns   PollerStatus
	seq     *Sequencer
	hub     *hub
}

// New wires a Server. turns may be nil when no poller is running.
func New(cfg *config.Config, store state.Store, client messaging.Client, tracker *pending.Tracker, turns PollerStatus) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		client:  client,
		tracker: tracker,
		turns:   turns,
		seq:     NewSequencer(),
		hub:     newHub(),
	}
}

// Sequencer exposes the event sequencer, used on instance teardown.
func (s *Server) Sequencer() *Sequencer { return s.seq }

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runtime-status", s.handleRuntimeStatus)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("POST /send-files", s.handleSendFiles)
	mux.HandleFunc("POST /opencode-event", s.handleOpencodeEvent)
	mux.HandleFunc("POST /agent-event", s.handleAgentEvent)
	mux.HandleFunc("GET /events/watch", s.handleWatch)
	return mux
}

// Run serves on localhost until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HookServer: listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- /runtime-status ---

type instanceStatus struct {
	Project        string                  `json:"project"`
	InstanceID     string                  `json:"instanceId"`
	AgentType      string                  `json:"agentType"`
	ChannelID      string                  `json:"channelId"`
	Queue          pending.QueueSnapshot   `json:"queue"`
	OldestAgeSecs  int                     `json:"oldestAgeSecs"`
	NewestAgeSecs  int                     `json:"newestAgeSecs"`
	Turn           poller.InstanceSnapshot `json:"turn"`
	RejectedEvents uint64                  `json:"rejectedEvents"`
	ProgressMode   string                  `json:"progressMode,omitempty"`
	ProgressAgeSec int                     `json:"progressAgeSecs,omitempty"`
}

type runtimeStatus struct {
	GeneratedAt string           `json:"generatedAt"`
	Instances   []instanceStatus `json:"instances"`
}

func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	resp := runtimeStatus{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Instances:   []instanceStatus{},
	}

	for _, ref := range s.store.Instances() {
		key := ref.Key()
		st := instanceStatus{
			Project:        ref.ProjectName,
			InstanceID:     ref.InstanceID,
			AgentType:      ref.AgentType,
			ChannelID:      ref.ChannelID,
			Queue:          s.tracker.Snapshot(key),
			RejectedEvents: s.seq.Rejected(key),
		}
		st.OldestAgeSecs = int(st.Queue.OldestAge / time.Second)
		st.NewestAgeSecs = int(st.Queue.NewestAge / time.Second)
		if s.turns != nil {
			st.Turn = s.turns.Snapshot(key)
		}
		if mode, age, ok := s.seq.ProgressMode(key); ok {
			st.ProgressMode = string(mode)
			st.ProgressAgeSec = int(age / time.Second)
		}
		resp.Instances = append(resp.Instances, st)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("HookServer: writing runtime status: %v", err)
	}
}

// --- /reload ---

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		log.Printf("HookServer: reloading state: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK")
}

// --- /send-files ---

func (s *Server) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	var req sendFilesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	project := req.projectName()
	if project == "" {
		http.Error(w, "Missing projectName", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		http.Error(w, "No files provided", http.StatusBadRequest)
		return
	}
	if _, ok := s.store.GetProject(project); !ok {
		http.Error(w, "Project not found", http.StatusNotFound)
		return
	}
	channelID, ok := s.store.FindChannel(project, req.agentType(), req.instanceID())
	if !ok {
		http.Error(w, "No channel found for project/agent", http.StatusNotFound)
		return
	}

	projectPath, _ := s.store.ProjectPath(project)
	valid := validFilePaths(req.Files, projectPath)
	if len(valid) == 0 {
		http.Error(w, "No valid files", http.StatusBadRequest)
		return
	}

	if err := s.client.SendToChannelWithFiles(r.Context(), channelID, "", valid); err != nil {
		log.Printf("HookServer: send-files project=%s channel=%s: %v", project, channelID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK")
}

// --- /opencode-event ---

func (s *Server) handleOpencodeEvent(w http.ResponseWriter, r *http.Request) {
	var event opencodeEvent
	if !decodeJSON(w, r, &event) {
		return
	}

	project := event.projectName()
	if project == "" {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}
	channelID, ok := s.store.FindChannel(project, event.agentType(), event.instanceID())
	if !ok {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}

	switch event.eventType() {
	case "session.error":
		msg := event.eventText()
		if msg == "" {
			msg = "unknown error"
		}
		if err := s.client.SendToChannel(r.Context(), channelID, "⚠️ OpenCode session error: "+msg); err != nil {
			log.Printf("HookServer: opencode-event error delivery project=%s: %v", project, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

	case "session.idle":
		if err := s.deliverIdleText(r.Context(), project, channelID, event); err != nil {
			log.Printf("HookServer: opencode-event idle delivery project=%s: %v", project, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
	}

	fmt.Fprint(w, "OK")
}

// deliverIdleText sends the turn's final text, with any generated files it
// mentions stripped from the prose and uploaded instead.
func (s *Server) deliverIdleText(ctx context.Context, project, channelID string, event opencodeEvent) error {
	text := event.eventText()
	if text == "" {
		return nil
	}

	searchText := event.turnText()
	if searchText == "" {
		searchText = text
	}
	projectPath, _ := s.store.ProjectPath(project)
	files := validFilePaths(textutil.ExtractFilePaths(searchText), projectPath)

	display := text
	if len(files) > 0 {
		display = textutil.StripFilePaths(text, files)
	}

	if display != "" {
		if err := s.client.SendToChannel(ctx, channelID, display); err != nil {
			return err
		}
	}
	if len(files) > 0 {
		if err := s.client.SendToChannelWithFiles(ctx, channelID, "", files); err != nil {
			return err
		}
	}
	return nil
}

// --- /agent-event ---

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	var event agentEvent
	if !decodeJSON(w, r, &event) {
		return
	}

	project := event.projectName()
	if project == "" || event.eventType() == "" {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}
	ref, ok := s.store.Resolve(project, event.agentType(), event.instanceID())
	if !ok {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}
	key := ref.Key()

	if mode := config.ProgressMode(event.ProgressMode); mode == config.ProgressOff ||
		mode == config.ProgressThread || mode == config.ProgressChannel {
		if event.ProgressMode != "" {
			s.seq.SetProgressMode(key, mode)
		}
	}

	if !s.seq.Accept(key, event.TurnID, event.Seq) {
		// Stale or replayed: counted, acknowledged, never applied.
		fmt.Fprint(w, "OK")
		return
	}

	s.applyAgentEvent(r.Context(), ref, event)
	s.hub.broadcast(event)
	fmt.Fprint(w, "OK")
}

// applyAgentEvent maps one accepted lifecycle event onto tracker
// transitions and chat deliveries. Delivery failures are logged; the
// event still counts as applied so its seq is consumed.
func (s *Server) applyAgentEvent(ctx context.Context, ref state.Ref, event agentEvent) {
	key := ref.Key()

	switch event.eventType() {
	case "session.start":
		s.tracker.MarkDispatching(key)

	case "session.progress":
		mode := s.progressModeFor(key)
		if mode == config.ProgressOff {
			return
		}
		channel := ref.ChannelID
		if mode == config.ProgressThread {
			if ch, ok := s.tracker.PendingChannel(key); ok && ch != "" {
				channel = ch
			}
		}
		s.sendText(ctx, key, channel, event.eventText())

	case "session.final":
		channel := ref.ChannelID
		if ch, ok := s.tracker.PendingChannel(key); ok && ch != "" {
			channel = ch
		}
		s.sendText(ctx, key, channel, event.eventText())
		s.tracker.MarkCompleted(key)

	case "session.idle":
		s.tracker.MarkCompleted(key)

	case "session.error":
		msg := event.eventText()
		if msg == "" {
			msg = "unknown error"
		}
		channel := ref.ChannelID
		if ch, ok := s.tracker.PendingChannel(key); ok && ch != "" {
			channel = ch
		}
		s.sendText(ctx, key, channel, "⚠️ Agent error: "+msg)
		s.tracker.MarkError(key)

	case "session.cancelled":
		channel := ref.ChannelID
		if ch, ok := s.tracker.PendingChannel(key); ok && ch != "" {
			channel = ch
		}
		s.sendText(ctx, key, channel, "Turn cancelled.")
		s.tracker.MarkError(key)
	}
}

func (s *Server) progressModeFor(key string) config.ProgressMode {
	if mode, _, ok := s.seq.ProgressMode(key); ok {
		return mode
	}
	return s.cfg.Poller.ProgressMode
}

func (s *Server) sendText(ctx context.Context, key, channel, text string) {
	if text == "" || channel == "" {
		return
	}
	var err error
	if len(text) >= s.cfg.Poller.LongOutputMinChars {
		err = s.client.SendLongOutput(ctx, channel, text)
	} else {
		err = s.client.SendToChannel(ctx, channel, text)
	}
	if err != nil {
		log.Printf("HookServer: delivering event text for %s: %v", key, err)
	}
}

// --- /events/watch ---

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HookServer: watch upgrade: %v", err)
		return
	}
	s.hub.add(conn)
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return false
	}
	return true
}
