package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents: guilds, guild messages, DMs, and message content.
const gatewayIntents = 1<<0 | 1<<9 | 1<<12 | 1<<15

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// DiscordGateway receives messages over the Discord gateway websocket and
// hands them to an InboundHandler. It reconnects with exponential backoff,
// the same shape as every long-lived listener in this codebase.
type DiscordGateway struct {
	token      string
	handler    InboundHandler
	gatewayURL string
	dialer     *websocket.Dialer

	writeMu sync.Mutex
	lastSeq atomic.Int64
	selfID  string
}

// NewDiscordGateway creates a gateway listener for the given bot token.
func NewDiscordGateway(token string, handler InboundHandler) *DiscordGateway {
	return &DiscordGateway{
		token:      token,
		handler:    handler,
		gatewayURL: defaultGatewayURL,
		dialer:     websocket.DefaultDialer,
	}
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Run connects and consumes until ctx is cancelled. Blocks.
func (g *DiscordGateway) Run(ctx context.Context) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := g.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("DiscordGateway: connection error: %v, reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (g *DiscordGateway) connectAndConsume(ctx context.Context) error {
	conn, _, err := g.dialer.DialContext(ctx, g.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	// The session dies with the read loop; this unblocks ReadMessage on
	// ctx cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	interval, err := g.readHello(conn)
	if err != nil {
		return err
	}
	if err := g.identify(conn); err != nil {
		return err
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go g.heartbeatLoop(heartbeatCtx, conn, interval)

	log.Printf("DiscordGateway: connected")
	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("reading gateway frame: %w", err)
		}
		if payload.S != 0 {
			g.lastSeq.Store(payload.S)
		}

		switch payload.Op {
		case opDispatch:
			g.dispatch(ctx, payload)
		case opHeartbeat:
			g.sendHeartbeat(conn)
		case opReconnect, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op %d)", payload.Op)
		case opHeartbeatAck:
			// Expected; nothing to do.
		}
	}
}

func (g *DiscordGateway) readHello(conn *websocket.Conn) (time.Duration, error) {
	var payload gatewayPayload
	if err := conn.ReadJSON(&payload); err != nil {
		return 0, fmt.Errorf("reading hello: %w", err)
	}
	if payload.Op != opHello {
		return 0, fmt.Errorf("expected hello, got op %d", payload.Op)
	}
	var hello struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(payload.D, &hello); err != nil {
		return 0, fmt.Errorf("parsing hello: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("hello carried no heartbeat interval")
	}
	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

func (g *DiscordGateway) identify(conn *websocket.Conn) error {
	return g.writeJSON(conn, map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "bridge",
				"device":  "bridge",
			},
		},
	})
}

// heartbeatLoop takes its connection as an argument so a lingering loop
// from a dead session can never write to the replacement connection.
func (g *DiscordGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sendHeartbeat(conn)
		}
	}
}

func (g *DiscordGateway) sendHeartbeat(conn *websocket.Conn) {
	var seq any
	if s := g.lastSeq.Load(); s != 0 {
		seq = s
	}
	if err := g.writeJSON(conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
		log.Printf("DiscordGateway: sending heartbeat: %v", err)
	}
}

// writeJSON serializes writes; the heartbeat goroutine and the read loop
// both send on the same connection.
func (g *DiscordGateway) writeJSON(conn *websocket.Conn, v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(v)
}

type gatewayUser struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot"`
}

type gatewayMessage struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channel_id"`
	Content   string      `json:"content"`
	Author    gatewayUser `json:"author"`

	ReferencedMessage *struct {
		ID string `json:"id"`
	} `json:"referenced_message"`

	Attachments []struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	} `json:"attachments"`
}

func (g *DiscordGateway) dispatch(ctx context.Context, payload gatewayPayload) {
	switch payload.T {
	case "READY":
		var ready struct {
			User gatewayUser `json:"user"`
		}
		if err := json.Unmarshal(payload.D, &ready); err == nil {
			g.selfID = ready.User.ID
		}

	case "MESSAGE_CREATE":
		var msg gatewayMessage
		if err := json.Unmarshal(payload.D, &msg); err != nil {
			log.Printf("DiscordGateway: parsing message: %v", err)
			return
		}
		if msg.Author.Bot || msg.Author.ID == g.selfID {
			return
		}

		in := Inbound{
			ChannelID: msg.ChannelID,
			MessageID: msg.ID,
			AuthorID:  msg.Author.ID,
			Content:   msg.Content,
		}
		if msg.ReferencedMessage != nil {
			in.ReplyToID = msg.ReferencedMessage.ID
		}
		for _, a := range msg.Attachments {
			in.Attachments = append(in.Attachments, InboundAttachment{
				URL:      a.URL,
				Filename: a.Filename,
			})
		}
		g.handler(ctx, in)
	}
}
