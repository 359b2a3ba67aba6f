package hookserver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// watchSendBuffer is the per-socket backlog before a consumer is dropped.
const watchSendBuffer = 64

// watchWriteTimeout bounds one websocket write.
const watchWriteTimeout = 10 * time.Second

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server only binds localhost; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans accepted lifecycle events out to /events/watch sockets.
// Delivery is best-effort: a consumer that can't keep up is disconnected
// rather than allowed to stall the ingest path.
type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{conns: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) add(conn *websocket.Conn) {
	ch := make(chan []byte, watchSendBuffer)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
	}
	h.mu.Unlock()

	if ok {
		close(ch)
		conn.Close()
	}
}

// broadcast queues the event on every socket, dropping sockets whose
// buffer is full.
func (h *hub) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("HookServer: marshaling watch event: %v", err)
		return
	}

	var slow []*websocket.Conn
	h.mu.Lock()
	for conn, ch := range h.conns {
		select {
		case ch <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range slow {
		log.Printf("HookServer: dropping slow watch consumer %s", conn.RemoteAddr())
		h.remove(conn)
	}
}

func (h *hub) writeLoop(conn *websocket.Conn, ch chan []byte) {
	for data := range ch {
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
			return
		}
	}
}

// readLoop discards inbound frames; it exists to notice the peer closing.
func (h *hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.remove(conn)
	}
}
