package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/shinyobjectz/tav/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Frames are base64 images.
	maxMessageSize = 32 << 20
)

// Hub is the websocket Transport between tav and the page helper running
// inside the artifact. Only one page is connected at a time; a newer
// connection (a reload, say) replaces the older one.
type Hub struct {
	logger logging.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	gen     uint64
	handler func(Message)
	closed  bool

	connectedMu sync.Mutex
	connected   chan struct{}
}

// NewHub creates a hub with no connected page.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		logger:    logger.WithComponent("bridge-hub"),
		connected: make(chan struct{}),
	}
}

// OnMessage sets the receiver for incoming messages.
func (h *Hub) OnMessage(fn func(Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// Connected reports whether a page is attached.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// WaitConnected blocks until a page is attached or ctx is done.
func (h *Hub) WaitConnected(ctx context.Context) error {
	h.connectedMu.Lock()
	ch := h.connected
	h.connectedMu.Unlock()

	if h.Connected() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes msg to the attached page.
func (h *Hub) Send(ctx context.Context, msg Message) error {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

// ServeHTTP upgrades the page's request and pumps its messages until it
// disconnects or is replaced.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), err, "Bridge upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "preview stopped")
		return
	}
	previous := h.conn
	h.conn = conn
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	if previous != nil {
		previous.Close(websocket.StatusPolicyViolation, "superseded by a newer page")
	}

	h.connectedMu.Lock()
	close(h.connected)
	h.connected = make(chan struct{})
	h.connectedMu.Unlock()

	h.logger.Info(r.Context(), "Page attached", "remote", r.RemoteAddr)
	h.readPump(conn)

	h.mu.Lock()
	if h.gen == gen {
		h.conn = nil
	}
	h.mu.Unlock()
}

func (h *Hub) readPump(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != websocket.StatusPolicyViolation {
				h.logger.Debug(ctx, "Page detached", "error", err.Error())
			}
			return
		}

		// Malformed frames are dropped like any other lost message.
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			h.logger.Debug(ctx, "Dropped malformed bridge frame", "bytes", len(data))
			continue
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Close detaches the page and refuses new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.closed = true
	h.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusGoingAway, "preview stopped")
	}
	return nil
}
