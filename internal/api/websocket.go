package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gatekeeper/internal/infrastructure/config"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/logging"
)

// Stream frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"

	// AllEvents subscribes a stream to every security event.
	AllEvents = "*"

	streamQueueSize = 256
)

// StreamFrame is one JSON message on the security event stream.
type StreamFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Event     string `json:"event,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// StreamSubscription is the data of subscribe and unsubscribe frames.
type StreamSubscription struct {
	Events []string `json:"events"`
}

// Hub fans security events out to connected admin streams. It is a
// SecurityEventPublisher.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	streams map[*stream]struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "event_stream"),
		streams: make(map[*stream]struct{}),
	}
}

// Run waits for ctx to end and then disconnects every stream.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[*stream]struct{})
	h.mu.Unlock()

	for s := range streams {
		s.close()
	}
	if len(streams) > 0 {
		h.logger.Info("event streams closed", "count", len(streams))
	}
}

// ClientCount returns the number of connected streams.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// PublishSecurityEvent queues event for every stream whose filter matches.
func (h *Hub) PublishSecurityEvent(event string, fields map[string]any) error {
	frame, err := json.Marshal(StreamFrame{
		Type:      FrameEvent,
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      fields,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*stream, 0, len(h.streams))
	for s := range h.streams {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.filter.matches(event) && s.enqueue(frame) {
			delivered++
		}
	}
	if delivered > 0 {
		h.logger.Debug("security event streamed", "event", event, "streams", delivered)
	}
	return nil
}

func (h *Hub) add(s *stream) {
	h.mu.Lock()
	h.streams[s] = struct{}{}
	n := len(h.streams)
	h.mu.Unlock()
	h.logger.Debug("event stream opened", "user_id", s.userID, "streams", n)
}

func (h *Hub) remove(s *stream) {
	h.mu.Lock()
	delete(h.streams, s)
	n := len(h.streams)
	h.mu.Unlock()
	s.close()
	h.logger.Debug("event stream closed", "user_id", s.userID, "streams", n)
}

// eventFilter is the set of event names a stream wants.
type eventFilter struct {
	mu     sync.RWMutex
	events map[string]bool
}

func (f *eventFilter) set(events []string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string]bool)
	}
	for _, e := range events {
		if on {
			f.events[e] = true
		} else {
			delete(f.events, e)
		}
	}
}

func (f *eventFilter) matches(event string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.events[AllEvents] || f.events[event]
}

// stream is one admin connection. Frames are queued on out and written by
// writeLoop; done is closed exactly once when the stream ends.
type stream struct {
	conn   *websocket.Conn
	userID string
	filter eventFilter

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newStream(conn *websocket.Conn, userID string) *stream {
	return &stream{
		conn:   conn,
		userID: userID,
		out:    make(chan []byte, streamQueueSize),
		done:   make(chan struct{}),
	}
}

// enqueue reports whether frame was queued. Full queues and closed streams
// drop the frame so a slow reader never blocks the publisher.
func (s *stream) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close() //nolint:errcheck // best-effort teardown
		}
	})
}

func (s *stream) reply(typ, id string, data any) {
	frame, err := json.Marshal(StreamFrame{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err == nil {
		s.enqueue(frame)
	}
}

// handleEventStream upgrades an authenticated admin request to the security
// event stream.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkStreamOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		s.logger.Warn("event stream upgrade failed", "user_id", id.ID, "error", err)
		return
	}

	st := newStream(conn, id.ID)
	s.hub.add(st)
	s.auditLog(r, "event_stream_opened", "user", id.ID, id.ID, nil)

	go s.hub.writeLoop(st)
	go s.hub.readLoop(st)
}

// checkStreamOrigin applies the CORS allow-list to the handshake. CORS
// headers alone do not stop a cross-site WebSocket. Requests without an
// Origin come from non-browser clients and pass.
func (s *Server) checkStreamOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.isAllowedOrigin(origin)
}

func (h *Hub) pingInterval() time.Duration {
	return time.Duration(h.cfg.PingInterval) * time.Second
}

func (h *Hub) pongTimeout() time.Duration {
	return time.Duration(h.cfg.PongTimeout) * time.Second
}

// readLoop handles client frames until the connection fails or goes silent
// for longer than one ping interval plus the pong timeout.
func (h *Hub) readLoop(st *stream) {
	defer h.remove(st)

	if h.cfg.MaxMessageSize > 0 {
		st.conn.SetReadLimit(int64(h.cfg.MaxMessageSize))
	}
	idle := h.pingInterval() + h.pongTimeout()
	extend := func(string) error { return st.conn.SetReadDeadline(time.Now().Add(idle)) }
	extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	st.conn.SetPongHandler(extend)

	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("event stream read failed", "user_id", st.userID, "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // see above
		h.handleFrame(st, data)
	}
}

// writeLoop drains the queue and pings the client until the stream closes.
func (h *Hub) writeLoop(st *stream) {
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()

	write := func(kind int, data []byte) error {
		if err := st.conn.SetWriteDeadline(time.Now().Add(h.pongTimeout())); err != nil {
			return err
		}
		return st.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-st.done:
			return
		case frame := <-st.out:
			if err := write(websocket.TextMessage, frame); err != nil {
				st.close()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				st.close()
				return
			}
		}
	}
}

func (h *Hub) handleFrame(st *stream, data []byte) {
	var frame struct {
		Type string             `json:"type"`
		ID   string             `json:"id"`
		Data StreamSubscription `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		st.reply(FrameError, "", map[string]string{"message": "invalid JSON frame"})
		return
	}

	switch frame.Type {
	case FramePing:
		st.reply(FramePong, frame.ID, nil)
	case FrameSubscribe, FrameUnsubscribe:
		if len(frame.Data.Events) == 0 {
			st.reply(FrameError, frame.ID, map[string]string{"message": "events are required"})
			return
		}
		st.filter.set(frame.Data.Events, frame.Type == FrameSubscribe)
		st.reply(FrameAck, frame.ID, frame.Data)
	default:
		st.reply(FrameError, frame.ID, map[string]string{"message": "unknown frame type: " + frame.Type})
	}
}
