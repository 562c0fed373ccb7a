// Package gateway treats a long-running agent container as a service
// behind one shared WebSocket. Logical runs multiplex over the socket by
// sessionKey: a single reader goroutine demuxes inbound frames into
// per-session bounded buffers, a single writer goroutine owns all writes,
// and each runAgent call consumes only its own buffer.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognihq/agent-runtime/internal/core"
	"github.com/cognihq/agent-runtime/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMsgSize     = 512 * 1024
	minBackoff     = 250 * time.Millisecond
	maxBackoff     = 30 * time.Second
	defaultBuffer  = 256
	defaultTimeout = 2 * time.Minute
)

// Frame is the single wire shape for both directions. Unused fields stay
// empty and are omitted.
type Frame struct {
	Type            string            `json:"type"`
	SessionKey      string            `json:"sessionKey"`
	RunID           string            `json:"runId,omitempty"`
	Message         string            `json:"message,omitempty"`
	Model           string            `json:"model,omitempty"`
	Text            string            `json:"text,omitempty"`
	OutboundHeaders map[string]string `json:"outboundHeaders,omitempty"`
}

// Frame types. run/configure/cancel go out; the rest come in.
const (
	FrameRun       = "run"
	FrameConfigure = "configure"
	FrameCancel    = "cancel"
	FrameAccepted  = "accepted"
	FrameTextDelta = "text_delta"
	FrameChatFinal = "chat_final"
	FrameChatError = "chat_error"
)

// AgentEvent is what a runAgent consumer sees. Strictly ordered per
// session: accepted, then text deltas, then exactly one terminal.
type AgentEvent struct {
	Type    string
	RunID   string
	Text    string
	Message string
}

// Terminal reports whether ev ends the logical run.
func (ev AgentEvent) Terminal() bool {
	return ev.Type == FrameChatFinal || ev.Type == FrameChatError
}

// Failure messages synthesized by the client itself.
const (
	MsgTimeout        = "timeout"
	MsgConnectionLost = "connection_lost"
	MsgSlowConsumer   = "slow_consumer"
)

// RunRequest is one logical run over the shared socket.
type RunRequest struct {
	SessionKey      string
	Message         string
	OutboundHeaders map[string]string
	Timeout         time.Duration
	ModelOverride   string
}

// Config for the client.
type Config struct {
	URL           string
	Token         string
	SessionBuffer int
}

// session is one logical run's demux target. The reader loop fills buf;
// fail carries at most one client-synthesized failure.
type session struct {
	key      string
	buf      chan AgentEvent
	fail     chan string
	failOnce sync.Once
}

func (s *session) failWith(msg string) {
	s.failOnce.Do(func() { s.fail <- msg })
}

// Client owns the shared WebSocket. Run drives connect/reconnect; RunAgent
// is safe for concurrent use.
type Client struct {
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.Mutex
	sessions  map[string]*session
	conn      *websocket.Conn
	connected bool

	// writeMu serializes all conn writes (frames and pings).
	writeMu sync.Mutex
}

func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.SessionBuffer == 0 {
		cfg.SessionBuffer = defaultBuffer
	}
	return &Client{
		cfg:      cfg,
		metrics:  m,
		sessions: make(map[string]*session),
	}
}

// Run maintains the shared connection until ctx ends, reconnecting with
// jittered exponential backoff. In-flight runs across a disconnect fail
// with connection_lost.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			slog.Warn("gateway dial failed", "url", c.cfg.URL, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		c.metrics.GatewayReconnects.Inc()
		slog.Info("gateway connected", "url", c.cfg.URL)

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		// Unblock the read loop when the process shuts down.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-watchDone:
			}
		}()

		c.readLoop(ctx, conn)
		close(watchDone)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		for _, s := range c.sessions {
			s.failWith(MsgConnectionLost)
		}
		c.mu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, header)
	return conn, err
}

// readLoop is the only reader of conn. It demuxes frames into session
// buffers and drops anything for an unknown sessionKey.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("gateway read failed", "error", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("gateway sent undecodable frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. A full session buffer means the
// consumer lags beyond the bound; that logical run is failed rather than
// blocking the shared reader.
func (c *Client) dispatch(frame Frame) {
	c.mu.Lock()
	s, ok := c.sessions[frame.SessionKey]
	c.mu.Unlock()
	if !ok {
		c.metrics.GatewayForeignDrop.Inc()
		return
	}

	ev := AgentEvent{RunID: frame.RunID, Text: frame.Text, Message: frame.Message}
	switch frame.Type {
	case FrameAccepted, FrameTextDelta, FrameChatFinal, FrameChatError:
		ev.Type = frame.Type
	default:
		slog.Warn("gateway sent unknown frame type", "type", frame.Type)
		return
	}

	select {
	case s.buf <- ev:
	default:
		slog.Warn("gateway consumer lagging, closing logical run", "session_key", s.key)
		s.failWith(MsgSlowConsumer)
	}
}

// writeFrame serializes outbound frames with the same lock the ping loop
// takes; gorilla permits only one concurrent writer.
func (c *Client) writeFrame(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("gateway not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// Connected reports whether the shared socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RunAgent starts one logical run and returns its event stream. The
// channel closes after the terminal event. Cancellation via ctx sends a
// cancel frame and closes the stream without tearing down the socket.
func (c *Client) RunAgent(ctx context.Context, req RunRequest) (<-chan AgentEvent, error) {
	if req.Timeout == 0 {
		req.Timeout = defaultTimeout
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, core.NewRunError(core.KindGatewayDown, "gateway socket is down", nil)
	}
	if _, exists := c.sessions[req.SessionKey]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s already active", req.SessionKey)
	}
	s := &session{
		key:  req.SessionKey,
		buf:  make(chan AgentEvent, c.cfg.SessionBuffer),
		fail: make(chan string, 1),
	}
	c.sessions[req.SessionKey] = s
	c.mu.Unlock()

	if req.ModelOverride != "" {
		if err := c.writeFrame(Frame{
			Type:            FrameConfigure,
			SessionKey:      req.SessionKey,
			Model:           req.ModelOverride,
			OutboundHeaders: req.OutboundHeaders,
		}); err != nil {
			c.unregister(req.SessionKey)
			return nil, core.NewRunError(core.KindGatewayDown, "configure session", err)
		}
	}

	if err := c.writeFrame(Frame{
		Type:            FrameRun,
		SessionKey:      req.SessionKey,
		Message:         req.Message,
		OutboundHeaders: req.OutboundHeaders,
	}); err != nil {
		c.unregister(req.SessionKey)
		return nil, core.NewRunError(core.KindGatewayDown, "send run frame", err)
	}

	out := make(chan AgentEvent, c.cfg.SessionBuffer)
	go c.pump(ctx, s, req.Timeout, out)
	return out, nil
}

// pump forwards one session's events to its consumer, enforcing the run
// timeout and honoring cancellation.
func (c *Client) pump(ctx context.Context, s *session, timeout time.Duration, out chan<- AgentEvent) {
	defer close(out)
	defer c.unregister(s.key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.sendCancel(s.key)
			return
		case <-timer.C:
			c.sendCancel(s.key)
			c.emit(ctx, out, AgentEvent{Type: FrameChatError, Message: MsgTimeout})
			return
		case msg := <-s.fail:
			c.emit(ctx, out, AgentEvent{Type: FrameChatError, Message: msg})
			return
		case ev := <-s.buf:
			if !c.emit(ctx, out, ev) {
				c.sendCancel(s.key)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func (c *Client) emit(ctx context.Context, out chan<- AgentEvent, ev AgentEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) sendCancel(sessionKey string) {
	if err := c.writeFrame(Frame{Type: FrameCancel, SessionKey: sessionKey}); err != nil {
		slog.Warn("gateway cancel frame failed", "session_key", sessionKey, "error", err)
	}
}

func (c *Client) unregister(sessionKey string) {
	c.mu.Lock()
	delete(c.sessions, sessionKey)
	c.mu.Unlock()
}

func jitter(d time.Duration) time.Duration {
	// ±20% so a fleet of clients does not reconnect in lockstep.
	delta := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d - delta
	}
	return d + delta
}
