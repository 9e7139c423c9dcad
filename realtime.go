package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/teamroster/chatsync/internal/metrics"
)

// ============================================================================
// Frames
// ============================================================================

// Frame types exchanged with the messaging gateway.
const (
	FrameConnected   = "connected"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameMessage     = "message"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

// Frame is the wire unit on the gateway connection.
type Frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// GatewayConfig configures the push connection.
type GatewayConfig struct {
	URL               string
	Token             string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HTTPClient        *http.Client
}

func (c *GatewayConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = c.HeartbeatInterval*2 + c.HeartbeatInterval/2
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector hands out a fixed delay; attempts are unbounded because the
// chat surface may stay mounted indefinitely.
type reconnector struct {
	delay   time.Duration
	attempt int
}

func (r *reconnector) next() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) markConnected() {
	r.attempt = 0
}

// ============================================================================
// Subscriptions
// ============================================================================

// FrameHandler receives the body of a message frame.
type FrameHandler func(body []byte)

// Subscription is a recorded intent to receive a destination's messages.
type Subscription struct {
	id          string
	destination string
	handler     FrameHandler
}

func (s *Subscription) ID() string          { return s.id }
func (s *Subscription) Destination() string { return s.destination }

// ============================================================================
// Gateway
// ============================================================================

// Gateway owns a single persistent connection to the messaging gateway. It
// reconnects after a fixed delay for as long as it runs and replays
// subscription intents on every connect.
type Gateway struct {
	cfg   GatewayConfig
	log   zerolog.Logger
	recon *reconnector

	// sendMu orders subscribe/unsubscribe frames; taken before mu.
	sendMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	subs     map[string]*Subscription
	lastRead time.Time
	onState  []func(ConnState)
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewGateway creates a gateway client. Call Start to connect.
func NewGateway(cfg GatewayConfig, log zerolog.Logger) *Gateway {
	cfg.defaults()
	return &Gateway{
		cfg:   cfg,
		log:   log.With().Str("component", "gateway").Logger(),
		recon: &reconnector{delay: cfg.ReconnectDelay},
		state: StateDisconnected,
		subs:  make(map[string]*Subscription),
	}
}

// OnStateChange registers a handler for connection state transitions.
func (g *Gateway) OnStateChange(h func(ConnState)) {
	g.mu.Lock()
	g.onState = append(g.onState, h)
	g.mu.Unlock()
}

// State returns the current connection state.
func (g *Gateway) State() ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connected reports whether frames can be published right now.
func (g *Gateway) Connected() bool {
	return g.State() == StateConnected
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried in the background and never surface as errors.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	if g.cancelFn != nil {
		g.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancelFn = cancel
	g.done = done
	g.mu.Unlock()

	go g.run(runCtx, done)
}

// Stop closes the connection and waits for the loop to exit.
func (g *Gateway) Stop() {
	g.mu.Lock()
	cancel, done := g.cancelFn, g.done
	g.cancelFn = nil
	g.done = nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Subscribe records the intent to receive destination's messages and, if
// connected, sends the subscribe frame now. While disconnected the intent
// is applied on the next connect.
func (g *Gateway) Subscribe(destination string, h FrameHandler) *Subscription {
	sub := &Subscription{id: "sub-" + uuid.NewString(), destination: destination, handler: h}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.mu.Lock()
	g.subs[sub.id] = sub
	conn := g.conn
	g.mu.Unlock()

	if conn != nil {
		g.writeControl(conn, Frame{Type: FrameSubscribe, ID: sub.id, Destination: destination})
	}
	return sub
}

// Unsubscribe drops a subscription intent and, if connected, tells the
// gateway. Unknown or nil subscriptions are ignored.
func (g *Gateway) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	g.mu.Lock()
	_, ok := g.subs[sub.id]
	delete(g.subs, sub.id)
	conn := g.conn
	g.mu.Unlock()

	if ok && conn != nil {
		g.writeControl(conn, Frame{Type: FrameUnsubscribe, ID: sub.id, Destination: sub.destination})
	}
}

// Publish sends body to destination. It fails with ErrNotConnected when the
// connection is down.
func (g *Gateway) Publish(ctx context.Context, destination string, body any) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal publish body: %w", err)
	}
	if err := wsjson.Write(ctx, conn, Frame{Type: FrameSend, Destination: destination, Body: b}); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (g *Gateway) writeControl(conn *websocket.Conn, f Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.HeartbeatInterval)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		// The read loop notices the broken connection; intents replay on reconnect.
		g.log.Debug().Err(err).Str("frame", f.Type).Str("destination", f.Destination).Msg("control frame not sent")
	}
}

func (g *Gateway) setState(s ConnState) {
	g.mu.Lock()
	if g.state == s {
		g.mu.Unlock()
		return
	}
	g.state = s
	handlers := append([]func(ConnState){}, g.onState...)
	g.mu.Unlock()

	if s == StateConnected {
		metrics.GatewayConnected.Set(1)
	} else {
		metrics.GatewayConnected.Set(0)
	}
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(s)
		}()
	}
}

func (g *Gateway) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer g.setState(StateDisconnected)

	for {
		conn, err := g.dial(ctx)
		if err == nil {
			g.serve(ctx, conn)
		} else if ctx.Err() == nil {
			g.log.Warn().Err(err).Int("attempt", g.recon.attempt).Msg("gateway connect failed")
		}
		if ctx.Err() != nil {
			return
		}

		delay := g.recon.next()
		g.setState(StateReconnecting)
		metrics.GatewayReconnects.Inc()
		g.log.Debug().Dur("delay", delay).Int("attempt", g.recon.attempt).Msg("scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	g.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.cfg.Token)
	conn, _, err := websocket.Dial(dialCtx, g.cfg.URL, &websocket.DialOptions{
		HTTPClient: g.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "connected".
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read connected frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameConnected {
		conn.Close(websocket.StatusPolicyViolation, "expected connected frame")
		return nil, fmt.Errorf("expected %q frame, got %q", FrameConnected, f.Type)
	}
	return conn, nil
}

// serve runs one established connection until it breaks or ctx ends.
func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.sendMu.Lock()
	g.mu.Lock()
	g.conn = conn
	g.lastRead = time.Now()
	subs := make([]*Subscription, 0, len(g.subs))
	for _, s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()
	for _, s := range subs {
		g.writeControl(conn, Frame{Type: FrameSubscribe, ID: s.id, Destination: s.destination})
	}
	g.sendMu.Unlock()

	g.recon.markConnected()
	g.setState(StateConnected)
	g.log.Info().Int("subscriptions", len(subs)).Msg("gateway connected")

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		g.heartbeatLoop(connCtx, cancel, conn)
	}()

	err := g.readLoop(connCtx, conn)
	cancel()
	<-hbDone

	g.mu.Lock()
	g.conn = nil
	g.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "client disconnect")
	g.setState(StateDisconnected)

	if ctx.Err() == nil {
		g.log.Warn().Err(err).Msg("gateway connection lost")
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		g.mu.Lock()
		g.lastRead = time.Now()
		g.mu.Unlock()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			g.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case FramePing:
			if err := wsjson.Write(ctx, conn, Frame{Type: FramePong, ID: f.ID}); err != nil {
				g.log.Debug().Err(err).Msg("pong not sent")
			}
		case FramePong, FrameConnected:
		case FrameMessage:
			g.deliver(f)
		case FrameError:
			g.log.Warn().Str("message", f.Message).Msg("gateway error frame")
		default:
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			g.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
		}
	}
}

func (g *Gateway) deliver(f Frame) {
	g.mu.Lock()
	sub, ok := g.subs[f.ID]
	if !ok && f.Destination != "" {
		for _, s := range g.subs {
			if s.destination == f.Destination {
				sub, ok = s, true
				break
			}
		}
	}
	g.mu.Unlock()

	if !ok {
		g.log.Debug().Str("id", f.ID).Str("destination", f.Destination).Msg("message for unknown subscription")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.FramesDropped.WithLabelValues("handler_panic").Inc()
			g.log.Error().Interface("panic", r).Str("destination", sub.destination).Msg("subscription handler panicked")
		}
	}()
	sub.handler(f.Body)
}

// heartbeatLoop pings on every tick and ends the connection when nothing
// has been read within HeartbeatTimeout.
func (g *Gateway) heartbeatLoop(ctx context.Context, closeConn context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			idle := time.Since(g.lastRead)
			g.mu.Unlock()
			if idle > g.cfg.HeartbeatTimeout {
				metrics.HeartbeatTimeouts.Inc()
				g.log.Warn().Dur("idle", idle).Msg("heartbeat timeout, dropping connection")
				closeConn()
				return
			}

			if err := wsjson.Write(ctx, conn, Frame{Type: FramePing, ID: "ping-" + uuid.NewString()}); err != nil {
				g.log.Debug().Err(err).Msg("heartbeat ping not sent")
			}
		}
	}
}
