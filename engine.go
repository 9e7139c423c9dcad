package chatsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamroster/chatsync/internal/metrics"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures an Engine.
type Config struct {
	BaseURL           string
	GatewayURL        string
	PageSize          int
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TopicPattern      string
	SendPattern       string
	HTTPClient        *http.Client
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
}

// API is the REST surface the engine needs. *Client implements it.
type API interface {
	RoomLister
	MessageFetcher
	ReadMarker
	MessagePoster
}

// Transport is the push surface the engine needs. *Gateway implements it.
type Transport interface {
	PubSub
	Start(ctx context.Context)
	Stop()
	OnStateChange(h func(ConnState))
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithAPI replaces the REST client.
func WithAPI(api API) Option {
	return func(e *Engine) { e.api = api }
}

// WithTransport replaces the gateway connection.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// SendFailure is the payload of send.failed events.
type SendFailure struct {
	RoomID    int64
	Err       error
	Retryable bool
}

// ============================================================================
// Engine
// ============================================================================

// Engine is one user session's chat synchronization engine. It is built on
// session start and torn down with Stop; nothing is shared between engines.
type Engine struct {
	*emitter

	cfg       Config
	session   Session
	log       zerolog.Logger
	api       API
	transport Transport

	directory *Directory
	poller    *DirectorySync
	stream    *Stream
	binder    *RoomBinder
	receipts  *ReadTracker
	sender    *Sender
	composer  *Composer

	mu       sync.Mutex
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
}

// New builds an engine for a session. It returns ErrMissingSession when any
// identity input is blank.
func New(cfg Config, sess Session, opts ...Option) (*Engine, error) {
	if err := sess.validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	e := &Engine{
		emitter:   newEmitter(),
		cfg:       cfg,
		session:   sess,
		log:       zerolog.Nop(),
		directory: NewDirectory(),
		composer:  &Composer{},
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.api == nil {
		e.api = NewClient(sess.Token, WithBaseURL(cfg.BaseURL), WithHTTPClient(cfg.HTTPClient))
	}
	if e.transport == nil {
		e.transport = NewGateway(GatewayConfig{
			URL:               cfg.GatewayURL,
			Token:             sess.Token,
			ReconnectDelay:    cfg.ReconnectDelay,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			HTTPClient:        cfg.HTTPClient,
		}, e.log)
	}

	dest := Destinations{TopicPattern: cfg.TopicPattern, SendPattern: cfg.SendPattern}
	e.poller = NewDirectorySync(e.api, e.directory, sess, cfg.PollInterval, e.log)
	e.poller.onUpdate = func(rooms []ChatRoom) { e.emit(EventDirectoryUpdated, rooms) }
	e.stream = NewStream(e.api, cfg.PageSize, e.log)
	e.binder = NewRoomBinder(e.transport, dest, e.handleTopic, e.log)
	e.receipts = NewReadTracker(e.api, e.directory, sess, e.log)
	e.receipts.onZero = func(int64) { e.emit(EventDirectoryUpdated, e.directory.Rooms()) }
	e.sender = NewSender(e.transport, e.api, e.stream, dest, e.refreshAsync, e.log)

	e.transport.OnStateChange(func(s ConnState) { e.emit(EventConnectionChanged, s) })
	return e, nil
}

// Start launches the directory poller and the gateway connection. Both run
// until Stop or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopped = false
	e.ctx, e.cancelFn = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()
	e.receipts.resume()

	e.log.Info().Str("company", e.session.CompanyID).Str("user", e.session.UserID).Msg("chat engine starting")

	e.transport.Start(runCtx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poller.Run(runCtx)
	}()
}

// Stop tears down the connection, stops the poller, waits for in-flight
// work, and drops all listeners. Results still in flight are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.stopped = true
	cancel := e.cancelFn
	e.mu.Unlock()

	e.binder.Bind(0)
	e.stream.Close()
	cancel()
	e.transport.Stop()
	e.wg.Wait()
	e.receipts.Close()
	e.removeAll()
	e.log.Info().Msg("chat engine stopped")
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// ── Rooms ────────────────────────────────────────────────

// OpenRoom binds the live subscription to roomID, backfills its newest page
// and marks it read up to the newest message. A backfill overtaken by
// another OpenRoom or CloseRoom returns ErrStaleResult.
func (e *Engine) OpenRoom(ctx context.Context, roomID int64) error {
	e.binder.Bind(roomID)
	last, err := e.stream.Open(ctx, roomID)
	if err != nil {
		return err
	}
	e.emit(EventMessagesUpdated, e.stream.Messages())
	e.receipts.MarkRead(e.runContext(), roomID, last)
	return nil
}

// CloseRoom unbinds the subscription and clears the message sequence.
func (e *Engine) CloseRoom() {
	e.binder.Bind(0)
	e.stream.Close()
	e.emit(EventMessagesUpdated, []ChatMessage(nil))
}

// LoadOlder pages further back in the open room's history.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	n, err := e.stream.LoadOlder(ctx)
	if err == nil && n > 0 {
		e.emit(EventMessagesUpdated, e.stream.Messages())
	}
	return n, err
}

// OpenRoomID returns the open room, or 0.
func (e *Engine) OpenRoomID() int64 { return e.stream.OpenRoom() }

// Rooms returns the directory snapshot.
func (e *Engine) Rooms() []ChatRoom { return e.directory.Rooms() }

// TotalUnread returns the unread badge value.
func (e *Engine) TotalUnread() int { return e.directory.TotalUnread() }

// Messages returns the open room's sequence.
func (e *Engine) Messages() []ChatMessage { return e.stream.Messages() }

// Connected reports push connectivity.
func (e *Engine) Connected() bool { return e.transport.Connected() }

// ReadCursor returns the last acknowledged read cursor for a room.
func (e *Engine) ReadCursor(roomID int64) int64 { return e.receipts.Cursor(roomID) }

// RefreshDirectory runs one directory fetch now.
func (e *Engine) RefreshDirectory(ctx context.Context) error {
	return e.poller.Refresh(ctx)
}

// refreshAsync schedules a directory fetch after a fallback send. Nothing is
// scheduled once Stop has begun.
func (e *Engine) refreshAsync() {
	e.mu.Lock()
	if e.stopped || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		_ = e.poller.Refresh(ctx)
	}()
}

// ── Sending ──────────────────────────────────────────────

// Send sends text to the open room.
func (e *Engine) Send(ctx context.Context, content string) (SendResult, error) {
	return e.send(ctx, OutgoingMessage{Type: MessageText, Content: content})
}

// SendFile sends an IMAGE or FILE message that points at an uploaded URL.
func (e *Engine) SendFile(ctx context.Context, typ MessageType, fileURL, fileName string) (SendResult, error) {
	return e.send(ctx, OutgoingMessage{Type: typ, FileURL: fileURL, FileName: fileName, Content: fileName})
}

// SetDraft replaces the input buffer.
func (e *Engine) SetDraft(text string) { e.composer.SetDraft(text) }

// Draft returns the input buffer.
func (e *Engine) Draft() string { return e.composer.Draft() }

// SendDraft sends the input buffer and clears it on success. On failure the
// text stays for a manual retry.
func (e *Engine) SendDraft(ctx context.Context) (SendResult, error) {
	text := e.composer.Draft()
	res, err := e.Send(ctx, text)
	if err != nil {
		return res, err
	}
	e.composer.clearIf(text)
	return res, nil
}

// SendTo sends text to roomID without opening it: no backfill, no live
// subscription and no read receipt, so the room's unread count is untouched.
func (e *Engine) SendTo(ctx context.Context, roomID int64, content string) (SendResult, error) {
	if roomID <= 0 {
		return SendResult{}, ErrNoOpenRoom
	}
	return e.sendToRoom(ctx, roomID, OutgoingMessage{Type: MessageText, Content: content})
}

func (e *Engine) send(ctx context.Context, msg OutgoingMessage) (SendResult, error) {
	roomID := e.stream.OpenRoom()
	if roomID == 0 {
		return SendResult{}, ErrNoOpenRoom
	}
	return e.sendToRoom(ctx, roomID, msg)
}

func (e *Engine) sendToRoom(ctx context.Context, roomID int64, msg OutgoingMessage) (SendResult, error) {
	msg.RoomID = roomID
	msg.SenderID = ID(e.session.UserID)
	msg.SenderName = e.session.UserName

	res, err := e.sender.Send(ctx, msg)
	if err != nil {
		e.emit(EventSendFailed, SendFailure{RoomID: roomID, Err: err, Retryable: isRetryable(err)})
		return res, err
	}
	if res.Path == PathFallback && roomID == e.stream.OpenRoom() {
		e.emit(EventMessagesUpdated, e.stream.Messages())
	}
	return res, nil
}

// ── Push handling ────────────────────────────────────────

// handleTopic processes one body from the bound room topic.
func (e *Engine) handleTopic(roomID int64, body []byte) {
	env, err := decodeEnvelope(body)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		e.log.Warn().Err(err).Int64("room", roomID).Msg("dropping malformed envelope")
		return
	}
	metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case EnvelopeMessage:
		e.handleMessage(*env.Message)
	case EnvelopeTyping:
		e.emit(EventTyping, *env)
	case EnvelopeRead:
		e.emit(EventRead, *env)
	case EnvelopeJoin, EnvelopeLeave:
		e.emit(EventPresence, *env)
	}
}

func (e *Engine) handleMessage(msg ChatMessage) {
	open := e.stream.OpenRoom()
	if msg.RoomID != open {
		metrics.FramesDropped.WithLabelValues("other_room").Inc()
		e.log.Debug().Int64("room", msg.RoomID).Int64("open", open).Msg("ignoring message for a room that is not open")
		return
	}
	if !e.stream.Merge(msg) {
		return
	}
	e.emit(EventMessagesUpdated, e.stream.Messages())
	if e.directory.PatchPreview(msg.RoomID, msg) {
		e.emit(EventDirectoryUpdated, e.directory.Rooms())
	}
	e.receipts.MarkRead(e.runContext(), msg.RoomID, msg.ID)
}
