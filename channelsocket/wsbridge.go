package channelsocket

import (
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 10 * time.Second

// Options configures the websocket-backed socket.
type Options struct {
	// Params are sent as query parameters on dial (token, platform).
	Params map[string]string

	// ReconnectAfter returns the backoff before reconnect attempt n
	// (0-based). Nil disables auto-reconnect.
	ReconnectAfter func(tries int) time.Duration

	// MaxReconnectTries caps reconnect attempts. Zero means unlimited.
	MaxReconnectTries int

	LogOutput io.Writer
	Logger    zerolog.Logger
}

// frame is the wire shape of every message on the socket.
type frame struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref,omitempty"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// WebSocket is the production Socket implementation over gorilla/websocket.
type WebSocket struct {
	mu          sync.Mutex
	rawURL      string
	opts        Options
	conn        *websocket.Conn
	channels    map[string]*wsChannel
	pending     map[string]*receipt
	out         chan frame
	done        chan struct{}
	connected   bool
	closing     bool
	tries       int
	onOpen      []func()
	onError     []func(error)
	onClose     []func()
	onRejoin    []func(topic string, payload map[string]any)
	initLogOnce sync.Once
	logger      zerolog.Logger
}

// NewWebSocket returns an unconnected socket for rawURL.
func NewWebSocket(rawURL string, opts Options) *WebSocket {
	return &WebSocket{
		rawURL:   rawURL,
		opts:     opts,
		channels: make(map[string]*wsChannel),
		pending:  make(map[string]*receipt),
		logger:   opts.Logger,
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (s *WebSocket) Log() *zerolog.Logger {
	if s.opts.LogOutput != nil {
		s.initLogOnce.Do(func() {
			s.logger = zerolog.New(s.opts.LogOutput).With().Timestamp().Logger()
		})
	}
	return &s.logger
}

func (s *WebSocket) dialURL() (string, error) {
	u, err := url.Parse(s.rawURL)
	if err != nil {
		return "", fmt.Errorf("dialURL parse error: %w", err)
	}

	q := u.Query()
	for k, v := range s.opts.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connect dials the server and starts the read/write pumps. Channels that
// were joined before a connection drop are rejoined silently.
func (s *WebSocket) Connect() error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.closing = false

	target, err := s.dialURL()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		s.mu.Unlock()
		s.Log().Error().Str("Method", "Connect").Err(err).Msg("dial failed")
		s.fireError(err)
		s.scheduleReconnect()
		return fmt.Errorf("socket connect dial error: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.tries = 0
	s.out = make(chan frame, 32)
	s.done = make(chan struct{})

	rejoin := make([]*wsChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.wantJoined() {
			rejoin = append(rejoin, ch)
		}
	}
	s.mu.Unlock()

	go s.readPump(conn)
	go s.writePump(conn, s.out, s.done)

	s.Log().Debug().Str("Method", "Connect").Str("URL", s.rawURL).Msg("socket open")
	s.fireOpen()

	for _, ch := range rejoin {
		ch.rejoin()
	}

	return nil
}

// Disconnect tears the socket down and suppresses auto-reconnect. Pending
// receipts are dropped without firing so no stale callback runs after
// teardown.
func (s *WebSocket) Disconnect() error {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.conn = nil
	wasConnected := s.connected
	s.connected = false
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.out = nil
	for ref, r := range s.pending {
		r.cancel()
		delete(s.pending, ref)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		s.fireClose()
	}

	return nil
}

// Channel returns the channel for topic, creating it on first use.
func (s *WebSocket) Channel(topic string, params map[string]any) Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[topic]; ok {
		return ch
	}

	ch := &wsChannel{
		socket:   s,
		topic:    topic,
		params:   params,
		bindings: make(map[string][]func(map[string]any)),
	}
	s.channels[topic] = ch

	return ch
}

func (s *WebSocket) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = append(s.onOpen, fn)
}

func (s *WebSocket) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *WebSocket) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

func (s *WebSocket) OnRejoin(fn func(topic string, payload map[string]any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRejoin = append(s.onRejoin, fn)
}

func (s *WebSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *WebSocket) fireOpen() {
	s.mu.Lock()
	fns := append([]func(){}, s.onOpen...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *WebSocket) fireClose() {
	s.mu.Lock()
	fns := append([]func(){}, s.onClose...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *WebSocket) fireError(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *WebSocket) fireRejoin(topic string, payload map[string]any) {
	s.mu.Lock()
	fns := append([]func(string, map[string]any){}, s.onRejoin...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(topic, payload)
	}
}

func (s *WebSocket) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.handleDrop(err)
			return
		}
		s.route(f)
	}
}

func (s *WebSocket) writePump(conn *websocket.Conn, out <-chan frame, done <-chan struct{}) {
	for {
		select {
		case f := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				s.handleDrop(err)
				return
			}
		case <-done:
			return
		}
	}
}

// route dispatches one inbound frame: replies resolve their pending receipt,
// everything else fans out to the channel's bindings in registration order.
func (s *WebSocket) route(f frame) {
	if f.Event == EventReply {
		s.mu.Lock()
		r, ok := s.pending[f.Ref]
		if ok {
			delete(s.pending, f.Ref)
		}
		s.mu.Unlock()

		if !ok {
			return
		}

		status, _ := f.Payload["status"].(string)
		response, _ := f.Payload["response"].(map[string]any)
		if response == nil {
			response = map[string]any{}
		}
		r.resolve(status, response)
		return
	}

	s.mu.Lock()
	ch := s.channels[f.Topic]
	s.mu.Unlock()

	if ch == nil {
		s.Log().Debug().Str("Method", "route").Str("Topic", f.Topic).Str("Event", f.Event).Msg("frame for unknown topic, dropped")
		return
	}
	ch.dispatch(f.Event, f.Payload)
}

// handleDrop runs when either pump hits an error: one teardown, error and
// close callbacks, then a backoff-scheduled reconnect unless Disconnect was
// explicit. Pending receipts keep their timers so callers see a timeout.
func (s *WebSocket) handleDrop(err error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	conn := s.conn
	s.conn = nil
	s.out = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	closing := s.closing
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if !closing {
		s.Log().Warn().Str("Method", "handleDrop").Err(err).Msg("socket dropped")
		s.fireError(err)
	}
	s.fireClose()

	if !closing {
		s.scheduleReconnect()
	}
}

func (s *WebSocket) scheduleReconnect() {
	s.mu.Lock()
	if s.closing || s.opts.ReconnectAfter == nil {
		s.mu.Unlock()
		return
	}
	if s.opts.MaxReconnectTries > 0 && s.tries >= s.opts.MaxReconnectTries {
		s.mu.Unlock()
		s.Log().Error().Str("Method", "scheduleReconnect").Int("Tries", s.tries).Msg("giving up on reconnect")
		return
	}
	delay := s.opts.ReconnectAfter(s.tries)
	s.tries++
	tries := s.tries
	s.mu.Unlock()

	s.Log().Debug().Str("Method", "scheduleReconnect").Int("Try", tries).Dur("Delay", delay).Msg("reconnect scheduled")
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		closing := s.closing
		connected := s.connected
		s.mu.Unlock()
		if closing || connected {
			return
		}
		_ = s.Connect()
	})
}

// send registers a receipt for ref and enqueues the frame. When the socket
// is down the receipt resolves with an error immediately.
func (s *WebSocket) send(f frame, timeout time.Duration) *receipt {
	r := newReceipt()

	s.mu.Lock()
	if !s.connected || s.out == nil {
		s.mu.Unlock()
		r.resolve(StatusError, map[string]any{"reason": "socket not connected"})
		return r
	}
	s.pending[f.Ref] = r
	out := s.out
	s.mu.Unlock()

	r.startTimer(timeout, func() {
		s.mu.Lock()
		delete(s.pending, f.Ref)
		s.mu.Unlock()
	})

	select {
	case out <- f:
	default:
		// Write queue full: let the receipt time out rather than block the
		// caller's event path.
		s.Log().Warn().Str("Method", "send").Str("Event", f.Event).Msg("write queue full, frame dropped")
	}

	return r
}

// wsChannel is one joined (or joinable) topic on the socket.
type wsChannel struct {
	mu       sync.Mutex
	socket   *WebSocket
	topic    string
	params   map[string]any
	joinRef  string
	joined   bool
	wantJoin bool
	bindings map[string][]func(map[string]any)
}

func (c *wsChannel) Topic() string { return c.topic }

func (c *wsChannel) Join(timeout time.Duration) Push {
	c.mu.Lock()
	c.joinRef = uuid.NewString()
	c.wantJoin = true
	joinRef := c.joinRef
	params := c.params
	c.mu.Unlock()

	if params == nil {
		params = map[string]any{}
	}

	r := c.socket.send(frame{
		Topic:   c.topic,
		Event:   EventJoin,
		Payload: params,
		Ref:     joinRef,
		JoinRef: joinRef,
	}, timeout)

	r.Receive(StatusOK, func(map[string]any) {
		c.mu.Lock()
		c.joined = true
		c.mu.Unlock()
	})

	return r
}

// rejoin re-issues the join after a reconnect. Success surfaces through the
// socket's rejoin callbacks so consumers can restore their join state;
// failure surfaces through the error callbacks.
func (c *wsChannel) rejoin() {
	c.socket.Log().Debug().Str("Method", "rejoin").Str("Topic", c.topic).Msg("rejoining after reconnect")
	c.Join(defaultWriteTimeout).
		Receive(StatusOK, func(payload map[string]any) {
			c.socket.fireRejoin(c.topic, payload)
		}).
		Receive(StatusError, func(payload map[string]any) {
			c.socket.fireError(fmt.Errorf("rejoin %s error: %v", c.topic, payload))
		})
}

func (c *wsChannel) Leave() {
	c.mu.Lock()
	c.joined = false
	c.wantJoin = false
	joinRef := c.joinRef
	c.mu.Unlock()

	c.socket.send(frame{
		Topic:   c.topic,
		Event:   EventLeave,
		Payload: map[string]any{},
		Ref:     uuid.NewString(),
		JoinRef: joinRef,
	}, defaultWriteTimeout)

	c.socket.mu.Lock()
	delete(c.socket.channels, c.topic)
	c.socket.mu.Unlock()
}

func (c *wsChannel) Push(event string, payload map[string]any, timeout time.Duration) Push {
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}

	return c.socket.send(frame{
		Topic:   c.topic,
		Event:   event,
		Payload: payload,
		Ref:     uuid.NewString(),
		JoinRef: joinRef,
	}, timeout)
}

func (c *wsChannel) On(event string, fn func(payload map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[event] = append(c.bindings[event], fn)
}

func (c *wsChannel) dispatch(event string, payload map[string]any) {
	c.mu.Lock()
	fns := append([]func(map[string]any){}, c.bindings[event]...)
	c.mu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *wsChannel) wantJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wantJoin
}

// receipt resolves a join/push exactly once with ok, error or timeout.
type receipt struct {
	mu        sync.Mutex
	resolved  bool
	status    string
	payload   map[string]any
	callbacks map[string][]func(map[string]any)
	timer     *time.Timer
}

func newReceipt() *receipt {
	return &receipt{callbacks: make(map[string][]func(map[string]any))}
}

func (r *receipt) Receive(status string, fn func(payload map[string]any)) Push {
	r.mu.Lock()
	if r.resolved {
		matched := r.status == status
		payload := r.payload
		r.mu.Unlock()
		if matched {
			fn(payload)
		}
		return r
	}
	r.callbacks[status] = append(r.callbacks[status], fn)
	r.mu.Unlock()
	return r
}

func (r *receipt) startTimer(timeout time.Duration, onTimeout func()) {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return
	}
	r.timer = time.AfterFunc(timeout, func() {
		onTimeout()
		r.resolve(StatusTimeout, map[string]any{})
	})
}

func (r *receipt) resolve(status string, payload map[string]any) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.status = status
	r.payload = payload
	if r.timer != nil {
		r.timer.Stop()
	}
	fns := append([]func(map[string]any){}, r.callbacks[status]...)
	r.callbacks = nil
	r.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// cancel silently discards the receipt: no status callback will ever fire.
func (r *receipt) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = true
	r.status = ""
	if r.timer != nil {
		r.timer.Stop()
	}
	r.callbacks = nil
}
