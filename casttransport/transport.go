// Package casttransport owns the relay connection: one socket, at most one
// joined room channel, heartbeat replies, presence aggregation and the
// retryable-vs-critical error classification that controls auto-reconnect.
package casttransport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"castrelay.app/castrelay/channelsocket"
	"castrelay.app/castrelay/messages"
)

const (
	defaultJoinTimeout = 10 * time.Second
	defaultPongTimeout = 5 * time.Second
	defaultMaxRetries  = 10
)

// Config describes one relay connection.
type Config struct {
	URL      string
	Token    string
	Platform string

	// JoinTimeout bounds the room join handshake. Defaults to 10s.
	JoinTimeout time.Duration

	// PongTimeout bounds the heartbeat reply push, independent of other
	// in-flight pushes. Defaults to 5s.
	PongTimeout time.Duration

	// MaxReconnectTries caps the socket's own reconnect loop. Defaults
	// to 10.
	MaxReconnectTries int

	// NewSocket overrides socket construction, mainly for tests.
	NewSocket func(cfg Config) channelsocket.Socket

	LogOutput io.Writer
	Logger    zerolog.Logger
}

// Transport multiplexes one socket and at most one joined room channel.
type Transport struct {
	mu            sync.RWMutex
	cfg           Config
	socket        channelsocket.Socket
	channel       channelsocket.Channel
	roomID        string
	joined        bool
	connecting    bool
	stopReconnect bool
	presence      channelsocket.State

	initLogOnce sync.Once
	logger      zerolog.Logger

	joinedFeed  *Feed[map[string]any]
	errorFeed   *Feed[ErrorEvent]
	messageFeed *Feed[map[string]any]
	pingFeed    *Feed[map[string]any]
	pongFeed    *Feed[map[string]any]
	stateFeed   *Feed[channelsocket.State]
	diffFeed    *Feed[channelsocket.Diff]
	openFeed    *Feed[struct{}]
	closeFeed   *Feed[struct{}]
}

// New returns an idle transport. Call Connect to bring the socket up.
func New(cfg Config) *Transport {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.MaxReconnectTries <= 0 {
		cfg.MaxReconnectTries = defaultMaxRetries
	}
	if cfg.NewSocket == nil {
		cfg.NewSocket = newWebSocket
	}

	t := &Transport{
		cfg:    cfg,
		logger: cfg.Logger,
	}

	onPanic := func(recovered any) {
		t.Log().Error().Str("Method", "emit").Any("Recovered", recovered).Msg("event handler panicked")
	}
	t.joinedFeed = NewFeed[map[string]any](onPanic)
	t.errorFeed = NewFeed[ErrorEvent](onPanic)
	t.messageFeed = NewFeed[map[string]any](onPanic)
	t.pingFeed = NewFeed[map[string]any](onPanic)
	t.pongFeed = NewFeed[map[string]any](onPanic)
	t.stateFeed = NewFeed[channelsocket.State](onPanic)
	t.diffFeed = NewFeed[channelsocket.Diff](onPanic)
	t.openFeed = NewFeed[struct{}](onPanic)
	t.closeFeed = NewFeed[struct{}](onPanic)

	return t
}

func newWebSocket(cfg Config) channelsocket.Socket {
	return channelsocket.NewWebSocket(cfg.URL, channelsocket.Options{
		Params:            map[string]string{"token": cfg.Token, "platform": cfg.Platform},
		ReconnectAfter:    ReconnectAfter,
		MaxReconnectTries: cfg.MaxReconnectTries,
		LogOutput:         cfg.LogOutput,
		Logger:            cfg.Logger,
	})
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (t *Transport) Log() *zerolog.Logger {
	if t.cfg.LogOutput != nil {
		t.initLogOnce.Do(func() {
			t.logger = zerolog.New(t.cfg.LogOutput).With().Timestamp().Logger()
		})
	}
	return &t.logger
}

// Connect brings the socket up. It is a no-op while already connecting or
// connected, and refuses to run after a critical error until a full
// Disconnect(true).
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.stopReconnect {
		t.mu.Unlock()
		return ErrStopped
	}
	if t.connecting || (t.socket != nil && t.socket.IsConnected()) {
		t.mu.Unlock()
		return nil
	}
	t.connecting = true

	if t.socket == nil {
		sock := t.cfg.NewSocket(t.cfg)
		sock.OnOpen(func() {
			t.mu.Lock()
			t.connecting = false
			t.mu.Unlock()
			t.openFeed.Emit(struct{}{})
		})
		sock.OnError(func(err error) {
			t.Log().Warn().Str("Method", "socket").Err(err).Msg("socket error")
			t.errorFeed.Emit(ErrorEvent{Err: err, Retryable: true})
		})
		sock.OnClose(func() {
			t.mu.Lock()
			t.joined = false
			t.connecting = false
			t.mu.Unlock()
			t.closeFeed.Emit(struct{}{})
		})
		sock.OnRejoin(func(topic string, payload map[string]any) {
			t.mu.Lock()
			restored := t.channel != nil && t.channel.Topic() == topic
			if restored {
				t.joined = true
			}
			t.mu.Unlock()
			if !restored {
				return
			}
			t.Log().Debug().Str("Method", "socket").Str("Topic", topic).Msg("room rejoined after reconnect")
			t.joinedFeed.Emit(payload)
		})
		t.socket = sock
	}
	sock := t.socket
	t.mu.Unlock()

	t.Log().Debug().Str("Method", "Connect").Str("URL", t.cfg.URL).Msg("connecting socket")
	if err := sock.Connect(); err != nil {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
		return fmt.Errorf("transport connect error: %w", err)
	}

	return nil
}

// Disconnect leaves the joined channel, tears down the socket and clears
// presence and join state. With resetReconnectFlag false the critical-error
// latch survives, so a later Connect still refuses to retry.
func (t *Transport) Disconnect(resetReconnectFlag bool) {
	t.mu.Lock()
	ch := t.channel
	sock := t.socket
	t.channel = nil
	t.socket = nil
	t.joined = false
	t.connecting = false
	t.presence = nil
	t.roomID = ""
	if resetReconnectFlag {
		t.stopReconnect = false
	}
	t.mu.Unlock()

	t.Log().Debug().Str("Method", "Disconnect").Bool("ResetReconnectFlag", resetReconnectFlag).Msg("tearing down")

	if ch != nil {
		ch.Leave()
	}
	if sock != nil {
		_ = sock.Disconnect()
	}
}

type pushResult struct {
	status  string
	payload map[string]any
}

func awaitPush(ctx context.Context, p channelsocket.Push) (pushResult, error) {
	res := make(chan pushResult, 3)
	p.Receive(channelsocket.StatusOK, func(payload map[string]any) {
		res <- pushResult{channelsocket.StatusOK, payload}
	}).Receive(channelsocket.StatusError, func(payload map[string]any) {
		res <- pushResult{channelsocket.StatusError, payload}
	}).Receive(channelsocket.StatusTimeout, func(payload map[string]any) {
		res <- pushResult{channelsocket.StatusTimeout, payload}
	})

	select {
	case r := <-res:
		return r, nil
	case <-ctx.Done():
		return pushResult{}, ctx.Err()
	}
}

// JoinRoom joins room:{roomID}, leaving any previously joined channel first
// so only one channel is ever joined. On success it records the join, emits
// the joined event and returns the server's initial payload.
func (t *Transport) JoinRoom(ctx context.Context, roomID string) (map[string]any, error) {
	t.mu.Lock()
	sock := t.socket
	old := t.channel
	t.channel = nil
	t.joined = false
	t.mu.Unlock()

	if sock == nil {
		return nil, ErrNoSocket
	}
	if old != nil {
		t.Log().Debug().Str("Method", "JoinRoom").Str("Topic", old.Topic()).Msg("leaving previous channel")
		old.Leave()
	}

	ch := sock.Channel("room:"+roomID, map[string]any{})
	ch.On("message", func(payload map[string]any) { t.messageFeed.Emit(payload) })
	ch.On("ping", t.handlePing)
	ch.On("presence_state", t.handlePresenceState)
	ch.On("presence_diff", t.handlePresenceDiff)

	t.mu.Lock()
	t.channel = ch
	t.roomID = roomID
	t.mu.Unlock()

	t.Log().Debug().Str("Method", "JoinRoom").Str("RoomID", roomID).Msg("joining")
	res, err := awaitPush(ctx, ch.Join(t.cfg.JoinTimeout))
	if err != nil {
		return nil, fmt.Errorf("joinRoom wait error: %w", err)
	}

	switch res.status {
	case channelsocket.StatusOK:
		t.mu.Lock()
		t.joined = true
		t.mu.Unlock()
		t.Log().Debug().Str("Method", "JoinRoom").Str("RoomID", roomID).Msg("joined")
		t.joinedFeed.Emit(res.payload)
		return res.payload, nil

	case channelsocket.StatusTimeout:
		t.Log().Error().Str("Method", "JoinRoom").Str("RoomID", roomID).Msg("join timed out")
		t.errorFeed.Emit(ErrorEvent{Err: ErrJoinTimeout, Retryable: true})
		return nil, ErrJoinTimeout

	default:
		critical := IsCriticalError(res.payload)
		retryable := IsRetryableError(res.payload)
		t.Log().Error().Str("Method", "JoinRoom").Str("RoomID", roomID).
			Str("Code", errorCode(res.payload)).Bool("Critical", critical).Bool("Retryable", retryable).
			Msg("join rejected")

		if !retryable {
			t.mu.Lock()
			t.stopReconnect = true
			t.mu.Unlock()
			t.Disconnect(false)
		}

		t.errorFeed.Emit(ErrorEvent{
			Payload:   res.payload,
			Err:       ErrJoinFailed,
			Critical:  critical,
			Retryable: retryable,
		})
		return nil, fmt.Errorf("%w: %s", ErrJoinFailed, errorCode(res.payload))
	}
}

// Push sends event over the joined channel and waits for its receipt.
func (t *Transport) Push(ctx context.Context, event string, payload map[string]any) (map[string]any, error) {
	t.mu.RLock()
	joined := t.joined
	ch := t.channel
	timeout := t.cfg.JoinTimeout
	t.mu.RUnlock()

	if !joined || ch == nil {
		return nil, ErrNotJoined
	}

	res, err := awaitPush(ctx, ch.Push(event, payload, timeout))
	if err != nil {
		return nil, fmt.Errorf("push %s wait error: %w", event, err)
	}

	switch res.status {
	case channelsocket.StatusOK:
		return res.payload, nil
	case channelsocket.StatusTimeout:
		return nil, ErrPushTimeout
	default:
		return res.payload, fmt.Errorf("push %s error: %s", event, errorCode(res.payload))
	}
}

// handlePing replies to a server heartbeat with a pong push carrying the
// original ts, then re-emits the ping for observers. Pings are never
// deduplicated.
func (t *Transport) handlePing(payload map[string]any) {
	t.mu.RLock()
	ch := t.channel
	roomID := t.roomID
	pongTimeout := t.cfg.PongTimeout
	t.mu.RUnlock()

	t.pingFeed.Emit(payload)

	if ch == nil {
		return
	}

	pong := map[string]any{
		"type":    messages.TypePong,
		"room_id": roomID,
		"payload": map[string]any{"ts": payload["ts"]},
	}
	ch.Push("pong", pong, pongTimeout).
		Receive(channelsocket.StatusOK, func(ack map[string]any) {
			t.pongFeed.Emit(ack)
		}).
		Receive(channelsocket.StatusTimeout, func(map[string]any) {
			t.Log().Warn().Str("Method", "handlePing").Msg("pong push timed out")
		})
}

func (t *Transport) handlePresenceState(payload map[string]any) {
	incoming := channelsocket.StateFromPayload(payload)

	t.mu.Lock()
	t.presence = channelsocket.SyncState(t.presence, incoming,
		func(id string, metas []channelsocket.Meta) {
			t.Log().Debug().Str("Method", "presence").Str("Participant", id).Msg("joined room")
		},
		func(id string, metas []channelsocket.Meta) {
			t.Log().Debug().Str("Method", "presence").Str("Participant", id).Msg("left room")
		})
	snapshot := t.presenceLocked()
	t.mu.Unlock()

	t.stateFeed.Emit(snapshot)
}

func (t *Transport) handlePresenceDiff(payload map[string]any) {
	diff := channelsocket.DiffFromPayload(payload)

	t.mu.Lock()
	t.presence = channelsocket.SyncDiff(t.presence, diff,
		func(id string, metas []channelsocket.Meta) {
			t.Log().Debug().Str("Method", "presence").Str("Participant", id).Msg("joined room")
		},
		func(id string, metas []channelsocket.Meta) {
			t.Log().Debug().Str("Method", "presence").Str("Participant", id).Msg("left room")
		})
	t.mu.Unlock()

	t.diffFeed.Emit(diff)
}

func (t *Transport) presenceLocked() channelsocket.State {
	snapshot := make(channelsocket.State, len(t.presence))
	for id, metas := range t.presence {
		snapshot[id] = metas
	}
	return snapshot
}

// IsConnected reports whether the socket is up.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.socket != nil && t.socket.IsConnected()
}

// IsJoined reports whether a room channel is currently joined.
func (t *Transport) IsJoined() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.joined
}

// RoomID returns the joined (or joining) room id.
func (t *Transport) RoomID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roomID
}

// ShouldStopReconnecting reports whether a critical error latched the
// transport shut.
func (t *Transport) ShouldStopReconnecting() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopReconnect
}

// Participants returns the sorted ids in the current presence state.
func (t *Transport) Participants() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return channelsocket.List(t.presence)
}

// PresenceState returns a copy of the current presence state.
func (t *Transport) PresenceState() channelsocket.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.presenceLocked()
}

// Event subscriptions. Each returns its unsubscribe function.

func (t *Transport) OnJoined(fn func(map[string]any)) func()  { return t.joinedFeed.Subscribe(fn) }
func (t *Transport) OnError(fn func(ErrorEvent)) func()       { return t.errorFeed.Subscribe(fn) }
func (t *Transport) OnMessage(fn func(map[string]any)) func() { return t.messageFeed.Subscribe(fn) }
func (t *Transport) OnPing(fn func(map[string]any)) func()    { return t.pingFeed.Subscribe(fn) }
func (t *Transport) OnPong(fn func(map[string]any)) func()    { return t.pongFeed.Subscribe(fn) }
func (t *Transport) OnOpen(fn func(struct{})) func()          { return t.openFeed.Subscribe(fn) }
func (t *Transport) OnClose(fn func(struct{})) func()         { return t.closeFeed.Subscribe(fn) }
func (t *Transport) OnPresenceState(fn func(channelsocket.State)) func() {
	return t.stateFeed.Subscribe(fn)
}
func (t *Transport) OnPresenceDiff(fn func(channelsocket.Diff)) func() {
	return t.diffFeed.Subscribe(fn)
}
