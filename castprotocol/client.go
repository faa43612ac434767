// Package castprotocol adds message-level semantics on top of the relay
// transport: envelope validation, per-message deduplication, typed command
// fan-out and the client status state machine.
package castprotocol

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"castrelay.app/castrelay/casttransport"
	"castrelay.app/castrelay/channelsocket"
	"castrelay.app/castrelay/dedup"
	"castrelay.app/castrelay/messages"
)

const defaultOpenTimeout = 10 * time.Second

var (
	ErrNotConnected = errors.New("sendRelay: client is not connected")
	ErrOpenTimeout  = errors.New("connect: socket open timed out")
)

// Transport is the slice of the relay transport the client drives. It is
// implemented by *casttransport.Transport.
type Transport interface {
	Connect() error
	Disconnect(resetReconnectFlag bool)
	JoinRoom(ctx context.Context, roomID string) (map[string]any, error)
	Push(ctx context.Context, event string, payload map[string]any) (map[string]any, error)
	IsConnected() bool
	IsJoined() bool
	Participants() []string
	OnOpen(fn func(struct{})) func()
	OnClose(fn func(struct{})) func()
	OnMessage(fn func(map[string]any)) func()
	OnError(fn func(casttransport.ErrorEvent)) func()
	OnJoined(fn func(map[string]any)) func()
	OnPing(fn func(map[string]any)) func()
	OnPresenceDiff(fn func(channelsocket.Diff)) func()
}

var _ Transport = (*casttransport.Transport)(nil)

// Config describes one client bound to a (room, token) pair.
type Config struct {
	RoomID   string
	URL      string
	Token    string
	Platform string

	// DedupWindow is the number of message ids retained for duplicate
	// detection. Defaults to dedup.DefaultWindow.
	DedupWindow int

	// OpenTimeout bounds the wait for the socket to open, independent of
	// the join timeout. Defaults to 10s.
	OpenTimeout time.Duration

	// Transport overrides the relay transport, mainly for tests.
	Transport Transport

	LogOutput io.Writer
	Logger    zerolog.Logger
}

// RelayClient is the protocol client for one relay room.
type RelayClient struct {
	mu        sync.RWMutex
	cfg       Config
	transport Transport
	status    Status
	seen      *dedup.Set
	unsubs    []func()

	initLogOnce sync.Once
	logger      zerolog.Logger

	statusFeed  *casttransport.Feed[Status]
	commandFeed *casttransport.Feed[messages.Command]
	joinedFeed  *casttransport.Feed[map[string]any]
	errorFeed   *casttransport.Feed[casttransport.ErrorEvent]
	pingFeed    *casttransport.Feed[map[string]any]
	diffFeed    *casttransport.Feed[channelsocket.Diff]
}

// New returns an idle client for cfg.RoomID. Call Connect to go live.
func New(cfg Config) *RelayClient {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = casttransport.New(casttransport.Config{
			URL:       cfg.URL,
			Token:     cfg.Token,
			Platform:  cfg.Platform,
			LogOutput: cfg.LogOutput,
			Logger:    cfg.Logger,
		})
	}

	c := &RelayClient{
		cfg:       cfg,
		transport: cfg.Transport,
		status:    StatusIdle,
		seen:      dedup.NewSet(cfg.DedupWindow),
		logger:    cfg.Logger,
	}

	onPanic := func(recovered any) {
		c.Log().Error().Str("Method", "emit").Any("Recovered", recovered).Msg("event handler panicked")
	}
	c.statusFeed = casttransport.NewFeed[Status](onPanic)
	c.commandFeed = casttransport.NewFeed[messages.Command](onPanic)
	c.joinedFeed = casttransport.NewFeed[map[string]any](onPanic)
	c.errorFeed = casttransport.NewFeed[casttransport.ErrorEvent](onPanic)
	c.pingFeed = casttransport.NewFeed[map[string]any](onPanic)
	c.diffFeed = casttransport.NewFeed[channelsocket.Diff](onPanic)

	c.unsubs = append(c.unsubs,
		c.transport.OnMessage(c.handleCastingMessage),
		c.transport.OnJoined(func(payload map[string]any) {
			// A joined event while disconnected means the transport rejoined
			// the room on its own after a transient drop.
			if c.GetStatus() == StatusDisconnected {
				c.setStatus(StatusConnected)
			}
			c.joinedFeed.Emit(payload)
		}),
		c.transport.OnPing(func(payload map[string]any) { c.pingFeed.Emit(payload) }),
		c.transport.OnPresenceDiff(func(d channelsocket.Diff) { c.diffFeed.Emit(d) }),
		c.transport.OnError(func(e casttransport.ErrorEvent) {
			if e.Critical {
				c.setStatus(StatusError)
			}
			c.errorFeed.Emit(e)
		}),
		c.transport.OnClose(func(struct{}) {
			if c.GetStatus() == StatusConnected {
				c.setStatus(StatusDisconnected)
			}
		}),
	)

	return c
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *RelayClient) Log() *zerolog.Logger {
	if c.cfg.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.logger = zerolog.New(c.cfg.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.logger
}

// RoomID returns the room this client is bound to.
func (c *RelayClient) RoomID() string {
	return c.cfg.RoomID
}

// GetStatus returns the current connection status.
func (c *RelayClient) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Participants returns the current room roster.
func (c *RelayClient) Participants() []string {
	return c.transport.Participants()
}

func (c *RelayClient) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.Log().Debug().Str("Method", "setStatus").Str("Status", string(s)).Msg("status changed")
	c.statusFeed.Emit(s)
}

// Connect brings the socket up, waits for it to open and joins the room.
// Re-entrant calls while connecting or connected are no-ops.
func (c *RelayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		status := c.status
		c.mu.Unlock()
		c.Log().Debug().Str("Method", "Connect").Str("Status", string(status)).Msg("already connecting or connected")
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()
	c.statusFeed.Emit(StatusConnecting)

	open := make(chan struct{}, 1)
	unsub := c.transport.OnOpen(func(struct{}) {
		select {
		case open <- struct{}{}:
		default:
		}
	})
	defer unsub()

	if err := c.transport.Connect(); err != nil {
		c.setStatus(StatusError)
		return errors.Wrap(err, "connect transport")
	}

	if !c.transport.IsConnected() {
		select {
		case <-open:
		case <-time.After(c.cfg.OpenTimeout):
			c.setStatus(StatusError)
			return ErrOpenTimeout
		case <-ctx.Done():
			c.setStatus(StatusError)
			return ctx.Err()
		}
	}

	if _, err := c.transport.JoinRoom(ctx, c.cfg.RoomID); err != nil {
		c.setStatus(StatusError)
		return errors.Wrap(err, "join room")
	}

	c.setStatus(StatusConnected)
	return nil
}

// Disconnect fully tears the connection down, resetting the transport's
// reconnect latch.
func (c *RelayClient) Disconnect() {
	c.Log().Debug().Str("Method", "Disconnect").Str("RoomID", c.cfg.RoomID).Msg("disconnecting")
	c.transport.Disconnect(true)
	c.setStatus(StatusDisconnected)
}

// SendRelay pushes a payload to the room. The server wraps it in a full
// envelope (sender, room_id, ts) for downstream recipients.
func (c *RelayClient) SendRelay(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if !c.transport.IsJoined() {
		return nil, ErrNotConnected
	}
	return c.transport.Push(ctx, "message", payload)
}

// SendMetadata is SendRelay specialized to the metadata shape.
func (c *RelayClient) SendMetadata(ctx context.Context, md messages.Metadata) (map[string]any, error) {
	return c.SendRelay(ctx, md.Payload())
}

// handleCastingMessage validates, deduplicates and fans out one inbound
// envelope. Malformed and duplicate messages are logged and dropped, never
// surfaced as errors.
func (c *RelayClient) handleCastingMessage(raw map[string]any) {
	if !messages.IsEnvelope(raw) {
		c.Log().Debug().Str("Method", "handleCastingMessage").Msg("dropping non-envelope message")
		return
	}

	env, err := messages.DecodeEnvelope(raw)
	if err != nil {
		c.Log().Debug().Str("Method", "handleCastingMessage").Err(err).Msg("dropping undecodable envelope")
		return
	}

	// Dedup keys on msg_id only when present; envelopes without an id are
	// never deduplicated.
	if env.MsgID != "" {
		if c.seen.Has(env.MsgID) {
			c.Log().Debug().Str("Method", "handleCastingMessage").Str("MsgID", env.MsgID).Msg("dropping duplicate message")
			return
		}
		c.seen.Add(env.MsgID)
	}

	if !messages.IsCommandPayload(env.Payload) {
		c.Log().Debug().Str("Method", "handleCastingMessage").Msg("dropping non-command payload")
		return
	}

	cmd, err := messages.DecodeCommand(env.Payload)
	if err != nil {
		c.Log().Debug().Str("Method", "handleCastingMessage").Err(err).Msg("dropping malformed command")
		return
	}

	c.Log().Debug().Str("Method", "handleCastingMessage").Str("Command", cmd.CommandType()).Str("Sender", env.Sender).Msg("command received")
	c.commandFeed.Emit(cmd)
}

// Event subscriptions. Each returns its unsubscribe function.

func (c *RelayClient) OnStatus(fn func(Status)) func()            { return c.statusFeed.Subscribe(fn) }
func (c *RelayClient) OnCommand(fn func(messages.Command)) func() { return c.commandFeed.Subscribe(fn) }
func (c *RelayClient) OnJoined(fn func(map[string]any)) func()    { return c.joinedFeed.Subscribe(fn) }
func (c *RelayClient) OnPing(fn func(map[string]any)) func()      { return c.pingFeed.Subscribe(fn) }
func (c *RelayClient) OnError(fn func(casttransport.ErrorEvent)) func() {
	return c.errorFeed.Subscribe(fn)
}
func (c *RelayClient) OnPresenceDiff(fn func(channelsocket.Diff)) func() {
	return c.diffFeed.Subscribe(fn)
}
