package casttransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"castrelay.app/castrelay/channelsocket"
)

// fakePush mirrors the receipt semantics of the real bridge: late Receive
// calls for the winning status fire immediately.
type fakePush struct {
	mu       sync.Mutex
	resolved bool
	status   string
	payload  map[string]any
	cbs      map[string][]func(map[string]any)
}

func newFakePush() *fakePush {
	return &fakePush{cbs: make(map[string][]func(map[string]any))}
}

func (p *fakePush) Receive(status string, fn func(map[string]any)) channelsocket.Push {
	p.mu.Lock()
	if p.resolved {
		matched := p.status == status
		payload := p.payload
		p.mu.Unlock()
		if matched {
			fn(payload)
		}
		return p
	}
	p.cbs[status] = append(p.cbs[status], fn)
	p.mu.Unlock()
	return p
}

func (p *fakePush) resolve(status string, payload map[string]any) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.status = status
	p.payload = payload
	fns := p.cbs[status]
	p.cbs = nil
	p.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

type sentPush struct {
	event   string
	payload map[string]any
	push    *fakePush
}

type fakeChannel struct {
	mu       sync.Mutex
	topic    string
	bindings map[string][]func(map[string]any)
	pushes   []sentPush
	left     bool

	// joinScript resolves the join receipt synchronously when set.
	joinScript func() (string, map[string]any)
	// pushScript resolves push receipts synchronously when set.
	pushScript func(event string, payload map[string]any) (string, map[string]any)
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) Join(timeout time.Duration) channelsocket.Push {
	p := newFakePush()
	if c.joinScript != nil {
		status, payload := c.joinScript()
		p.resolve(status, payload)
	}
	return p
}

func (c *fakeChannel) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
}

func (c *fakeChannel) Push(event string, payload map[string]any, timeout time.Duration) channelsocket.Push {
	p := newFakePush()
	c.mu.Lock()
	c.pushes = append(c.pushes, sentPush{event, payload, p})
	script := c.pushScript
	c.mu.Unlock()

	if script != nil {
		status, resp := script(event, payload)
		p.resolve(status, resp)
	}
	return p
}

func (c *fakeChannel) On(event string, fn func(map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[event] = append(c.bindings[event], fn)
}

func (c *fakeChannel) emit(event string, payload map[string]any) {
	c.mu.Lock()
	fns := append([]func(map[string]any){}, c.bindings[event]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *fakeChannel) sentPushes() []sentPush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentPush{}, c.pushes...)
}

func (c *fakeChannel) wasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

type fakeSocket struct {
	mu          sync.Mutex
	connected   bool
	disconnects int
	channels    map[string]*fakeChannel
	onOpen      []func()
	onClose     []func()
	onRejoin    []func(topic string, payload map[string]any)
	joinScript  func() (string, map[string]any)
	pushScript  func(event string, payload map[string]any) (string, map[string]any)
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{channels: make(map[string]*fakeChannel)}
}

func (s *fakeSocket) Connect() error {
	s.mu.Lock()
	s.connected = true
	fns := append([]func(){}, s.onOpen...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (s *fakeSocket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
	return nil
}

func (s *fakeSocket) Channel(topic string, params map[string]any) channelsocket.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := &fakeChannel{
		topic:      topic,
		bindings:   make(map[string][]func(map[string]any)),
		joinScript: s.joinScript,
		pushScript: s.pushScript,
	}
	s.channels[topic] = ch
	return ch
}

func (s *fakeSocket) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = append(s.onOpen, fn)
}

func (s *fakeSocket) OnError(fn func(error)) {}

func (s *fakeSocket) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

func (s *fakeSocket) OnRejoin(fn func(topic string, payload map[string]any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRejoin = append(s.onRejoin, fn)
}

// drop simulates a connection loss as the bridge reports it.
func (s *fakeSocket) drop() {
	s.mu.Lock()
	s.connected = false
	fns := append([]func(){}, s.onClose...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// rejoin simulates the bridge silently rejoining a channel after reconnect.
func (s *fakeSocket) rejoin(topic string, payload map[string]any) {
	s.mu.Lock()
	s.connected = true
	fns := append([]func(string, map[string]any){}, s.onRejoin...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(topic, payload)
	}
}

func (s *fakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func newTestTransport(sock *fakeSocket) *Transport {
	return New(Config{
		URL:       "wss://relay.test/socket",
		Token:     "tok",
		Platform:  "tv",
		NewSocket: func(Config) channelsocket.Socket { return sock },
	})
}

func TestJoinRoomSuccess(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{"participants": []any{"host"}}
	}
	tr := newTestTransport(sock)

	var joined map[string]any
	tr.OnJoined(func(payload map[string]any) { joined = payload })

	assertions.NoError(tr.Connect())
	payload, err := tr.JoinRoom(context.Background(), "abc")
	assertions.NoError(err)
	assertions.Contains(payload, "participants")
	assertions.NotNil(joined)
	assertions.True(tr.IsJoined())
	assertions.Equal("abc", tr.RoomID())
}

func TestJoinRoomWithoutSocket(t *testing.T) {
	tr := newTestTransport(newFakeSocket())

	_, err := tr.JoinRoom(context.Background(), "abc")
	if !errors.Is(err, ErrNoSocket) {
		t.Fatalf("expected ErrNoSocket, got %v", err)
	}
}

func TestJoinLeavesPreviousChannel(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	tr := newTestTransport(sock)
	assertions.NoError(tr.Connect())

	_, err := tr.JoinRoom(context.Background(), "a")
	assertions.NoError(err)
	first := sock.channels["room:a"]

	_, err = tr.JoinRoom(context.Background(), "b")
	assertions.NoError(err)

	assertions.True(first.wasLeft(), "previous channel must be left before joining a new room")
	assertions.Equal("b", tr.RoomID())
}

func TestCriticalJoinErrorLatchesTransportShut(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusError, map[string]any{"error": "TOKEN_EXPIRED"}
	}
	tr := newTestTransport(sock)

	var event ErrorEvent
	tr.OnError(func(e ErrorEvent) { event = e })

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.ErrorIs(err, ErrJoinFailed)

	assertions.True(event.Critical)
	assertions.False(event.Retryable)
	assertions.True(tr.ShouldStopReconnecting())
	assertions.Equal(1, sock.disconnectCount(), "critical error must force-disconnect")

	// The latch survives: Connect refuses until an explicit reset.
	assertions.ErrorIs(tr.Connect(), ErrStopped)

	tr.Disconnect(true)
	assertions.False(tr.ShouldStopReconnecting())
	assertions.NoError(tr.Connect())
}

func TestRetryableJoinErrorDoesNotLatch(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusError, map[string]any{"error": "UPSTREAM_HICCUP"}
	}
	tr := newTestTransport(sock)

	var event ErrorEvent
	tr.OnError(func(e ErrorEvent) { event = e })

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.Error(err)

	assertions.False(event.Critical)
	assertions.True(event.Retryable)
	assertions.False(tr.ShouldStopReconnecting())
	assertions.Equal(0, sock.disconnectCount())
}

func TestJoinTimeout(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusTimeout, map[string]any{}
	}
	tr := newTestTransport(sock)

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.ErrorIs(err, ErrJoinTimeout)
	assertions.False(tr.IsJoined())
}

func TestPushRequiresJoinedChannel(t *testing.T) {
	tr := newTestTransport(newFakeSocket())

	_, err := tr.Push(context.Background(), "message", map[string]any{})
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestPushResolvesWithServerResponse(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	sock.pushScript = func(event string, payload map[string]any) (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{"echo": event}
	}
	tr := newTestTransport(sock)

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.NoError(err)

	resp, err := tr.Push(context.Background(), "message", map[string]any{"type": "resume"})
	assertions.NoError(err)
	assertions.Equal("message", resp["echo"])
}

func TestHeartbeatPongCarriesTimestamp(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	tr := newTestTransport(sock)

	var pings, pongs int
	tr.OnPing(func(map[string]any) { pings++ })
	tr.OnPong(func(map[string]any) { pongs++ })

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.NoError(err)

	ch := sock.channels["room:abc"]
	ch.emit("ping", map[string]any{"ts": 1000.0, "room_id": "abc"})

	pushes := ch.sentPushes()
	assertions.Len(pushes, 1, "exactly one pong push expected")
	assertions.Equal("pong", pushes[0].event)
	assertions.Equal("pong", pushes[0].payload["type"])
	assertions.Equal("abc", pushes[0].payload["room_id"])

	inner, ok := pushes[0].payload["payload"].(map[string]any)
	assertions.True(ok)
	assertions.Equal(1000.0, inner["ts"])

	assertions.Equal(1, pings, "inbound ping must be re-emitted")

	pushes[0].push.resolve(channelsocket.StatusOK, map[string]any{})
	assertions.Equal(1, pongs, "pong event fires on ack")
}

func TestRejoinAfterDropRestoresJoinedState(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	sock.pushScript = func(event string, payload map[string]any) (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	tr := newTestTransport(sock)

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.NoError(err)

	var joins int
	tr.OnJoined(func(map[string]any) { joins++ })

	sock.drop()
	assertions.False(tr.IsJoined())
	_, err = tr.Push(context.Background(), "message", map[string]any{})
	assertions.ErrorIs(err, ErrNotJoined)

	// A rejoin for some other topic must not restore anything.
	sock.rejoin("room:other", map[string]any{})
	assertions.False(tr.IsJoined())
	assertions.Zero(joins)

	sock.rejoin("room:abc", map[string]any{"participants": []any{"host"}})
	assertions.True(tr.IsJoined())
	assertions.Equal(1, joins, "rejoin must re-emit the joined event")

	_, err = tr.Push(context.Background(), "message", map[string]any{"type": "resume"})
	assertions.NoError(err, "pushes must flow again after the automatic rejoin")
}

func TestPresenceAggregation(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	tr := newTestTransport(sock)

	var states []channelsocket.State
	var diffs []channelsocket.Diff
	tr.OnPresenceState(func(s channelsocket.State) { states = append(states, s) })
	tr.OnPresenceDiff(func(d channelsocket.Diff) { diffs = append(diffs, d) })

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.NoError(err)

	ch := sock.channels["room:abc"]
	ch.emit("presence_state", map[string]any{
		"tv-1":    map[string]any{"metas": []any{map[string]any{"platform": "tv"}}},
		"phone-1": map[string]any{"metas": []any{map[string]any{"platform": "mobile"}}},
	})

	assertions.Equal([]string{"phone-1", "tv-1"}, tr.Participants())
	assertions.Len(states, 1)

	ch.emit("presence_diff", map[string]any{
		"joins":  map[string]any{"web-1": map[string]any{"metas": []any{map[string]any{"platform": "web"}}}},
		"leaves": map[string]any{"phone-1": map[string]any{"metas": []any{}}},
	})

	assertions.Equal([]string{"tv-1", "web-1"}, tr.Participants())
	assertions.Len(diffs, 1)
}

func TestDisconnectClearsState(t *testing.T) {
	assertions := require.New(t)

	sock := newFakeSocket()
	sock.joinScript = func() (string, map[string]any) {
		return channelsocket.StatusOK, map[string]any{}
	}
	tr := newTestTransport(sock)

	assertions.NoError(tr.Connect())
	_, err := tr.JoinRoom(context.Background(), "abc")
	assertions.NoError(err)

	ch := sock.channels["room:abc"]
	ch.emit("presence_state", map[string]any{
		"tv-1": map[string]any{"metas": []any{map[string]any{"platform": "tv"}}},
	})

	tr.Disconnect(true)

	assertions.False(tr.IsJoined())
	assertions.Empty(tr.Participants())
	assertions.Empty(tr.RoomID())
	assertions.True(ch.wasLeft())
	assertions.Equal(1, sock.disconnectCount())
}
