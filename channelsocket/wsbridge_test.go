package channelsocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// relayStub speaks just enough of the channel protocol for the bridge:
// phx_join and echo pushes get ok replies, and joining triggers a server
// pushed message event.
func relayStub(t *testing.T, gotToken chan<- string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotToken <- r.URL.Query().Get("token"):
		default:
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}

			switch f.Event {
			case EventJoin:
				_ = conn.WriteJSON(frame{
					Topic: f.Topic,
					Event: EventReply,
					Ref:   f.Ref,
					Payload: map[string]any{
						"status":   "ok",
						"response": map[string]any{"participants": []any{"host"}},
					},
				})
				_ = conn.WriteJSON(frame{
					Topic:   f.Topic,
					Event:   "message",
					Payload: map[string]any{"payload": map[string]any{"type": "resume"}},
				})
			case "echo":
				_ = conn.WriteJSON(frame{
					Topic: f.Topic,
					Event: EventReply,
					Ref:   f.Ref,
					Payload: map[string]any{
						"status":   "ok",
						"response": f.Payload,
					},
				})
			case "always-fails":
				_ = conn.WriteJSON(frame{
					Topic: f.Topic,
					Event: EventReply,
					Ref:   f.Ref,
					Payload: map[string]any{
						"status":   "error",
						"response": map[string]any{"error": "PERMISSION_DENIED"},
					},
				})
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestJoinPushAndEventRouting(t *testing.T) {
	assertions := require.New(t)

	gotToken := make(chan string, 1)
	srv := httptest.NewServer(relayStub(t, gotToken))
	defer srv.Close()

	sock := NewWebSocket(wsURL(srv), Options{Params: map[string]string{"token": "tok-1", "platform": "tv"}})
	defer sock.Disconnect()

	messages := make(chan map[string]any, 1)
	joinOK := make(chan map[string]any, 1)
	echoOK := make(chan map[string]any, 1)
	pushErr := make(chan map[string]any, 1)

	ch := sock.Channel("room:abc", map[string]any{})
	ch.On("message", func(payload map[string]any) { messages <- payload })

	assertions.NoError(sock.Connect())
	assertions.True(sock.IsConnected())
	assertions.Equal("tok-1", <-gotToken)

	ch.Join(2 * time.Second).Receive(StatusOK, func(payload map[string]any) { joinOK <- payload })

	select {
	case payload := <-joinOK:
		assertions.Contains(payload, "participants")
	case <-time.After(3 * time.Second):
		t.Fatal("join receipt never resolved")
	}

	select {
	case payload := <-messages:
		assertions.Contains(payload, "payload")
	case <-time.After(3 * time.Second):
		t.Fatal("server event never routed to channel binding")
	}

	ch.Push("echo", map[string]any{"x": 1.0}, 2*time.Second).
		Receive(StatusOK, func(payload map[string]any) { echoOK <- payload })

	select {
	case payload := <-echoOK:
		assertions.Equal(1.0, payload["x"])
	case <-time.After(3 * time.Second):
		t.Fatal("push receipt never resolved")
	}

	ch.Push("always-fails", nil, 2*time.Second).
		Receive(StatusError, func(payload map[string]any) { pushErr <- payload })

	select {
	case payload := <-pushErr:
		assertions.Equal("PERMISSION_DENIED", payload["error"])
	case <-time.After(3 * time.Second):
		t.Fatal("error receipt never resolved")
	}
}

func TestReconnectRejoinsChannelAfterDrop(t *testing.T) {
	assertions := require.New(t)

	// The first connection is dropped server-side right after the join is
	// acknowledged; later connections stay up.
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event != EventJoin {
				continue
			}
			_ = conn.WriteJSON(frame{
				Topic: f.Topic,
				Event: EventReply,
				Ref:   f.Ref,
				Payload: map[string]any{
					"status":   "ok",
					"response": map[string]any{},
				},
			})
			if n == 1 {
				return
			}
		}
	}))
	defer srv.Close()

	sock := NewWebSocket(wsURL(srv), Options{
		ReconnectAfter: func(int) time.Duration { return 10 * time.Millisecond },
	})
	defer sock.Disconnect()

	rejoined := make(chan string, 1)
	sock.OnRejoin(func(topic string, payload map[string]any) { rejoined <- topic })

	joinOK := make(chan struct{}, 1)
	ch := sock.Channel("room:abc", nil)

	assertions.NoError(sock.Connect())
	ch.Join(2 * time.Second).Receive(StatusOK, func(map[string]any) { joinOK <- struct{}{} })

	select {
	case <-joinOK:
	case <-time.After(3 * time.Second):
		t.Fatal("initial join never resolved")
	}

	select {
	case topic := <-rejoined:
		assertions.Equal("room:abc", topic)
	case <-time.After(3 * time.Second):
		t.Fatal("channel never rejoined after the drop")
	}

	assertions.True(sock.IsConnected())
}

func TestPushTimesOutWhenServerSilent(t *testing.T) {
	assertions := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			// Swallow everything.
		}
	}))
	defer srv.Close()

	sock := NewWebSocket(wsURL(srv), Options{})
	defer sock.Disconnect()
	assertions.NoError(sock.Connect())

	timedOut := make(chan struct{}, 1)
	sock.Channel("room:quiet", nil).
		Push("anything", nil, 100*time.Millisecond).
		Receive(StatusTimeout, func(map[string]any) { timedOut <- struct{}{} })

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("push never timed out")
	}
}

func TestPushFailsFastWhenDisconnected(t *testing.T) {
	sock := NewWebSocket("ws://127.0.0.1:0/socket", Options{})

	errored := make(chan map[string]any, 1)
	sock.Channel("room:none", nil).
		Push("anything", nil, time.Second).
		Receive(StatusError, func(payload map[string]any) { errored <- payload })

	select {
	case payload := <-errored:
		if payload["reason"] != "socket not connected" {
			t.Errorf("unexpected reason: %v", payload["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate error receipt")
	}
}

func TestReceiveAfterResolutionFiresImmediately(t *testing.T) {
	r := newReceipt()
	r.resolve(StatusOK, map[string]any{"x": 1.0})

	fired := false
	r.Receive(StatusOK, func(payload map[string]any) { fired = payload["x"] == 1.0 })
	if !fired {
		t.Error("late Receive for the winning status should fire immediately")
	}

	r.Receive(StatusError, func(map[string]any) { t.Error("losing status must not fire") })
}

func TestDisconnectCancelsPendingReceipts(t *testing.T) {
	assertions := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sock := NewWebSocket(wsURL(srv), Options{})
	assertions.NoError(sock.Connect())

	sock.Channel("room:x", nil).
		Push("anything", nil, 200*time.Millisecond).
		Receive(StatusTimeout, func(map[string]any) { t.Error("cancelled receipt must stay silent") }).
		Receive(StatusError, func(map[string]any) { t.Error("cancelled receipt must stay silent") })

	assertions.NoError(sock.Disconnect())
	time.Sleep(400 * time.Millisecond)
}
