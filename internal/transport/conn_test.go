package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
)

// fakeServer speaks the auth handshake and records every other frame.
type fakeServer struct {
	srv        *httptest.Server
	httpStatus atomic.Int32
	rejectAuth atomic.Bool
	frames     chan wire.Frame
	conns      chan *websocket.Conn
	authHeader atomic.Value
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan wire.Frame, 100),
		conns:  make(chan *websocket.Conn, 10),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := fs.httpStatus.Load(); code != 0 {
			http.Error(w, "rejected", int(code))
			return
		}
		fs.authHeader.Store(r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if f, err := wire.Decode(data); err != nil || f.Type != wire.TypeAuth {
			return
		}
		reply := wire.AuthPayload{OK: true, UserID: "alice"}
		if fs.rejectAuth.Load() {
			reply = wire.AuthPayload{Error: "token expired"}
		}
		f, _ := wire.New(wire.TypeAuth, "", reply)
		out, _ := wire.Encode(f)
		if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
		fs.conns <- ws

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := wire.Decode(data)
			if err != nil {
				continue
			}
			fs.frames <- f
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.Backoff = backoff.Backoff{Base: 10 * time.Millisecond, Factor: 1, Cap: 10 * time.Millisecond}
	cfg.MaxReconnects = 3
	return cfg
}

func newTestConn(t *testing.T, cfg Config) (*Conn, chan Event) {
	t.Helper()
	events := make(chan Event, 100)
	c := New(cfg, nil, status.NewMachine(nil), func(e Event) { events <- e }, nil)
	t.Cleanup(c.Close)
	return c, events
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func waitFrame(t *testing.T, fs *fakeServer) wire.Frame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame at server")
		return wire.Frame{}
	}
}

func typingFrame(t *testing.T, user string) wire.Frame {
	t.Helper()
	f, err := wire.New(wire.TypeTyping, "", wire.TypingPayload{ConversationID: "c1", UserID: user, Typing: true})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func userOf(t *testing.T, f wire.Frame) string {
	t.Helper()
	var p wire.TypingPayload
	if err := f.Into(&p); err != nil {
		t.Fatal(err)
	}
	return p.UserID
}

func TestConnectHandshake(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestConn(t, testConfig(fs.url()))

	if err := c.Connect(context.Background(), model.Session{UserID: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventConnected)
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", c.State())
	}
	if got := fs.authHeader.Load(); got != "Bearer tok" {
		t.Errorf("Authorization = %v, want Bearer tok", got)
	}
}

func TestConnectAuthRejected(t *testing.T) {
	fs := newFakeServer(t)
	fs.rejectAuth.Store(true)
	c, _ := newTestConn(t, testConfig(fs.url()))

	err := c.Connect(context.Background(), model.Session{Token: "bad"})
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect error = %v, want AuthError", err)
	}
	if authErr.Reason != "token expired" {
		t.Errorf("Reason = %q", authErr.Reason)
	}
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}
}

func TestConnectHTTPUnauthorized(t *testing.T) {
	fs := newFakeServer(t)
	fs.httpStatus.Store(http.StatusUnauthorized)
	c, _ := newTestConn(t, testConfig(fs.url()))

	err := c.Connect(context.Background(), model.Session{Token: "bad"})
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect error = %v, want AuthError", err)
	}
}

func TestSendWhileConnected(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestConn(t, testConfig(fs.url()))
	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Send(typingFrame(t, "alice")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := waitFrame(t, fs); got.Type != wire.TypeTyping {
		t.Errorf("frame type = %s, want typing", got.Type)
	}
}

func TestBufferedFramesFlushOnConnect(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestConn(t, testConfig(fs.url()))

	for _, u := range []string{"u1", "u2", "u3"} {
		if err := c.Send(typingFrame(t, u)); err != nil {
			t.Fatalf("Send while disconnected: %v", err)
		}
	}
	if c.Buffered() != 3 {
		t.Fatalf("Buffered() = %d, want 3", c.Buffered())
	}

	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"u1", "u2", "u3"} {
		if got := userOf(t, waitFrame(t, fs)); got != want {
			t.Errorf("frame user = %s, want %s", got, want)
		}
	}
}

func TestBufferDropsOldest(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.url())
	cfg.BufferCapacity = 2
	c, events := newTestConn(t, cfg)

	for _, u := range []string{"u1", "u2", "u3"} {
		c.Send(typingFrame(t, u))
	}
	e := waitEvent(t, events, EventBackpressure)
	if e.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", e.Dropped)
	}
	if c.Buffered() != 2 {
		t.Errorf("Buffered() = %d, want 2", c.Buffered())
	}

	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"u2", "u3"} {
		if got := userOf(t, waitFrame(t, fs)); got != want {
			t.Errorf("frame user = %s, want %s", got, want)
		}
	}
}

func TestInboundFrameDelivered(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestConn(t, testConfig(fs.url()))
	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	ws := <-fs.conns

	f, _ := wire.New(wire.TypePresenceUpdate, "", wire.PresencePayload{UserID: "bob", Status: model.PresenceAway})
	data, _ := wire.Encode(f)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	e := waitEvent(t, events, EventFrame)
	if e.Frame.Type != wire.TypePresenceUpdate {
		t.Errorf("frame type = %s, want presence.update", e.Frame.Type)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestConn(t, testConfig(fs.url()))
	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventConnected)

	ws := <-fs.conns
	ws.Close()

	waitEvent(t, events, EventReconnecting)
	waitEvent(t, events, EventConnected)
	if c.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", c.State())
	}
}

func TestConnectionLostAfterMaxReconnects(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestConn(t, testConfig(fs.url()))
	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}

	fs.httpStatus.Store(http.StatusServiceUnavailable)
	ws := <-fs.conns
	ws.Close()

	waitEvent(t, events, EventConnectionLost)
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}
}

func TestAuthFailedDuringReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c, events := newTestConn(t, testConfig(fs.url()))
	if err := c.Connect(context.Background(), model.Session{Token: "tok"}); err != nil {
		t.Fatal(err)
	}

	fs.rejectAuth.Store(true)
	ws := <-fs.conns
	ws.Close()

	e := waitEvent(t, events, EventAuthFailed)
	var authErr *model.AuthError
	if !errors.As(e.Err, &authErr) {
		t.Errorf("event error = %v, want AuthError", e.Err)
	}
}

// TestDisconnectCancelsBackoff verifies that Disconnect does not wait out a
// pending reconnect delay.
func TestDisconnectCancelsBackoff(t *testing.T) {
	fs := newFakeServer(t)
	fs.httpStatus.Store(http.StatusServiceUnavailable)
	cfg := testConfig(fs.url())
	cfg.Backoff = backoff.Backoff{Base: time.Hour, Factor: 1, Cap: time.Hour}
	c, _ := newTestConn(t, cfg)

	err := c.Connect(context.Background(), model.Session{Token: "tok"})
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Connect error = %v, want NetworkError", err)
	}
	if c.State() != status.Reconnecting {
		t.Fatalf("state = %s, want RECONNECTING", c.State())
	}

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on backoff timer")
	}
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}
}

func TestSendAfterClose(t *testing.T) {
	c, _ := newTestConn(t, DefaultConfig("ws://127.0.0.1:1"))
	c.Close()
	err := c.Send(typingFrame(t, "u"))
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("Send after Close = %v, want NetworkError", err)
	}
}
