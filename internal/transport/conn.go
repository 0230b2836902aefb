// Package transport maintains the persistent websocket connection to the
// sync server and hides reconnect churn from callers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Config tunes the connection.
type Config struct {
	URL              string
	BufferCapacity   int
	MaxReconnects    int
	Backoff          backoff.Backoff
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// DefaultConfig returns the default tuning for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		BufferCapacity:   256,
		MaxReconnects:    10,
		Backoff:          backoff.Default(),
		PingInterval:     18 * time.Second,
		PongWait:         20 * time.Second,
		WriteWait:        10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        64 * 1024,
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Handler receives inbound frames and lifecycle events. It is called from
// the connection's goroutines and must only enqueue.
type Handler func(Event)

// Conn is one logical connection to the sync server.
type Conn struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	machine *status.Machine
	log     *zap.Logger

	mu     sync.Mutex
	queue  []wire.Frame
	sess   *session
	closed bool

	ready chan struct{}
}

// session is one Connect call and the goroutines it started.
type session struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected Conn. A nil dialer uses websocket.DefaultDialer.
func New(cfg Config, dialer Dialer, machine *status.Machine, handler Handler, log *zap.Logger) *Conn {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if handler == nil {
		handler = func(Event) {}
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 256
	}
	return &Conn{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		machine: machine,
		log:     log,
		ready:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Conn) State() status.State {
	return c.machine.Current()
}

// Connect establishes the connection and completes the auth handshake.
// Any running session is torn down first. A network failure returns a
// *model.NetworkError and leaves the connection reconnecting in the
// background; a rejected credential returns a *model.AuthError.
func (c *Conn) Connect(ctx context.Context, creds model.Session) error {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &model.NetworkError{Op: "connect", Err: errors.New("connection closed")}
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel}
	sess.wg.Add(1)
	c.sess = sess
	c.mu.Unlock()
	defer sess.wg.Done()

	if err := c.machine.Transition(status.Connecting); err != nil {
		c.log.Warn("connect transition", zap.Error(err))
	}

	dialCtx, stop := context.WithCancel(sessCtx)
	defer stop()
	stopAfter := context.AfterFunc(ctx, stop)
	defer stopAfter()

	ws, err := c.dialAndAuth(dialCtx, creds)
	if err != nil {
		var authErr *model.AuthError
		if errors.As(err, &authErr) || sessCtx.Err() != nil || ctx.Err() != nil {
			c.transition(status.Disconnected)
			if ctx.Err() != nil {
				cancel()
			}
			return err
		}
		c.log.Warn("connect failed, reconnecting", zap.Error(err))
		c.transition(status.Reconnecting)
		sess.wg.Add(1)
		go c.maintain(sessCtx, sess, creds, nil)
		return err
	}

	c.transition(status.Connected)
	c.log.Info("connected", zap.String("url", c.cfg.URL), zap.String("user_id", creds.UserID))
	c.handler(Event{Kind: EventConnected})
	sess.wg.Add(1)
	go c.maintain(sessCtx, sess, creds, ws)
	return nil
}

// Disconnect cancels any in-flight dial, handshake, backoff wait and pumps,
// and waits for them to stop. Buffered frames are kept.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.cancel()
	sess.wg.Wait()
	if c.machine.Current() != status.Disconnected {
		c.transition(status.Disconnected)
	}
	c.log.Info("disconnected")
}

// Close disconnects and rejects further sends.
func (c *Conn) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Send queues f for delivery and never blocks. When the queue is full the
// oldest frame is dropped and an EventBackpressure is raised.
func (c *Conn) Send(f wire.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &model.NetworkError{Op: "send", Err: errors.New("connection closed")}
	}
	dropped := 0
	for len(c.queue) >= c.cfg.BufferCapacity {
		c.queue = c.queue[1:]
		dropped++
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	if dropped > 0 {
		c.log.Warn("send buffer full, dropped oldest frames", zap.Int("dropped", dropped))
		c.handler(Event{Kind: EventBackpressure, Dropped: dropped})
	}
	c.signal()
	return nil
}

// Buffered returns the number of frames waiting to be written.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Conn) pop() (wire.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return wire.Frame{}, false
	}
	f := c.queue[0]
	c.queue = c.queue[1:]
	return f, true
}

// requeue puts back a frame whose write failed, unless newer frames have
// already filled the buffer.
func (c *Conn) requeue(f wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.cfg.BufferCapacity {
		return
	}
	c.queue = append([]wire.Frame{f}, c.queue...)
}

func (c *Conn) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.log.Debug("state transition skipped", zap.Error(err))
	}
}

// maintain serves ws until it fails, then reconnects with backoff. It exits
// when ctx is cancelled, reconnects are exhausted or auth is rejected.
func (c *Conn) maintain(ctx context.Context, sess *session, creds model.Session, ws *websocket.Conn) {
	defer sess.wg.Done()
	for {
		if ws != nil {
			err := c.serve(ctx, ws)
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("connection dropped", zap.Error(err))
			c.transition(status.Reconnecting)
			c.handler(Event{Kind: EventReconnecting, Err: err})
		}

		var err error
		ws, err = c.reconnect(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.transition(status.Disconnected)
			var authErr *model.AuthError
			if errors.As(err, &authErr) {
				c.log.Warn("reconnect rejected", zap.Error(err))
				c.handler(Event{Kind: EventAuthFailed, Err: err})
			} else {
				c.log.Error("connection lost", zap.Error(err))
				c.handler(Event{Kind: EventConnectionLost, Err: err})
			}
			return
		}
		c.transition(status.Connected)
		c.log.Info("reconnected", zap.String("url", c.cfg.URL))
		c.handler(Event{Kind: EventConnected})
	}
}

func (c *Conn) reconnect(ctx context.Context, creds model.Session) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := c.cfg.Backoff.Delay(attempt)
		c.log.Debug("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		ws, err := c.dialAndAuth(ctx, creds)
		if err == nil {
			return ws, nil
		}
		var authErr *model.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		lastErr = err
		c.log.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts allowed")
	}
	return nil, fmt.Errorf("gave up after %d reconnect attempts: %w", c.cfg.MaxReconnects, lastErr)
}

// dialAndAuth opens the socket and runs the auth handshake.
func (c *Conn) dialAndAuth(ctx context.Context, creds model.Session) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &model.AuthError{Reason: resp.Status}
		}
		return nil, &model.NetworkError{Op: "dial", Err: err}
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	fail := func(err error) (*websocket.Conn, error) {
		ws.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &model.NetworkError{Op: "handshake", Err: err}
	}

	req, err := wire.New(wire.TypeAuth, "", wire.AuthPayload{Token: creds.Token})
	if err != nil {
		return fail(err)
	}
	data, err := wire.Encode(req)
	if err != nil {
		return fail(err)
	}
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fail(err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err = ws.ReadMessage()
	if err != nil {
		return fail(err)
	}
	reply, err := wire.Decode(data)
	if err != nil {
		return fail(err)
	}
	if reply.Type != wire.TypeAuth {
		return fail(fmt.Errorf("expected auth reply, got %s", reply.Type))
	}
	var p wire.AuthPayload
	if err := reply.Into(&p); err != nil {
		return fail(err)
	}
	if !p.OK {
		ws.Close()
		return nil, &model.AuthError{Reason: p.Error}
	}
	return ws, nil
}

// serve runs the read and write pumps until either fails or ctx ends.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(c.cfg.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	quit := make(chan struct{})
	errc := make(chan error, 2)
	go func() { errc <- c.readPump(ws) }()
	go func() { errc <- c.writePump(ws, quit) }()
	c.signal()

	err := <-errc
	close(quit)
	ws.Close()
	<-errc
	return err
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("unexpected close", zap.Error(err))
			}
			return &model.NetworkError{Op: "read", Err: err}
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.handler(Event{Kind: EventFrame, Frame: f})
	}
}

func (c *Conn) writePump(ws *websocket.Conn, quit <-chan struct{}) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return nil
		case <-c.ready:
			for {
				f, ok := c.pop()
				if !ok {
					break
				}
				data, err := wire.Encode(f)
				if err != nil {
					c.log.Error("dropping unencodable frame", zap.String("type", f.Type), zap.Error(err))
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					c.requeue(f)
					return &model.NetworkError{Op: "write", Err: err}
				}
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return &model.NetworkError{Op: "ping", Err: err}
			}
		}
	}
}
