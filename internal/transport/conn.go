// internal/transport/conn.go
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skier233/Stash-AIServer-sub000/internal/metrics"
	"github.com/skier233/Stash-AIServer-sub000/pkg/schema"
)

var (
	ErrConnectInProgress = errors.New("connection already in progress")
	ErrConnectTimeout    = errors.New("connection timeout")
	ErrNotOpen           = errors.New("connection not open")
	ErrClosed            = errors.New("connection closed during connect")
)

// closeReason accompanies the intentional close code.
const closeReason = "client disconnect"

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectBase  = time.Second
	DefaultMaxReconnects  = 2
)

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Handler receives decoded inbound records and state transitions. Messages
// are delivered from a single reader goroutine in receive order.
type Handler interface {
	HandleMessage(msg schema.Inbound)
	HandleState(change StateChange)
}

type Options struct {
	URL            string
	SessionID      string
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	MaxReconnects  int
	Dialer         Dialer
	Handler        Handler
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Conn owns one websocket to the job server.
type Conn struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	epoch    int
	attempts int
	timer    *time.Timer

	writeMu sync.Mutex
}

func New(opts Options) *Conn {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Handler == nil {
		opts.Handler = nopHandler{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{opts: opts, log: logger.With("component", "transport")}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts is the number of automatic attempts made since the
// connection was last open.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the connection. It is a no-op when already open and fails
// with ErrConnectInProgress while another attempt is in flight.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.stopTimerLocked()
	c.attempts = 0
	c.setStateLocked(StateConnecting)
	epoch := c.epoch
	c.mu.Unlock()

	c.emit(StateChange{State: StateConnecting})
	return c.dial(ctx, epoch, false)
}

func (c *Conn) dial(ctx context.Context, epoch int, reconnect bool) error {
	target, err := c.target()
	if err != nil {
		c.failDial(epoch)
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	ws, _, err := c.opts.Dialer.DialContext(dctx, target, nil)
	if err != nil {
		if ws != nil {
			_ = ws.Close()
		}
		c.failDial(epoch)
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrConnectTimeout, c.opts.ConnectTimeout)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.epoch++
	readerEpoch := c.epoch
	c.ws = ws
	c.attempts = 0
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.log.Info("connected", "url", c.opts.URL, "reconnect", reconnect)
	go c.readLoop(ws, readerEpoch)
	c.emit(StateChange{State: StateOpen, Reconnected: reconnect})
	return nil
}

func (c *Conn) failDial(epoch int) {
	c.mu.Lock()
	if c.epoch == epoch && c.state == StateConnecting {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
}

func (c *Conn) target() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if c.opts.SessionID != "" {
		q := u.Query()
		q.Set("session_id", c.opts.SessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Conn) readLoop(ws *websocket.Conn, epoch int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(epoch, err)
			return
		}
		msg, err := schema.Decode(data)
		if err != nil {
			c.log.Warn("dropping inbound message", "err", err)
			c.opts.Metrics.Dropped("decode")
			continue
		}
		c.opts.Metrics.Received(string(msg.Type()))
		c.opts.Handler.HandleMessage(msg)
	}
}

func (c *Conn) handleClose(epoch int, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || c.ws == nil {
		// Disconnect already tore this connection down.
		c.mu.Unlock()
		return
	}
	_ = c.ws.Close()
	c.ws = nil
	c.setStateLocked(StateDisconnected)

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.mu.Unlock()
		c.log.Info("connection closed cleanly")
		c.emit(StateChange{State: StateDisconnected, Final: true})
		return
	}

	scheduled := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.log.Warn("connection lost", "err", cause, "reconnect_scheduled", scheduled)
	c.emit(StateChange{State: StateDisconnected, Final: !scheduled, Exhausted: !scheduled})
}

// scheduleReconnectLocked arms the next attempt with exponential backoff.
// It returns false once MaxReconnects attempts have been made.
func (c *Conn) scheduleReconnectLocked() bool {
	if c.attempts >= c.opts.MaxReconnects {
		return false
	}
	c.attempts++
	attempt := c.attempts
	delay := c.opts.ReconnectBase << (attempt - 1)
	epoch := c.epoch
	c.timer = time.AfterFunc(delay, func() { c.reconnect(epoch, attempt) })
	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	return true
}

func (c *Conn) reconnect(epoch, attempt int) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.opts.Metrics.ReconnectAttempt()
	c.emit(StateChange{State: StateConnecting, Reconnected: true})

	err := c.dial(context.Background(), epoch, true)
	if err == nil {
		return
	}
	c.log.Warn("reconnect failed", "attempt", attempt, "err", err)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	scheduled := c.scheduleReconnectLocked()
	c.mu.Unlock()

	if !scheduled {
		c.log.Warn("reconnect attempts exhausted", "attempts", attempt)
		c.emit(StateChange{State: StateDisconnected, Final: true, Exhausted: true})
	}
}

// Send encodes v and writes it when the connection is open. Nothing is
// buffered: a message sent while not open is dropped and ErrNotOpen returned.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		c.log.Warn("dropping outbound message, connection not open", "message", v)
		c.opts.Metrics.Sent(false)
		return ErrNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.opts.Metrics.Sent(false)
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("send failed", "err", err)
		c.opts.Metrics.Sent(false)
		return fmt.Errorf("write message: %w", err)
	}
	c.opts.Metrics.Sent(true)
	return nil
}

// Disconnect closes the connection with the normal closure code and cancels
// any pending reconnect. It is never followed by an automatic reconnect.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.attempts = 0
	c.epoch++
	ws := c.ws
	c.ws = nil
	wasIdle := c.state == StateDisconnected && ws == nil
	if ws != nil {
		c.setStateLocked(StateClosing)
	}
	c.mu.Unlock()

	if ws != nil {
		c.emit(StateChange{State: StateClosing})
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if !wasIdle {
		c.log.Info("disconnected")
	}
	c.emit(StateChange{State: StateDisconnected, Final: true})
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Conn) setStateLocked(s State) {
	c.state = s
	c.opts.Metrics.SetState(int(s))
}

func (c *Conn) emit(change StateChange) {
	c.opts.Handler.HandleState(change)
}

type nopHandler struct{}

func (nopHandler) HandleMessage(schema.Inbound) {}
func (nopHandler) HandleState(StateChange)      {}
