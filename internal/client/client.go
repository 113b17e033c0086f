// Package client is the connection controller consumed by terminal UIs: it
// owns connect/retry/backoff, queues outbound frames while disconnected,
// keeps the connection alive with pings, and exposes diagnostic state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/quicklabs/termgate/internal/gateway"
)

// State is the controller's lifecycle state. Transitions are guarded: a
// Connect while connecting or open is a no-op, and StateClosed is terminal.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ErrTerminated is returned from calls made after the controller reached its
// terminal state, whether by explicit Close or a fatal close code.
var ErrTerminated = errors.New("controller terminated")

// Retryable reports whether a close code warrants reconnection. Abnormal
// closures (infra-level drops, surfaced as -1 or 1006) and idle timeouts
// (1008) are transient. Everything else is terminal: normal close, going away,
// unknown session (4000) and the 45xx server class.
func Retryable(code websocket.StatusCode) bool {
	switch code {
	case -1, websocket.StatusAbnormalClosure, websocket.StatusPolicyViolation:
		return true
	}
	return false
}

// Config for a Controller. Zero values take the documented defaults.
type Config struct {
	// URL is the full terminal endpoint including session id and token.
	URL string

	BackoffBase    time.Duration // default 1s
	BackoffMax     time.Duration // default 30s
	Jitter         time.Duration // default 1s, uniform
	MaxRetries     int           // default 8
	PingInterval   time.Duration // default 15s
	ConnectTimeout time.Duration // default 20s; waits for the connected frame

	// OnFrame receives output, command_result and error frames.
	OnFrame func(gateway.ServerFrame)
	// OnState observes state transitions. Called outside the lock.
	OnState func(State)
}

func (c *Config) applyDefaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Jitter == 0 {
		c.Jitter = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 20 * time.Second
	}
}

// Diagnostics is read-only state for UI display; the protocol never
// consumes it.
type Diagnostics struct {
	State         State
	Attempts      int
	LastError     string
	LastCloseCode int
	TimeToConnect time.Duration
}

// Controller is the client-side reconnection state machine.
type Controller struct {
	cfg Config
	rnd *rand.Rand

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	queue    []gateway.ClientFrame
	attempt  int
	lastErr  error
	lastCode websocket.StatusCode
	ttc      time.Duration
	cancel   context.CancelFunc

	wmu sync.Mutex // serializes frame writes

	done     chan struct{}
	doneOnce sync.Once
	fatalErr error
}

func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:   cfg,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// Connect starts the controller. Calling it while already connecting or open
// is a no-op; calling it after termination is an error.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateClosed, StateClosing:
		c.mu.Unlock()
		return ErrTerminated
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting)

	go c.run(runCtx)
	return nil
}

// Command submits a command. While the transport is not open the frame is
// queued and flushed, in order, after the next successful connect.
func (c *Controller) Command(command string) error {
	return c.submit(gateway.ClientFrame{Type: gateway.TypeCommand, Command: command})
}

// Resize submits a terminal geometry change, queued like Command.
func (c *Controller) Resize(cols, rows uint16) error {
	return c.submit(gateway.ClientFrame{Type: gateway.TypeResize, Cols: cols, Rows: rows})
}

func (c *Controller) submit(f gateway.ClientFrame) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed, StateClosing:
		c.mu.Unlock()
		return ErrTerminated
	case StateOpen:
		conn := c.conn
		if conn == nil {
			// The connection dropped but the loop has not transitioned yet;
			// queue for the flush after the next connect.
			c.queue = append(c.queue, f)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.writeFrame(conn, f)
	default:
		c.queue = append(c.queue, f)
		c.mu.Unlock()
		return nil
	}
}

// Close ends the controller: normal close on the transport, no reconnect.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()
	c.notify(StateClosing)

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
	c.terminate(nil)
	return nil
}

// Done is closed when the controller terminates; Err reports why.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

func (c *Controller) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := Diagnostics{
		State:         c.state,
		Attempts:      c.attempt,
		LastCloseCode: int(c.lastCode),
		TimeToConnect: c.ttc,
	}
	if c.lastErr != nil {
		d.LastError = c.lastErr.Error()
	}
	return d
}

// run is the connect/reconnect loop. It exits on terminal close codes, on
// exhausting the retry budget, or when the context is cancelled.
func (c *Controller) run(ctx context.Context) {
	for {
		start := time.Now()
		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.attempt = 0
			c.ttc = time.Since(start)
			c.mu.Unlock()

			c.flush(conn)

			pingCtx, stopPing := context.WithCancel(ctx)
			go c.pingLoop(pingCtx, conn)
			code, rerr := c.readLoop(ctx, conn)
			stopPing()

			c.mu.Lock()
			c.conn = nil
			c.lastCode = code
			c.lastErr = rerr
			closing := c.state == StateClosing || c.state == StateClosed
			// Leave StateOpen in the same critical section that clears the
			// conn, so a concurrent submit queues instead of writing to it.
			if !closing {
				c.state = StateReconnecting
			}
			c.mu.Unlock()

			if closing || ctx.Err() != nil {
				return
			}
			if !Retryable(code) {
				c.terminate(fmt.Errorf("connection closed with terminal code %d: %w", code, rerr))
				return
			}
		} else {
			if ctx.Err() != nil {
				return
			}
			code := websocket.CloseStatus(err)
			c.mu.Lock()
			c.lastCode = code
			c.lastErr = err
			c.mu.Unlock()
			if code != -1 && !Retryable(code) {
				c.terminate(fmt.Errorf("connect rejected with terminal code %d: %w", code, err))
				return
			}
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.state = StateReconnecting
		c.mu.Unlock()
		c.notify(StateReconnecting)

		if attempt > c.cfg.MaxRetries {
			c.terminate(fmt.Errorf("giving up after %d reconnection attempts: %w", c.cfg.MaxRetries, c.lastError()))
			return
		}

		delay := c.backoff(attempt)
		log.Printf("[client] reconnect attempt %d/%d in %s", attempt, c.cfg.MaxRetries, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoff computes min(base*2^(attempt-1) + jitter, max) with uniform jitter.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			d = c.cfg.BackoffMax
			break
		}
	}
	if c.cfg.Jitter > 0 {
		d += time.Duration(c.rnd.Int63n(int64(c.cfg.Jitter)))
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

// dial opens the transport and waits for the connected frame. Both share the
// connection-establishment timeout; on expiry the transport is force-closed
// and the attempt counts as retryable.
func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	for {
		_, data, err := conn.Read(dctx)
		if err != nil {
			// Preserve any close code the server sent during the handshake;
			// a 4000 here must not be retried.
			code := websocket.CloseStatus(err)
			conn.CloseNow()
			if code == -1 && dctx.Err() != nil {
				return nil, fmt.Errorf("no connected frame within %s: %w", c.cfg.ConnectTimeout, err)
			}
			return nil, fmt.Errorf("waiting for connected frame: %w", err)
		}
		var frame gateway.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case gateway.TypeConnected:
			return conn, nil
		case gateway.TypePing, gateway.TypePong:
			// liveness only
		default:
			c.deliver(frame)
		}
	}
}

// flush drains the outbound queue FIFO, exactly once per frame, then opens
// the controller for direct sends. Frames submitted during the flush land
// behind the drained ones. A frame whose write errors is retained so nothing
// is dropped while the controller is alive.
func (c *Controller) flush(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.state = StateOpen
			c.mu.Unlock()
			// Observers only hear "open" once the state really is open; a
			// failed flush leaves the controller in its connecting state.
			c.notify(StateOpen)
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.writeFrame(conn, f); err != nil {
			c.mu.Lock()
			c.queue = append([]gateway.ClientFrame{f}, c.queue...)
			c.mu.Unlock()
			return
		}
	}
}

// readLoop consumes frames until the connection dies and reports the close
// code (-1 for abnormal closures with no close frame).
func (c *Controller) readLoop(ctx context.Context, conn *websocket.Conn) (websocket.StatusCode, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err), err
		}
		var frame gateway.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case gateway.TypePing:
			// Server-initiated ping doubles as liveness; answer it.
			c.writeFrame(conn, gateway.ClientFrame{Type: gateway.TypePong})
		case gateway.TypePong:
			// liveness
		default:
			c.deliver(frame)
		}
	}
}

// pingLoop keeps the connection alive through idle-dropping middleboxes and
// feeds the server's idle timer.
func (c *Controller) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, gateway.ClientFrame{Type: gateway.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Controller) writeFrame(conn *websocket.Conn, f gateway.ClientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Controller) deliver(f gateway.ServerFrame) {
	if f.Type == gateway.TypeError {
		c.mu.Lock()
		c.lastErr = fmt.Errorf("%s: %s", f.Code, f.Message)
		c.mu.Unlock()
	}
	if c.cfg.OnFrame != nil {
		c.cfg.OnFrame(f)
	}
}

func (c *Controller) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return errors.New("unknown error")
	}
	return c.lastErr
}

// terminate moves to the terminal state exactly once.
func (c *Controller) terminate(err error) {
	c.mu.Lock()
	c.state = StateClosed
	if err != nil && c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()
	c.notify(StateClosed)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) notify(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
