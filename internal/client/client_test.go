package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/quicklabs/termgate/internal/gateway"
)

// testServer is a scripted terminal endpoint. The handler runs once per dial;
// dials counts connection attempts.
type testServer struct {
	srv   *httptest.Server
	dials int32
}

func newTestServer(t *testing.T, handler func(dial int, conn *websocket.Conn, r *http.Request)) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&ts.dials, 1))
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(n, conn, r)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) dialCount() int {
	return int(atomic.LoadInt32(&ts.dials))
}

func sendServerFrame(conn *websocket.Conn, ctx context.Context, f gateway.ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func sendConnected(conn *websocket.Conn, ctx context.Context) error {
	return sendServerFrame(conn, ctx, gateway.ServerFrame{
		Type:      gateway.TypeConnected,
		SessionID: "s1",
	})
}

// echoHandler sends the connected frame and answers every command with a
// successful command_result carrying the command text back.
func echoHandler(recorded chan<- string) func(int, *websocket.Conn, *http.Request) {
	return func(dial int, conn *websocket.Conn, r *http.Request) {
		ctx := r.Context()
		if err := sendConnected(conn, ctx); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f gateway.ClientFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			switch f.Type {
			case gateway.TypeCommand:
				if recorded != nil {
					recorded <- f.Command
				}
				exit := 0
				sendServerFrame(conn, ctx, gateway.ServerFrame{
					Type:     gateway.TypeCommandResult,
					Data:     f.Command,
					ExitCode: &exit,
				})
			case gateway.TypePing:
				sendServerFrame(conn, ctx, gateway.ServerFrame{Type: gateway.TypePong})
			}
		}
	}
}

func fastClientConfig(url string) Config {
	return Config{
		URL:            url,
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
		Jitter:         time.Nanosecond,
		MaxRetries:     8,
		PingInterval:   time.Hour,
		ConnectTimeout: 5 * time.Second,
	}
}

func waitState(t *testing.T, c *Controller, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if c.Diagnostics().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s (now %s)", want, c.Diagnostics().State)
}

func waitDone(t *testing.T, c *Controller, within time.Duration) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(within):
		t.Fatal("controller did not terminate")
	}
}

func TestQueuedFramesFlushOnceInOrder(t *testing.T) {
	commands := make(chan string, 16)
	ts := newTestServer(t, echoHandler(commands))

	results := make(chan gateway.ServerFrame, 16)
	cfg := fastClientConfig(ts.url())
	cfg.OnFrame = func(f gateway.ServerFrame) { results <- f }
	c := New(cfg)
	defer c.Close()

	// Submitted before Connect: both must be queued, then flushed in order.
	if err := c.Command("echo one"); err != nil {
		t.Fatalf("queue command: %v", err)
	}
	if err := c.Command("echo two"); err != nil {
		t.Fatalf("queue command: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i, want := range []string{"echo one", "echo two"} {
		select {
		case got := <-commands:
			if got != want {
				t.Fatalf("command %d: expected %q, got %q", i, want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("command %d never arrived", i)
		}
	}

	// Exactly once: nothing further may arrive.
	select {
	case extra := <-commands:
		t.Fatalf("frame delivered twice: %q", extra)
	case <-time.After(300 * time.Millisecond):
	}

	// Results came back through OnFrame.
	for i := 0; i < 2; i++ {
		select {
		case f := <-results:
			if f.Type != gateway.TypeCommandResult {
				t.Fatalf("expected command_result, got %+v", f)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("result frame never delivered")
		}
	}
}

func TestReconnectsAfterAbnormalClosure(t *testing.T) {
	// The first two connections die without a close frame; the third stays.
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		ctx := r.Context()
		if dial <= 2 {
			sendConnected(conn, ctx)
			conn.CloseNow()
			return
		}
		echoHandler(nil)(dial, conn, r)
	})

	var mu sync.Mutex
	var states []State
	cfg := fastClientConfig(ts.url())
	cfg.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	c := New(cfg)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, c, StateOpen, 3*time.Second)

	if got := ts.dialCount(); got != 3 {
		t.Errorf("expected 3 dials, got %d", got)
	}
	d := c.Diagnostics()
	if d.Attempts != 0 {
		t.Errorf("attempt counter should reset on success, got %d", d.Attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("expected a reconnecting transition, saw %v", states)
	}
}

func TestTerminalCloseCodeStopsRedialing(t *testing.T) {
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		ctx := r.Context()
		sendServerFrame(conn, ctx, gateway.ServerFrame{
			Type:    gateway.TypeError,
			Code:    gateway.CodeSessionNotFound,
			Message: "session not found or expired",
		})
		conn.Close(gateway.StatusSessionNotFound, "unknown session")
	})

	frames := make(chan gateway.ServerFrame, 4)
	cfg := fastClientConfig(ts.url())
	cfg.OnFrame = func(f gateway.ServerFrame) { frames <- f }
	c := New(cfg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitDone(t, c, 3*time.Second)

	if got := ts.dialCount(); got != 1 {
		t.Errorf("terminal close must not be retried, got %d dials", got)
	}
	if c.Err() == nil {
		t.Error("expected a fatal error")
	}
	if d := c.Diagnostics(); d.LastCloseCode != int(gateway.StatusSessionNotFound) {
		t.Errorf("expected last close code 4000, got %d", d.LastCloseCode)
	}

	select {
	case f := <-frames:
		if f.Type != gateway.TypeError || f.Code != gateway.CodeSessionNotFound {
			t.Errorf("expected the error frame to be delivered, got %+v", f)
		}
	default:
		t.Error("error frame never delivered to OnFrame")
	}

	// Terminal state: further submissions fail.
	if err := c.Command("echo hi"); err != ErrTerminated {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		conn.CloseNow()
	})

	cfg := fastClientConfig(ts.url())
	cfg.MaxRetries = 2
	c := New(cfg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitDone(t, c, 3*time.Second)

	if got := ts.dialCount(); got != 3 {
		t.Errorf("expected initial dial + 2 retries = 3 dials, got %d", got)
	}
	if err := c.Err(); err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Errorf("expected giving-up error, got %v", err)
	}
}

func TestCloseSendsNormalClosure(t *testing.T) {
	codes := make(chan websocket.StatusCode, 1)
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		ctx := r.Context()
		sendConnected(conn, ctx)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				codes <- websocket.CloseStatus(err)
				return
			}
		}
	})

	c := New(fastClientConfig(ts.url()))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, c, StateOpen, 3*time.Second)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitDone(t, c, 3*time.Second)

	if err := c.Err(); err != nil {
		t.Errorf("explicit close is not a failure: %v", err)
	}
	select {
	case code := <-codes:
		if code != websocket.StatusNormalClosure {
			t.Errorf("expected close code 1000 on the wire, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Error("server never observed the close")
	}
	if got := ts.dialCount(); got != 1 {
		t.Errorf("close must not trigger a redial, got %d dials", got)
	}
}

func TestConnectReentrancy(t *testing.T) {
	ts := newTestServer(t, echoHandler(nil))

	c := New(fastClientConfig(ts.url()))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, c, StateOpen, 3*time.Second)

	// Re-entrant connect is a no-op, not a second transport.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("re-entrant connect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := ts.dialCount(); got != 1 {
		t.Errorf("re-entrant connect dialed again: %d dials", got)
	}

	c.Close()
	if err := c.Connect(context.Background()); err != ErrTerminated {
		t.Errorf("expected ErrTerminated after close, got %v", err)
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	c := New(Config{
		URL:         "ws://unused",
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
		Jitter:      time.Nanosecond,
	})

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := c.backoff(attempt)
		if d < prev {
			t.Errorf("backoff decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > time.Second {
			t.Errorf("backoff exceeded cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
	if first := c.backoff(1); first < 100*time.Millisecond || first > 101*time.Millisecond {
		t.Errorf("expected first delay near base, got %s", first)
	}
	if capped := c.backoff(10); capped < time.Second {
		t.Errorf("expected delay at cap for late attempts, got %s", capped)
	}
}

func TestSubmitQueuesWhenConnDropsMidOpen(t *testing.T) {
	c := New(fastClientConfig("ws://127.0.0.1:0"))

	// The read loop clears the conn and the state in one critical section;
	// a submit that still observes StateOpen with no conn must queue, not
	// write to the vanished transport.
	c.mu.Lock()
	c.state = StateOpen
	c.conn = nil
	c.mu.Unlock()

	if err := c.Command("echo hi"); err != nil {
		t.Fatalf("command during drop: %v", err)
	}
	if err := c.Resize(120, 40); err != nil {
		t.Fatalf("resize during drop: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) != 2 || c.queue[0].Command != "echo hi" {
		t.Fatalf("frames not queued: %+v", c.queue)
	}
}

func TestConnectionLossLeavesOpenStateImmediately(t *testing.T) {
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		ctx := r.Context()
		if dial == 1 {
			sendConnected(conn, ctx)
			conn.CloseNow()
			return
		}
		echoHandler(nil)(dial, conn, r)
	})

	c := New(fastClientConfig(ts.url()))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Hammer submissions across the drop/reconnect cycle; every call must
	// either write or queue, never fault, and the controller must recover.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := c.Command("echo hi"); err != nil {
			t.Fatalf("command during reconnect cycle: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	waitState(t, c, StateOpen, 3*time.Second)
}

func TestDialTimeoutWithoutConnectedFrame(t *testing.T) {
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		if dial == 1 {
			// Upgrade succeeds but the connected frame never comes.
			conn.Read(r.Context())
			return
		}
		echoHandler(nil)(dial, conn, r)
	})

	cfg := fastClientConfig(ts.url())
	cfg.ConnectTimeout = 150 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	start := time.Now()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, c, StateOpen, 3*time.Second)

	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("connected before the establishment timeout could fire: %s", elapsed)
	}
	if got := ts.dialCount(); got != 2 {
		t.Errorf("expected one redial after the stalled handshake, got %d dials", got)
	}
	if d := c.Diagnostics(); d.Attempts != 0 {
		t.Errorf("attempt counter should reset on success, got %d", d.Attempts)
	}
}

func TestFlushFailureDoesNotReportOpen(t *testing.T) {
	ts := newTestServer(t, func(dial int, conn *websocket.Conn, r *http.Request) {
		conn.Read(r.Context())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.CloseNow()

	var mu sync.Mutex
	var states []State
	cfg := fastClientConfig(ts.url())
	cfg.OnState = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	c := New(cfg)

	c.mu.Lock()
	c.state = StateConnecting
	c.queue = append(c.queue, gateway.ClientFrame{Type: gateway.TypeCommand, Command: "echo hi"})
	c.mu.Unlock()

	c.flush(conn)

	if got := c.Diagnostics().State; got == StateOpen {
		t.Fatal("controller reported open after a failed flush")
	}
	mu.Lock()
	for _, s := range states {
		if s == StateOpen {
			t.Error("observer notified open despite failed flush")
		}
	}
	mu.Unlock()

	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	if queued != 1 {
		t.Fatalf("frame dropped by failed flush, queue length %d", queued)
	}
}

func TestRetryableCodePartition(t *testing.T) {
	retryable := []websocket.StatusCode{
		-1,
		websocket.StatusAbnormalClosure,
		websocket.StatusPolicyViolation,
	}
	for _, code := range retryable {
		if !Retryable(code) {
			t.Errorf("code %d should be retryable", code)
		}
	}

	terminal := []websocket.StatusCode{
		websocket.StatusNormalClosure,
		websocket.StatusGoingAway,
		gateway.StatusSessionNotFound,
		gateway.StatusServerError,
		gateway.StatusAuthFailed,
		4999,
	}
	for _, code := range terminal {
		if Retryable(code) {
			t.Errorf("code %d should be terminal", code)
		}
	}
}
