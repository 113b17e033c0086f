// Package gateway terminates terminal WebSocket connections: it resolves
// each connection to exactly one session, authenticates it, and bridges
// frames to the command sandbox and session store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/quicklabs/termgate/internal/auth"
	"github.com/quicklabs/termgate/internal/credentials"
	"github.com/quicklabs/termgate/internal/database"
	"github.com/quicklabs/termgate/internal/sandbox"
	"github.com/quicklabs/termgate/internal/session"
	"github.com/sethvargo/go-retry"
)

// Config holds the gateway's protocol timers. Zero values take defaults.
type Config struct {
	// IdleTimeout closes the connection (code 1008) when no inbound frame,
	// keepalive pings included, arrives within the window.
	IdleTimeout time.Duration
	// ConnectedDelay is the pause before the first frame; sent synchronously
	// with connection establishment it can be lost on some transports.
	ConnectedDelay time.Duration
	// ResolveRetries and ResolveBackoff bound the session-resolution retry
	// that absorbs the create/observe race.
	ResolveRetries int
	ResolveBackoff time.Duration
	// ExecTimeout bounds each command execution.
	ExecTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.ConnectedDelay == 0 {
		c.ConnectedDelay = 50 * time.Millisecond
	}
	if c.ResolveRetries == 0 {
		c.ResolveRetries = 3
	}
	if c.ResolveBackoff == 0 {
		c.ResolveBackoff = 100 * time.Millisecond
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 30 * time.Second
	}
}

// Gateway owns the connection-level protocol. All shared session state goes
// through the store; the gateway keeps nothing per session in memory except
// the sandbox registry.
type Gateway struct {
	store     *session.Store
	sandboxes *sandbox.Registry
	tokens    auth.TokenValidator
	cfg       Config
}

func New(store *session.Store, sandboxes *sandbox.Registry, tokens auth.TokenValidator, cfg Config) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		store:     store,
		sandboxes: sandboxes,
		tokens:    tokens,
		cfg:       cfg,
	}
}

// frameWriter serializes concurrent frame writes (result delivery races
// with pong replies) onto one connection.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) send(ctx context.Context, f ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// HandleWS serves one terminal connection. The session id comes from the
// request path, the token from the query string or Authorization header.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	token := bearerToken(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] accept failed for session %s: %v", sessionID, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()
	writer := &frameWriter{conn: conn}

	// Resolve with bounded retry: session creation and the first connection
	// attempt come from different call paths and may race.
	sess, err := g.resolveSession(ctx, sessionID)
	if err != nil {
		writer.send(ctx, ServerFrame{
			Type:    TypeError,
			Code:    CodeSessionNotFound,
			Message: "session not found or expired",
		})
		conn.Close(StatusSessionNotFound, "unknown session")
		return
	}

	identity, err := g.tokens.Validate(token)
	if err != nil {
		log.Printf("[gateway] auth failed for session %s: %v", sessionID, err)
		conn.Close(StatusAuthFailed, "authentication failed")
		return
	}

	cred, err := g.store.Credential(sess)
	if err != nil {
		log.Printf("[gateway] credential error for session %s: %v", sessionID, err)
		conn.Close(StatusServerError, "credential error")
		return
	}

	g.store.Activate(sessionID)
	log.Printf("[gateway] session %s connected (subject=%s)", sessionID, identity.Subject)

	// The very first frame can be lost when sent synchronously with
	// connection establishment; delay it slightly.
	time.Sleep(g.cfg.ConnectedDelay)
	if err := writer.send(ctx, ServerFrame{
		Type:      TypeConnected,
		SessionID: sessionID,
		Message:   "session ready",
	}); err != nil {
		return
	}

	g.relay(ctx, conn, writer, sessionID, cred)
	// Disconnect never destroys the session; a new connection against the
	// same id resumes it.
	log.Printf("[gateway] session %s disconnected", sessionID)
}

// resolveSession looks up the session, retrying NotFound with exponential
// backoff to absorb the create/observe race.
func (g *Gateway) resolveSession(ctx context.Context, id string) (*database.Session, error) {
	b := retry.WithMaxRetries(uint64(g.cfg.ResolveRetries), retry.NewExponential(g.cfg.ResolveBackoff))

	var sess *database.Session
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var rerr error
		sess, rerr = g.store.ResolveForConnection(id)
		if errors.Is(rerr, session.ErrNotFound) {
			return retry.RetryableError(rerr)
		}
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// relay is the per-connection read loop. The idle timer counts every inbound
// frame, pings included, and fires a 1008 close, distinguishable from the
// infrastructure's own idle drops, which carry no application code.
func (g *Gateway) relay(ctx context.Context, conn *websocket.Conn, writer *frameWriter, sessionID string, cred credentials.Scoped) {
	idle := time.AfterFunc(g.cfg.IdleTimeout, func() {
		conn.Close(websocket.StatusPolicyViolation, "connection timeout")
	})
	defer idle.Stop()

	sb := g.sandboxes.Get(sessionID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		idle.Reset(g.cfg.IdleTimeout)
		g.store.Touch(sessionID)

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			writer.send(ctx, ServerFrame{Type: TypeError, Code: CodeBadFrame, Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case TypePing:
			writer.send(ctx, ServerFrame{Type: TypePong})

		case TypeResize:
			sb.Resize(frame.Cols, frame.Rows)

		case TypeCommand:
			// Acquire synchronously so commands keep their arrival order and
			// a second command mid-execution is rejected, not reordered.
			if err := sb.Acquire(); err != nil {
				writer.send(ctx, ServerFrame{
					Type:    TypeError,
					Code:    CodeBusy,
					Message: "a command is already running",
				})
				continue
			}
			// Fire-and-forget: closing the connection does not cancel the
			// execution; an undeliverable result is dropped.
			go g.runCommand(ctx, writer, sessionID, sb, cred, frame.Command)

		default:
			writer.send(ctx, ServerFrame{Type: TypeError, Code: CodeBadFrame, Message: "unknown frame type"})
		}
	}
}

// runCommand executes one command and delivers its result. The execution
// context is detached from the connection on purpose.
func (g *Gateway) runCommand(connCtx context.Context, writer *frameWriter, sessionID string, sb *sandbox.Sandbox, cred credentials.Scoped, command string) {
	res, err := sb.Run(context.Background(), cred, command, g.cfg.ExecTimeout)
	if err != nil {
		log.Printf("[gateway] session %s command failed to start: %v", sessionID, err)
		writer.send(connCtx, ServerFrame{Type: TypeError, Code: CodeExecError, Message: err.Error()})
		return
	}
	g.store.Touch(sessionID)

	exit := res.ExitCode
	writer.send(connCtx, ServerFrame{
		Type:      TypeCommandResult,
		Data:      res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  &exit,
		TimedOut:  res.TimedOut,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// bearerToken extracts the auth token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
