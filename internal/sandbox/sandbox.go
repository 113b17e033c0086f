// Package sandbox executes a single command string as an isolated child
// process under a session's scoped credential. One execution at a time per
// sandbox; the process tree is always reaped.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/quicklabs/termgate/internal/credentials"
)

// ErrBusy is returned when a command arrives while another is running.
var ErrBusy = errors.New("command already in progress")

// Geometry clamps, matching what a browser terminal can reasonably request.
const (
	MaxCols uint16 = 512
	MaxRows uint16 = 256

	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Result is the outcome of one command execution.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	StartedAt time.Time
}

// Sandbox runs commands for one session. UsePTY selects pty-backed execution
// (interactive programs, merged output) over plain pipes.
type Sandbox struct {
	UsePTY bool

	mu      sync.Mutex
	running bool
	cols    uint16
	rows    uint16
}

func New(usePTY bool) *Sandbox {
	return &Sandbox{
		UsePTY: usePTY,
		cols:   DefaultCols,
		rows:   DefaultRows,
	}
}

// Resize updates the terminal geometry for subsequent executions. Dimensions
// are clamped; zero values are ignored.
func (s *Sandbox) Resize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// Geometry returns the current terminal dimensions.
func (s *Sandbox) Geometry() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Acquire claims the single execution slot, failing immediately with ErrBusy
// if a command is already in flight. Callers that acquire must follow up
// with Run, which releases the slot when the command finishes.
func (s *Sandbox) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}
	s.running = true
	return nil
}

// Run executes command under cred with a wall-clock timeout. The caller must
// hold the execution slot via Acquire. On timeout the whole process group is
// killed and the partial output is returned with TimedOut set.
func (s *Sandbox) Run(ctx context.Context, cred credentials.Scoped, command string, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.UsePTY {
		return runPTY(ctx, cred, command, timeout, cols, rows)
	}
	return runPipes(ctx, cred, command, timeout, cols, rows)
}

// Execute is Acquire followed by Run.
func (s *Sandbox) Execute(ctx context.Context, cred credentials.Scoped, command string, timeout time.Duration) (Result, error) {
	if err := s.Acquire(); err != nil {
		return Result{}, err
	}
	return s.Run(ctx, cred, command, timeout)
}

// commandEnv builds the child environment: credential material plus the
// minimum the shell needs. Nothing from the server's own environment leaks in.
func commandEnv(cred credentials.Scoped, cols, rows uint16) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"TERM=xterm-256color",
		fmt.Sprintf("COLUMNS=%d", cols),
		fmt.Sprintf("LINES=%d", rows),
	}
	return append(env, cred.Env()...)
}

func runPipes(ctx context.Context, cred credentials.Scoped, command string, timeout time.Duration, cols, rows uint16) (Result, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = commandEnv(cred, cols, rows)
	// Own process group so a timeout kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{StartedAt: time.Now()}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res.ExitCode = exitCode(err)
	case <-timer.C:
		killGroup(cmd)
		<-done
		res.TimedOut = true
		res.ExitCode = -1
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		res.ExitCode = -1
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// runPTY executes the command under a pseudo-terminal sized to the current
// geometry. Stdout and stderr arrive merged, as they would on a real tty.
func runPTY(ctx context.Context, cred credentials.Scoped, command string, timeout time.Duration, cols, rows uint16) (Result, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = commandEnv(cred, cols, rows)
	// pty.StartWithSize sets Setsid, which makes the child its own process
	// group leader; killGroup reaches the whole tree.

	res := Result{StartedAt: time.Now()}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return Result{}, fmt.Errorf("start pty command: %w", err)
	}
	defer ptmx.Close()

	var output bytes.Buffer
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// Read errors are expected once the child exits and the pty closes.
		io.Copy(&output, ptmx)
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res.ExitCode = exitCode(err)
	case <-timer.C:
		killGroup(cmd)
		<-done
		res.TimedOut = true
		res.ExitCode = -1
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		res.ExitCode = -1
	}

	ptmx.Close()
	<-copied
	res.Stdout = output.String()
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the process group.
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
