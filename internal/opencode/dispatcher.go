package opencode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kanzaki/switchboard/internal/logging"
)

// scanBufSize bounds a single stream-json line from opencode.
const scanBufSize = 1024 * 1024

// Dispatcher runs opencode CLI turns under a global concurrency cap.
// Callers beyond the cap wait in FIFO order; the backlog is unbounded.
// A turn, once admitted, runs to process exit — there is no per-turn
// timeout in v1.
type Dispatcher struct {
	command  string
	workDir  string
	capacity int64

	sem    *semaphore.Weighted
	active atomic.Int64 // turns waiting for or holding a slot
	log    zerolog.Logger
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Command       string // opencode executable; defaults to "opencode"
	WorkDir       string // working directory for the subprocess
	MaxConcurrent int    // cap on simultaneous processes; defaults to 1
	Log           zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	command := opts.Command
	if command == "" {
		command = "opencode"
	}
	capacity := int64(opts.MaxConcurrent)
	if capacity < 1 {
		capacity = 1
	}
	return &Dispatcher{
		command:  command,
		workDir:  opts.WorkDir,
		capacity: capacity,
		sem:      semaphore.NewWeighted(capacity),
		log:      opts.Log.With().Str("component", "dispatcher").Logger(),
	}
}

// AtCapacity reports whether a turn submitted now would have to wait.
// Advisory only: it is a racy snapshot, not a reservation.
func (d *Dispatcher) AtCapacity() bool {
	return d.active.Load() >= d.capacity
}

// Capacity returns the configured concurrency cap.
func (d *Dispatcher) Capacity() int {
	return int(d.capacity)
}

// Active returns the number of turns currently waiting for or holding a slot.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// RunTurn acquires a concurrency slot (FIFO, blocking), runs one opencode
// invocation, and reduces its output to a TurnOutcome. The slot is released
// on every exit path. A non-empty externalSessionID continues that opencode
// session; an empty one starts a new session and the outcome carries the
// newly assigned ID.
//
// On failure the returned error is a *TurnError; the outcome is still
// returned with whatever was parsed (it may carry a session ID even when
// the turn failed).
func (d *Dispatcher) RunTurn(ctx context.Context, externalSessionID, prompt string) (TurnOutcome, error) {
	d.active.Add(1)
	defer d.active.Add(-1)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return TurnOutcome{}, fmt.Errorf("opencode: acquire slot: %w", err)
	}
	defer d.sem.Release(1)

	return d.run(ctx, externalSessionID, prompt)
}

// run executes one opencode invocation. Callers must hold a slot.
func (d *Dispatcher) run(ctx context.Context, externalSessionID, prompt string) (TurnOutcome, error) {
	// The prompt is a discrete argv element: no shell is involved, so
	// user-controlled text cannot inject commands.
	args := []string{"run", "--format", "json"}
	if externalSessionID != "" {
		args = append(args, "-s", externalSessionID)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, d.command, args...)
	if d.workDir != "" {
		cmd.Dir = d.workDir
	}
	// Use a process group so SIGTERM kills the entire tree, not just the
	// direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return TurnOutcome{}, &TurnError{Kind: KindLaunch, Reason: fmt.Sprintf("stdout pipe: %v", err)}
	}

	session := externalSessionID
	if session == "" {
		session = "new"
	}
	d.log.Info().Str("session", session).Str("prompt", logging.Truncate(prompt, 100)).
		Msg("running opencode")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return TurnOutcome{}, &TurnError{Kind: KindLaunch, Reason: fmt.Sprintf("start %s: %v", d.command, err)}
	}

	parser := NewParser(d.log)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanBufSize), scanBufSize)
	for scanner.Scan() {
		parser.Feed(scanner.Text())
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// The scanner stops mid-stream on errors such as an oversized
		// line. Drain the rest of the pipe so the child does not block
		// writing and Wait below can return.
		io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	outcome := parser.Finalize()

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		d.log.Warn().Str("stderr", logging.Truncate(msg, 500)).Msg("opencode stderr")
	}
	d.log.Info().Str("session", outcome.ExternalSessionID).
		Int("chars", len(outcome.ResponseText)).Int("tool_calls", outcome.ToolCalls).
		Dur("elapsed", time.Since(start)).Msg("opencode finished")

	if waitErr != nil {
		reason := fmt.Sprintf("opencode exited: %v", waitErr)
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			reason = fmt.Sprintf("opencode exited with code %d", exitErr.ExitCode())
		}
		return outcome, &TurnError{Kind: KindExit, Reason: reason}
	}
	if scanErr != nil {
		return outcome, &TurnError{Kind: KindProtocol, Reason: fmt.Sprintf("read stdout: %v", scanErr)}
	}
	if outcome.Failed {
		return outcome, &TurnError{Kind: KindProtocol, Reason: outcome.FailureReason}
	}
	if outcome.ResponseText == "" {
		return outcome, &TurnError{Kind: KindEmpty, Reason: "opencode returned no text"}
	}
	return outcome, nil
}
