package opencode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeOpencode writes a shell script standing in for the opencode binary.
// The script sees the same argv as the real CLI: run --format json [-s id] prompt.
func fakeOpencode(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opencode")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake opencode: %v", err)
	}
	return path
}

const happyScript = `
if [ "$4" = "-s" ]; then sid="$5"; else sid="ses_new"; fi
printf '{"type":"step_start","sessionID":"%s"}\n' "$sid"
printf '{"type":"text","sessionID":"%s","part":{"text":"hello"}}\n' "$sid"
printf '{"type":"step_finish","sessionID":"%s","part":{"reason":"stop"}}\n' "$sid"
`

func newTestDispatcher(t *testing.T, command string, maxConcurrent int) *Dispatcher {
	t.Helper()
	return NewDispatcher(DispatcherOpts{
		Command:       command,
		MaxConcurrent: maxConcurrent,
		Log:           zerolog.Nop(),
	})
}

func turnErrKind(t *testing.T, err error) FailureKind {
	t.Helper()
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TurnError", err)
	}
	return te.Kind
}

func TestRunTurn_NewSession(t *testing.T) {
	d := newTestDispatcher(t, fakeOpencode(t, happyScript), 1)

	out, err := d.RunTurn(context.Background(), "", "hi there")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if out.ExternalSessionID != "ses_new" {
		t.Errorf("ExternalSessionID = %q, want ses_new", out.ExternalSessionID)
	}
	if out.ResponseText != "hello" {
		t.Errorf("ResponseText = %q, want hello", out.ResponseText)
	}
	if !out.Completed {
		t.Error("outcome not completed")
	}
}

func TestRunTurn_ContinuesSession(t *testing.T) {
	d := newTestDispatcher(t, fakeOpencode(t, happyScript), 1)

	out, err := d.RunTurn(context.Background(), "ses_existing", "again")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if out.ExternalSessionID != "ses_existing" {
		t.Errorf("ExternalSessionID = %q, want ses_existing (passed via -s)", out.ExternalSessionID)
	}
}

func TestRunTurn_LaunchFailure(t *testing.T) {
	d := newTestDispatcher(t, filepath.Join(t.TempDir(), "does-not-exist"), 1)

	_, err := d.RunTurn(context.Background(), "", "hi")
	if kind := turnErrKind(t, err); kind != KindLaunch {
		t.Errorf("Kind = %q, want launch", kind)
	}
}

func TestRunTurn_NonZeroExit(t *testing.T) {
	script := happyScript + "echo boom >&2\nexit 3\n"
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	out, err := d.RunTurn(context.Background(), "", "hi")
	if kind := turnErrKind(t, err); kind != KindExit {
		t.Errorf("Kind = %q, want exit", kind)
	}
	if !strings.Contains(err.Error(), "code 3") {
		t.Errorf("error %q does not carry the exit code", err)
	}
	// Parsed text survives for diagnostics even though the turn failed.
	if out.ResponseText != "hello" {
		t.Errorf("ResponseText = %q, want hello", out.ResponseText)
	}
}

func TestRunTurn_EmptyResult(t *testing.T) {
	script := `
printf '{"type":"step_start","sessionID":"ses_x"}\n'
printf '{"type":"step_finish","sessionID":"ses_x","part":{"reason":"stop"}}\n'
`
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	out, err := d.RunTurn(context.Background(), "", "hi")
	if kind := turnErrKind(t, err); kind != KindEmpty {
		t.Errorf("Kind = %q, want empty", kind)
	}
	if out.ExternalSessionID != "ses_x" {
		t.Errorf("ExternalSessionID = %q, want ses_x (usable for binding)", out.ExternalSessionID)
	}
}

func TestRunTurn_ProtocolFailure(t *testing.T) {
	script := `
printf '{"type":"step_start","sessionID":"ses_x"}\n'
printf '{"type":"text","sessionID":"ses_x","part":{"text":"partial"}}\n'
`
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	_, err := d.RunTurn(context.Background(), "", "hi")
	if kind := turnErrKind(t, err); kind != KindProtocol {
		t.Errorf("Kind = %q, want protocol", kind)
	}
}

func TestRunTurn_OversizedLineReleasesSlot(t *testing.T) {
	// A single line past the scanner buffer aborts the scan mid-stream.
	// The remaining output must still be drained or the child blocks on a
	// full pipe, Wait never returns, and the slot is held forever.
	script := `
head -c 2097152 /dev/zero | tr '\0' 'a'
echo
i=0
while [ $i -lt 5000 ]; do
	printf '{"type":"text","sessionID":"ses_big","part":{"text":"y"}}\n'
	i=$((i+1))
done
`
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	done := make(chan error, 1)
	go func() {
		_, err := d.RunTurn(context.Background(), "", "hi")
		done <- err
	}()

	select {
	case err := <-done:
		if kind := turnErrKind(t, err); kind != KindProtocol {
			t.Errorf("Kind = %q, want protocol", kind)
		}
		if !strings.Contains(err.Error(), "token too long") {
			t.Errorf("error %q does not carry the scanner failure", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("turn never returned after oversized line")
	}

	// The slot is free again: a second turn must not block on the semaphore.
	second := make(chan struct{})
	go func() {
		defer close(second)
		d.RunTurn(context.Background(), "", "again")
	}()
	select {
	case <-second:
	case <-time.After(10 * time.Second):
		t.Fatal("second turn blocked: slot was not released")
	}
}

func TestRunTurn_SerializesUnderCapOne(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace")
	script := `
echo "start $$" >> ` + trace + `
sleep 0.2
echo "end $$" >> ` + trace + `
` + happyScript
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunTurn(context.Background(), "", "hi"); err != nil {
				t.Errorf("run turn: %v", err)
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	lines := strings.Fields(strings.ReplaceAll(strings.TrimSpace(string(data)), "\n", " "))
	// Expect start end start end — the second process must not start
	// before the first one's slot is released.
	if len(lines) != 8 {
		t.Fatalf("trace = %q, want 4 entries", string(data))
	}
	order := []string{lines[0], lines[2], lines[4], lines[6]}
	want := []string{"start", "end", "start", "end"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("trace order = %v, want %v (executions overlapped)", order, want)
		}
	}
}

func TestAtCapacity(t *testing.T) {
	script := "sleep 0.5\n" + happyScript
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	if d.AtCapacity() {
		t.Fatal("fresh dispatcher reports at capacity")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.RunTurn(context.Background(), "", "hi")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !d.AtCapacity() {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never reported at capacity")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d.Active() != 1 {
		t.Errorf("Active = %d, want 1", d.Active())
	}

	<-done
	if d.AtCapacity() {
		t.Error("dispatcher still at capacity after turn finished")
	}
}

func TestRunTurn_CancelledWhileWaiting(t *testing.T) {
	script := "sleep 1\n" + happyScript
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	started := make(chan struct{})
	go func() {
		close(started)
		d.RunTurn(context.Background(), "", "first")
	}()
	<-started
	// Give the first turn time to take the slot.
	deadline := time.Now().Add(2 * time.Second)
	for !d.AtCapacity() {
		if time.Now().After(deadline) {
			t.Fatal("first turn never took the slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.RunTurn(ctx, "", "second")
	if err == nil {
		t.Fatal("expected error for cancelled waiter")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunTurn_CancelKillsProcessTree(t *testing.T) {
	// opencode spawns its own children; cancellation signals the process
	// group, so a background grandchild must die with the shell.
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := `
sleep 30 &
echo $! > ` + pidFile + `
wait
`
	d := newTestDispatcher(t, fakeOpencode(t, script), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := d.RunTurn(ctx, "", "hi")
		done <- err
	}()

	var pid int
	deadline := time.Now().Add(5 * time.Second)
	for pid == 0 {
		if data, err := os.ReadFile(pidFile); err == nil {
			fmt.Sscanf(string(data), "%d", &pid)
		}
		if time.Now().After(deadline) {
			t.Fatal("grandchild pid never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error for cancelled turn")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("turn never returned after cancel")
	}

	deadline = time.Now().Add(5 * time.Second)
	for syscall.Kill(pid, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d survived cancellation", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
