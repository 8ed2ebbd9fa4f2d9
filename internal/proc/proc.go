// Package proc runs external tools in their own process group so that a
// timeout or cancellation can take down every child they spawned.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command describes one subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the current environment.
	Env   []string
	Stdin io.Reader
	// Wrapper is prepended to the command line, e.g. a cgexec invocation.
	Wrapper []string
	// Timeout of zero means the command may run until ctx is done.
	Timeout time.Duration
	// Label prefixes streamed log lines. Nothing is streamed when empty.
	Label string
}

// Output is what is left of a finished (or killed) subprocess.
type Output struct {
	Text     string
	ExitCode int
	TimedOut bool
	Canceled bool
	Duration time.Duration
}

// Killed reports whether the process group was killed before it exited.
func (o *Output) Killed() bool {
	return o.TimedOut || o.Canceled
}

// waitDelay bounds how long Wait keeps reading pipes held open by
// processes that escaped the group.
const waitDelay = 2 * time.Second

// Run starts the command and blocks until it exits, its timeout expires or
// ctx is done. A non-zero exit status is not an error: it is reported in
// Output.ExitCode. An error is only returned when the process could not be
// started.
func Run(ctx context.Context, c Command) (*Output, error) {
	argv := append(append([]string{}, c.Wrapper...), c.Path)
	argv = append(argv, c.Args...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	out := &lineBuffer{label: c.Label}
	cmd.Stdout = out
	cmd.Stderr = out

	runCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	result := &Output{}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			result.Canceled = true
		} else {
			result.TimedOut = true
		}
		if c.Label != "" {
			log.Printf("[%s] killing process group %d after %v", c.Label, pid, time.Since(startTime).Round(time.Millisecond))
		}
		KillGroup(pid)
		waitErr = <-done
	}
	// Children may outlive a leader that exited on its own.
	KillGroup(pid)
	out.flush()

	result.Duration = time.Since(startTime)
	result.Text = out.String()
	result.ExitCode = exitCode(waitErr)
	return result, nil
}

// KillGroup sends SIGKILL to every process in the group led by pid.
func KillGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Printf("Error killing process group %d: %v", pid, err)
	}
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

// lineBuffer collects combined stdout/stderr and optionally logs complete
// lines as they arrive.
type lineBuffer struct {
	mu      sync.Mutex
	label   string
	buf     bytes.Buffer
	pending []byte
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(p)
	if b.label == "" {
		return len(p), nil
	}
	b.pending = append(b.pending, p...)
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		log.Printf("[%s] %s", b.label, strings.TrimRight(string(b.pending[:i]), "\r"))
		b.pending = b.pending[i+1:]
	}
	return len(p), nil
}

func (b *lineBuffer) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.label != "" && len(b.pending) > 0 {
		log.Printf("[%s] %s", b.label, string(b.pending))
	}
	b.pending = nil
}

func (b *lineBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
