package proc

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// alive treats zombies as dead, they only wait to be reaped.
func alive(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	script := writeScript(t, "echo hello\necho oops 1>&2\nexit 3\n")

	out, err := Run(context.Background(), Command{Path: script})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Contains(t, out.Text, "hello")
	assert.Contains(t, out.Text, "oops")
	assert.False(t, out.Killed())
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	assert.Error(t, err)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, "sleep 1000 &\necho $! > "+pidFile+"\necho started\nwhile true; do sleep 1; done\n")

	start := time.Now()
	out, err := Run(context.Background(), Command{Path: script, Timeout: time.Second, Label: "timeout-test"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second+waitDelay+time.Second)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Canceled)
	assert.Contains(t, out.Text, "started")

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	childPid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !alive(int32(childPid))
	}, 5*time.Second, 100*time.Millisecond, "background child survived the group kill")
}

func TestRunCanceledByContext(t *testing.T) {
	script := writeScript(t, "while true; do sleep 1; done\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	out, err := Run(ctx, Command{Path: script, Timeout: time.Minute})
	require.NoError(t, err)
	assert.True(t, out.Canceled)
	assert.False(t, out.TimedOut)
}

func TestRunWrapperAndEnv(t *testing.T) {
	script := writeScript(t, "echo \"value=$MACKE_TEST_VALUE\"\n")

	out, err := Run(context.Background(), Command{
		Path:    script,
		Wrapper: []string{"/usr/bin/env"},
		Env:     []string{"MACKE_TEST_VALUE=42"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, out.Text, "value=42")
}
