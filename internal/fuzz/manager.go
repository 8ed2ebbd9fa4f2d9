// Package fuzz runs AFL on the fuzz drivers inserted into a program image
// and turns the crashes it finds into error reports the registry can read.
package fuzz

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"macke/internal/config"
	"macke/internal/llvm"
	"macke/internal/proc"
)

// Manager owns the binaries shared by all fuzz runs of one analysis: the
// AFL-instrumented target and the ASan reproducer.
type Manager struct {
	bin config.Binaries

	FuzzDir  string
	BuildDir string
	InputDir string

	// CFlags are passed to every compiler invocation, Libraries are linked
	// into both binaries.
	CFlags    []string
	Libraries []string
	// InputMaxLen is the length of the zero-filled seed put next to the
	// dummy seed.
	InputMaxLen int

	Target     string
	Reproducer string

	// Timeout bounds every compile step.
	Timeout time.Duration
}

func NewManager(cfg *config.Config, fuzzDir string) *Manager {
	build := filepath.Join(fuzzDir, "build")
	return &Manager{
		bin:         cfg.Binaries,
		FuzzDir:     fuzzDir,
		BuildDir:    build,
		InputDir:    filepath.Join(fuzzDir, "inputdir"),
		InputMaxLen: cfg.Fuzz.InputMaxLen,
		Target:      filepath.Join(build, "afl-target"),
		Reproducer:  filepath.Join(build, "reproducer"),
		Timeout:     30 * time.Minute,
	}
}

// Env is the environment every AFL tool runs with.
func (m *Manager) Env() []string {
	env := []string{"AFL_NO_UI=1", "AFL_CC=" + m.bin.Clang}
	if m.bin.AFLLib != "" {
		env = append(env, "AFL_PATH="+m.bin.AFLLib)
	}
	return env
}

func (m *Manager) tool(ctx context.Context, path string, args ...string) error {
	out, err := proc.Run(ctx, proc.Command{Path: path, Args: args, Env: m.Env(), Timeout: m.Timeout})
	if err != nil {
		return &llvm.ToolInvocationError{Tool: path, Args: args, Err: err}
	}
	if out.Killed() {
		return &llvm.ToolInvocationError{Tool: path, Args: args, Output: out.Text, Err: fmt.Errorf("killed after %v", out.Duration)}
	}
	if out.ExitCode != 0 {
		return &llvm.ToolInvocationError{Tool: path, Args: args, Output: out.Text, Err: fmt.Errorf("exit status %d", out.ExitCode)}
	}
	return nil
}

func (m *Manager) linkFlags() []string {
	flags := make([]string, 0, len(m.Libraries))
	for _, lib := range m.Libraries {
		flags = append(flags, "-l"+lib)
	}
	return flags
}

// Prepare compiles the helper functions, inserts a fuzz driver for every
// function of bitcode and links the AFL target and the ASan reproducer.
func (m *Manager) Prepare(ctx context.Context, bitcode string) error {
	for _, dir := range []string{m.BuildDir, m.InputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	helpers := filepath.Join(m.bin.LibMackeFuzzPath, "helper_funcs")
	bufferExtract := filepath.Join(helpers, "buffer_extract.c")
	initializer := filepath.Join(helpers, "initializer.c")
	build := func(name string) string { return filepath.Join(m.BuildDir, name) }

	cflags := func(extra ...string) []string {
		return append(append([]string{}, extra...), m.CFlags...)
	}

	steps := []struct {
		tool string
		args []string
	}{
		{m.bin.AFLCC, append(cflags("-c", "-g"), bufferExtract, "-o", build("buffer_extract_afl.o"))},
		{m.bin.AFLCC, append(cflags("-c", "-g"), initializer, "-o", build("initializer_afl.o"))},
		{m.bin.Clang, append(cflags("-c", "-g", "-fsanitize=address"), bufferExtract, "-o", build("buffer_extract_reproducer.o"))},
		{m.bin.Clang, append(cflags("-c", "-g", "-fsanitize=address", "-D__REPRODUCE_FUZZING"), initializer, "-o", build("initializer_reproducer.o"))},
		{m.bin.LLVMFuzzOpt, []string{"-load", m.bin.LibMackeFuzzOpt, "-insert-fuzzdriver", "-renamemain", "-mem2reg",
			bitcode, "-o", build("target_with_drivers.bc")}},
		{m.bin.LLVMFuzzOpt, []string{"-load", m.bin.LibMackeFuzzOpt, "-enable-asan", "-asan", "-asan-module",
			build("target_with_drivers.bc"), "-o", build("target_with_drivers_and_asan.bc")}},
		{m.bin.AFLCC, append(append(cflags("-o", m.Target),
			build("buffer_extract_afl.o"), build("initializer_afl.o"), build("target_with_drivers.bc")), m.linkFlags()...)},
		{m.bin.AFLCC, append(append(cflags("-fsanitize=address", "-o", m.Reproducer),
			build("buffer_extract_reproducer.o"), build("initializer_reproducer.o"), build("target_with_drivers_and_asan.bc")), m.linkFlags()...)},
	}

	for _, step := range steps {
		if err := m.tool(ctx, step.tool, step.args...); err != nil {
			return err
		}
	}
	log.Printf("[fuzz] Built %s and %s", m.Target, m.Reproducer)
	return nil
}

// InitInputDir puts seeds into an empty input directory: a one byte dummy
// and, if InputMaxLen is set, a zero-filled input of that length.
func (m *Manager) InitInputDir() error {
	if err := os.MkdirAll(m.InputDir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.InputDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return nil
		}
	}
	if err := os.WriteFile(filepath.Join(m.InputDir, "dummy.input"), []byte("a"), 0644); err != nil {
		return err
	}
	if m.InputMaxLen > 0 {
		return os.WriteFile(filepath.Join(m.InputDir, "zeros.input"), make([]byte, m.InputMaxLen), 0644)
	}
	return nil
}

// ListDrivers asks the target for the functions it has a fuzz driver for.
func (m *Manager) ListDrivers(ctx context.Context) ([]string, error) {
	out, err := proc.Run(ctx, proc.Command{Path: m.Target, Args: []string{"--list-fuzz-drivers"}, Timeout: time.Minute})
	if err != nil {
		return nil, &llvm.ToolInvocationError{Tool: m.Target, Args: []string{"--list-fuzz-drivers"}, Err: err}
	}
	if out.ExitCode != 0 {
		return nil, &llvm.ToolInvocationError{Tool: m.Target, Args: []string{"--list-fuzz-drivers"}, Output: out.Text,
			Err: fmt.Errorf("exit status %d", out.ExitCode)}
	}

	var drivers []string
	for _, line := range strings.Split(out.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			drivers = append(drivers, line)
		}
	}
	return drivers, nil
}
