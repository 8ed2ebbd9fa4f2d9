// Package klee runs the KLEE symbolic executor on encapsulated functions.
package klee

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"macke/internal/backend"
	"macke/internal/config"
	"macke/internal/proc"
	"macke/internal/registry"
)

// DefaultFlags are passed to every KLEE run.
var DefaultFlags = []string{
	"--allow-external-sym-calls",
	"--istats-write-interval=3600",
	"--libc=uclibc",
	"--max-memory=1000",
	"--only-output-states-covering-new",
	"--optimize",
	"--output-source=false",
	"--posix-runtime",
	"--stats-write-interval=3600",
	"--watchdog",
}

// TargetedSearch is the search strategy aiming at a call site.
const TargetedSearch = "ld2t"

var testCountRe = regexp.MustCompile(`KLEE: done: generated tests = (\d+)`)

// Run describes one KLEE invocation.
type Run struct {
	Image    string
	Function string
	OutDir   string
	// Target makes the run a targeted search for calls to this function.
	Target string
	// Flags are added to DefaultFlags, e.g. --max-time.
	Flags []string
	// PosixFlags (symbolic arguments and files) are only used for main.
	PosixFlags []string
	// SeedDir holds concrete inputs to replay before exploring.
	SeedDir string
	// Timeout is the run's own budget; the process group is killed after
	// Timeout plus the configured grace period.
	Timeout time.Duration
}

type Runner struct {
	Klee  string
	Grace time.Duration
}

func NewRunner(cfg *config.Config) *Runner {
	return &Runner{Klee: cfg.Binaries.Klee, Grace: cfg.Grace()}
}

// Args builds the command line of r. POSIX flags must follow the image.
func (k *Runner) Args(r Run) []string {
	args := []string{"--output-dir=" + r.OutDir}
	if r.Target != "" {
		args = append(args, "--search="+TargetedSearch, "--targeted-function="+r.Target)
	}
	args = append(args, r.Flags...)
	args = append(args, DefaultFlags...)
	if r.SeedDir != "" {
		args = append(args, "--seed-out-dir="+r.SeedDir, "--named-seed-matching", "--allow-seed-extension")
	}
	if r.Function != "main" {
		args = append(args, "--entry-point", EntryPoint(r.Function))
	}
	args = append(args, r.Image)
	if r.Function == "main" {
		args = append(args, r.PosixFlags...)
	}
	return args
}

// EntryPoint is the name of the symbolic wrapper of function.
func EntryPoint(function string) string {
	return "macke_" + function + "_main"
}

// Run executes KLEE and collects its results. Timeouts and memory limits
// are reported as diagnostics; a crash or an error status of KLEE itself
// sets Result.Err.
// The output directory always exists when Run returns.
func (k *Runner) Run(ctx context.Context, r Run) *backend.Result {
	result := &backend.Result{
		Kind:     backend.KindSymbolic,
		Function: r.Function,
		Image:    r.Image,
		OutDir:   r.OutDir,
	}
	if r.Target != "" {
		result.Caller = r.Function
		result.Callee = r.Target
	}
	label := "klee " + r.Function
	if r.Target != "" {
		label = "klee " + r.Function + "->" + r.Target
	}

	timeout := time.Duration(0)
	if r.Timeout > 0 {
		timeout = r.Timeout + k.Grace
	}
	out, err := proc.Run(ctx, proc.Command{
		Path:    k.Klee,
		Args:    k.Args(r),
		Timeout: timeout,
	})
	backend.EnsureDir(r.OutDir)
	if err != nil {
		result.Err = fmt.Errorf("%s: %w", label, err)
		return result
	}

	result.Output = out.Text
	result.ExitCode = out.ExitCode
	result.Duration = out.Duration
	backend.WriteOutput(r.OutDir, out.Text)

	result.TestCount = ParseTestCount(out.Text)
	result.Progress = result.TestCount > 0
	result.Diagnostics = backend.ClassifyOutcome(out.ExitCode, out.Text, r.Target)
	if out.Killed() {
		// killed by us, not crashed
		result.Diagnostics.Crashed = false
		result.Diagnostics.Failed = false
		result.Diagnostics.OutOfTime = result.Diagnostics.OutOfTime || out.TimedOut
	}

	files, err := backend.ScanErrorFiles(r.OutDir)
	if err != nil {
		log.Printf("[%s] Warning: %v", label, err)
	}
	result.ErrorFiles = files
	for _, f := range files {
		if strings.HasSuffix(f, registry.PropagatedSuffix) {
			result.Diagnostics.ReachedTarget = true
			break
		}
	}

	if out.Canceled {
		result.Err = fmt.Errorf("%s: %w", label, ctx.Err())
	} else {
		result.Err = backend.RunError(result.Diagnostics, label, out.ExitCode, out.Text)
	}
	return result
}

// ParseTestCount reads the number of generated tests from KLEE's output.
func ParseTestCount(output string) int {
	m := testCountRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// CheckTargetedSearch verifies that the KLEE binary supports the targeted
// search used for call edges.
func (k *Runner) CheckTargetedSearch(ctx context.Context) error {
	out, err := proc.Run(ctx, proc.Command{Path: k.Klee, Args: []string{"-help"}, Timeout: time.Minute})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", k.Klee, err)
	}
	for _, want := range []string{"=" + TargetedSearch, "-targeted-function"} {
		if !strings.Contains(out.Text, want) {
			return fmt.Errorf("%s does not support targeted search (%s missing)", k.Klee, want)
		}
	}
	return nil
}
