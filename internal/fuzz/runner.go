package fuzz

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"macke/internal/backend"
	"macke/internal/cgroups"
	"macke/internal/config"
	"macke/internal/proc"
	"macke/internal/registry"
)

// ErrNoConverter is returned when fuzzer inputs should be converted to
// ktest files but no converter is configured.
var ErrNoConverter = errors.New("no ktest converter configured")

// Run describes one fuzzing session of a single driver.
type Run struct {
	Function string
	OutDir   string
	// InputDir defaults to the manager's seed corpus.
	InputDir string
	// Duration is the maximum fuzzing time.
	Duration time.Duration
	// StopWhenDone ends the session early once the fuzzer is saturated.
	StopWhenDone bool
	// Group is the memory group to run in, may be nil.
	Group *cgroups.Group
}

type Runner struct {
	AFLFuzz        string
	KTestConverter string
	Manager        *Manager
	Saturation     config.Saturation
	// ReproduceTimeout bounds a single replay of a crashing input.
	ReproduceTimeout time.Duration
}

func NewRunner(cfg *config.Config, m *Manager) *Runner {
	return &Runner{
		AFLFuzz:          cfg.Binaries.AFLFuzz,
		KTestConverter:   cfg.Binaries.KTestConverter,
		Manager:          m,
		Saturation:       cfg.Saturation,
		ReproduceTimeout: 10 * time.Second,
	}
}

func (r *Runner) Args(run Run) []string {
	input := run.InputDir
	if input == "" {
		input = r.Manager.InputDir
	}
	return []string{"-i", input, "-o", run.OutDir, r.Manager.Target, "--fuzz-driver=" + run.Function}
}

// Run fuzzes one driver until its duration is over or, with StopWhenDone,
// until the fuzzer is saturated. Crashing inputs are replayed through the
// reproducer and every sanitizer report becomes a .fuzz.err file in OutDir.
func (r *Runner) Run(ctx context.Context, run Run) *backend.Result {
	result := &backend.Result{
		Kind:     backend.KindFuzz,
		Function: run.Function,
		Image:    r.Manager.Target,
		OutDir:   run.OutDir,
	}
	label := "fuzz " + run.Function

	fuzzCtx, stop := context.WithCancel(ctx)
	defer stop()

	var saturated atomic.Bool
	var wg sync.WaitGroup
	if run.StopWhenDone {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.watch(fuzzCtx, run.OutDir) {
				log.Printf("[%s] Fuzzer is saturated, stopping", label)
				saturated.Store(true)
				stop()
			}
		}()
	}

	out, err := proc.Run(fuzzCtx, proc.Command{
		Path:    r.AFLFuzz,
		Args:    r.Args(run),
		Env:     r.Manager.Env(),
		Wrapper: run.Group.Wrapper(),
		Timeout: run.Duration,
	})
	stop()
	wg.Wait()
	backend.EnsureDir(run.OutDir)
	if err != nil {
		result.Err = fmt.Errorf("%s: %w", label, err)
		return result
	}

	result.Output = out.Text
	result.ExitCode = out.ExitCode
	result.Duration = out.Duration
	backend.WriteOutput(run.OutDir, out.Text)

	result.Diagnostics = backend.ClassifyOutcome(out.ExitCode, out.Text, "")
	if out.Killed() {
		// fuzzing only ever ends by being killed
		result.Diagnostics.Crashed = false
		result.Diagnostics.Failed = false
		result.Diagnostics.OutOfTime = out.TimedOut && !saturated.Load()
	}
	if ctx.Err() != nil {
		result.Err = fmt.Errorf("%s: %w", label, ctx.Err())
		return result
	}
	if err := backend.RunError(result.Diagnostics, label, out.ExitCode, out.Text); err != nil {
		result.Err = err
		return result
	}

	queue := ListInputs(filepath.Join(run.OutDir, "queue"))
	crashes := ListInputs(filepath.Join(run.OutDir, "crashes"))
	result.TestCount = len(queue)
	result.Progress = len(crashes) > 0
	for _, q := range queue {
		if !strings.Contains(filepath.Base(q), ",orig:") {
			result.Progress = true
			break
		}
	}

	r.reproduceCrashes(ctx, run.Function, run.OutDir, crashes)
	files, err := backend.ScanErrorFiles(run.OutDir)
	if err != nil {
		log.Printf("[%s] Warning: %v", label, err)
	}
	result.ErrorFiles = files
	return result
}

// watch polls plot_data until the fuzzer is saturated or ctx is done.
func (r *Runner) watch(ctx context.Context, outDir string) bool {
	sat := NewSaturation(r.Saturation)
	plot := filepath.Join(outDir, "plot_data")
	ticker := time.NewTicker(r.Saturation.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		rows, err := ReadPlotData(plot)
		if err != nil {
			log.Printf("[fuzz] Warning: %v", err)
		}
		if len(rows) == 0 {
			continue
		}
		if sat.Observe(rows[len(rows)-1]) {
			return true
		}
	}
}

// ListInputs returns the AFL inputs ("id:" files) in dir, sorted.
func ListInputs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var inputs []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), "id:") {
			inputs = append(inputs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(inputs)
	return inputs
}

func (r *Runner) reproduceCrashes(ctx context.Context, function, outDir string, crashes []string) {
	for i, crash := range crashes {
		report, err := r.Reproduce(ctx, function, crash)
		if err != nil {
			log.Printf("[fuzz %s] Warning: %v", function, err)
			continue
		}
		if report == nil {
			log.Printf("[fuzz %s] Warning: crash %s does not reproduce", function, filepath.Base(crash))
			continue
		}

		errFile := filepath.Join(outDir, fmt.Sprintf("crash%06d.fuzz.err", i))
		if err := report.WriteErrorFile(errFile, crash); err != nil {
			log.Printf("[fuzz %s] Warning: failed to write %s: %v", function, errFile, err)
			continue
		}
		if r.KTestConverter == "" {
			continue
		}
		ktest, _ := registry.CorrespondingKTest(errFile)
		if err := r.ConvertInput(ctx, function, crash, ktest); err != nil {
			log.Printf("[fuzz %s] Warning: %v", function, err)
		}
	}
}

// Reproduce replays input through the ASan reproducer. A nil report means
// the input did not trigger a sanitizer error.
func (r *Runner) Reproduce(ctx context.Context, function, input string) (*ASanReport, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out, err := proc.Run(ctx, proc.Command{
		Path:    r.Manager.Reproducer,
		Args:    []string{"--fuzz-driver=" + function},
		Stdin:   f,
		Timeout: r.ReproduceTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run reproducer: %w", err)
	}
	return ParseASan(out.Text), nil
}

// ConvertInput turns one fuzzer input into a ktest file KLEE can replay.
func (r *Runner) ConvertInput(ctx context.Context, function, input, ktest string) error {
	if r.KTestConverter == "" {
		return ErrNoConverter
	}
	out, err := proc.Run(ctx, proc.Command{
		Path:    r.KTestConverter,
		Args:    []string{function, input, ktest},
		Timeout: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", input, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("failed to convert %s: exit status %d: %s", input, out.ExitCode, strings.TrimSpace(out.Text))
	}
	return nil
}

// ConvertQueue converts every input of the fuzzer queue in outDir into
// seedDir and returns the number of ktest files written.
func (r *Runner) ConvertQueue(ctx context.Context, function, outDir, seedDir string) (int, error) {
	if r.KTestConverter == "" {
		return 0, ErrNoConverter
	}
	if err := os.MkdirAll(seedDir, 0755); err != nil {
		return 0, err
	}
	n := 0
	for _, input := range ListInputs(filepath.Join(outDir, "queue")) {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ktest := filepath.Join(seedDir, fmt.Sprintf("test%06d.ktest", n+1))
		if err := r.ConvertInput(ctx, function, input, ktest); err != nil {
			log.Printf("[fuzz %s] Warning: %v", function, err)
			continue
		}
		n++
	}
	return n, nil
}
