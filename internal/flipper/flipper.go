// Package flipper alternates symbolic execution and fuzzing on a single
// function until neither makes progress or the time budget is spent.
package flipper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"macke/internal/backend"
	"macke/internal/cgroups"
	"macke/internal/fuzz"
	"macke/internal/klee"
)

type SymbolicRunner interface {
	Run(ctx context.Context, r klee.Run) *backend.Result
}

type FuzzRunner interface {
	Run(ctx context.Context, r fuzz.Run) *backend.Result
	ConvertQueue(ctx context.Context, function, outDir, seedDir string) (int, error)
}

type State string

const (
	RunningSymbolic State = "symbolic"
	RunningFuzz     State = "fuzz"
	Evaluating      State = "evaluate"
	FinalSymbolic   State = "final-symbolic"
	Done            State = "done"
)

// Session is the analysis of one function.
type Session struct {
	Function string
	Image    string
	// Budget is the total time for all runs of the session.
	Budget        time.Duration
	SymbolicSlice time.Duration
	FuzzSlice     time.Duration
	// StopFuzzWhenDone ends fuzz runs early once the fuzzer is saturated.
	StopFuzzWhenDone bool

	// Flags are passed to every KLEE run, the time limit is added per run.
	Flags      []string
	PosixFlags []string
	Group      *cgroups.Group

	// NextOutDir returns a fresh output directory for a run of kind.
	NextOutDir func(kind backend.Kind) string
}

// Outcome lists every run of a session in execution order.
type Outcome struct {
	Results []*backend.Result
	States  []State
	// Converged is set when the loop ended because nothing progressed.
	Converged bool
}

type Flipper struct {
	Symbolic SymbolicRunner
	Fuzz     FuzzRunner
	now      func() time.Time
}

func New(symbolic SymbolicRunner, fz FuzzRunner) *Flipper {
	return &Flipper{Symbolic: symbolic, Fuzz: fz, now: time.Now}
}

// Run drives the session: symbolic run, evaluation, fuzz run, evaluation,
// and so on. A symbolic run progresses when it covers source lines no
// earlier run of the session covered, a fuzz run when the fuzzer's path
// total grows over the previous slice. Each fuzz slice resumes from the
// queue of the one before. The loop ends when the latest symbolic and fuzz
// runs both made no progress, or when a full round no longer fits into the
// budget. In the latter case the remaining time is spent on one last
// symbolic run.
func (f *Flipper) Run(ctx context.Context, s Session) *Outcome {
	label := "flipper " + s.Function
	deadline := f.now().Add(s.Budget)
	remaining := func() time.Duration { return deadline.Sub(f.now()) }

	o := &Outcome{}
	enter := func(st State) { o.States = append(o.States, st) }

	var (
		seedDir      string
		fuzzInput    string
		symProgress  *bool
		fuzzProgress *bool
		canConvert   = true
		reached      = newProgress()
	)

	state := RunningSymbolic
	for state != Done {
		if ctx.Err() != nil {
			break
		}
		if state == RunningSymbolic && remaining() < s.SymbolicSlice+s.FuzzSlice {
			state = FinalSymbolic
		}
		enter(state)

		switch state {
		case RunningSymbolic:
			r := f.symbolic(ctx, s, s.SymbolicSlice, seedDir)
			grown, err := reached.symbolic(r.OutDir)
			if err != nil {
				log.Printf("[%s] Warning: no coverage of %s: %v", label, r.OutDir, err)
			}
			r.Progress = grown
			o.Results = append(o.Results, r)
			symProgress = &r.Progress
			state = Evaluating

		case RunningFuzz:
			fr := f.Fuzz.Run(ctx, fuzz.Run{
				Function:     s.Function,
				OutDir:       s.NextOutDir(backend.KindFuzz),
				InputDir:     fuzzInput,
				Duration:     s.FuzzSlice,
				StopWhenDone: s.StopFuzzWhenDone,
				Group:        s.Group,
			})
			grown, err := reached.fuzz(fr.OutDir)
			if err != nil {
				log.Printf("[%s] Warning: no fuzzer stats in %s: %v", label, fr.OutDir, err)
			}
			fr.Progress = grown
			o.Results = append(o.Results, fr)
			fuzzProgress = &fr.Progress
			if queue := filepath.Join(fr.OutDir, "queue"); len(fuzz.ListInputs(queue)) > 0 {
				fuzzInput = queue
			}
			if fr.Progress && canConvert && fr.Err == nil {
				dir := filepath.Join(fr.OutDir, "ktests")
				n, err := f.Fuzz.ConvertQueue(ctx, s.Function, fr.OutDir, dir)
				switch {
				case errors.Is(err, fuzz.ErrNoConverter):
					log.Printf("[%s] Warning: fuzzer inputs cannot be replayed symbolically: %v", label, err)
					canConvert = false
				case err != nil:
					log.Printf("[%s] Warning: converting fuzzer queue: %v", label, err)
				case n > 0:
					seedDir = dir
				}
			}
			state = Evaluating

		case Evaluating:
			last := o.Results[len(o.Results)-1]
			switch {
			case symProgress != nil && fuzzProgress != nil && !*symProgress && !*fuzzProgress:
				o.Converged = true
				state = Done
			case last.Kind == backend.KindSymbolic:
				state = RunningFuzz
			default:
				state = RunningSymbolic
			}

		case FinalSymbolic:
			if left := remaining(); left > 0 {
				r := f.symbolic(ctx, s, left, seedDir)
				r.Progress, _ = reached.symbolic(r.OutDir)
				o.Results = append(o.Results, r)
			}
			state = Done
		}
	}
	enter(Done)

	log.Printf("[%s] %d runs, %d lines covered, converged: %v", label, len(o.Results), reached.covered(), o.Converged)
	return o
}

func (f *Flipper) symbolic(ctx context.Context, s Session, slice time.Duration, seedDir string) *backend.Result {
	flags := append(append([]string{}, s.Flags...), fmt.Sprintf("--max-time=%d", int(slice.Seconds())))
	return f.Symbolic.Run(ctx, klee.Run{
		Image:      s.Image,
		Function:   s.Function,
		OutDir:     s.NextOutDir(backend.KindSymbolic),
		Flags:      flags,
		PosixFlags: s.PosixFlags,
		SeedDir:    seedDir,
		Timeout:    slice,
	})
}
