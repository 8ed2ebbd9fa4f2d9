package macke

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"macke/internal/backend"
	"macke/internal/callgraph"
	"macke/internal/cgroups"
	"macke/internal/flipper"
	"macke/internal/fuzz"
	"macke/internal/klee"
	"macke/internal/metrics"
	"macke/internal/models"
	"macke/internal/scheduler"
	"macke/internal/telemetry"
)

// RunPhaseOne encapsulates every suitable function symbolically and
// analyzes each of them in isolation.
func (m *Macke) RunPhaseOne(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "phase-one")
	defer span.End()
	dispatch, stop := m.dispatchContext(ctx)
	defer stop()

	functions := m.cg.ListSymbolicEncapsulable(m.opts.RemoveMain())
	m.stats.functions = functions
	m.qprintf("[Phase-1] %d of %d functions are suitable for symbolic encapsulation", len(functions), m.cg.Len())

	if err := copyFile(m.dir.Program(), m.dir.SymMains()); err != nil {
		return fmt.Errorf("failed to copy program image: %w", err)
	}
	for _, fn := range functions {
		if fn == callgraph.Main {
			continue
		}
		if dispatch.Err() != nil {
			// nothing will be dispatched anyway
			log.Printf("[Phase-1] Warning: encapsulation stopped: %v", dispatch.Err())
			break
		}
		if err := m.tools.EncapsulateSymbolic(ctx, m.dir.SymMains(), fn, m.dir.SymMains()); err != nil {
			if ctx.Err() != nil {
				log.Printf("[Phase-1] Warning: encapsulation canceled: %v", ctx.Err())
				break
			}
			telemetry.AddSpanError(ctx, err)
			return err
		}
	}

	// flipper sessions produce several runs per task
	runs := make([][]*backend.Result, len(functions))
	tasks := make([]scheduler.Task, len(functions))
	for i, fn := range functions {
		i, fn := i, fn
		tasks[i] = scheduler.Task{
			Name: fn,
			Run: func(ctx context.Context) *backend.Result {
				results := m.analyzeFunction(ctx, fn)
				runs[i] = results
				return results[len(results)-1]
			},
		}
	}
	results := m.sched.RunBatchUntil(ctx, dispatch, tasks)

	var all []*backend.Result
	for i, r := range results {
		if runs[i] == nil {
			runs[i] = []*backend.Result{r}
		}
		all = append(all, runs[i]...)
	}
	m.stats.phaseOneRuns = len(all)
	m.register("1", all)
	m.stats.phaseOneErrFns = m.reg.CountFunctionsWithErrors()

	telemetry.AddSpanAttributes(ctx,
		attribute.Int("macke.functions", len(functions)),
		attribute.Int("macke.errors", m.reg.ErrorCount()),
	)
	m.qprintf("[Phase-1] Found %d errors spread over %d functions", m.reg.ErrorCount(), m.reg.CountFunctionsWithErrors())
	return nil
}

// analyzeFunction runs the configured backend on fn. Functions without a
// fuzz driver are always analyzed by KLEE.
func (m *Macke) analyzeFunction(ctx context.Context, fn string) []*backend.Result {
	switch {
	case m.opts.UseFlipper && m.drivers[fn]:
		return m.withGroup(ctx, fn, func(g *cgroups.Group) []*backend.Result {
			return m.flip(ctx, fn, g)
		})
	case m.opts.UseFuzzer && m.drivers[fn]:
		return m.withGroup(ctx, fn, func(g *cgroups.Group) []*backend.Result {
			return []*backend.Result{m.runSpan(ctx, "backend.fuzz", func(ctx context.Context) *backend.Result {
				return m.fuzzer.Run(ctx, fuzz.Run{
					Function:     fn,
					OutDir:       m.nextDir(1, backend.KindFuzz, fn, "", m.dir.Program()),
					Duration:     m.opts.FuzzTime,
					StopWhenDone: m.opts.StopFuzzWhenDone,
					Group:        g,
				})
			})}
		})
	}
	return []*backend.Result{m.runSpan(ctx, "backend.symbolic", func(ctx context.Context) *backend.Result {
		return m.klee.Run(ctx, klee.Run{
			Image:      m.dir.SymMains(),
			Function:   fn,
			OutDir:     m.nextDir(1, backend.KindSymbolic, fn, "", m.dir.SymMains()),
			Flags:      m.opts.KleeFlags(),
			PosixFlags: m.opts.PosixFlags(),
			Timeout:    m.opts.MaxTime,
		})
	})}
}

// withGroup holds a resource group of the fuzzer pool while fn runs.
func (m *Macke) withGroup(ctx context.Context, function string, fn func(g *cgroups.Group) []*backend.Result) []*backend.Result {
	var results []*backend.Result
	err := m.pool.With(ctx, func(g *cgroups.Group) error {
		results = fn(g)
		return nil
	})
	if err != nil {
		return []*backend.Result{{
			Kind:     backend.KindFuzz,
			Function: function,
			Err:      fmt.Errorf("no resource group for %s: %w", function, err),
		}}
	}
	return results
}

func (m *Macke) flip(ctx context.Context, fn string, g *cgroups.Group) []*backend.Result {
	ctx, span := telemetry.StartSpan(ctx, "backend.flipper", attribute.String("macke.function", fn))
	defer span.End()

	o := flipper.New(m.klee, m.fuzzer).Run(ctx, flipper.Session{
		Function:         fn,
		Image:            m.dir.SymMains(),
		Budget:           m.opts.FlipperTime,
		SymbolicSlice:    m.opts.MaxTime,
		FuzzSlice:        m.opts.FuzzTime,
		StopFuzzWhenDone: m.opts.StopFuzzWhenDone,
		Flags:            m.opts.limitFlags(),
		PosixFlags:       m.opts.PosixFlags(),
		Group:            g,
		NextOutDir: func(kind backend.Kind) string {
			image := m.dir.SymMains()
			if kind == backend.KindFuzz {
				image = m.dir.Program()
			}
			return m.nextDir(1, kind, fn, "", image)
		},
	})
	telemetry.AddSpanAttributes(ctx,
		attribute.Int("macke.runs", len(o.Results)),
		attribute.Bool("macke.converged", o.Converged),
	)
	if len(o.Results) == 0 {
		return []*backend.Result{{Kind: backend.KindSymbolic, Function: fn, Err: fmt.Errorf("flipper %s: %w", fn, ctx.Err())}}
	}
	return o.Results
}

func (m *Macke) nextDir(phase int, kind backend.Kind, function, target, image string) string {
	run := models.KleeRun{BCFile: image, Kind: string(kind), Phase: phase}
	if target == "" {
		run.Function = function
	} else {
		run.Caller = function
		run.Callee = target
	}
	return m.index.Next(run)
}

type edge struct {
	callgraph.Call
	errFiles []string
	image    string
}

// RunPhaseTwo propagates the registered errors along the call graph. The
// batches run one after another; the edges of a batch run in parallel.
func (m *Macke) RunPhaseTwo(ctx context.Context) error {
	m.timing.StartPhaseTwo = m.now()
	ctx, span := telemetry.StartSpan(ctx, "phase-two")
	defer span.End()
	dispatch, stop := m.dispatchContext(ctx)
	defer stop()

	batches := m.cg.GroupIndependentCalls(m.opts.RemoveMain())
	m.stats.batches = len(batches)
	for _, batch := range batches {
		m.stats.suitableCalls += len(batch)
	}
	for _, n := range m.cg.Nodes() {
		if n.Name != callgraph.NullFunction {
			m.stats.totalCalls += len(n.Calls)
		}
	}
	m.qprintf("[Phase-2] %d of %d calls are suitable for error chain propagation", m.stats.suitableCalls, m.stats.totalCalls)

	for k, batch := range batches {
		if dispatch.Err() != nil {
			log.Printf("[Phase-2] Warning: stopping before batch %d of %d: %v", k+1, len(batches), dispatch.Err())
			break
		}
		if err := m.runBatch(ctx, dispatch, k, batch); err != nil {
			telemetry.AddSpanError(ctx, err)
			return err
		}
	}

	stats := m.reg.Stats()
	m.qprintf("[Phase-2] %d additional KLEE analyses were started", m.stats.phaseTwoRuns)
	m.qprintf("[Phase-2] %d error chains were found through %d previously not affected functions",
		stats.Count, m.reg.CountFunctionsWithErrors()-m.stats.phaseOneErrFns)
	m.qprintf("[Phase-2] %d chains start in main", stats.FromMain)
	return nil
}

func (m *Macke) runBatch(ctx, dispatch context.Context, k int, batch []callgraph.Call) error {
	ctx, span := telemetry.StartSpan(ctx, "phase-two.batch",
		attribute.Int("macke.batch", k),
		attribute.Int("macke.calls", len(batch)),
	)
	defer span.End()

	var edges []edge
	skipped := 0
	for _, c := range batch {
		errFiles := m.reg.ToPrependInPhaseTwo(c.Caller, c.Callee, m.opts.ExcludeKnown)
		if len(errFiles) == 0 {
			skipped++
			continue
		}
		edges = append(edges, edge{Call: c, errFiles: errFiles, image: m.dir.EdgeImage(c.Caller, c.Callee)})
	}
	m.stats.skippedCalls += skipped
	metrics.RecordSkippedEdges(skipped)
	telemetry.AddSpanAttributes(ctx, attribute.Int("macke.skipped", skipped))
	if len(edges) == 0 {
		return nil
	}

	if err := m.prepareEdges(ctx, edges); err != nil {
		if ctx.Err() != nil {
			log.Printf("[Phase-2] Warning: batch %d canceled while preparing images: %v", k, ctx.Err())
			return nil
		}
		return err
	}

	tasks := make([]scheduler.Task, len(edges))
	for i, e := range edges {
		e := e
		tasks[i] = scheduler.Task{
			Name: e.String(),
			Run: func(ctx context.Context) *backend.Result {
				return m.runSpan(ctx, "backend.targeted", func(ctx context.Context) *backend.Result {
					return m.klee.Run(ctx, klee.Run{
						Image:      e.image,
						Function:   e.Caller,
						Target:     e.Callee,
						OutDir:     m.nextDir(2, backend.KindSymbolic, e.Caller, e.Callee, e.image),
						Flags:      m.opts.KleeFlags(),
						PosixFlags: m.opts.PosixFlags(),
						Timeout:    m.opts.MaxTime,
					})
				})
			},
		}
	}
	results := m.sched.RunBatchUntil(ctx, dispatch, tasks)
	for i, r := range results {
		// not dispatched results carry no edge
		if r.Caller == "" {
			r.Function, r.Caller, r.Callee = edges[i].Caller, edges[i].Caller, edges[i].Callee
		}
	}
	m.stats.phaseTwoRuns += len(results)
	m.register("2", results)
	return nil
}

// prepareEdges builds the private image of every edge: the symbolic mains
// with the callee's errors prepended.
func (m *Macke) prepareEdges(ctx context.Context, edges []edge) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.sched.Limit())
	for _, e := range edges {
		e := e
		g.Go(func() error {
			if err := m.tools.PrependError(ctx, m.dir.SymMains(), e.Callee, e.errFiles, e.image); err != nil {
				return err
			}
			return m.tools.OptimizeRedundantGlobals(ctx, e.image, e.image)
		})
	}
	return g.Wait()
}
