// Package macke runs the compositional analysis of one program: every
// function is analyzed in isolation first, then the errors found are
// propagated along the call graph to build error chains.
package macke

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"macke/internal/backend"
	"macke/internal/callgraph"
	"macke/internal/cgroups"
	"macke/internal/config"
	"macke/internal/flipper"
	"macke/internal/fuzz"
	"macke/internal/klee"
	"macke/internal/llvm"
	"macke/internal/metrics"
	"macke/internal/models"
	"macke/internal/registry"
	"macke/internal/scheduler"
	"macke/internal/telemetry"
)

const Version = "1.0.0"

// Toolchain is the set of compiler passes the analysis depends on.
type Toolchain interface {
	callgraph.Extractor
	EncapsulateSymbolic(ctx context.Context, src, function, dest string) error
	PrependError(ctx context.Context, src, function string, errFiles []string, dest string) error
	OptimizeRedundantGlobals(ctx context.Context, src, dest string) error
}

// Macke is one analysis run. Initialize, RunPhaseOne, RunPhaseTwo and
// Finalize must be called in this order; Run does all of it.
type Macke struct {
	cfg  *config.Config
	opts Options

	tools Toolchain
	klee  flipper.SymbolicRunner
	sched *scheduler.Scheduler

	// set up by Initialize
	runID   uuid.UUID
	dir     *RunDir
	index   *KleeIndex
	cg      *callgraph.CallGraph
	reg     *registry.Registry
	fuzzer  *fuzz.Runner
	pool    *cgroups.Pool
	drivers map[string]bool

	stats  runStats
	timing models.Timing
	now    func() time.Time

	// deadline for starting backend runs, zero without a run timeout
	deadline time.Time
}

// runStats is only touched by the goroutine driving the phases.
type runStats struct {
	functions      []string
	phaseOneRuns   int
	phaseTwoRuns   int
	testcases      int
	timeouts       int
	outOfMemory    int
	crashed        int
	failed         []string
	errorRuns      map[string][]string
	suitableCalls  int
	totalCalls     int
	skippedCalls   int
	batches        int
	phaseOneErrFns int
}

// New validates opts and wires the toolchain of cfg.
func New(cfg *config.Config, opts Options) (*Macke, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = cfg.ThreadCount()
	}
	m := &Macke{
		cfg:   cfg,
		opts:  opts,
		tools: llvm.New(cfg),
		klee:  klee.NewRunner(cfg),
		sched: scheduler.New(threads),
		now:   time.Now,
	}
	m.stats.errorRuns = make(map[string][]string)
	if !opts.Quiet {
		m.sched.OnProgress = func(done, total int) {
			log.Printf("[macke] %d of %d backend runs done", done, total)
		}
	}
	return m, nil
}

func (m *Macke) qprintf(format string, args ...interface{}) {
	if !m.opts.Quiet {
		log.Printf(format, args...)
	}
}

// RunDir returns the output directory, nil before Initialize.
func (m *Macke) RunDir() *RunDir { return m.dir }

func (m *Macke) Registry() *registry.Registry { return m.reg }

func (m *Macke) CallGraph() *callgraph.CallGraph { return m.cg }

func (m *Macke) Index() *KleeIndex { return m.index }

func (m *Macke) RunID() uuid.UUID { return m.runID }

// Run performs the complete analysis and returns its summary. Only a
// failing compiler pass or a run directory that cannot be set up is
// reported as an error; failing backend runs end up in the summary.
func (m *Macke) Run(ctx context.Context) (*models.Summary, error) {
	ctx, span := telemetry.StartSpan(ctx, "macke.run",
		attribute.String("macke.bitcode", m.opts.Bitcode),
		attribute.Int("macke.threads", m.sched.Limit()),
	)
	defer span.End()

	if err := m.Initialize(ctx); err != nil {
		telemetry.AddSpanError(ctx, err)
		return nil, err
	}

	// the run-wide timeout only stops dispatching, runs in flight and
	// finalization are not affected
	if m.opts.RunTimeout > 0 {
		m.deadline = m.now().Add(m.opts.RunTimeout)
	}

	if err := m.RunPhaseOne(ctx); err != nil {
		telemetry.AddSpanError(ctx, err)
		return nil, err
	}
	if err := m.RunPhaseTwo(ctx); err != nil {
		telemetry.AddSpanError(ctx, err)
		return nil, err
	}
	summary, err := m.Finalize()
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return summary, err
	}
	telemetry.AddSpanAttributes(ctx,
		attribute.Int("macke.errors", summary.TotalErrors),
		attribute.Int("macke.chains", summary.Chains),
	)
	return summary, nil
}

// Initialize creates the run directory, copies the bitcode into it, writes
// info.json and options.json, extracts the call graph and, when fuzzing,
// builds the fuzz target.
func (m *Macke) Initialize(ctx context.Context) error {
	start := m.now()
	m.timing.Start = start
	m.runID = uuid.New()

	dir, err := CreateRunDir(m.opts.ParentDir, start)
	if err != nil {
		return err
	}
	m.dir = dir
	m.index = NewKleeIndex(dir)

	if err := copyFile(m.opts.Bitcode, dir.Program()); err != nil {
		return fmt.Errorf("failed to copy %s: %w", m.opts.Bitcode, err)
	}
	info := models.Info{
		RunID:               m.runID,
		Version:             Version,
		AnalyzedBitcodeFile: m.opts.Bitcode,
		Argv:                m.opts.Argv,
		Comment:             m.opts.Comment,
		Start:               start,
	}
	if err := dir.WriteJSON("info.json", info); err != nil {
		return err
	}
	if err := dir.WriteJSON("options.json", m.opts.file(m.sched.Limit())); err != nil {
		return err
	}
	if err := dir.WriteJSON("klee.json", map[string]models.KleeRun{}); err != nil {
		return err
	}
	m.qprintf("[macke] Start analysis of %s in %s", m.opts.Bitcode, dir.Root)

	cg, err := callgraph.Build(ctx, m.tools, dir.Program())
	if err != nil {
		return err
	}
	m.cg = cg
	if err := cg.GenerateDOTFile(dir.Path("callgraph.dot")); err != nil {
		log.Printf("[macke] Warning: %v", err)
	}
	m.reg = registry.New(registry.Options{
		Containment: m.opts.Containment,
		Functions:   registry.NewProgramFunctionSet(cg.Names()...),
	})

	if m.opts.fuzzing() {
		if err := m.initFuzzing(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Macke) initFuzzing(ctx context.Context) error {
	manager := fuzz.NewManager(m.cfg, m.dir.FuzzDir())
	manager.Libraries = m.opts.Libraries
	source := m.dir.Program()
	if m.opts.FuzzBitcode != "" {
		source = m.opts.FuzzBitcode
	}
	if err := manager.Prepare(ctx, source); err != nil {
		return err
	}
	if err := manager.InitInputDir(); err != nil {
		return err
	}
	drivers, err := manager.ListDrivers(ctx)
	if err != nil {
		return err
	}
	m.drivers = make(map[string]bool, len(drivers))
	for _, d := range drivers {
		m.drivers[d] = true
	}

	m.pool = cgroups.NewPool(m.cfg, m.sched.Limit())
	if m.pool.Enabled() {
		if err := m.pool.Validate(); err != nil {
			return fmt.Errorf("cgroups are not set up: %w", err)
		}
	}
	m.fuzzer = fuzz.NewRunner(m.cfg, manager)
	m.qprintf("[macke] Fuzz target with %d drivers built in %s", len(drivers), manager.BuildDir)
	return nil
}

// IsFatal reports whether err aborts an analysis run.
func IsFatal(err error) bool {
	var tie *llvm.ToolInvocationError
	return errors.As(err, &tie)
}

// register records finished runs of a phase and adds their error reports
// to the registry. It runs on the driving goroutine after a batch barrier.
func (m *Macke) register(phase string, runs []*backend.Result) {
	for _, r := range runs {
		metrics.RecordBackendRun(phase, r)
		m.stats.testcases += r.TestCount
		if r.Diagnostics.OutOfTime {
			m.stats.timeouts++
		}
		if r.Diagnostics.OutOfMemory {
			m.stats.outOfMemory++
		}
		if r.Failed() {
			label := r.Function
			if r.IsTargeted() {
				label = r.Caller + "->" + r.Callee
			}
			if r.Diagnostics.Crashed {
				m.stats.crashed++
			}
			m.stats.failed = append(m.stats.failed, label)
			log.Printf("[Phase-%s %s] Warning: run failed: %v", phase, label, r.Err)
		}

		registered := 0
		for _, errFile := range r.ErrorFiles {
			e, err := m.reg.RegisterFile(errFile, r.Function)
			if err != nil {
				metrics.RecordDroppedError(registry.DropReason(err))
				log.Printf("[Phase-%s %s] Warning: skipping %s: %v", phase, r.Function, errFile, err)
				continue
			}
			metrics.RecordRegisteredError(e.IsPropagated())
			registered++
		}
		if registered > 0 {
			m.stats.errorRuns[r.Function] = append(m.stats.errorRuns[r.Function], r.OutDir)
		}
	}
}

// dispatchContext is done once no further backend run may start: when ctx
// is done or the run-wide timeout has expired.
func (m *Macke) dispatchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, m.deadline)
}

func (m *Macke) runSpan(ctx context.Context, name string, run func(ctx context.Context) *backend.Result) *backend.Result {
	ctx, span := telemetry.StartSpan(ctx, name)
	defer span.End()
	r := run(ctx)
	telemetry.AddSpanAttributes(ctx, telemetry.ResultAttributes(r)...)
	telemetry.AddSpanError(ctx, r.Err)
	return r
}
