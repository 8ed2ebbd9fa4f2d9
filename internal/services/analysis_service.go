package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"macke/internal/config"
	"macke/internal/macke"
	"macke/internal/metrics"
	"macke/internal/models"
	"macke/internal/submission"
	"macke/internal/telemetry"
)

var (
	ErrAnalysisNotFound = errors.New("analysis not found")
	ErrAnalysisFinished = errors.New("analysis already finished")
	ErrInvalidRequest   = errors.New("invalid analysis request")
)

type AnalysisService interface {
	GetStatus() models.Status
	SubmitAnalysis(req models.AnalysisRequest) (uuid.UUID, error)
	GetAnalysis(id uuid.UUID) (models.Analysis, error)
	CancelAnalysis(id uuid.UUID) error
	CancelAllAnalyses() error
}

// Settings configure the analysis service.
type Settings struct {
	WorkDir string
	// MaxConcurrent analyses run at once, the others stay pending.
	MaxConcurrent int
	// Client receives the chains of every finished analysis if set.
	Client *submission.Client
	Quiet  bool
}

// runFunc performs one analysis and returns its summary and run directory.
type runFunc func(ctx context.Context, opts macke.Options) (*models.Summary, string, error)

type analysisEntry struct {
	analysis models.Analysis
	opts     macke.Options
	cancel   context.CancelFunc
}

type defaultAnalysisService struct {
	mu       sync.RWMutex
	analyses map[uuid.UUID]*analysisEntry

	settings Settings
	slots    *semaphore.Weighted
	run      runFunc
	started  time.Time
	wg       sync.WaitGroup
}

func NewAnalysisService(cfg *config.Config, settings Settings) (AnalysisService, error) {
	if settings.WorkDir == "" {
		settings.WorkDir = macke.DefaultOptions().ParentDir
	}
	if err := os.MkdirAll(settings.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory %s: %w", settings.WorkDir, err)
	}
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}
	return newAnalysisService(settings, runMacke(cfg)), nil
}

func newAnalysisService(settings Settings, run runFunc) *defaultAnalysisService {
	return &defaultAnalysisService{
		analyses: make(map[uuid.UUID]*analysisEntry),
		settings: settings,
		slots:    semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		run:      run,
		started:  time.Now(),
	}
}

func runMacke(cfg *config.Config) runFunc {
	return func(ctx context.Context, opts macke.Options) (*models.Summary, string, error) {
		m, err := macke.New(cfg, opts)
		if err != nil {
			return nil, "", err
		}
		summary, err := m.Run(ctx)
		dir := ""
		if m.RunDir() != nil {
			dir = m.RunDir().Root
		}
		return summary, dir, err
	}
}

func (s *defaultAnalysisService) GetStatus() models.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return models.Status{
		Ready:   true,
		Since:   s.started.Unix(),
		State:   models.StatusState{Analyses: s.countLocked()},
		Version: macke.Version,
	}
}

func (s *defaultAnalysisService) countLocked() models.StatusAnalysesState {
	var st models.StatusAnalysesState
	for _, e := range s.analyses {
		switch e.analysis.State {
		case models.AnalysisPending:
			st.Pending++
		case models.AnalysisRunning:
			st.Running++
		case models.AnalysisSucceeded:
			st.Succeeded++
		case models.AnalysisFailed:
			st.Failed++
		case models.AnalysisCanceled:
			st.Canceled++
		}
	}
	return st
}

// publishLocked updates the analyses gauge. Callers hold s.mu.
func (s *defaultAnalysisService) publishLocked() {
	st := s.countLocked()
	metrics.SetAnalyses(map[string]int{
		string(models.AnalysisPending):   st.Pending,
		string(models.AnalysisRunning):   st.Running,
		string(models.AnalysisSucceeded): st.Succeeded,
		string(models.AnalysisFailed):    st.Failed,
		string(models.AnalysisCanceled):  st.Canceled,
	})
}

// SubmitAnalysis queues an analysis and returns its ID. The analysis starts
// as soon as a slot is free.
func (s *defaultAnalysisService) SubmitAnalysis(req models.AnalysisRequest) (uuid.UUID, error) {
	id := uuid.New()
	opts := s.options(id, req)
	if err := opts.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := os.Stat(req.Bitcode); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &analysisEntry{
		analysis: models.Analysis{
			ID:      id,
			State:   models.AnalysisPending,
			Request: req,
			Created: time.Now().Unix(),
		},
		opts:   opts,
		cancel: cancel,
	}

	s.mu.Lock()
	s.analyses[id] = e
	s.publishLocked()
	s.mu.Unlock()

	log.Printf("[Analysis %s] Queued analysis of %s", id, req.Bitcode)
	s.wg.Add(1)
	go s.execute(ctx, e)
	return id, nil
}

func (s *defaultAnalysisService) options(id uuid.UUID, req models.AnalysisRequest) macke.Options {
	opts := macke.DefaultOptions()
	opts.Bitcode = req.Bitcode
	opts.ParentDir = s.settings.WorkDir
	opts.Comment = req.Comment
	opts.SymArgs = req.SymArgs
	opts.SymFiles = req.SymFiles
	opts.UseFuzzer = req.UseFuzzer
	opts.UseFlipper = req.UseFlipper
	opts.StopFuzzWhenDone = req.StopFuzzWhenDone
	opts.Libraries = req.Libraries
	opts.Threads = req.Threads
	opts.Quiet = s.settings.Quiet
	opts.Argv = []string{"macke-server", id.String()}
	if req.MaxTime > 0 {
		opts.MaxTime = time.Duration(req.MaxTime) * time.Second
	}
	if req.MaxInstTime > 0 {
		opts.MaxInstructionTime = time.Duration(req.MaxInstTime) * time.Second
	}
	if req.FuzzTime > 0 {
		opts.FuzzTime = time.Duration(req.FuzzTime) * time.Second
	}
	if req.ExcludeKnown != nil {
		opts.ExcludeKnown = *req.ExcludeKnown
	}
	if req.Timeout > 0 {
		opts.RunTimeout = time.Duration(req.Timeout) * time.Second
	}
	return opts
}

func (s *defaultAnalysisService) execute(ctx context.Context, e *analysisEntry) {
	defer s.wg.Done()
	defer e.cancel()
	id := e.analysis.ID

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.finish(e, nil, "", err, true)
		return
	}
	defer s.slots.Release(1)

	s.mu.Lock()
	e.analysis.State = models.AnalysisRunning
	s.publishLocked()
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "analysis", attribute.String("analysis.id", id.String()))
	defer span.End()

	log.Printf("[Analysis %s] Started", id)
	summary, dir, err := s.run(ctx, e.opts)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
	}
	s.finish(e, summary, dir, err, ctx.Err() != nil)

	if err == nil && summary != nil && s.settings.Client != nil {
		if _, err := s.settings.Client.SubmitSummary(id, e.opts.Bitcode, summary); err != nil {
			log.Printf("[Analysis %s] Warning: %v", id, err)
		}
	}
}

// finish records the outcome. A canceled analysis keeps the summary
// written before it stopped.
func (s *defaultAnalysisService) finish(e *analysisEntry, summary *models.Summary, dir string, err error, canceled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &e.analysis
	a.Summary = summary
	a.RunDir = dir
	a.Finished = time.Now().Unix()
	switch {
	case canceled:
		a.State = models.AnalysisCanceled
	case err != nil:
		a.State = models.AnalysisFailed
	default:
		a.State = models.AnalysisSucceeded
	}
	if err != nil {
		a.Error = err.Error()
	}
	s.publishLocked()
	log.Printf("[Analysis %s] Finished with state %s", a.ID, a.State)
}

func (s *defaultAnalysisService) GetAnalysis(id uuid.UUID) (models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.analyses[id]
	if !ok {
		return models.Analysis{}, fmt.Errorf("%w: %s", ErrAnalysisNotFound, id)
	}
	return e.analysis, nil
}

// CancelAnalysis stops a pending or running analysis. The state changes
// to canceled once the run has written its summary.
func (s *defaultAnalysisService) CancelAnalysis(id uuid.UUID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.analyses[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAnalysisNotFound, id)
	}
	if e.analysis.Finished != 0 {
		return fmt.Errorf("%w: %s is %s", ErrAnalysisFinished, id, e.analysis.State)
	}
	e.cancel()
	return nil
}

func (s *defaultAnalysisService) CancelAllAnalyses() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.analyses {
		if e.analysis.Finished == 0 {
			e.cancel()
		}
	}
	return nil
}

// wait blocks until every submitted analysis has finished.
func (s *defaultAnalysisService) wait() {
	s.wg.Wait()
}
