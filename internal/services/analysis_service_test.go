package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macke/internal/macke"
	"macke/internal/models"
	"macke/internal/submission"
)

func bitcode(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.bc")
	require.NoError(t, os.WriteFile(path, []byte("BC"), 0644))
	return path
}

func summaryWithChains(n int) *models.Summary {
	s := &models.Summary{Chains: n}
	for i := 0; i < n; i++ {
		s.ErrorChains = append(s.ErrorChains, models.Chain{ID: i, VulnerableLocation: "/src/prog.c:1", Trace: []string{"f"}, Length: 1})
	}
	return s
}

func TestSubmitAnalysisSucceeds(t *testing.T) {
	var got macke.Options
	svc := newAnalysisService(Settings{WorkDir: t.TempDir(), MaxConcurrent: 1, Quiet: true},
		func(ctx context.Context, opts macke.Options) (*models.Summary, string, error) {
			got = opts
			return summaryWithChains(2), "/tmp/run", nil
		})

	exclude := false
	req := models.AnalysisRequest{
		Bitcode:      bitcode(t),
		MaxTime:      30,
		SymArgs:      []string{"1", "1", "4"},
		ExcludeKnown: &exclude,
		Timeout:      600,
	}
	id, err := svc.SubmitAnalysis(req)
	require.NoError(t, err)
	svc.wait()

	a, err := svc.GetAnalysis(id)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisSucceeded, a.State)
	assert.Equal(t, "/tmp/run", a.RunDir)
	require.NotNil(t, a.Summary)
	assert.Equal(t, 2, a.Summary.Chains)
	assert.NotZero(t, a.Finished)

	assert.Equal(t, 30*time.Second, got.MaxTime)
	assert.Equal(t, 10*time.Minute, got.RunTimeout)
	assert.False(t, got.ExcludeKnown)
	assert.False(t, got.RemoveMain())
	assert.Equal(t, []string{"macke-server", id.String()}, got.Argv)

	status := svc.GetStatus()
	assert.True(t, status.Ready)
	assert.Equal(t, macke.Version, status.Version)
	assert.Equal(t, models.StatusAnalysesState{Succeeded: 1}, status.State.Analyses)
}

func TestSubmitAnalysisRejectsInvalidRequests(t *testing.T) {
	svc := newAnalysisService(Settings{WorkDir: t.TempDir(), MaxConcurrent: 1},
		func(ctx context.Context, opts macke.Options) (*models.Summary, string, error) {
			t.Fatal("invalid request was run")
			return nil, "", nil
		})

	_, err := svc.SubmitAnalysis(models.AnalysisRequest{Bitcode: bitcode(t), SymArgs: []string{"1", "2"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.SubmitAnalysis(models.AnalysisRequest{Bitcode: filepath.Join(t.TempDir(), "missing.bc")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, models.StatusAnalysesState{}, svc.GetStatus().State.Analyses)
}

func TestFailedAnalysis(t *testing.T) {
	svc := newAnalysisService(Settings{WorkDir: t.TempDir(), MaxConcurrent: 1},
		func(ctx context.Context, opts macke.Options) (*models.Summary, string, error) {
			return nil, "", assert.AnError
		})

	id, err := svc.SubmitAnalysis(models.AnalysisRequest{Bitcode: bitcode(t)})
	require.NoError(t, err)
	svc.wait()

	a, err := svc.GetAnalysis(id)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFailed, a.State)
	assert.Equal(t, assert.AnError.Error(), a.Error)
	assert.ErrorIs(t, svc.CancelAnalysis(id), ErrAnalysisFinished)
}

func TestCancelRunningAndPendingAnalyses(t *testing.T) {
	started := make(chan struct{}, 2)
	var runs int32
	svc := newAnalysisService(Settings{WorkDir: t.TempDir(), MaxConcurrent: 1},
		func(ctx context.Context, opts macke.Options) (*models.Summary, string, error) {
			atomic.AddInt32(&runs, 1)
			started <- struct{}{}
			<-ctx.Done()
			return summaryWithChains(0), "/tmp/run", nil
		})

	running, err := svc.SubmitAnalysis(models.AnalysisRequest{Bitcode: bitcode(t)})
	require.NoError(t, err)
	<-started
	pending, err := svc.SubmitAnalysis(models.AnalysisRequest{Bitcode: bitcode(t)})
	require.NoError(t, err)

	status := svc.GetStatus().State.Analyses
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 1, status.Pending)

	require.NoError(t, svc.CancelAnalysis(pending))
	require.Eventually(t, func() bool {
		a, _ := svc.GetAnalysis(pending)
		return a.State == models.AnalysisCanceled
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.CancelAllAnalyses())
	svc.wait()

	a, err := svc.GetAnalysis(running)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisCanceled, a.State)
	assert.NotNil(t, a.Summary)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, models.StatusAnalysesState{Canceled: 2}, svc.GetStatus().State.Analyses)
}

func TestUnknownAnalysis(t *testing.T) {
	svc := newAnalysisService(Settings{MaxConcurrent: 1}, nil)
	_, err := svc.GetAnalysis(uuid.New())
	assert.ErrorIs(t, err, ErrAnalysisNotFound)
	assert.ErrorIs(t, svc.CancelAnalysis(uuid.New()), ErrAnalysisNotFound)
}

func TestChainsAreSubmitted(t *testing.T) {
	var received int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		json.NewEncoder(w).Encode(models.ChainSubmissionResponse{Status: "accepted", SubmissionID: "x"})
	}))
	defer server.Close()

	svc := newAnalysisService(Settings{
		WorkDir:       t.TempDir(),
		MaxConcurrent: 1,
		Client:        submission.NewClient(server.URL, "key", "token"),
	}, func(ctx context.Context, opts macke.Options) (*models.Summary, string, error) {
		return summaryWithChains(3), "/tmp/run", nil
	})

	_, err := svc.SubmitAnalysis(models.AnalysisRequest{Bitcode: bitcode(t)})
	require.NoError(t, err)
	svc.wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&received))
}
