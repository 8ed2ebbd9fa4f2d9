// Package scheduler runs batches of backend invocations on a bounded number
// of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"macke/internal/backend"
)

var (
	// ErrPanicked marks a task that panicked. The batch carries on.
	ErrPanicked = errors.New("task panicked")
	// ErrNotDispatched marks a task that was never started because the
	// batch was canceled.
	ErrNotDispatched = errors.New("task not dispatched")
)

// Task is one work item of a batch.
type Task struct {
	Name string
	Run  func(ctx context.Context) *backend.Result
}

type Scheduler struct {
	limit     int
	completed atomic.Int64
	total     atomic.Int64

	// OnProgress, if set, is called after every finished task.
	OnProgress func(done, total int)
}

func New(limit int) *Scheduler {
	if limit <= 0 {
		limit = 1
	}
	return &Scheduler{limit: limit}
}

func (s *Scheduler) Limit() int {
	return s.limit
}

// Completed counts the tasks finished over all batches so far.
func (s *Scheduler) Completed() int {
	return int(s.completed.Load())
}

// Submitted counts the tasks of all batches so far.
func (s *Scheduler) Submitted() int {
	return int(s.total.Load())
}

// RunBatch runs every task with at most Limit tasks at a time and returns
// once all of them are done. Results are in task order. A task that panics
// or returns nil yields a failed result instead of aborting the batch. Once
// ctx is done no further task is started; the rest are reported as
// ErrNotDispatched.
func (s *Scheduler) RunBatch(ctx context.Context, tasks []Task) []*backend.Result {
	return s.RunBatchUntil(ctx, ctx, tasks)
}

// RunBatchUntil is RunBatch with a separate deadline for dispatching. Once
// dispatch is done no further task is started, but tasks already running
// keep ctx and finish on their own terms. dispatch should be derived from
// ctx.
func (s *Scheduler) RunBatchUntil(ctx, dispatch context.Context, tasks []Task) []*backend.Result {
	results := make([]*backend.Result, len(tasks))
	s.total.Add(int64(len(tasks)))

	var g errgroup.Group
	g.SetLimit(s.limit)

	for i, task := range tasks {
		i, task := i, task
		if dispatch.Err() != nil {
			results[i] = notDispatched(dispatch, task)
			s.finish()
			continue
		}
		g.Go(func() error {
			defer s.finish()
			// the slot may have been freed after dispatching stopped
			if dispatch.Err() != nil {
				results[i] = notDispatched(dispatch, task)
				return nil
			}
			results[i] = s.runTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func notDispatched(ctx context.Context, task Task) *backend.Result {
	return &backend.Result{Function: task.Name, Err: fmt.Errorf("%w: %v", ErrNotDispatched, ctx.Err())}
}

func (s *Scheduler) runTask(ctx context.Context, task Task) (result *backend.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] Task %s panicked: %v\n%s", task.Name, r, debug.Stack())
			result = &backend.Result{Function: task.Name, Err: fmt.Errorf("%w: %s: %v", ErrPanicked, task.Name, r)}
		}
	}()
	result = task.Run(ctx)
	if result == nil {
		result = &backend.Result{Function: task.Name, Err: fmt.Errorf("task %s returned no result", task.Name)}
	}
	return result
}

func (s *Scheduler) finish() {
	done := s.completed.Add(1)
	if s.OnProgress != nil {
		s.OnProgress(int(done), int(s.total.Load()))
	}
}
