package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/rs/zerolog/log"
)

// Task is an operation executed on a lane.
type Task func(ctx context.Context) (interface{}, error)

// taskRecord tracks a queued task.
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState serializes execution for one lane key.
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// Runner executes tasks on named lanes. Tasks sharing a lane run strictly one
// at a time in enqueue order; tasks on different lanes run fully in parallel.
// One lane per (tenant, channel, external contact) gives the per-contact
// message ordering the pipeline relies on.
type Runner struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRunner creates a lane runner.
func NewRunner() *Runner {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ContactKey builds the lane key that serializes one external contact.
func ContactKey(tenantID, channel, externalContactID string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, channel, externalContactID)
}

// Do enqueues a task on the lane and blocks until it completes.
func (r *Runner) Do(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ls := r.ensureLane(lane)

	r.mu.Lock()
	r.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, r.taskIDSeq)
	r.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("depth", depth).
		Msg("Task enqueued")
	observability.SetLaneDepth(lane, depth)

	go r.processLane(lane)

	result := <-record.result
	return result.value, result.err
}

// ensureLane creates a lane with concurrency 1 if it doesn't exist.
func (r *Runner) ensureLane(lane string) *laneState {
	r.mu.RLock()
	ls, exists := r.lanes[lane]
	r.mu.RUnlock()
	if exists {
		return ls
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ls, exists = r.lanes[lane]; exists {
		return ls
	}
	ls = &laneState{concurrency: 1}
	r.lanes[lane] = ls
	return ls
}

// processLane starts queued tasks while the lane has capacity.
func (r *Runner) processLane(lane string) {
	r.mu.RLock()
	ls := r.lanes[lane]
	r.mu.RUnlock()
	if ls == nil {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		r.wg.Add(1)
		go r.executeTask(lane, ls, record)
	}
}

// executeTask runs one task and reports its result.
func (r *Runner) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer r.wg.Done()

	taskCtx := record.ctx
	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(r.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	depth := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)
	if err != nil {
		logger.Error().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Lane task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Lane task completed")
	}
	observability.SetLaneDepth(lane, depth)

	go r.processLane(lane)
}

// Depth returns the number of queued tasks on a lane.
func (r *Runner) Depth(lane string) int {
	r.mu.RLock()
	ls, exists := r.lanes[lane]
	r.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// WaitIdle blocks until every running task has finished or the timeout fires.
func (r *Runner) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close cancels running tasks and waits for them to return.
func (r *Runner) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
