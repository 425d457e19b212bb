package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/ThresholdForge/observability"
	"github.com/itskum47/ThresholdForge/resilience"
	"github.com/itskum47/ThresholdForge/store"
)

// DefaultMaxConcurrent bounds how many calculations execute at once.
const DefaultMaxConcurrent = 5

// ResultWriter is the slice of the persistence layer the scheduler needs to
// record terminal version states.
type ResultWriter interface {
	UpdateTaskResult(ctx context.Context, taskID string, version int, status string, results []store.MetricThresholdResult, errorMessage string) error
}

// Scheduler admits queued threshold calculations up to a concurrency cap.
// One mutex protects both the priority queue and the running set; executor
// runs happen on their own goroutines and never hold it.
type Scheduler struct {
	mu            sync.Mutex
	queue         requestQueue
	running       map[string]context.CancelFunc
	maxConcurrent int

	executor Executor
	results  ResultWriter

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewScheduler creates a Scheduler. maxConcurrent values below 1 fall back
// to the default of 5.
func NewScheduler(executor Executor, results ResultWriter, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queue:         make(requestQueue, 0),
		running:       make(map[string]context.CancelFunc),
		maxConcurrent: maxConcurrent,
		executor:      executor,
		results:       results,
		baseCtx:       ctx,
		baseCancel:    cancel,
	}
	log.Printf("Scheduler: initialized with max_concurrent_tasks=%d", maxConcurrent)
	return s
}

// Submit queues a request and triggers an admission cycle.
func (s *Scheduler) Submit(req *TaskRequest) error {
	if req == nil || req.TaskID == "" {
		return errors.New("task request must carry a task id")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	s.mu.Lock()
	heap.Push(&s.queue, req)
	queueSize := len(s.queue)
	runningCount := len(s.running)
	s.refreshGauges()
	s.mu.Unlock()

	log.Printf("Scheduler: task %s added to queue (priority: %s). Queue size: %d, Running: %d/%d",
		req.TaskID, req.Priority, queueSize, runningCount, s.maxConcurrent)

	s.admit()
	return nil
}

// admit starts queued work while capacity allows. Runs execute on their own
// goroutines; each registers a completion hook that re-enters admit.
func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.running) < s.maxConcurrent && len(s.queue) > 0 {
		req := heap.Pop(&s.queue).(*TaskRequest)
		log.Printf("Scheduler: starting task %s with priority %s", req.TaskID, req.Priority)

		runCtx, cancel := context.WithCancel(s.baseCtx)
		s.running[req.TaskID] = cancel
		go s.run(runCtx, cancel, req)
	}
	s.refreshGauges()
}

// run executes one calculation and hands the outcome to the completion hook.
func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, req *TaskRequest) {
	defer cancel()

	start := time.Now()
	outcome, err := s.execute(ctx, req)
	observability.TaskDuration.Observe(time.Since(start).Seconds())

	s.complete(req, outcome, err)
}

// execute invokes the executor, converting a panic into an error so one
// broken run cannot take the process down.
func (s *Scheduler) execute(ctx context.Context, req *TaskRequest) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Scheduler: task %s panicked: %v", req.TaskID, r)
			outcome, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return s.executor.Execute(ctx, req)
}

// complete is the completion hook: it releases the running slot, maps the
// run outcome to a terminal version state, persists it with retries and
// triggers the next admission cycle.
//
// An executor that converts cancellation into a regular outcome (the data
// fetch does this) keeps its own message; only runs that were interrupted
// before producing an outcome are recorded as cancelled.
func (s *Scheduler) complete(req *TaskRequest, outcome *Outcome, err error) {
	s.mu.Lock()
	delete(s.running, req.TaskID)
	s.refreshGauges()
	s.mu.Unlock()

	status := store.StatusFailed
	var results []store.MetricThresholdResult
	var message string

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		message = fmt.Sprintf("Task %s was cancelled", req.TaskID)
		log.Printf("Scheduler: ⚠️ task %s was cancelled", req.TaskID)
	case err != nil:
		message = fmt.Sprintf("Task %s failed with exception: %v", req.TaskID, err)
		log.Printf("Scheduler: task %s failed with exception: %v", req.TaskID, err)
	case outcome == nil:
		message = fmt.Sprintf("Task %s failed with exception: executor returned no outcome", req.TaskID)
		log.Printf("Scheduler: task %s returned no outcome", req.TaskID)
	case outcome.Status == store.StatusSuccess:
		status = store.StatusSuccess
		results = outcome.Results
		log.Printf("Scheduler: task %s completed successfully", req.TaskID)
	case outcome.Status == store.StatusNoData:
		// NoData keeps its (empty) result list and message but is stored
		// as a failure.
		results = outcome.Results
		message = outcome.Message
		log.Printf("Scheduler: ⚠️ task %s completed with no data available", req.TaskID)
	default:
		message = outcome.Message
		log.Printf("Scheduler: task %s completed with failure: %s", req.TaskID, outcome.Message)
	}

	observability.TaskOutcomes.WithLabelValues(status).Inc()

	// The run context may already be cancelled; the result write must not
	// inherit that.
	persistErr := resilience.PersistencePolicy().Do(context.Background(), "update task result", func(ctx context.Context) error {
		return s.results.UpdateTaskResult(ctx, req.TaskID, req.TaskVersion, status, results, message)
	})
	if persistErr != nil {
		log.Printf("Scheduler: ⚠️ failed to persist result for task %s version %d: %v",
			req.TaskID, req.TaskVersion, persistErr)
	}

	s.admit()
}

// Cancel aborts a running task. It reports whether the task was running;
// the completion hook still fires and records the cancellation.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every running task. Queued requests stay queued; a later
// admission would start them with an already-cancelled context.
func (s *Scheduler) Shutdown() {
	s.baseCancel()
}

// Status reports queue and execution state.
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	distribution := make(map[string]int)
	for _, req := range s.queue {
		distribution[req.Priority.String()]++
	}
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return map[string]interface{}{
		"queue_size":            len(s.queue),
		"running_tasks":         len(s.running),
		"max_concurrent_tasks":  s.maxConcurrent,
		"priority_distribution": distribution,
		"running_task_ids":      ids,
	}
}

// refreshGauges republishes queue and running gauges. Callers hold s.mu.
func (s *Scheduler) refreshGauges() {
	counts := make(map[Priority]int)
	for _, req := range s.queue {
		counts[req.Priority]++
	}
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		observability.TasksQueued.WithLabelValues(p.String()).Set(float64(counts[p]))
	}
	observability.TasksRunning.Set(float64(len(s.running)))
}
