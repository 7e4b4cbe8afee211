package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/sparrow/internal/observability"
	"github.com/harun/sparrow/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "sparrow.commandqueue"

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("command queue closed")
	// ErrLaneCleared is delivered to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is one unit of work executed inside a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes a single Enqueue call.
type TaskOptions struct {
	// RequestID makes the call idempotent: a repeated id within the dedup
	// window returns the first call's result without running the task again.
	RequestID string
	// WarnAfter triggers OnWait when the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, queuePos int)
}

// Config configures a CommandQueue.
type Config struct {
	// Concurrency is the number of tasks a lane may run at once. Defaults to 1.
	Concurrency int
	DedupTTL    time.Duration
	Logger      *zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running int
	mu      sync.Mutex
}

// CommandQueue serializes work per lane. Lanes are created on first use and
// dropped once idle; in sparrow a lane is a chat session id.
type CommandQueue struct {
	concurrency int
	logger      zerolog.Logger
	dedup       *dedupCache

	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a CommandQueue.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		concurrency: cfg.Concurrency,
		logger:      logger.With().Str("component", "commandqueue").Logger(),
		dedup:       newDedupCache(ctx, cfg.DedupTTL),
		lanes:       make(map[string]*laneState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue runs task in lane after every task queued before it and blocks
// until it finishes. The task's context is cancelled when ctx is, or when
// the queue is closed.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	if opts.RequestID != "" {
		if cached, ok := cq.dedup.Get(opts.RequestID); ok {
			cq.logger.Debug().Str("lane", lane).Str("request_id", opts.RequestID).Msg("Duplicate request served from cache")
			return cached.value, cached.err
		}
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 && opts.OnWait != nil {
		go cq.startWarnTimer(ls, record)
	}

	cq.processLane(lane, ls)

	result := <-record.result
	if result.err != nil {
		tracing.RecordError(span, result.err)
	}
	if opts.RequestID != "" && !errors.Is(result.err, ErrLaneCleared) {
		cq.dedup.Set(opts.RequestID, result)
	}
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < cq.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
	cq.dropIdleLane(lane, ls)
}

func (cq *CommandQueue) dropIdleLane(lane string, ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.lanes[lane] != ls {
		return
	}
	ls.mu.Lock()
	idle := ls.running == 0 && len(ls.queue) == 0
	ls.mu.Unlock()
	if idle {
		delete(cq.lanes, lane)
	}
}

func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	pos := -1
	for i, r := range ls.queue {
		if r == record {
			pos = i
			break
		}
	}
	ls.mu.Unlock()
	if pos < 0 {
		return
	}

	waited := time.Since(record.enqueuedAt)
	cq.logger.Warn().Str("task_id", record.id).Dur("waited", waited).Int("queue_pos", pos).Msg("Task waiting longer than expected")
	record.options.OnWait(waited, pos)
}

// QueueSize returns the number of tasks waiting in lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of tasks executing in lane.
func (cq *CommandQueue) RunningCount(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats reports queued and running counts for every live lane.
func (cq *CommandQueue) Stats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = map[string]int{"queued": len(ls.queue), "running": ls.running}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued (not yet running) task in lane with
// ErrLaneCleared and returns how many were dropped.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	if len(dropped) > 0 {
		cq.logger.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	}
	return len(dropped)
}

// WaitForActive waits until no lane has running tasks, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running > 0 {
				busy = true
			}
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if !busy {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, rejects queued ones and waits for workers.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		cq.ClearLane(name)
	}
	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.lanes[name]
}
