package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"whispr/pkg/queue"
)

type TaskKind string

const (
	// TaskReport pins the report snapshot.
	TaskReport TaskKind = "report"
	// TaskEvidence pins one evidence file and then re-pins its report.
	TaskEvidence TaskKind = "evidence"
)

type Task struct {
	Kind       TaskKind `json:"kind"`
	ReportID   uint64   `json:"reportId"`
	EvidenceID uint64   `json:"evidenceId,omitempty"`
}

// TaskFunc runs one archival task. Errors are reported, never retried.
type TaskFunc func(context.Context, Task) error

// Scheduler accepts tasks after the owning mutation has committed.
type Scheduler interface {
	Schedule(ctx context.Context, task Task) error
}

var (
	errNotStarted = errors.New("archive scheduler not started")
	// ErrPoolFull is returned when the backlog is full. The task is dropped.
	ErrPoolFull = errors.New("archive pool backlog full")
)

// Discard drops every task. It is used when archival is disabled.
type Discard struct{}

func (Discard) Schedule(context.Context, Task) error { return nil }

// Pool runs tasks in-process on a fixed set of workers fed by a bounded
// backlog. Schedule never waits on a worker.
type Pool struct {
	workers int
	tasks   chan Task
	group   errgroup.Group
	pending sync.WaitGroup

	mu      sync.RWMutex
	ctx     context.Context
	handler TaskFunc
}

// NewPool sizes the backlog at backlog tasks, or 64 per worker when
// backlog is not positive.
func NewPool(workers, backlog int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if backlog <= 0 {
		backlog = workers * 64
	}
	return &Pool{workers: workers, tasks: make(chan Task, backlog)}
}

// Start binds the handler and launches the workers. Tasks run with ctx;
// once it is cancelled the workers drop whatever is still queued.
func (p *Pool) Start(ctx context.Context, handler TaskFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		return
	}
	p.ctx = ctx
	p.handler = handler
	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			p.work(ctx, handler)
			return nil
		})
	}
}

func (p *Pool) work(ctx context.Context, handler TaskFunc) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case task := <-p.tasks:
			if err := handler(ctx, task); err != nil {
				slog.Warn("archive task failed", "kind", task.Kind, "report_id", task.ReportID, "evidence_id", task.EvidenceID, "err", err)
			}
			p.pending.Done()
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.tasks:
			slog.Warn("archive task dropped on shutdown", "kind", task.Kind, "report_id", task.ReportID)
			p.pending.Done()
		default:
			return
		}
	}
}

// Schedule queues task and returns immediately. A full backlog drops the
// task with ErrPoolFull.
func (p *Pool) Schedule(_ context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.handler == nil {
		return errNotStarted
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return nil
	default:
		p.pending.Done()
		return ErrPoolFull
	}
}

// Wait blocks until every queued task has finished or been dropped.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Stop waits for the workers to exit. ctx passed to Start must be done.
func (p *Pool) Stop() {
	_ = p.group.Wait()
}

// QueueScheduler hands tasks to a Redis stream so they survive a restart
// between commit and pin.
type QueueScheduler struct {
	queue   *queue.RedisJobQueue
	workers int
}

func NewQueueScheduler(q *queue.RedisJobQueue, workers int) *QueueScheduler {
	if workers <= 0 {
		workers = 4
	}
	return &QueueScheduler{queue: q, workers: workers}
}

func (s *QueueScheduler) Schedule(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode archive task: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, string(task.Kind), payload); err != nil {
		return fmt.Errorf("enqueue archive task: %w", err)
	}
	return nil
}

// Start consumes tasks until ctx is done.
func (s *QueueScheduler) Start(ctx context.Context, handler TaskFunc) {
	s.queue.Start(ctx, s.workers, func(ctx context.Context, job queue.Job) error {
		var task Task
		if err := json.Unmarshal([]byte(job.Payload), &task); err != nil {
			return fmt.Errorf("decode archive task %s: %w", job.ID, err)
		}
		if err := handler(ctx, task); err != nil {
			slog.Warn("archive task failed", "job_id", job.ID, "kind", task.Kind, "report_id", task.ReportID, "err", err)
			return err
		}
		return nil
	})
}
