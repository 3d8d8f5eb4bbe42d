package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxAttempts int) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:        redisSrv.Addr(),
		Stream:      "test:archive",
		Group:       "test-group",
		Consumer:    "consumer-1",
		MaxAttempts: maxAttempts,
		Block:       20 * time.Millisecond,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, want string) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
	return Job{}
}

func TestRedisJobQueueDeliversPayload(t *testing.T) {
	q := newTestQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Job, 1)
	job, err := q.Enqueue(ctx, "report", []byte(`{"reportId":4}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 1, func(_ context.Context, j Job) error {
		got <- j
		return nil
	})

	select {
	case j := <-got:
		if j.ID != job.ID || j.Kind != "report" || j.Payload != `{"reportId":4}` {
			t.Fatalf("unexpected job: %+v", j)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}
	waitForStatus(t, q, job.ID, StatusDone)
}

func TestRedisJobQueueSingleAttemptMarksFailed(t *testing.T) {
	q := newTestQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	job, err := q.Enqueue(ctx, "evidence", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 1, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("pin failed")
	})

	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.ErrorMessage != "pin failed" {
		t.Fatalf("error message = %q, want %q", failed.ErrorMessage, "pin failed")
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler calls = %d, want 1", n)
	}
}

func TestRedisJobQueueEnqueueRequiresKind(t *testing.T) {
	q := newTestQueue(t, 1)
	if _, err := q.Enqueue(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank kind")
	}
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["kind"] != job.Kind {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()
	q := newTestQueue(t, 3)
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "report", []byte(`{"reportId":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job
}

type readCounter struct {
	reads atomic.Int32
}

func (h *readCounter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *readCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "xreadgroup" {
			h.reads.Add(1)
		}
		return next(ctx, cmd)
	}
}

func (h *readCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisJobQueueBacksOffWhileRedisFails(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:        redisSrv.Addr(),
		Stream:      "test:archive",
		Group:       "test-group",
		MaxAttempts: 1,
		Block:       20 * time.Millisecond,
		RetryDelay:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	counter := &readCounter{}
	q.client.AddHook(counter)
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	redisSrv.SetError("ERR server unavailable")

	q.Start(ctx, 1, func(context.Context, Job) error { return nil })
	time.Sleep(350 * time.Millisecond)
	cancel()

	if n := counter.reads.Load(); n == 0 || n > 10 {
		t.Fatalf("xreadgroup calls = %d, want a handful spaced by the retry delay", n)
	}
}
