package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"whispr/pkg/domain"
	"whispr/pkg/queue"
	"whispr/pkg/storage"
)

func TestReportSnapshotHashesSubmitter(t *testing.T) {
	r := domain.Report{ID: 9, Title: "t", Submitter: "user-a", Status: domain.StatusPending}
	snap := NewReportSnapshot(r)
	if snap.SubmitterHash == "" || snap.SubmitterHash == "user-a" {
		t.Fatalf("submitter hash = %q", snap.SubmitterHash)
	}
	if len(snap.SubmitterHash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(snap.SubmitterHash))
	}
	if snap.Status != "Pending" || snap.ReportID != 9 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEvidenceSnapshotEncodesBase64(t *testing.T) {
	snap := NewEvidenceSnapshot(domain.EvidenceFile{ReportID: 2, FileName: "a.txt", Data: []byte("hi")})
	if snap.Base64Data != "aGk=" {
		t.Fatalf("base64 = %q, want aGk=", snap.Base64Data)
	}
	if got := EvidencePinName(2, "a.txt"); got != "report-2-evidence-a.txt" {
		t.Fatalf("pin name = %q", got)
	}
}

type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.data[key] = b
	m.puts++
	return nil
}

func (m *memObjects) Get(_ context.Context, key string, limit int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	if int64(len(b)) > limit {
		b = b[:limit]
	}
	return b, nil
}

func (m *memObjects) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func TestObjectPinnerIsContentAddressed(t *testing.T) {
	objects := &memObjects{data: map[string][]byte{}}
	p := NewObjectPinner(objects, "")
	ctx := context.Background()

	payload := map[string]any{"report_id": 1}
	cid1, err := p.Pin(ctx, "report-1", payload)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	cid2, err := p.Pin(ctx, "report-1-again", payload)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if cid1 != cid2 {
		t.Fatalf("cids differ for identical payload: %s vs %s", cid1, cid2)
	}
	if objects.puts != 1 {
		t.Fatalf("puts = %d, want 1", objects.puts)
	}
	data, err := p.Retrieve(ctx, cid1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !bytes.Equal(data, []byte(`{"report_id":1}`)) {
		t.Fatalf("data = %s", data)
	}
	if _, err := p.Retrieve(ctx, "nothex"); err == nil {
		t.Fatal("expected invalid cid error")
	}
}

func TestPoolRunsScheduledTasks(t *testing.T) {
	p := NewPool(2, 0)
	if err := p.Schedule(context.Background(), Task{Kind: TaskReport}); err == nil {
		t.Fatal("expected error before Start")
	}
	var ran atomic.Int32
	p.Start(context.Background(), func(_ context.Context, task Task) error {
		ran.Add(1)
		if task.ReportID == 2 {
			return errors.New("boom")
		}
		return nil
	})
	for id := uint64(1); id <= 3; id++ {
		if err := p.Schedule(context.Background(), Task{Kind: TaskReport, ReportID: id}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	p.Wait()
	if n := ran.Load(); n != 3 {
		t.Fatalf("ran = %d, want 3", n)
	}
}

func TestPoolScheduleDoesNotWaitForWorkers(t *testing.T) {
	p := NewPool(1, 2)
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, func(ctx context.Context, _ Task) error {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})

	if err := p.Schedule(ctx, Task{Kind: TaskReport, ReportID: 1}); err != nil {
		t.Fatalf("schedule 1: %v", err)
	}
	<-started

	// The only worker is stuck; the next two tasks fill the backlog.
	done := make(chan error, 1)
	go func() {
		for id := uint64(2); id <= 3; id++ {
			if err := p.Schedule(ctx, Task{Kind: TaskReport, ReportID: id}); err != nil {
				done <- err
				return
			}
		}
		done <- p.Schedule(ctx, Task{Kind: TaskReport, ReportID: 4})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolFull) {
			t.Fatalf("overflow err = %v, want ErrPoolFull", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Schedule blocked on a busy worker")
	}

	close(gate)
	p.Wait()
	cancel()
	p.Stop()
	if err := p.Schedule(context.Background(), Task{Kind: TaskReport, ReportID: 5}); err == nil {
		t.Fatal("expected error after shutdown")
	}
}

func TestQueueSchedulerRoundTripsTask(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:        redisSrv.Addr(),
		Stream:      "test:archive",
		MaxAttempts: 1,
		Block:       20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewQueueScheduler(q, 1)
	got := make(chan Task, 1)
	if err := s.Schedule(ctx, Task{Kind: TaskEvidence, ReportID: 5, EvidenceID: 8}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Start(ctx, func(_ context.Context, task Task) error {
		got <- task
		return nil
	})

	select {
	case task := <-got:
		if task.Kind != TaskEvidence || task.ReportID != 5 || task.EvidenceID != 8 {
			t.Fatalf("unexpected task: %+v", task)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task was not delivered")
	}
}
