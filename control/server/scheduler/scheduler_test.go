package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/caldog20/fleetcore/control/server/store"
)

type recordingPublisher struct {
	mu   sync.Mutex
	runs []store.JobRun
}

func (p *recordingPublisher) Publish(run store.JobRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run)
}

func newTestBolt(t *testing.T) *store.BoltStore {
	t.Helper()
	b, err := store.NewBoltStore(filepath.Join(t.TempDir(), "runs.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRunNowRecordsOutcome(t *testing.T) {
	b := newTestBolt(t)
	pub := &recordingPublisher{}
	metrics := NewMetrics(prometheus.NewRegistry())
	s := New(Options{Recorder: b, Publisher: pub, Metrics: metrics})

	fail := true
	job := Job{Name: "full_sync", Spec: "@every 1h", Run: func(ctx context.Context) (any, error) {
		if fail {
			return nil, errors.New("controller down")
		}
		return map[string]int{"inserted": 2}, nil
	}}

	for i := 1; i <= 3; i++ {
		run := s.RunNow(context.Background(), job)
		if run.Outcome != store.RunFailure || run.ConsecutiveFailures != i {
			t.Fatalf("run %d: unexpected %+v", i, run)
		}
	}
	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("full_sync")); got != 3 {
		t.Fatalf("got failure gauge %v, want 3", got)
	}

	fail = false
	run := s.RunNow(context.Background(), job)
	if run.Outcome != store.RunSuccess || run.ConsecutiveFailures != 0 || run.ID == "" {
		t.Fatalf("unexpected run %+v", run)
	}

	runs, err := b.Runs("full_sync", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 4 || runs[0].Outcome != store.RunSuccess || runs[1].Error != "controller down" {
		t.Fatalf("unexpected history %+v", runs)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues("full_sync", "failure")); got != 3 {
		t.Fatalf("got failure counter %v, want 3", got)
	}
	if len(pub.runs) != 4 {
		t.Fatalf("published %d runs, want 4", len(pub.runs))
	}
}

func TestAddRestoresFailures(t *testing.T) {
	b := newTestBolt(t)
	if err := b.RecordRun(&store.JobRun{Job: "ip_check", Outcome: store.RunFailure, ConsecutiveFailures: 5}); err != nil {
		t.Fatal(err)
	}

	s := New(Options{Recorder: b})
	job := Job{Name: "ip_check", Spec: "0 0 * * * *", Run: func(ctx context.Context) (any, error) {
		return nil, errors.New("still failing")
	}}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if run := s.RunNow(context.Background(), job); run.ConsecutiveFailures != 6 {
		t.Fatalf("got %d consecutive failures, want 6", run.ConsecutiveFailures)
	}
}

func TestAddInvalidSpec(t *testing.T) {
	s := New(Options{})
	err := s.Add(Job{Name: "bad", Spec: "every tuesday", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	if err == nil {
		t.Fatal("expected invalid spec to be rejected")
	}
	if _, ok := s.Job("bad"); ok {
		t.Fatal("invalid job was registered")
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(Options{JobTimeout: 10 * time.Millisecond})
	run := s.RunNow(context.Background(), Job{Name: "slow", Run: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	if run.Outcome != store.RunFailure {
		t.Fatalf("expected timed out job to fail, got %+v", run)
	}
}

func TestInitialSync(t *testing.T) {
	s := New(Options{})
	defer s.Stop(context.Background())

	ran := make(chan struct{})
	attempts := 0
	ready := func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	}
	s.InitialSync(time.Millisecond, 10*time.Second, ready, Job{Name: "full_sync", Run: func(ctx context.Context) (any, error) {
		close(ran)
		return nil, nil
	}})

	select {
	case <-ran:
	case <-time.After(8 * time.Second):
		t.Fatal("initial sync did not run")
	}
}

func TestInitialSyncSkipsWhenUnavailable(t *testing.T) {
	s := New(Options{})
	defer s.Stop(context.Background())

	ran := make(chan struct{}, 1)
	s.InitialSync(time.Millisecond, 50*time.Millisecond, func(ctx context.Context) error {
		return errors.New("down")
	}, Job{Name: "full_sync", Run: func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}})

	select {
	case <-ran:
		t.Fatal("initial sync ran against an unavailable controller")
	case <-time.After(300 * time.Millisecond):
	}
}
