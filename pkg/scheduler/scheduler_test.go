package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
	spec string
	run  func(context.Context)
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Schedule(context.Context) string { return j.spec }

func (j *stubJob) Run(ctx context.Context) {
	if j.run != nil {
		j.run(ctx)
	}
}

func everySecond(name string, run func(context.Context)) *stubJob {
	return &stubJob{name: name, spec: "*/1 * * * * *", run: run}
}

func TestJobScheduler_RunsJobWithRegistrationContext(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	got := make(chan error, 1)
	job := everySecond("ctx-probe", func(ctx context.Context) {
		select {
		case got <- ctx.Err():
		default:
		}
	})

	require.NoError(t, js.RescheduleJob(t.Context(), job))
	js.Start()
	defer js.Stop()

	select {
	case err := <-got:
		assert.NoError(t, err, "run should see the live registration context")
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job never ran")
	}
}

func TestJobScheduler_LifecycleCancelStopsRunningJobs(t *testing.T) {
	lifecycle, cancel := context.WithCancel(context.Background())
	js := NewJobScheduler(lifecycle, nil)

	started := make(chan struct{}, 1)
	finished := make(chan struct{}, 1)
	job := everySecond("long-haul", func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		select {
		case finished <- struct{}{}:
		default:
		}
	})

	require.NoError(t, js.RescheduleJob(lifecycle, job))
	js.Start()
	defer js.Stop()

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job never started")
	}

	cancel()

	select {
	case <-finished:
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("job did not observe cancellation")
	}
}

func TestJobScheduler_RescheduleReplacesEntry(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	job := &stubJob{name: "sweep", spec: "0 0 * * * *"}
	require.NoError(t, js.RescheduleJob(context.Background(), job))

	job.spec = "*/30 * * * * *"
	require.NoError(t, js.RescheduleJob(context.Background(), job))

	assert.Len(t, js.cron.Entries(), 1, "old cron entry should be removed")
	assert.Len(t, js.entries, 1)
}

func TestJobScheduler_RemoveJob(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	require.NoError(t, js.RescheduleJob(context.Background(), &stubJob{name: "sweep", spec: "0 0 * * * *"}))
	js.RemoveJob("sweep")
	js.RemoveJob("never-registered")

	assert.Empty(t, js.cron.Entries())
	assert.Empty(t, js.entries)
}

func TestJobScheduler_RejectsBadSpec(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	err := js.RescheduleJob(context.Background(), &stubJob{name: "broken", spec: "every now and then"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestJobScheduler_RecoversFromPanic(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	var runs atomic.Int64
	survived := make(chan struct{}, 1)
	job := everySecond("flaky", func(context.Context) {
		if runs.Add(1) == 1 {
			panic("first run explodes")
		}
		select {
		case survived <- struct{}{}:
		default:
		}
	})

	require.NoError(t, js.RescheduleJob(context.Background(), job))
	js.Start()
	defer js.Stop()

	select {
	case <-survived:
	case <-time.After(4 * time.Second):
		t.Fatal("scheduler did not run again after a panicking job")
	}
}

func TestJobScheduler_StopWaitsForRunningJobs(t *testing.T) {
	js := NewJobScheduler(context.Background(), nil)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	job := everySecond("slow", func(context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	require.NoError(t, js.RescheduleJob(context.Background(), job))
	js.Start()

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job never started")
	}

	drained := js.Stop()
	select {
	case <-drained.Done():
		t.Fatal("stop reported drained while a job was still blocked")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained.Done():
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("stop never drained")
	}
}
