package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestWorkerTerminationCascade exercises the multi-worker shape described in
// _examples/original_source/docs/architecture/component_termination_4.py:
// spawn several workers, ask for termination, and verify every one observes
// its cancellation and exits within the budget.
func TestWorkerTerminationCascade(t *testing.T) {
	s := New(zerolog.Nop(), nil)

	var exited int32
	for i := 0; i < 6; i++ {
		name := "worker"
		h := s.SpawnWorker(context.Background(), WorkerDescriptor{
			Name: name,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				atomic.AddInt32(&exited, 1)
				return nil
			},
		})
		s.Watch(h, 10*time.Millisecond)
	}

	require.NoError(t, s.TerminateAll(2*time.Second))
	require.EqualValues(t, 6, atomic.LoadInt32(&exited))
}

// TestWatcherDetectsDeath exercises spec §4.3's liveness watcher: the first
// observed death of a watched handle must invoke onDeath exactly once.
func TestWatcherDetectsDeath(t *testing.T) {
	deaths := make(chan string, 1)
	s := New(zerolog.Nop(), func(h Handle, err error) {
		deaths <- h.ID()
	})

	h := s.SpawnWorker(context.Background(), WorkerDescriptor{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			return nil // exits immediately, simulating a crash
		},
	})
	s.Watch(h, 10*time.Millisecond)

	select {
	case id := <-deaths:
		require.Equal(t, "flaky", id)
	case <-time.After(2 * time.Second):
		t.Fatal("onDeath was never invoked")
	}

	_ = s.TerminateAll(time.Second)
}

func TestChildBudgetFloorsAtMinimum(t *testing.T) {
	require.Equal(t, MinBudget, ChildBudget(10*time.Second, 100))
	require.Greater(t, ChildBudget(time.Minute, 1), MinBudget)
}
