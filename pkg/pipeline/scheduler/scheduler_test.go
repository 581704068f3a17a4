package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/unit"
)

func TestAllocateFirstFit(t *testing.T) {
	pool := NewPool([]Slot{{ID: "pilot.0000", Capacity: 1}, {ID: "pilot.0001", Capacity: 2}})

	s1, ok := pool.Allocate()
	require.True(t, ok)
	require.Equal(t, "pilot.0000", s1)

	s2, ok := pool.Allocate()
	require.True(t, ok)
	require.Equal(t, "pilot.0001", s2)
}

func TestAllocateFailsWhenFull(t *testing.T) {
	pool := NewPool([]Slot{{ID: "pilot.0000", Capacity: 1}})
	_, ok := pool.Allocate()
	require.True(t, ok)
	_, ok = pool.Allocate()
	require.False(t, ok)
}

func TestReleaseWakesBlockedAllocate(t *testing.T) {
	pool := NewPool([]Slot{{ID: "pilot.0000", Capacity: 1}})
	slot, ok := pool.Allocate()
	require.True(t, ok)

	base := component.NewBase(context.Background(), "update.0000", component.KindScheduler, zerolog.Nop())
	sched := New(base, pool)

	u := unit.New(unit.Description{})
	u.State = unit.AllocatingPending

	done := make(chan error, 1)
	go func() { done <- sched.Handle([]*unit.Unit{u}) }()

	time.Sleep(50 * time.Millisecond)
	pool.Release(slot)

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Equal(t, unit.ExecutingPending, u.State)
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not unblock after Release")
	}
}

func TestHandleDrainsUnitsAheadOfExpectedState(t *testing.T) {
	pool := NewPool([]Slot{{ID: "pilot.0000", Capacity: 1}})
	base := component.NewBase(context.Background(), "update.0001", component.KindScheduler, zerolog.Nop())
	sched := New(base, pool)

	u := unit.New(unit.Description{})
	u.State = unit.Executing

	require.NoError(t, sched.Handle([]*unit.Unit{u}))
	require.Equal(t, unit.Executing, u.State)
	_, ok := pool.Allocate()
	require.True(t, ok, "drained unit must not have consumed a slot")
}
