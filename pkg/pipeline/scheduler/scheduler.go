// Package scheduler implements the Scheduler pipeline stage (spec §4.5):
// first-fit resource selection from a free pool, blocking internally on
// no-capacity and reconsidering whenever a completion arrives. Grounded on
// the round-robin/fewest-containers node-selection policy of
// pkg/scheduler/scheduler.go's selectNode, adapted from a ticker-driven
// reconciliation loop to a pull-and-block design per spec §4.5.
package scheduler

import (
	"sync"
	"time"

	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/unit"
)

// Slot is one allocatable resource (a pilot/executor capacity unit).
type Slot struct {
	ID       string
	Capacity int
}

// Pool is a free pool of Slots, selected first-fit (spec §4.5: "first-fit
// across pilots is the reference" policy).
type Pool struct {
	mu    sync.Mutex
	slots []Slot
	used  map[string]int

	// wake is signaled whenever a completion releases capacity, so a
	// blocked scheduler can reconsider immediately instead of busy-spinning
	// (spec §4.5: "must block internally... and must re-consider a unit
	// whenever a completion arrives").
	wake chan struct{}
}

// NewPool constructs a free pool over the given slots.
func NewPool(slots []Slot) *Pool {
	return &Pool{
		slots: slots,
		used:  make(map[string]int),
		wake:  make(chan struct{}, 1),
	}
}

// Allocate returns the first slot with spare capacity, or ok=false.
func (p *Pool) Allocate() (slotID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if p.used[s.ID] < s.Capacity {
			p.used[s.ID]++
			return s.ID, true
		}
	}
	return "", false
}

// Release frees one unit of capacity on slotID and wakes any blocked
// scheduler.
func (p *Pool) Release(slotID string) {
	p.mu.Lock()
	if p.used[slotID] > 0 {
		p.used[slotID]--
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Scheduler is a Component that assigns units to pool slots.
type Scheduler struct {
	*component.Base

	Pool *Pool

	// Cancels is consulted before allocating a slot for a pulled unit
	// (spec §5): a unit canceled while waiting elsewhere never consumes
	// capacity.
	Cancels *unit.CancelRegistry
}

func New(base *component.Base, pool *Pool) *Scheduler {
	return &Scheduler{Base: base, Pool: pool}
}

// Handle processes one pulled unit or bulk (spec §4.4). It blocks on the
// pool's wake channel (bounded by a one-second wait, so the termination latch
// is still observed at the §5-mandated cadence) instead of busy-spinning when
// no capacity is free.
func (s *Scheduler) Handle(units []*unit.Unit) error {
	for _, u := range units {
		if unit.Ahead(u.State, unit.AllocatingPending) {
			if err := s.Advance([]*unit.Unit{u}, "", false, false, true); err != nil {
				return err
			}
			continue
		}

		if s.Cancels != nil && s.Cancels.Canceled(u.UID) {
			u.Cause = "canceled"
			u.PendingCancel = true
			if err := s.Advance([]*unit.Unit{u}, unit.Canceled, true, true, true); err != nil {
				return err
			}
			continue
		}

		slot, ok := s.Pool.Allocate()
		for !ok {
			select {
			case <-s.Context().Done():
				return nil
			case <-s.Pool.wake:
			case <-time.After(time.Second):
			}
			slot, ok = s.Pool.Allocate()
		}

		u.Allocation = slot
		if err := s.Advance([]*unit.Unit{u}, unit.ExecutingPending, true, true, true); err != nil {
			s.Pool.Release(slot)
			return err
		}
	}
	return nil
}
