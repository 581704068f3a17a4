package unit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceStateIdempotentOnDuplicate(t *testing.T) {
	u := New(Description{Executable: "/bin/true"})
	require.True(t, u.AdvanceState(UmgrStagingInputPending))
	require.False(t, u.AdvanceState(UmgrStagingInputPending))
}

func TestAdvanceStateNeverLeavesTerminal(t *testing.T) {
	u := New(Description{Executable: "/bin/true"})
	require.True(t, u.AdvanceState(Failed))
	require.False(t, u.AdvanceState(Done))
	require.Equal(t, Failed, u.State)
}

func TestCanceledSupersededByAnyTerminal(t *testing.T) {
	u := New(Description{Executable: "/bin/true"})
	require.True(t, u.AdvanceState(Canceled))
	require.True(t, u.AdvanceState(Done))
	require.Equal(t, Done, u.State)
}

func TestAheadDetectsDrainMode(t *testing.T) {
	require.True(t, Ahead(Executing, AllocatingPending))
	require.False(t, Ahead(AllocatingPending, Executing))
	require.False(t, Ahead(AllocatingPending, AllocatingPending))
}

func TestPrecedesOrdersCanonicalStates(t *testing.T) {
	require.True(t, Precedes(StateNew, Done))
	require.False(t, Precedes(Done, StateNew))
}

func TestCloneIsIndependent(t *testing.T) {
	u := New(Description{Arguments: []string{"a", "b"}})
	cp := u.Clone()
	cp.Description.Arguments[0] = "mutated"
	require.Equal(t, "a", u.Description.Arguments[0])
}
