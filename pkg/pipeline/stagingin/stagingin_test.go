package stagingin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/staging"
	"github.com/radical-go/pilot/pkg/unit"
)

func TestHandleAdvancesOnSuccess(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(area, "in.txt"), []byte("hi"), 0o644))

	base := component.NewBase(context.Background(), "umgr_staging_input.0000", component.KindStagingInputClient, zerolog.Nop())
	stage := New(base, Client, unit.UmgrStagingInputPending, staging.NewProcessor("staging:", area, nil))

	u := unit.New(unit.Description{
		InputStaging: []unit.StagingDirective{{Action: unit.Copy, Source: "staging:in.txt", Target: "in.txt"}},
	})
	u.UnitSandbox = sandbox
	u.State = unit.UmgrStagingInputPending

	require.NoError(t, stage.Handle([]*unit.Unit{u}))
	require.Equal(t, unit.UmgrStagingInput, u.State)

	got, err := os.ReadFile(filepath.Join(sandbox, "in.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))
}

func TestHandleFailsUnitOnStagingError(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()

	base := component.NewBase(context.Background(), "umgr_staging_input.0001", component.KindStagingInputClient, zerolog.Nop())
	stage := New(base, Client, unit.UmgrStagingInputPending, staging.NewProcessor("staging:", area, nil))

	u := unit.New(unit.Description{
		InputStaging: []unit.StagingDirective{{Action: unit.Copy, Source: "staging:missing.txt", Target: "in.txt"}},
	})
	u.UnitSandbox = sandbox
	u.State = unit.UmgrStagingInputPending

	require.NoError(t, stage.Handle([]*unit.Unit{u}))
	require.Equal(t, unit.Failed, u.State)
	require.Equal(t, "staging_input_failed", u.Cause)
}

func TestHandleDrainsUnitsAheadOfExpectedState(t *testing.T) {
	base := component.NewBase(context.Background(), "umgr_staging_input.0002", component.KindStagingInputClient, zerolog.Nop())
	stage := New(base, Client, unit.UmgrStagingInputPending, staging.NewProcessor("staging:", t.TempDir(), nil))

	u := unit.New(unit.Description{})
	u.State = unit.Executing // already past this stage's expected input state

	require.NoError(t, stage.Handle([]*unit.Unit{u}))
	require.Equal(t, unit.Executing, u.State, "drain mode must forward the unit unchanged")
}
