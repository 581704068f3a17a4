package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radical-go/pilot/pkg/unit"
)

func TestApplyCopyWithCreateParents(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()

	src := filepath.Join(area, "input.dat")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	p := NewProcessor("staging:", area, nil)
	directives := []unit.StagingDirective{
		{
			Action: unit.Copy,
			Source: "staging:input.dat",
			Target: "nested/dir/input.dat",
			Flags:  []unit.StagingFlag{unit.CreateParents},
		},
	}

	require.NoError(t, p.Apply(directives, sandbox))

	got, err := os.ReadFile(filepath.Join(sandbox, "nested/dir/input.dat"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestApplyMissingParentWithoutCreateParentsFails(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()
	src := filepath.Join(area, "input.dat")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	p := NewProcessor("staging:", area, nil)
	directives := []unit.StagingDirective{
		{Action: unit.Copy, Source: "staging:input.dat", Target: "missing/input.dat"},
	}

	err := p.Apply(directives, sandbox)
	require.Error(t, err)
}

func TestApplyStopsOnFirstFailure(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()

	directives := []unit.StagingDirective{
		{Action: unit.Copy, Source: "staging:does-not-exist", Target: "a"},
		{Action: unit.Copy, Source: "staging:also-skipped", Target: "b"},
	}

	p := NewProcessor("staging:", area, nil)
	err := p.Apply(directives, sandbox)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(sandbox, "a"))
	require.True(t, os.IsNotExist(statErr))
}

func TestNullBackendRejectsTransfer(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()
	p := NewProcessor("staging:", area, nil)

	err := p.Apply([]unit.StagingDirective{
		{Action: unit.Transfer, Source: "remote://host/file", Target: "out"},
	}, sandbox)
	require.Error(t, err)
}

func TestMoveRelocatesSourceIntoSandbox(t *testing.T) {
	area := t.TempDir()
	sandbox := t.TempDir()
	src := filepath.Join(area, "move-me.dat")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	p := NewProcessor("staging:", area, nil)
	require.NoError(t, p.Apply([]unit.StagingDirective{
		{Action: unit.Move, Source: "staging:move-me.dat", Target: "moved.dat"},
	}, sandbox))

	_, err := os.Stat(src)
	require.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(sandbox, "moved.dat"))
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}
