// Package staging implements the file-staging directive processing shared
// by the StagingInput and StagingOutput pipeline stages (spec §4.5).
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/radical-go/pilot/pkg/rperrors"
	"github.com/radical-go/pilot/pkg/rpmetrics"
	"github.com/radical-go/pilot/pkg/unit"
)

// Backend performs a TRANSFER directive. The concrete transfer
// implementations (local copy/link/move aside) are an external collaborator
// per spec §1; the core only invokes this capability. NullBackend is the
// only backend this core ships, per spec §9 Open Question 2: the set of
// supported remote schemes is left open and pluggable.
type Backend interface {
	Transfer(directive unit.StagingDirective) error
}

// NullBackend rejects every TRANSFER directive as unsupported, leaving
// the scheme set open for a real pluggable implementation.
type NullBackend struct{}

func (NullBackend) Transfer(d unit.StagingDirective) error {
	return rperrors.UnitFailed(fmt.Errorf("staging: no TRANSFER backend configured for %s", d.Source))
}

// Processor resolves and executes staging directives against a unit
// sandbox.
type Processor struct {
	// StagingScheme is the `staging:` URL prefix (spec §9 Open Question 1),
	// resolved relative to StagingArea.
	StagingScheme string
	StagingArea   string
	Backend       Backend

	// Stage labels this processor's StagingDuration observations (e.g.
	// "stagingin.agent"); left "" observes under an empty label.
	Stage string
}

// NewProcessor constructs a Processor with the given staging scheme/area and
// backend. A nil backend defaults to NullBackend.
func NewProcessor(scheme, area string, backend Backend) *Processor {
	if scheme == "" {
		scheme = "staging:"
	}
	if backend == nil {
		backend = NullBackend{}
	}
	return &Processor{StagingScheme: scheme, StagingArea: area, Backend: backend}
}

// resolve expands the `staging:` scheme relative to StagingArea; any other
// source string is used as-is.
func (p *Processor) resolve(path string) string {
	if strings.HasPrefix(path, p.StagingScheme) {
		rel := strings.TrimPrefix(path, p.StagingScheme)
		return filepath.Join(p.StagingArea, rel)
	}
	return path
}

// Apply executes every directive in order against sandbox, failing the
// whole batch on the first per-directive failure (spec §4.5: "On any
// per-directive failure the whole unit transitions to FAILED").
func (p *Processor) Apply(directives []unit.StagingDirective, sandbox string) error {
	timer := rpmetrics.NewTimer(rpmetrics.StagingDuration.WithLabelValues(p.Stage))
	defer timer.ObserveDuration()
	for _, d := range directives {
		if err := p.applyOne(d, sandbox); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applyOne(d unit.StagingDirective, sandbox string) error {
	source := p.resolve(d.Source)
	target := d.Target
	if !filepath.IsAbs(target) {
		target = filepath.Join(sandbox, target)
	}

	if d.HasFlag(unit.CreateParents) {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return rperrors.UnitFailed(fmt.Errorf("staging: create parents for %s: %w", target, err))
		}
	} else if _, err := os.Stat(filepath.Dir(target)); err != nil {
		return rperrors.UnitFailed(fmt.Errorf("staging: parent directory missing for %s (no CREATE_PARENTS): %w", target, err))
	}

	switch d.Action {
	case unit.Link:
		if err := os.Symlink(source, target); err != nil {
			return rperrors.UnitFailed(fmt.Errorf("staging: link %s -> %s: %w", source, target, err))
		}
	case unit.Copy:
		if err := copyFile(source, target); err != nil {
			return rperrors.UnitFailed(fmt.Errorf("staging: copy %s -> %s: %w", source, target, err))
		}
	case unit.Move:
		if err := moveFile(source, target); err != nil {
			return rperrors.UnitFailed(fmt.Errorf("staging: move %s -> %s: %w", source, target, err))
		}
	case unit.Transfer:
		if err := p.Backend.Transfer(d); err != nil {
			return err
		}
	default:
		return rperrors.UnitFailed(fmt.Errorf("staging: unknown action %q", d.Action))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// moveFile renames, falling back to copy+unlink across filesystems
// (spec §4.5: "MOVE is a rename (falling back to copy+unlink across
// filesystems)").
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
