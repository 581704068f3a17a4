// Package stagingout implements the StagingOutput pipeline stage (spec
// §4.5): reads a bounded stdout/stderr tail, processes output_staging
// directives, and advances the unit. Mirrors stagingin's structure in
// reverse.
package stagingout

import (
	"os"
	"unicode/utf8"

	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/staging"
	"github.com/radical-go/pilot/pkg/unit"
)

// nonUTF8Sentinel replaces a non-UTF-8 stdio tail per spec §4.5 ("rejecting
// non-UTF-8 with a textual sentinel").
const nonUTF8Sentinel = "<non-utf8 output elided>"

// MaxTail bounds how many trailing bytes of stdout/stderr are read.
const MaxTail = 64 * 1024

// StagingOutput is a Component that collects stdio and materializes
// output_staging directives before handing the unit to the next stage.
type StagingOutput struct {
	*component.Base

	Variant   string     // "client" or "agent", mirrors stagingin.Variant
	Pending   unit.State // e.g. AGENT_STAGING_OUTPUT_PENDING
	Processor *staging.Processor

	// Cancels is consulted before processing every pulled unit (spec §5).
	Cancels *unit.CancelRegistry
}

func New(base *component.Base, variant string, pending unit.State, processor *staging.Processor) *StagingOutput {
	if processor != nil && processor.Stage == "" {
		processor.Stage = "stagingout." + variant
	}
	return &StagingOutput{Base: base, Variant: variant, Pending: pending, Processor: processor}
}

func (s *StagingOutput) NextState() unit.State {
	if s.Variant == "client" {
		return unit.UmgrStagingOutput
	}
	return unit.AgentStagingOutput
}

// Handle processes one pulled unit or bulk. Units whose TargetState is not
// DONE skip the staging loop but still collect stdio (spec §4.5).
func (s *StagingOutput) Handle(units []*unit.Unit) error {
	for _, u := range units {
		if unit.Ahead(u.State, s.Pending) {
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

		u.Stdout = tailFile(u.Description.Stdout, MaxTail)
		u.Stderr = tailFile(u.Description.Stderr, MaxTail)

		if u.TargetState == unit.Done {
			if err := s.Processor.Apply(u.Description.OutputStaging, u.UnitSandbox); err != nil {
				u.Error = err.Error()
				u.Cause = "staging_output_failed"
				if aerr := s.Advance([]*unit.Unit{u}, unit.Failed, true, true, true); aerr != nil {
					return aerr
				}
				continue
			}
		}

		if err := s.Advance([]*unit.Unit{u}, s.NextState(), true, true, true); err != nil {
			return err
		}
	}
	return nil
}

// tailFile reads up to max trailing bytes of path, returning the sentinel if
// the result is not valid UTF-8 and "" if the file cannot be read.
func tailFile(path string, max int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	offset := int64(0)
	if size > max {
		offset = size - max
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return ""
	}
	buf := make([]byte, size-offset)
	n, _ := f.Read(buf)
	buf = buf[:n]
	if !utf8.Valid(buf) {
		return nonUTF8Sentinel
	}
	return string(buf)
}
