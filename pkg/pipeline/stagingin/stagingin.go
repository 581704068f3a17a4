// Package stagingin implements the StagingInput pipeline stage (spec §4.5),
// in both its client-side and agent-side variants. Grounded on the
// pull/prepare/advance shape of pkg/worker/worker.go's executeContainer and
// pkg/worker/volumes.go's PrepareVolumesForTask, adapted from mount
// preparation to the spec's LINK/COPY/MOVE/TRANSFER staging directives.
package stagingin

import (
	"github.com/radical-go/pilot/pkg/component"
	"github.com/radical-go/pilot/pkg/staging"
	"github.com/radical-go/pilot/pkg/unit"
)

// Variant distinguishes the client-side and agent-side StagingInput
// component kinds named in spec §3's Component descriptor.
type Variant string

const (
	Client Variant = "client"
	Agent  Variant = "agent"
)

// StagingInput is a Component that materializes input_staging directives
// under the unit sandbox before handing the unit to the next stage.
type StagingInput struct {
	*component.Base

	Variant   Variant
	Pending   unit.State // e.g. UMGR_STAGING_INPUT_PENDING
	Processor *staging.Processor

	// Cancels is consulted before processing every pulled unit, so a
	// cancel_unit observed while this unit sat in a different stage still
	// takes effect here (spec §5).
	Cancels *unit.CancelRegistry
}

// New constructs a StagingInput stage. pending is the state this stage pulls
// units in; successful units advance to NextState().
func New(base *component.Base, variant Variant, pending unit.State, processor *staging.Processor) *StagingInput {
	if processor != nil && processor.Stage == "" {
		processor.Stage = "stagingin." + string(variant)
	}
	return &StagingInput{Base: base, Variant: variant, Pending: pending, Processor: processor}
}

// NextState is the state this stage advances to on success, per the
// canonical order: UMGR_STAGING_INPUT_PENDING -> UMGR_STAGING_INPUT,
// AGENT_STAGING_INPUT_PENDING -> AGENT_STAGING_INPUT.
func (s *StagingInput) NextState() unit.State {
	switch s.Variant {
	case Client:
		return unit.UmgrStagingInput
	default:
		return unit.AgentStagingInput
	}
}

// Handle processes one pulled unit or bulk (spec §4.4 handler contract).
func (s *StagingInput) Handle(units []*unit.Unit) error {
	for _, u := range units {
		if unit.Ahead(u.State, s.Pending) {
			// Drain mode: forward unchanged (spec §4.5 edge cases).
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

		if err := s.Processor.Apply(u.Description.InputStaging, u.UnitSandbox); err != nil {
			u.Error = err.Error()
			u.Cause = "staging_input_failed"
			if aerr := s.Advance([]*unit.Unit{u}, unit.Failed, true, true, true); aerr != nil {
				return aerr
			}
			continue
		}

		if err := s.Advance([]*unit.Unit{u}, s.NextState(), true, true, true); err != nil {
			return err
		}
	}
	return nil
}
