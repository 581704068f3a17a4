// Package unit defines the Unit data model and its canonical state machine
// (spec §3), adapted from the Task/state modeling shape of
// pkg/types/types.go in the teacher repository.
package unit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one member of the canonical ordered state set (spec §3).
type State string

const (
	StateNew                 State = "NEW"
	UmgrStagingInputPending  State = "UMGR_STAGING_INPUT_PENDING"
	UmgrStagingInput         State = "UMGR_STAGING_INPUT"
	AllocatingPending        State = "ALLOCATING_PENDING"
	Allocating               State = "ALLOCATING"
	AgentStagingInputPending State = "AGENT_STAGING_INPUT_PENDING"
	AgentStagingInput        State = "AGENT_STAGING_INPUT"
	ExecutingPending         State = "EXECUTING_PENDING"
	Executing                State = "EXECUTING"
	AgentStagingOutPending   State = "AGENT_STAGING_OUTPUT_PENDING"
	AgentStagingOutput       State = "AGENT_STAGING_OUTPUT"
	UmgrStagingOutPending    State = "UMGR_STAGING_OUTPUT_PENDING"
	UmgrStagingOutput        State = "UMGR_STAGING_OUTPUT"
	Done                     State = "DONE"
	Failed                   State = "FAILED"
	Canceled                 State = "CANCELED"
)

// canonicalOrder is the total order referenced throughout spec §3, §5, §8.
var canonicalOrder = []State{
	StateNew, UmgrStagingInputPending, UmgrStagingInput, AllocatingPending, Allocating,
	AgentStagingInputPending, AgentStagingInput, ExecutingPending, Executing,
	AgentStagingOutPending, AgentStagingOutput, UmgrStagingOutPending, UmgrStagingOutput,
	Done,
}

var rank = func() map[State]int {
	m := make(map[State]int, len(canonicalOrder))
	for i, s := range canonicalOrder {
		m[s] = i
	}
	return m
}()

// Ahead reports whether actual is strictly later in canonical order than
// expected, used by every staged component to implement "drain mode": a
// unit whose state already moved past what this stage expects is forwarded
// unchanged (spec §4.5 state-machine edge cases).
func Ahead(actual, expected State) bool {
	ra, aok := rank[actual]
	re, eok := rank[expected]
	if !aok || !eok {
		return false
	}
	return ra > re
}

// Terminal reports whether s is one of DONE, FAILED, CANCELED.
func Terminal(s State) bool {
	return s == Done || s == Failed || s == Canceled
}

// Precedes reports whether a strictly precedes b in canonical order. Terminal
// states other than DONE (FAILED, CANCELED) are exempt from ordering per
// invariant 1 in spec §8 — they may supersede any state at any time.
func Precedes(a, b State) bool {
	ra, aok := rank[a]
	rb, bok := rank[b]
	if !aok || !bok {
		return false
	}
	return ra < rb
}

// StagingAction names one file operation kind for a staging directive.
type StagingAction string

const (
	Link     StagingAction = "LINK"
	Copy     StagingAction = "COPY"
	Move     StagingAction = "MOVE"
	Transfer StagingAction = "TRANSFER"
)

// StagingFlag is a bit flag on a staging directive.
type StagingFlag string

const (
	CreateParents StagingFlag = "CREATE_PARENTS"
)

// StagingDirective is the quadruple {action, source, target, flags} (GLOSSARY).
type StagingDirective struct {
	Action StagingAction `json:"action"`
	Source string        `json:"source"`
	Target string        `json:"target"`
	Flags  []StagingFlag  `json:"flags,omitempty"`
}

// HasFlag reports whether d carries flag.
func (d StagingDirective) HasFlag(flag StagingFlag) bool {
	for _, f := range d.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Description is the immutable work descriptor a unit carries (spec §3).
type Description struct {
	Executable     string            `json:"executable"`
	Arguments      []string          `json:"arguments,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	InputStaging   []StagingDirective `json:"input_staging,omitempty"`
	OutputStaging  []StagingDirective `json:"output_staging,omitempty"`
	Stdout         string            `json:"stdout,omitempty"`
	Stderr         string            `json:"stderr,omitempty"`
	SandboxHint    string            `json:"sandbox_hint,omitempty"`
}

// Unit is the work item flowing through the pipeline (spec §3).
type Unit struct {
	UID         string      `json:"uid"`
	Description Description `json:"description"`
	State       State       `json:"state"`
	TargetState State       `json:"target_state,omitempty"`

	UnitSandbox     string `json:"unit_sandbox,omitempty"`
	PilotSandbox    string `json:"pilot_sandbox,omitempty"`
	ResourceSandbox string `json:"resource_sandbox,omitempty"`

	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Control string `json:"control,omitempty"`

	Allocation string `json:"allocation,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
	Cause      string `json:"cause,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PendingCancel records that this unit was advanced to CANCELED as a
	// result of a cancel_unit control message, set alongside Cause="canceled"
	// (spec §5 cancellation semantics). The in-process CancelRegistry is what
	// actually lets a non-owning stage honor a cancel it never held the unit
	// for; this field is the resulting wire-visible record of that fact.
	PendingCancel bool `json:"pending_cancel,omitempty"`
}

// New creates a unit in state NEW with a freshly generated uid.
func New(desc Description) *Unit {
	return &Unit{
		UID:         uuid.NewString(),
		Description: desc,
		State:       StateNew,
		TargetState: Done,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// Clone returns a deep-enough copy suitable for independent mutation by a
// single owning component (ownership transfer happens by value, not pointer,
// across the fabric boundary).
func (u *Unit) Clone() *Unit {
	cp := *u
	cp.Description.Arguments = append([]string(nil), u.Description.Arguments...)
	cp.Description.InputStaging = append([]StagingDirective(nil), u.Description.InputStaging...)
	cp.Description.OutputStaging = append([]StagingDirective(nil), u.Description.OutputStaging...)
	return &cp
}

// AdvanceState mutates u.State to next, collapsing duplicate transitions and
// enforcing that CANCELED is superseded by any other terminal state
// (spec §3, §8 invariant 1, Scenario F).
func (u *Unit) AdvanceState(next State) (changed bool) {
	if u.State == next {
		return false
	}
	if u.State == Canceled && Terminal(next) {
		u.State = next
		u.UpdatedAt = time.Now()
		return true
	}
	if Terminal(u.State) {
		// A terminal state (other than the CANCELED/terminal exception
		// above) is never left; duplicate terminal advances collapse.
		return false
	}
	u.State = next
	u.UpdatedAt = time.Now()
	return true
}

// CancelRegistry tracks uids that received a cancel_unit control message,
// shared by every stage a Controller owns so a canceled unit is
// short-circuited to CANCELED wherever it next surfaces, even in a stage
// that never held the unit at cancellation time (spec §5 cancellation
// semantics: "every component holding or later receiving that unit must
// honor it").
type CancelRegistry struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{set: make(map[string]struct{})}
}

// Mark records uid as canceled.
func (r *CancelRegistry) Mark(uid string) {
	r.mu.Lock()
	r.set[uid] = struct{}{}
	r.mu.Unlock()
}

// Canceled reports whether uid was previously marked.
func (r *CancelRegistry) Canceled(uid string) bool {
	r.mu.Lock()
	_, ok := r.set[uid]
	r.mu.Unlock()
	return ok
}
