// Package protocol holds the stage machines of the sketch-aggregation protocols.
//
// A Table is pure data: for a (stage, role) pair it says which crypto operation
// runs, how many input blobs it reads, where its output goes and which stage
// follows. Waiting stages say how many peer payloads they collect and which stage
// follows once all have arrived. Anything the table does not define is a
// permanent configuration error.
package protocol

import (
	"fmt"
	"sort"

	"DuchyMill/internal/computation"
)

// Destination says which peer receives a stage's output.
type Destination uint8

const (
	// SendNone keeps the output local.
	SendNone Destination = iota

	// SendPrimary pushes the output to the primary aggregator.
	SendPrimary

	// SendNext pushes the output to the next duchy in the ring.
	SendNext
)

// String returns the destination name.
func (d Destination) String() string {
	switch d {
	case SendPrimary:
		return "PRIMARY"
	case SendNext:
		return "NEXT"
	default:
		return "NONE"
	}
}

// Count computes a blob count from the number of participating duchies.
type Count func(participants int) int

// Fixed returns a Count that ignores the participant count.
func Fixed(n int) Count {
	return func(int) int { return n }
}

// AllDuchies counts one blob per participant.
func AllDuchies(participants int) int {
	return participants
}

// OtherDuchies counts one blob per participant except this duchy.
func OtherDuchies(participants int) int {
	return participants - 1
}

// Step describes local work at one stage for one role.
type Step struct {
	Operation   string                  // Operation names the crypto operation to run
	Inputs      Count                   // Inputs is the number of blobs the operation reads
	Next        computation.Stage       // Next is the stage after the work completes
	Send        Destination             // Send says where the output is pushed
	Description computation.Description // Description labels the pushed payload
	PassOutput  bool                    // PassOutput carries the output into Next as a pass-through input
}

// Wait describes a stage that collects payloads from peers.
type Wait struct {
	Slots Count             // Slots is the number of peer payloads to collect
	Next  computation.Stage // Next is the stage once every slot is written
}

// Init is a protocol's starting point for one role.
type Init struct {
	Stage    computation.Stage
	SketchAs computation.Dependency // SketchAs is how the local sketch attaches to Stage
	After    computation.AfterTransition
}

type roleStage struct {
	stage computation.Stage
	role  computation.Role
}

// Table is the stage machine of one protocol variant.
type Table struct {
	protocol computation.Protocol
	terminal computation.Stage
	initial  map[computation.Role]Init
	steps    map[roleStage]Step
	waits    map[roleStage]Wait
	expects  map[computation.Description]computation.Stage
	legal    map[computation.Stage]map[computation.Stage]bool
}

// newTable indexes the legal transitions implied by the steps and waits.
func newTable(p computation.Protocol, terminal computation.Stage, initial map[computation.Role]Init,
	steps map[roleStage]Step, waits map[roleStage]Wait, expects map[computation.Description]computation.Stage) *Table {

	t := &Table{
		protocol: p,
		terminal: terminal,
		initial:  initial,
		steps:    steps,
		waits:    waits,
		expects:  expects,
		legal:    make(map[computation.Stage]map[computation.Stage]bool),
	}

	allow := func(from, to computation.Stage) {
		if t.legal[from] == nil {
			t.legal[from] = make(map[computation.Stage]bool)
		}
		t.legal[from][to] = true
	}

	for k, s := range steps {
		allow(k.stage, s.Next)
		allow(k.stage, terminal)
	}

	for k, w := range waits {
		allow(k.stage, w.Next)
		allow(k.stage, terminal)
	}

	return t
}

// Protocol returns the protocol variant this table drives.
func (t *Table) Protocol() computation.Protocol {
	return t.protocol
}

// Terminal returns the protocol's terminal stage.
func (t *Table) Terminal() computation.Stage {
	return t.terminal
}

// IsTerminal reports whether s ends the computation.
func (t *Table) IsTerminal(s computation.Stage) bool {
	return s == t.terminal
}

// Initial returns where a new computation starts for the given role.
func (t *Table) Initial(role computation.Role) (Init, error) {
	init, ok := t.initial[role]
	if !ok {
		return Init{}, fmt.Errorf("%w: %s has no initial stage for role %s", computation.ErrUnknownStage, t.protocol, role)
	}

	return init, nil
}

// Step returns the local work at stage s for role.
func (t *Table) Step(s computation.Stage, role computation.Role) (Step, error) {
	step, ok := t.steps[roleStage{s, role}]
	if !ok {
		return Step{}, fmt.Errorf("%w: %s stage %s is not a work stage for role %s", computation.ErrUnknownStage, t.protocol, s, role)
	}

	return step, nil
}

// Wait returns the waiting behavior of stage s for role.
func (t *Table) Wait(s computation.Stage, role computation.Role) (Wait, error) {
	w, ok := t.waits[roleStage{s, role}]
	if !ok {
		return Wait{}, fmt.Errorf("%w: %s stage %s is not a waiting stage for role %s", computation.ErrUnknownStage, t.protocol, s, role)
	}

	return w, nil
}

// IsWaiting reports whether stage s waits for peer input for role.
func (t *Table) IsWaiting(s computation.Stage, role computation.Role) bool {
	_, ok := t.waits[roleStage{s, role}]
	return ok
}

// OutputSlots returns the number of output refs stage s starts with: one for
// the local result of a work stage, one per expected peer payload for a
// waiting stage, none for the terminal stage.
func (t *Table) OutputSlots(s computation.Stage, role computation.Role, participants int) int {
	if _, ok := t.steps[roleStage{s, role}]; ok {
		return 1
	}

	if w, ok := t.waits[roleStage{s, role}]; ok {
		return w.Slots(participants)
	}

	return 0
}

// StageExpectingInput returns the stage waiting for payloads labeled d.
func (t *Table) StageExpectingInput(d computation.Description) (computation.Stage, error) {
	s, ok := t.expects[d]
	if !ok {
		return computation.StageUnknown, fmt.Errorf("%w: %s does not accept %s", computation.ErrUnknownStage, t.protocol, d)
	}

	return s, nil
}

// NextAfterInputs returns the stage that follows waiting stage s once all
// peer payloads have arrived.
func (t *Table) NextAfterInputs(s computation.Stage, role computation.Role) (computation.Stage, error) {
	w, err := t.Wait(s, role)
	if err != nil {
		return computation.StageUnknown, err
	}

	return w.Next, nil
}

// Route returns where a duchy of role from sends payloads labeled d.
func (t *Table) Route(d computation.Description, from computation.Role) (Destination, error) {
	for k, s := range t.steps {
		if k.role == from && s.Send != SendNone && s.Description == d {
			return s.Send, nil
		}
	}

	return SendNone, fmt.Errorf("%w: %s role %s never sends %s", computation.ErrUnknownStage, t.protocol, from, d)
}

// IsLegal reports whether the protocol allows moving from one stage to another.
// Every non-terminal stage may move to the terminal stage.
func (t *Table) IsLegal(from, to computation.Stage) bool {
	return t.legal[from][to]
}

// Order returns the position of s along the protocol for role: work and
// waiting stages are numbered in execution order, the terminal stage is last.
// Unknown stages return -1.
func (t *Table) Order(s computation.Stage, role computation.Role) int {
	init, ok := t.initial[role]
	if !ok {
		return -1
	}

	cur := init.Stage
	for i := 0; i <= len(t.steps)+len(t.waits); i++ {
		if cur == s {
			return i
		}

		if cur == t.terminal {
			return -1
		}

		if step, ok := t.steps[roleStage{cur, role}]; ok {
			cur = step.Next
		} else if w, ok := t.waits[roleStage{cur, role}]; ok {
			cur = w.Next
		} else {
			return -1
		}
	}

	return -1
}

// Operations returns the crypto operations the table runs, sorted.
func (t *Table) Operations() []string {
	seen := make(map[string]bool)
	var ops []string

	for _, step := range t.steps {
		if !seen[step.Operation] {
			seen[step.Operation] = true
			ops = append(ops, step.Operation)
		}
	}

	sort.Strings(ops)

	return ops
}

// Registry maps protocol variants to their tables.
type Registry map[computation.Protocol]*Table

// DefaultRegistry returns the tables of every supported protocol.
func DefaultRegistry() Registry {
	return Registry{
		computation.LiquidLegionsV1: LiquidLegionsV1(),
		computation.LiquidLegionsV2: LiquidLegionsV2(),
	}
}

// Get returns the table for p.
func (r Registry) Get(p computation.Protocol) (*Table, error) {
	t, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("%w: no stage table for %s", computation.ErrUnknownStage, p)
	}

	return t, nil
}
