package computation

import (
	"slices"
	"time"
)

// Dependency says how a blob relates to the stage it is attached to.
type Dependency uint8

const (
	// DependencyInput is read by the stage's crypto operation.
	DependencyInput Dependency = iota + 1

	// DependencyPassThrough is carried to the next stage's inputs unchanged.
	DependencyPassThrough

	// DependencyOutput is written by the stage, locally or by a peer.
	DependencyOutput
)

// String returns the dependency name.
func (d Dependency) String() string {
	switch d {
	case DependencyInput:
		return "INPUT"
	case DependencyPassThrough:
		return "PASS_THROUGH"
	case DependencyOutput:
		return "OUTPUT"
	default:
		return "UNKNOWN_DEPENDENCY"
	}
}

// EndReason records why a computation reached its terminal stage.
type EndReason uint8

const (
	EndReasonNone EndReason = iota
	EndReasonSucceeded
	EndReasonFailed
	EndReasonCanceled
)

// String returns the end reason name.
func (r EndReason) String() string {
	switch r {
	case EndReasonSucceeded:
		return "SUCCEEDED"
	case EndReasonFailed:
		return "FAILED"
	case EndReasonCanceled:
		return "CANCELED"
	default:
		return "NONE"
	}
}

// AfterTransition says what happens to the claim once a stage update commits.
type AfterTransition uint8

const (
	// ContinueWorking keeps the owner so the same mill runs the next stage.
	ContinueWorking AfterTransition = iota + 1

	// AddUnclaimedToQueue releases the claim and makes the computation claimable.
	AddUnclaimedToQueue

	// DoNotAddToQueue releases the claim; the computation waits for peer input.
	DoNotAddToQueue
)

// BlobRef points at one stage blob.
// An output ref with an empty Path is a slot that has not been written yet.
type BlobRef struct {
	ID         uint32
	Dependency Dependency
	Path       string
	Origin     string // Origin is the duchy that produced the blob, empty when local
}

// Written reports whether the ref points at a stored blob.
func (b BlobRef) Written() bool {
	return b.Path != ""
}

// Details carries the participants of a computation in ring order.
// Participants[0] is the primary aggregator.
type Details struct {
	Duchy        string   // Duchy is this duchy's ID
	Participants []string // Participants lists every duchy in ring order
}

// Primary returns the primary aggregator's duchy ID.
func (d Details) Primary() string {
	if len(d.Participants) == 0 {
		return ""
	}

	return d.Participants[0]
}

// Next returns the duchy after this one in the ring.
func (d Details) Next() string {
	i := slices.Index(d.Participants, d.Duchy)
	if i < 0 {
		return ""
	}

	return d.Participants[(i+1)%len(d.Participants)]
}

// RoleOf returns the role of this duchy.
func (d Details) RoleOf() Role {
	switch {
	case d.Duchy == "" || !slices.Contains(d.Participants, d.Duchy):
		return RoleUnknown
	case d.Duchy == d.Primary():
		return RolePrimary
	default:
		return RoleNonPrimary
	}
}

// Token is an immutable snapshot of one computation's persisted state.
// Every mutating store call returns a new Token; the old one is stale.
type Token struct {
	GlobalID   string
	LocalID    uint64
	Protocol   Protocol
	Stage      Stage
	Attempt    uint32
	Version    uint64
	Owner      string
	Role       Role
	LastUpdate time.Time
	Blobs      []BlobRef
	Details    Details
	EndReason  EndReason
}

// BlobsOf returns the refs with the given dependency, ordered by ID.
func (t Token) BlobsOf(dep Dependency) []BlobRef {
	var refs []BlobRef

	for _, b := range t.Blobs {
		if b.Dependency == dep {
			refs = append(refs, b)
		}
	}

	slices.SortFunc(refs, func(a, b BlobRef) int { return int(a.ID) - int(b.ID) })

	return refs
}

// InputPaths returns the paths the stage reads: inputs then pass-throughs.
func (t Token) InputPaths() []string {
	var paths []string

	for _, b := range t.BlobsOf(DependencyInput) {
		paths = append(paths, b.Path)
	}

	for _, b := range t.BlobsOf(DependencyPassThrough) {
		paths = append(paths, b.Path)
	}

	return paths
}

// WrittenOutputs returns the output refs that point at stored blobs.
func (t Token) WrittenOutputs() []BlobRef {
	var refs []BlobRef

	for _, b := range t.BlobsOf(DependencyOutput) {
		if b.Written() {
			refs = append(refs, b)
		}
	}

	return refs
}

// AllOutputsWritten reports whether every output slot has a blob.
// A stage without output slots reports false.
func (t Token) AllOutputsWritten() bool {
	outputs := t.BlobsOf(DependencyOutput)
	if len(outputs) == 0 {
		return false
	}

	for _, b := range outputs {
		if !b.Written() {
			return false
		}
	}

	return true
}

// IsTerminal reports whether the computation has ended.
func (t Token) IsTerminal() bool {
	return t.EndReason != EndReasonNone
}
