package mill

import (
	"DuchyMill/internal/computation"
)

// Outcome is how a stage attempt ended.
type Outcome uint8

const (
	// Succeeded means the computation moved on.
	Succeeded Outcome = iota + 1

	// Permanent means the computation must fail.
	Permanent

	// Transient means the attempt should be retried later.
	Transient
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "SUCCEEDED"
	case Permanent:
		return "PERMANENT"
	case Transient:
		return "TRANSIENT"
	default:
		return "UNKNOWN"
	}
}

// Result is what a stage handler returns instead of raising.
type Result struct {
	Outcome Outcome
	Token   computation.Token // Token is the latest token the handler saw
	Err     error
}

func succeeded(tok computation.Token) Result {
	return Result{Outcome: Succeeded, Token: tok}
}

// failed classifies err into a permanent or transient result.
func failed(tok computation.Token, err error) Result {
	if computation.IsPermanent(err) {
		return Result{Outcome: Permanent, Token: tok, Err: err}
	}

	return Result{Outcome: Transient, Token: tok, Err: err}
}
