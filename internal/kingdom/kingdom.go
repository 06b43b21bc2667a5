// Package kingdom reports computation progress to the kingdom, the
// coordinator that schedules computations across duchies.
//
// Reports are best effort: callers log a failed report and carry on.
package kingdom

import (
	"context"
	"encoding/hex"
	"time"

	"DuchyMill/internal/attest"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
)

// Reporter sends computation reports to the kingdom.
type Reporter interface {
	ReportStatus(ctx context.Context, s Status) error
	ReportFailure(ctx context.Context, f Failure) error
	ReportResult(ctx context.Context, r Result) error
}

// Status is a progress report, sent on transient failures.
type Status struct {
	GlobalID string    `json:"globalId"`
	Duchy    string    `json:"duchy"`
	Stage    string    `json:"stage"`
	Attempt  uint32    `json:"attempt"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Failure reports a computation that failed permanently at this duchy.
type Failure struct {
	GlobalID string    `json:"globalId"`
	Duchy    string    `json:"duchy"`
	Stage    string    `json:"stage"`
	Attempt  uint32    `json:"attempt"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Result carries the final result with the duchy's attestation.
type Result struct {
	GlobalID  string `json:"globalId"`
	Duchy     string `json:"duchy"`
	Result    []byte `json:"result"`
	Digest    string `json:"digest"`
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"publicKey"`
}

// StatusOf builds a status report for a token.
func StatusOf(tok computation.Token, message string) Status {
	return Status{
		GlobalID: tok.GlobalID,
		Duchy:    tok.Details.Duchy,
		Stage:    tok.Stage.String(),
		Attempt:  tok.Attempt,
		Message:  message,
		At:       time.Now(),
	}
}

// FailureOf builds a failure report for a token.
func FailureOf(tok computation.Token, reason string) Failure {
	return Failure{
		GlobalID: tok.GlobalID,
		Duchy:    tok.Details.Duchy,
		Stage:    tok.Stage.String(),
		Attempt:  tok.Attempt,
		Reason:   reason,
		At:       time.Now(),
	}
}

// ResultOf builds a result report from an attestation.
func ResultOf(tok computation.Token, result []byte, a attest.Attestation) Result {
	return Result{
		GlobalID:  tok.GlobalID,
		Duchy:     tok.Details.Duchy,
		Result:    result,
		Digest:    hex.EncodeToString(a.Digest[:]),
		Signature: a.Signature,
		PublicKey: a.PublicKey,
	}
}

// LogReporter writes reports to the log. Used when no kingdom is configured.
type LogReporter struct{}

// ReportStatus implements Reporter.
func (LogReporter) ReportStatus(_ context.Context, s Status) error {
	logger.Info("computation status", "global", s.GlobalID, "stage", s.Stage, "attempt", s.Attempt, "message", s.Message)
	return nil
}

// ReportFailure implements Reporter.
func (LogReporter) ReportFailure(_ context.Context, f Failure) error {
	logger.Warn("computation failed", "global", f.GlobalID, "stage", f.Stage, "attempt", f.Attempt, "reason", f.Reason)
	return nil
}

// ReportResult implements Reporter.
func (LogReporter) ReportResult(_ context.Context, r Result) error {
	logger.Info("computation result", "global", r.GlobalID, "bytes", len(r.Result), "digest", r.Digest)
	return nil
}
