package mill

import (
	"context"
	"fmt"

	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/cryptovm"
	"DuchyMill/internal/kingdom"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/store"
)

// handle runs one work stage: crypto (or replay), checkpoint, send, advance.
func (m *Mill) handle(ctx context.Context, tok computation.Token, sm *stageMetrics) Result {
	step, err := m.table.Step(tok.Stage, tok.Role)
	if err != nil {
		return failed(tok, err)
	}

	participants := len(tok.Details.Participants)

	paths := tok.InputPaths()
	if want := step.Inputs(participants); len(paths) != want {
		return failed(tok, fmt.Errorf("%w: %s reads %d blobs, %s has %d",
			computation.ErrInputCountMismatch, tok.Stage, want, tok.GlobalID, len(paths)))
	}

	tok, output, outputPath, err := m.output(ctx, tok, step, paths, sm)
	if err != nil {
		return failed(tok, err)
	}

	if err := m.send(ctx, tok, step, output, sm); err != nil {
		return failed(tok, err)
	}

	tok, err = m.advance(ctx, tok, step, output, outputPath)
	if err != nil {
		return failed(tok, err)
	}

	return succeeded(tok)
}

// output returns the stage output: the checkpointed blob when one exists, or
// the result of a fresh crypto run, checkpointed before returning.
func (m *Mill) output(ctx context.Context, tok computation.Token, step protocol.Step, paths []string, sm *stageMetrics) (computation.Token, []byte, string, error) {
	slots := tok.BlobsOf(computation.DependencyOutput)
	if len(slots) != 1 {
		return tok, nil, "", fmt.Errorf("%w: %s has %d output slots in %s, want 1",
			computation.ErrIllegalState, tok.GlobalID, len(slots), tok.Stage)
	}

	slot := slots[0]

	if slot.Written() {
		data, err := m.blobs.Read(ctx, slot.Path)
		if err != nil {
			return tok, nil, "", fmt.Errorf("read checkpointed output:\n%w", err)
		}

		m.log.Info("replaying checkpointed output", "global", tok.GlobalID, "stage", tok.Stage, "bytes", len(data))
		sm.set(StatOutputBytes, int64(len(data)))

		return tok, data, slot.Path, nil
	}

	inputs := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := m.blobs.Read(ctx, p)
		if err != nil {
			return tok, nil, "", fmt.Errorf("read input %d:\n%w", i, err)
		}
		inputs[i] = data
	}

	req := cryptovm.Request{
		Operation:    step.Operation,
		Stage:        tok.Stage,
		Participants: len(tok.Details.Participants),
		Inputs:       inputs,
	}
	sm.set(StatInputBytes, int64(req.InputBytes()))

	output, wall, cpu, err := measureCrypto(func() ([]byte, error) {
		return m.crypto.Execute(ctx, req)
	})
	sm.set(StatCryptoWallClock, wall.Milliseconds())
	sm.set(StatCryptoCPUTime, cpu.Milliseconds())

	if err != nil {
		return tok, nil, "", fmt.Errorf("%s:\n%w", step.Operation, err)
	}

	sm.set(StatOutputBytes, int64(len(output)))

	path := blob.NewPath(tok, "output")
	if err := m.blobs.Write(ctx, path, output); err != nil {
		return tok, nil, "", fmt.Errorf("write output:\n%w", err)
	}

	tok, err = m.withCAS(ctx, tok, func(cur computation.Token) (computation.Token, error) {
		return m.store.WriteOutputBlobRef(ctx, cur, slot.ID, path, "")
	})
	if err != nil {
		return tok, nil, "", fmt.Errorf("checkpoint output:\n%w", err)
	}

	return tok, output, path, nil
}

// send pushes the output to the peer the step names.
func (m *Mill) send(ctx context.Context, tok computation.Token, step protocol.Step, output []byte, sm *stageMetrics) error {
	var to string

	switch step.Send {
	case protocol.SendNone:
		return nil
	case protocol.SendPrimary:
		to = tok.Details.Primary()
	case protocol.SendNext:
		to = tok.Details.Next()
	}

	if to == "" || to == tok.Details.Duchy {
		return computation.Permanentf("%s at %s sends %s to itself", tok.GlobalID, tok.Stage, step.Description)
	}

	if err := m.sender.Send(ctx, to, tok, step.Description, output); err != nil {
		return fmt.Errorf("send %s to %s:\n%w", step.Description, to, err)
	}

	sm.set(StatBytesTransferred, int64(len(output)))

	return nil
}

// advance moves the computation past the step: to its terminal stage, to a
// waiting stage released from the queue, or to another work stage.
func (m *Mill) advance(ctx context.Context, tok computation.Token, step protocol.Step, output []byte, outputPath string) (computation.Token, error) {
	if m.table.IsTerminal(step.Next) {
		if step.Send == protocol.SendNone {
			m.reportResult(ctx, tok, output)
		}

		return m.withCAS(ctx, tok, func(cur computation.Token) (computation.Token, error) {
			return m.store.FinishComputation(ctx, cur, step.Next, computation.EndReasonSucceeded)
		})
	}

	u := store.StageUpdate{
		Next:        step.Next,
		OutputSlots: m.table.OutputSlots(step.Next, tok.Role, len(tok.Details.Participants)),
	}

	if m.table.IsWaiting(step.Next, tok.Role) {
		u.After = computation.DoNotAddToQueue
		if step.PassOutput {
			u.PassThrough = []string{outputPath}
		}
	} else {
		u.Inputs = []string{outputPath}
		u.After = computation.AddUnclaimedToQueue
	}

	return m.withCAS(ctx, tok, func(cur computation.Token) (computation.Token, error) {
		return m.store.UpdateStage(ctx, cur, u)
	})
}

// reportResult attests the final result and reports it, best effort.
func (m *Mill) reportResult(ctx context.Context, tok computation.Token, result []byte) {
	r := kingdom.Result{GlobalID: tok.GlobalID, Duchy: tok.Details.Duchy, Result: result}

	if m.attester != nil {
		r = kingdom.ResultOf(tok, result, m.attester.Attest(tok.GlobalID, result))
	}

	if err := m.reporter.ReportResult(ctx, r); err != nil {
		m.log.Warn("report result", "global", tok.GlobalID, "error", err)
		return
	}

	m.log.Info("result reported", "global", tok.GlobalID, "bytes", len(result))
}
