package advance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/store"
	"DuchyMill/internal/transfer"
)

const (
	// defaultMaxPayload bounds an inbound payload when none is configured.
	defaultMaxPayload = 1 << 30

	// maxCASRetries bounds re-reads after a concurrent token update.
	maxCASRetries = 16

	// statBytesReceived prefixes the stat recorded for each stored payload.
	statBytesReceived = "bytes_received"
)

// ServiceConfig holds the dependencies of a Service.
type ServiceConfig struct {
	Store      *store.Store      // Store holds the computations
	Blobs      *blob.Store       // Blobs holds the received payloads
	Registry   protocol.Registry // Registry resolves descriptions to waiting stages
	MaxPayload uint64            // MaxPayload bounds an inbound payload (0 = 1 GiB)
}

// Service receives stage outputs from peer duchies.
type Service struct {
	store      *store.Store
	blobs      *blob.Store
	registry   protocol.Registry
	maxPayload uint64
}

// NewService creates an advance service.
func NewService(cfg ServiceConfig) *Service {
	maxPayload := cfg.MaxPayload
	if maxPayload == 0 {
		maxPayload = defaultMaxPayload
	}

	return &Service{
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		registry:   cfg.Registry,
		maxPayload: maxPayload,
	}
}

// HandleStream serves one inbound transfer from the authenticated duchy
// peerID and answers with a single response frame.
func (s *Service) HandleStream(ctx context.Context, peerID string, st transfer.Stream) {
	resp := s.receive(ctx, peerID, st)

	if err := transfer.WriteResponse(st, resp); err != nil {
		logger.Debug("write transfer response", "peer", peerID, "error", err)
	}
}

// receive reads the transfer and applies it.
func (s *Service) receive(ctx context.Context, peerID string, st transfer.Stream) transfer.Response {
	h, err := transfer.ReceiveHeader(st)
	if err != nil {
		io.Copy(io.Discard, st)
		return rejected("bad header: %v", err)
	}

	payload, err := transfer.ReceivePayload(st, h, s.maxPayload)
	if err != nil {
		io.Copy(io.Discard, st)
		return rejected("bad payload: %v", err)
	}

	if h.Sender != peerID {
		logger.Warn("transfer sender mismatch", "peer", peerID, "sender", h.Sender, "global", h.GlobalID)
		return rejected("sender %s does not match connection %s", h.Sender, peerID)
	}

	return s.Accept(ctx, h, payload)
}

// Accept stores a verified payload into the computation's waiting stage.
// An earlier stage answers NotReady, a later one OK: the payload was
// already consumed.
func (s *Service) Accept(ctx context.Context, h transfer.Header, payload []byte) transfer.Response {
	table, err := s.registry.Get(h.Protocol)
	if err != nil {
		return rejected("%v", err)
	}

	waiting, err := table.StageExpectingInput(h.Description)
	if err != nil {
		return rejected("%v", err)
	}

	log := logger.With("global", h.GlobalID, "from", h.Sender, "description", h.Description)

	var path string // path is the stored payload, written at most once

	for range maxCASRetries {
		tok, err := s.store.GetToken(ctx, h.GlobalID)
		if errors.Is(err, computation.ErrNotFound) {
			return notReady("computation %s not started", h.GlobalID)
		}
		if err != nil {
			return notReady("read computation: %v", err)
		}

		if resp, ok := s.check(table, tok, waiting, h); !ok {
			return resp
		}

		if tok.Stage != waiting {
			return outOfStage(table, tok, waiting)
		}

		slot, filled := senderSlot(tok, h.Sender)
		if !filled {
			if slot == nil {
				return rejected("%s has no free slot in %s", h.GlobalID, tok.Stage)
			}

			if path == "" {
				path = blob.NewPath(tok, "from-"+h.Sender)
				if err := s.blobs.Write(ctx, path, payload); err != nil {
					return notReady("store payload: %v", err)
				}

				s.recordStat(ctx, tok, h.Sender, int64(len(payload)))
			}

			tok, err = s.store.WriteOutputBlobRef(ctx, tok, slot.ID, path, h.Sender)
			if errors.Is(err, computation.ErrStaleVersion) {
				continue
			}
			if err != nil {
				return classify("write slot", err)
			}

			log.Debug("peer payload stored", "stage", tok.Stage, "slot", slot.ID, "bytes", len(payload))
		}

		if !tok.AllOutputsWritten() {
			return transfer.Response{Status: transfer.StatusOK}
		}

		err = s.advance(ctx, table, tok)
		if errors.Is(err, computation.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return classify("advance", err)
		}

		return transfer.Response{Status: transfer.StatusOK}
	}

	return notReady("%s is contended, retry", h.GlobalID)
}

// check validates a transfer against the receiving computation.
func (s *Service) check(table *protocol.Table, tok computation.Token, waiting computation.Stage, h transfer.Header) (transfer.Response, bool) {
	if tok.Protocol != h.Protocol {
		return rejected("%s runs %s, not %s", tok.GlobalID, tok.Protocol, h.Protocol), false
	}

	if h.Sender == tok.Details.Duchy || !slices.Contains(tok.Details.Participants, h.Sender) {
		return rejected("%s does not take input from %s", tok.GlobalID, h.Sender), false
	}

	senderRole := computation.Details{Duchy: h.Sender, Participants: tok.Details.Participants}.RoleOf()

	dest, err := table.Route(h.Description, senderRole)
	if err != nil {
		return rejected("%v", err), false
	}

	switch dest {
	case protocol.SendPrimary:
		if tok.Role != computation.RolePrimary {
			return rejected("%s is sent to the primary, this duchy is not", h.Description), false
		}
	case protocol.SendNext:
		prev := computation.Details{Duchy: h.Sender, Participants: tok.Details.Participants}.Next()
		if prev != tok.Details.Duchy {
			return rejected("%s sends %s to %s, not here", h.Sender, h.Description, prev), false
		}
	}

	if table.Order(waiting, tok.Role) < 0 {
		return rejected("role %s never waits in %s", tok.Role, waiting), false
	}

	if tok.IsTerminal() && tok.EndReason != computation.EndReasonSucceeded {
		return rejected("%s ended %s", tok.GlobalID, tok.EndReason), false
	}

	return transfer.Response{}, true
}

// outOfStage answers a transfer for a computation outside the waiting stage.
func outOfStage(table *protocol.Table, tok computation.Token, waiting computation.Stage) transfer.Response {
	if tok.IsTerminal() || table.Order(tok.Stage, tok.Role) > table.Order(waiting, tok.Role) {
		return transfer.Response{Status: transfer.StatusOK, Message: "already received"}
	}

	return notReady("%s is in %s, not yet %s", tok.GlobalID, tok.Stage, waiting)
}

// senderSlot returns the output slot for sender: the one it already filled
// (filled is true), or else the first empty one. nil means no slot is left.
func senderSlot(tok computation.Token, sender string) (*computation.BlobRef, bool) {
	var free *computation.BlobRef

	for _, b := range tok.BlobsOf(computation.DependencyOutput) {
		if b.Written() && b.Origin == sender {
			return &b, true
		}

		if !b.Written() && free == nil {
			free = &b
		}
	}

	return free, false
}

// advance moves a waiting stage whose slots are all filled to its next stage.
// The next stage reads the waiting stage's carried blobs then the received
// payloads in slot order.
func (s *Service) advance(ctx context.Context, table *protocol.Table, tok computation.Token) error {
	next, err := table.NextAfterInputs(tok.Stage, tok.Role)
	if err != nil {
		return err
	}

	inputs := tok.InputPaths()
	for _, b := range tok.WrittenOutputs() {
		inputs = append(inputs, b.Path)
	}

	updated, err := s.store.UpdateStage(ctx, tok, store.StageUpdate{
		Next:        next,
		Inputs:      inputs,
		OutputSlots: table.OutputSlots(next, tok.Role, len(tok.Details.Participants)),
		After:       computation.AddUnclaimedToQueue,
	})
	if err != nil {
		return err
	}

	logger.Info("computation advanced",
		"global", updated.GlobalID,
		"from", tok.Stage,
		"to", updated.Stage,
		"inputs", len(inputs),
	)

	return nil
}

// recordStat records the size received from a sender, best effort.
func (s *Service) recordStat(ctx context.Context, tok computation.Token, sender string, n int64) {
	err := s.store.RecordStat(ctx, store.Stat{
		LocalID: tok.LocalID,
		Attempt: tok.Attempt,
		Stage:   tok.Stage,
		Name:    statBytesReceived + "/" + sender,
		Value:   n,
	})
	if err != nil {
		logger.Debug("record stat", "global", tok.GlobalID, "error", err)
	}
}

// classify maps a store error to a response: permanent errors reject the
// transfer, anything else asks the sender to retry.
func classify(op string, err error) transfer.Response {
	if computation.IsPermanent(err) {
		return rejected("%s: %v", op, err)
	}

	return notReady("%s: %v", op, err)
}

func rejected(format string, args ...any) transfer.Response {
	return transfer.Response{Status: transfer.StatusRejected, Message: fmt.Sprintf(format, args...)}
}

func notReady(format string, args ...any) transfer.Response {
	return transfer.Response{Status: transfer.StatusNotReady, Message: fmt.Sprintf(format, args...)}
}
