// Package herald starts computations at this duchy: it stores the local
// sketch and creates the computation in its protocol's initial stage.
package herald

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/store"
)

// StartRequest describes a computation to start.
type StartRequest struct {
	GlobalID     string
	Protocol     computation.Protocol
	Participants []string // Participants lists every duchy in ring order, primary first
	Sketch       []byte   // Sketch is this duchy's encrypted sketch
}

// Herald creates computations in their initial stage.
type Herald struct {
	duchy    string
	store    *store.Store
	blobs    *blob.Store
	registry protocol.Registry
}

// New creates a herald for the duchy.
func New(duchy string, st *store.Store, blobs *blob.Store, registry protocol.Registry) *Herald {
	return &Herald{duchy: duchy, store: st, blobs: blobs, registry: registry}
}

// SketchPath returns where the local sketch of a computation is stored.
func SketchPath(globalID string) string {
	return "sketches/" + globalID
}

// Start stores the sketch and creates the computation. Returns
// ErrAlreadyExists when the global ID is taken and ErrInvalidArgument when
// this duchy does not participate.
func (h *Herald) Start(ctx context.Context, req StartRequest) (computation.Token, error) {
	if err := validate(req); err != nil {
		return computation.Token{}, err
	}

	table, err := h.registry.Get(req.Protocol)
	if err != nil {
		return computation.Token{}, err
	}

	details := computation.Details{Duchy: h.duchy, Participants: req.Participants}

	role := details.RoleOf()
	if role == computation.RoleUnknown {
		return computation.Token{}, fmt.Errorf("%w: duchy %s is not among %v", computation.ErrInvalidArgument, h.duchy, req.Participants)
	}

	init, err := table.Initial(role)
	if err != nil {
		return computation.Token{}, err
	}

	if _, err := h.store.GetToken(ctx, req.GlobalID); err == nil {
		return computation.Token{}, fmt.Errorf("%w: %s", computation.ErrAlreadyExists, req.GlobalID)
	} else if !errors.Is(err, computation.ErrNotFound) {
		return computation.Token{}, err
	}

	path := SketchPath(req.GlobalID)
	if err := h.blobs.Write(ctx, path, req.Sketch); err != nil {
		return computation.Token{}, fmt.Errorf("store sketch:\n%w", err)
	}

	nc := store.NewComputation{
		GlobalID:    req.GlobalID,
		Protocol:    req.Protocol,
		Stage:       init.Stage,
		Details:     details,
		OutputSlots: table.OutputSlots(init.Stage, role, len(req.Participants)),
		After:       init.After,
	}

	if init.SketchAs == computation.DependencyPassThrough {
		nc.PassThrough = []string{path}
	} else {
		nc.Inputs = []string{path}
	}

	tok, err := h.store.CreateComputation(ctx, nc)
	if err != nil {
		return computation.Token{}, err
	}

	logger.Info("computation started",
		"global", tok.GlobalID,
		"protocol", tok.Protocol,
		"role", tok.Role,
		"stage", tok.Stage,
		"participants", len(req.Participants),
	)

	return tok, nil
}

// validate checks the request shape.
func validate(req StartRequest) error {
	if req.GlobalID == "" {
		return fmt.Errorf("%w: empty global id", computation.ErrInvalidArgument)
	}

	if len(req.Participants) < 2 {
		return fmt.Errorf("%w: a computation needs at least 2 duchies, got %d", computation.ErrInvalidArgument, len(req.Participants))
	}

	sorted := slices.Clone(req.Participants)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(req.Participants) {
		return fmt.Errorf("%w: duplicate participant in %v", computation.ErrInvalidArgument, req.Participants)
	}

	if len(req.Sketch) == 0 {
		return fmt.Errorf("%w: empty sketch", computation.ErrInvalidArgument)
	}

	return nil
}
