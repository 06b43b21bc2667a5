package computation

import "fmt"

// Protocol identifies a sketch-aggregation protocol variant.
// It is the computation type mills claim work for.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	LiquidLegionsV1
	LiquidLegionsV2
)

var protocolNames = map[Protocol]string{
	LiquidLegionsV1: "LIQUID_LEGIONS_V1",
	LiquidLegionsV2: "LIQUID_LEGIONS_V2",
}

// String returns the protocol's canonical name.
func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}

	return fmt.Sprintf("PROTOCOL(%d)", uint8(p))
}

// ParseProtocol accepts a canonical name or the short forms llv1 / llv2.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "llv1", "LIQUID_LEGIONS_V1":
		return LiquidLegionsV1, nil
	case "llv2", "LIQUID_LEGIONS_V2":
		return LiquidLegionsV2, nil
	}

	return ProtocolUnknown, fmt.Errorf("%w: protocol %q", ErrInvalidArgument, s)
}

// Role is this duchy's role in one computation.
type Role uint8

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleNonPrimary
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleNonPrimary:
		return "NON_PRIMARY"
	default:
		return "UNKNOWN_ROLE"
	}
}

// Stage is a step of a protocol's stage machine.
// Stage values are unique across protocols so a Stage alone names its step.
type Stage int32

const (
	StageUnknown Stage = 0

	// LiquidLegions v1.
	V1ToAddNoise                           Stage = 101
	V1WaitSketches                         Stage = 102
	V1ToBlindPositions                     Stage = 103
	V1WaitConcatenated                     Stage = 104
	V1ToBlindPositionsAndJoinRegisters     Stage = 105
	V1WaitFlagCounts                       Stage = 106
	V1ToDecryptFlagCounts                  Stage = 107
	V1ToDecryptFlagCountsAndComputeMetrics Stage = 108
	V1Complete                             Stage = 109

	// LiquidLegions v2.
	V2WaitSetupPhaseInputs          Stage = 201
	V2SetupPhase                    Stage = 202
	V2WaitExecutionPhaseOneInputs   Stage = 203
	V2ExecutionPhaseOne             Stage = 204
	V2WaitExecutionPhaseTwoInputs   Stage = 205
	V2ExecutionPhaseTwo             Stage = 206
	V2WaitExecutionPhaseThreeInputs Stage = 207
	V2ExecutionPhaseThree           Stage = 208
	V2Complete                      Stage = 209
)

var stageNames = map[Stage]string{
	V1ToAddNoise:                           "TO_ADD_NOISE",
	V1WaitSketches:                         "WAIT_SKETCHES",
	V1ToBlindPositions:                     "TO_BLIND_POSITIONS",
	V1WaitConcatenated:                     "WAIT_CONCATENATED",
	V1ToBlindPositionsAndJoinRegisters:     "TO_BLIND_POSITIONS_AND_JOIN_REGISTERS",
	V1WaitFlagCounts:                       "WAIT_FLAG_COUNTS",
	V1ToDecryptFlagCounts:                  "TO_DECRYPT_FLAG_COUNTS",
	V1ToDecryptFlagCountsAndComputeMetrics: "TO_DECRYPT_FLAG_COUNTS_AND_COMPUTE_METRICS",
	V1Complete:                             "COMPLETE",

	V2WaitSetupPhaseInputs:          "WAIT_SETUP_PHASE_INPUTS",
	V2SetupPhase:                    "SETUP_PHASE",
	V2WaitExecutionPhaseOneInputs:   "WAIT_EXECUTION_PHASE_ONE_INPUTS",
	V2ExecutionPhaseOne:             "EXECUTION_PHASE_ONE",
	V2WaitExecutionPhaseTwoInputs:   "WAIT_EXECUTION_PHASE_TWO_INPUTS",
	V2ExecutionPhaseTwo:             "EXECUTION_PHASE_TWO",
	V2WaitExecutionPhaseThreeInputs: "WAIT_EXECUTION_PHASE_THREE_INPUTS",
	V2ExecutionPhaseThree:           "EXECUTION_PHASE_THREE",
	V2Complete:                      "COMPLETE",
}

// String returns the stage name used in logs and blob paths.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}

	return fmt.Sprintf("STAGE(%d)", int32(s))
}

// Protocol returns the protocol the stage belongs to.
func (s Stage) Protocol() Protocol {
	switch {
	case s > 100 && s < 200:
		return LiquidLegionsV1
	case s > 200 && s < 300:
		return LiquidLegionsV2
	default:
		return ProtocolUnknown
	}
}

// Description says what a payload pushed to a peer contains. The receiver
// uses it to find the stage waiting for that payload.
type Description int32

const (
	DescriptionUnknown Description = 0

	DescSketch                  Description = 101
	DescConcatenatedSketch      Description = 102
	DescEncryptedFlagsAndCounts Description = 103

	DescSetupPhaseInput          Description = 201
	DescExecutionPhaseOneInput   Description = 202
	DescExecutionPhaseTwoInput   Description = 203
	DescExecutionPhaseThreeInput Description = 204
)

var descriptionNames = map[Description]string{
	DescSketch:                   "SKETCH",
	DescConcatenatedSketch:       "CONCATENATED_SKETCH",
	DescEncryptedFlagsAndCounts:  "ENCRYPTED_FLAGS_AND_COUNTS",
	DescSetupPhaseInput:          "SETUP_PHASE_INPUT",
	DescExecutionPhaseOneInput:   "EXECUTION_PHASE_ONE_INPUT",
	DescExecutionPhaseTwoInput:   "EXECUTION_PHASE_TWO_INPUT",
	DescExecutionPhaseThreeInput: "EXECUTION_PHASE_THREE_INPUT",
}

// String returns the description name.
func (d Description) String() string {
	if name, ok := descriptionNames[d]; ok {
		return name
	}

	return fmt.Sprintf("DESCRIPTION(%d)", int32(d))
}
