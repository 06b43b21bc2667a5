package protocol

import (
	"DuchyMill/internal/computation"
)

// Crypto operation names, one per WASM module.
const (
	OpAddNoiseToSketch                     = "add_noise_to_sketch"
	OpBlindOneLayerRegisterIndex           = "blind_one_layer_register_index"
	OpBlindLastLayerIndexThenJoinRegisters = "blind_last_layer_index_then_join_registers"
	OpDecryptOneLayerFlagAndCount          = "decrypt_one_layer_flag_and_count"
	OpDecryptLastLayerFlagAndCount         = "decrypt_last_layer_flag_and_count"

	OpCompleteSetupPhase                      = "complete_setup_phase"
	OpCompleteExecutionPhaseOne               = "complete_execution_phase_one"
	OpCompleteExecutionPhaseOneAtAggregator   = "complete_execution_phase_one_at_aggregator"
	OpCompleteExecutionPhaseTwo               = "complete_execution_phase_two"
	OpCompleteExecutionPhaseTwoAtAggregator   = "complete_execution_phase_two_at_aggregator"
	OpCompleteExecutionPhaseThree             = "complete_execution_phase_three"
	OpCompleteExecutionPhaseThreeAtAggregator = "complete_execution_phase_three_at_aggregator"
)

const (
	primary    = computation.RolePrimary
	nonPrimary = computation.RoleNonPrimary
)

// LiquidLegionsV1 returns the stage table of the first sketch-aggregation generation.
//
// Every duchy noises its sketch; the primary collects the noised sketches,
// then the concatenated sketch travels the ring twice: once for blinding
// (the primary joins registers on the last layer) and once for decryption
// (the primary computes the metrics on the last layer).
func LiquidLegionsV1() *Table {
	steps := map[roleStage]Step{
		{computation.V1ToAddNoise, primary}: {
			Operation:  OpAddNoiseToSketch,
			Inputs:     Fixed(1),
			Next:       computation.V1WaitSketches,
			Send:       SendNone,
			PassOutput: true,
		},
		{computation.V1ToAddNoise, nonPrimary}: {
			Operation:   OpAddNoiseToSketch,
			Inputs:      Fixed(1),
			Next:        computation.V1WaitConcatenated,
			Send:        SendPrimary,
			Description: computation.DescSketch,
		},
		{computation.V1ToBlindPositions, primary}: {
			Operation:   OpBlindOneLayerRegisterIndex,
			Inputs:      AllDuchies,
			Next:        computation.V1WaitConcatenated,
			Send:        SendNext,
			Description: computation.DescConcatenatedSketch,
		},
		{computation.V1ToBlindPositions, nonPrimary}: {
			Operation:   OpBlindOneLayerRegisterIndex,
			Inputs:      Fixed(1),
			Next:        computation.V1WaitFlagCounts,
			Send:        SendNext,
			Description: computation.DescConcatenatedSketch,
		},
		{computation.V1ToBlindPositionsAndJoinRegisters, primary}: {
			Operation:   OpBlindLastLayerIndexThenJoinRegisters,
			Inputs:      Fixed(1),
			Next:        computation.V1WaitFlagCounts,
			Send:        SendNext,
			Description: computation.DescEncryptedFlagsAndCounts,
		},
		{computation.V1ToDecryptFlagCounts, nonPrimary}: {
			Operation:   OpDecryptOneLayerFlagAndCount,
			Inputs:      Fixed(1),
			Next:        computation.V1Complete,
			Send:        SendNext,
			Description: computation.DescEncryptedFlagsAndCounts,
		},
		{computation.V1ToDecryptFlagCountsAndComputeMetrics, primary}: {
			Operation: OpDecryptLastLayerFlagAndCount,
			Inputs:    Fixed(1),
			Next:      computation.V1Complete,
			Send:      SendNone,
		},
	}

	waits := map[roleStage]Wait{
		{computation.V1WaitSketches, primary}:        {Slots: OtherDuchies, Next: computation.V1ToBlindPositions},
		{computation.V1WaitConcatenated, primary}:    {Slots: Fixed(1), Next: computation.V1ToBlindPositionsAndJoinRegisters},
		{computation.V1WaitConcatenated, nonPrimary}: {Slots: Fixed(1), Next: computation.V1ToBlindPositions},
		{computation.V1WaitFlagCounts, primary}:      {Slots: Fixed(1), Next: computation.V1ToDecryptFlagCountsAndComputeMetrics},
		{computation.V1WaitFlagCounts, nonPrimary}:   {Slots: Fixed(1), Next: computation.V1ToDecryptFlagCounts},
	}

	initial := map[computation.Role]Init{
		primary:    {Stage: computation.V1ToAddNoise, SketchAs: computation.DependencyInput, After: computation.AddUnclaimedToQueue},
		nonPrimary: {Stage: computation.V1ToAddNoise, SketchAs: computation.DependencyInput, After: computation.AddUnclaimedToQueue},
	}

	expects := map[computation.Description]computation.Stage{
		computation.DescSketch:                  computation.V1WaitSketches,
		computation.DescConcatenatedSketch:      computation.V1WaitConcatenated,
		computation.DescEncryptedFlagsAndCounts: computation.V1WaitFlagCounts,
	}

	return newTable(computation.LiquidLegionsV1, computation.V1Complete, initial, steps, waits, expects)
}

// LiquidLegionsV2 returns the stage table of the second generation.
//
// Non-aggregators send their setup-phase output to the aggregator, which
// combines every sketch. Each execution phase then visits the ring once, the
// aggregator running last; its third phase produces the result.
func LiquidLegionsV2() *Table {
	steps := map[roleStage]Step{
		{computation.V2SetupPhase, primary}: {
			Operation:   OpCompleteSetupPhase,
			Inputs:      AllDuchies,
			Next:        computation.V2WaitExecutionPhaseOneInputs,
			Send:        SendNext,
			Description: computation.DescExecutionPhaseOneInput,
		},
		{computation.V2SetupPhase, nonPrimary}: {
			Operation:   OpCompleteSetupPhase,
			Inputs:      Fixed(1),
			Next:        computation.V2WaitExecutionPhaseOneInputs,
			Send:        SendPrimary,
			Description: computation.DescSetupPhaseInput,
		},
		{computation.V2ExecutionPhaseOne, primary}: {
			Operation:   OpCompleteExecutionPhaseOneAtAggregator,
			Inputs:      Fixed(1),
			Next:        computation.V2WaitExecutionPhaseTwoInputs,
			Send:        SendNext,
			Description: computation.DescExecutionPhaseTwoInput,
		},
		{computation.V2ExecutionPhaseOne, nonPrimary}: {
			Operation:   OpCompleteExecutionPhaseOne,
			Inputs:      Fixed(1),
			Next:        computation.V2WaitExecutionPhaseTwoInputs,
			Send:        SendNext,
			Description: computation.DescExecutionPhaseOneInput,
		},
		{computation.V2ExecutionPhaseTwo, primary}: {
			Operation:   OpCompleteExecutionPhaseTwoAtAggregator,
			Inputs:      Fixed(1),
			Next:        computation.V2WaitExecutionPhaseThreeInputs,
			Send:        SendNext,
			Description: computation.DescExecutionPhaseThreeInput,
		},
		{computation.V2ExecutionPhaseTwo, nonPrimary}: {
			Operation:   OpCompleteExecutionPhaseTwo,
			Inputs:      Fixed(1),
			Next:        computation.V2WaitExecutionPhaseThreeInputs,
			Send:        SendNext,
			Description: computation.DescExecutionPhaseTwoInput,
		},
		{computation.V2ExecutionPhaseThree, primary}: {
			Operation: OpCompleteExecutionPhaseThreeAtAggregator,
			Inputs:    Fixed(1),
			Next:      computation.V2Complete,
			Send:      SendNone,
		},
		{computation.V2ExecutionPhaseThree, nonPrimary}: {
			Operation:   OpCompleteExecutionPhaseThree,
			Inputs:      Fixed(1),
			Next:        computation.V2Complete,
			Send:        SendNext,
			Description: computation.DescExecutionPhaseThreeInput,
		},
	}

	waits := map[roleStage]Wait{
		{computation.V2WaitSetupPhaseInputs, primary}:             {Slots: OtherDuchies, Next: computation.V2SetupPhase},
		{computation.V2WaitExecutionPhaseOneInputs, primary}:      {Slots: Fixed(1), Next: computation.V2ExecutionPhaseOne},
		{computation.V2WaitExecutionPhaseOneInputs, nonPrimary}:   {Slots: Fixed(1), Next: computation.V2ExecutionPhaseOne},
		{computation.V2WaitExecutionPhaseTwoInputs, primary}:      {Slots: Fixed(1), Next: computation.V2ExecutionPhaseTwo},
		{computation.V2WaitExecutionPhaseTwoInputs, nonPrimary}:   {Slots: Fixed(1), Next: computation.V2ExecutionPhaseTwo},
		{computation.V2WaitExecutionPhaseThreeInputs, primary}:    {Slots: Fixed(1), Next: computation.V2ExecutionPhaseThree},
		{computation.V2WaitExecutionPhaseThreeInputs, nonPrimary}: {Slots: Fixed(1), Next: computation.V2ExecutionPhaseThree},
	}

	initial := map[computation.Role]Init{
		primary: {
			Stage:    computation.V2WaitSetupPhaseInputs,
			SketchAs: computation.DependencyPassThrough,
			After:    computation.DoNotAddToQueue,
		},
		nonPrimary: {
			Stage:    computation.V2SetupPhase,
			SketchAs: computation.DependencyInput,
			After:    computation.AddUnclaimedToQueue,
		},
	}

	expects := map[computation.Description]computation.Stage{
		computation.DescSetupPhaseInput:          computation.V2WaitSetupPhaseInputs,
		computation.DescExecutionPhaseOneInput:   computation.V2WaitExecutionPhaseOneInputs,
		computation.DescExecutionPhaseTwoInput:   computation.V2WaitExecutionPhaseTwoInputs,
		computation.DescExecutionPhaseThreeInput: computation.V2WaitExecutionPhaseThreeInputs,
	}

	return newTable(computation.LiquidLegionsV2, computation.V2Complete, initial, steps, waits, expects)
}
