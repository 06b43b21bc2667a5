package store

import (
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/types"
)

// record is a token plus the storage-only fields persisted with it.
type record struct {
	token    computation.Token
	queueKey []byte // queueKey is the queue entry of the computation, nil when not queued
}

// encodeRecord serializes a record as a ComputationRecord flatbuffer.
func encodeRecord(r record) []byte {
	tok := r.token
	builder := flatbuffers.NewBuilder(512)

	// Blob refs: strings first, then the tables, then the vector
	blobOffsets := make([]flatbuffers.UOffsetT, len(tok.Blobs))
	for i, b := range tok.Blobs {
		path := builder.CreateString(b.Path)
		origin := builder.CreateString(b.Origin)

		types.BlobRefStart(builder)
		types.BlobRefAddId(builder, b.ID)
		types.BlobRefAddDependency(builder, byte(b.Dependency))
		types.BlobRefAddPath(builder, path)
		types.BlobRefAddOrigin(builder, origin)
		blobOffsets[i] = types.BlobRefEnd(builder)
	}

	types.ComputationRecordStartBlobsVector(builder, len(blobOffsets))
	for i := len(blobOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(blobOffsets[i])
	}
	blobsVec := builder.EndVector(len(blobOffsets))

	participantOffsets := make([]flatbuffers.UOffsetT, len(tok.Details.Participants))
	for i, p := range tok.Details.Participants {
		participantOffsets[i] = builder.CreateString(p)
	}

	types.ComputationRecordStartParticipantsVector(builder, len(participantOffsets))
	for i := len(participantOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(participantOffsets[i])
	}
	participantsVec := builder.EndVector(len(participantOffsets))

	globalID := builder.CreateString(tok.GlobalID)
	owner := builder.CreateString(tok.Owner)
	duchy := builder.CreateString(tok.Details.Duchy)

	var queueKey flatbuffers.UOffsetT
	if r.queueKey != nil {
		queueKey = builder.CreateByteVector(r.queueKey)
	}

	types.ComputationRecordStart(builder)
	types.ComputationRecordAddGlobalId(builder, globalID)
	types.ComputationRecordAddLocalId(builder, tok.LocalID)
	types.ComputationRecordAddProtocol(builder, byte(tok.Protocol))
	types.ComputationRecordAddStage(builder, int32(tok.Stage))
	types.ComputationRecordAddAttempt(builder, tok.Attempt)
	types.ComputationRecordAddVersion(builder, tok.Version)
	types.ComputationRecordAddOwner(builder, owner)
	types.ComputationRecordAddRole(builder, byte(tok.Role))
	types.ComputationRecordAddLastUpdate(builder, tok.LastUpdate.UnixNano())
	types.ComputationRecordAddBlobs(builder, blobsVec)
	types.ComputationRecordAddDuchy(builder, duchy)
	types.ComputationRecordAddParticipants(builder, participantsVec)
	types.ComputationRecordAddEndReason(builder, byte(tok.EndReason))
	if r.queueKey != nil {
		types.ComputationRecordAddQueueKey(builder, queueKey)
	}

	builder.Finish(types.ComputationRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeRecord rebuilds a record from its flatbuffer bytes.
// The returned token owns its memory and does not alias data.
func decodeRecord(data []byte) record {
	rec := types.GetRootAsComputationRecord(data, 0)

	tok := computation.Token{
		GlobalID:   string(rec.GlobalId()),
		LocalID:    rec.LocalId(),
		Protocol:   computation.Protocol(rec.Protocol()),
		Stage:      computation.Stage(rec.Stage()),
		Attempt:    rec.Attempt(),
		Version:    rec.Version(),
		Owner:      string(rec.Owner()),
		Role:       computation.Role(rec.Role()),
		LastUpdate: time.Unix(0, rec.LastUpdate()),
		Details:    computation.Details{Duchy: string(rec.Duchy())},
		EndReason:  computation.EndReason(rec.EndReason()),
	}

	if n := rec.BlobsLength(); n > 0 {
		tok.Blobs = make([]computation.BlobRef, n)

		var b types.BlobRef
		for i := 0; i < n; i++ {
			rec.Blobs(&b, i)
			tok.Blobs[i] = computation.BlobRef{
				ID:         b.Id(),
				Dependency: computation.Dependency(b.Dependency()),
				Path:       string(b.Path()),
				Origin:     string(b.Origin()),
			}
		}
	}

	if n := rec.ParticipantsLength(); n > 0 {
		tok.Details.Participants = make([]string, n)
		for i := 0; i < n; i++ {
			tok.Details.Participants[i] = string(rec.Participants(i))
		}
	}

	var queueKey []byte
	if qk := rec.QueueKeyBytes(); len(qk) > 0 {
		queueKey = make([]byte, len(qk))
		copy(queueKey, qk)
	}

	return record{token: tok, queueKey: queueKey}
}

// encodeStat serializes a stat as a StatRecord flatbuffer.
func encodeStat(s Stat) []byte {
	builder := flatbuffers.NewBuilder(128)
	name := builder.CreateString(s.Name)

	types.StatRecordStart(builder)
	types.StatRecordAddLocalId(builder, s.LocalID)
	types.StatRecordAddAttempt(builder, s.Attempt)
	types.StatRecordAddStage(builder, int32(s.Stage))
	types.StatRecordAddName(builder, name)
	types.StatRecordAddValue(builder, s.Value)
	types.StatRecordAddRecordedAt(builder, s.RecordedAt.UnixNano())
	builder.Finish(types.StatRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeStat rebuilds a stat from its flatbuffer bytes.
func decodeStat(data []byte) Stat {
	rec := types.GetRootAsStatRecord(data, 0)

	return Stat{
		LocalID:    rec.LocalId(),
		Attempt:    rec.Attempt(),
		Stage:      computation.Stage(rec.Stage()),
		Name:       string(rec.Name()),
		Value:      rec.Value(),
		RecordedAt: time.Unix(0, rec.RecordedAt()),
	}
}
