package engine

import (
	"encoding/binary"

	"github.com/latticekv/lattice/internal/accum"
	"github.com/latticekv/lattice/internal/mvcc"
	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// encodeTxnPayload/decodeTxnPayload lay out a TXN_UPDATE journal record's
// payload as: treeNameLen(2) treeName keyLen(4) key deleted(1) value.
func encodeTxnPayload(treeName, key string, w mvcc.WriteOp) []byte {
	buf := make([]byte, 2+len(treeName)+4+len(key)+1+len(w.Payload))
	pos := 0
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(treeName)))
	pos += 2
	pos += copy(buf[pos:], treeName)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(key)))
	pos += 4
	pos += copy(buf[pos:], key)
	if w.Deleted {
		buf[pos] = 1
	}
	pos++
	copy(buf[pos:], w.Payload)
	return buf
}

func decodeTxnPayload(payload []byte) (treeName, key string, w mvcc.WriteOp, err error) {
	if len(payload) < 2 {
		return "", "", mvcc.WriteOp{}, apperrors.CorruptionError("txn payload too short")
	}
	pos := 0
	nameLen := int(binary.LittleEndian.Uint16(payload[pos:]))
	pos += 2
	if pos+nameLen+4 > len(payload) {
		return "", "", mvcc.WriteOp{}, apperrors.CorruptionError("txn payload truncated")
	}
	treeName = string(payload[pos : pos+nameLen])
	pos += nameLen
	keyLen := int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	if pos+keyLen+1 > len(payload) {
		return "", "", mvcc.WriteOp{}, apperrors.CorruptionError("txn payload truncated")
	}
	key = string(payload[pos : pos+keyLen])
	pos += keyLen
	deleted := payload[pos] != 0
	pos++
	val := append([]byte(nil), payload[pos:]...)
	return treeName, key, mvcc.WriteOp{Payload: val, Deleted: deleted}, nil
}

// encodeAccumulatorPayload lays out an ACCUMULATOR_UPDATE record's payload
// as: treeNameLen(2) treeName slot(4) value(8, signed).
func encodeAccumulatorPayload(treeName string, slot int, value int64) []byte {
	buf := make([]byte, 2+len(treeName)+4+8)
	pos := 0
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(treeName)))
	pos += 2
	pos += copy(buf[pos:], treeName)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(slot))
	pos += 4
	binary.LittleEndian.PutUint64(buf[pos:], uint64(value))
	return buf
}

func decodeAccumulatorPayload(payload []byte) (treeName string, slot int, value int64, err error) {
	if len(payload) < 2 {
		return "", 0, 0, apperrors.CorruptionError("accumulator payload too short")
	}
	pos := 0
	nameLen := int(binary.LittleEndian.Uint16(payload[pos:]))
	pos += 2
	if pos+nameLen+12 > len(payload) {
		return "", 0, 0, apperrors.CorruptionError("accumulator payload truncated")
	}
	treeName = string(payload[pos : pos+nameLen])
	pos += nameLen
	slot = int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	value = int64(binary.LittleEndian.Uint64(payload[pos:]))
	return treeName, slot, value, nil
}

// encodeAccumulatorCheckpointPayload lays out an ACCUMULATOR_CHECKPOINT
// record's payload as: treeNameLen(2) treeName slot(4) kind(1) baseTS(8)
// baseVal(8). kind travels with the checkpoint (unlike ACCUMULATOR_UPDATE,
// which relies on the application re-declaring the slot after restart) so
// recovery can restore a slot's base value even before the application has
// called DefineAccumulator again.
func encodeAccumulatorCheckpointPayload(treeName string, slot int, kind accum.Kind, baseTS uint64, baseVal int64) []byte {
	buf := make([]byte, 2+len(treeName)+4+1+8+8)
	pos := 0
	binary.LittleEndian.PutUint16(buf[pos:], uint16(len(treeName)))
	pos += 2
	pos += copy(buf[pos:], treeName)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(slot))
	pos += 4
	buf[pos] = byte(kind)
	pos++
	binary.LittleEndian.PutUint64(buf[pos:], baseTS)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], uint64(baseVal))
	return buf
}

func decodeAccumulatorCheckpointPayload(payload []byte) (treeName string, slot int, kind accum.Kind, baseTS uint64, baseVal int64, err error) {
	if len(payload) < 2 {
		return "", 0, 0, 0, 0, apperrors.CorruptionError("accumulator checkpoint payload too short")
	}
	pos := 0
	nameLen := int(binary.LittleEndian.Uint16(payload[pos:]))
	pos += 2
	if pos+nameLen+21 > len(payload) {
		return "", 0, 0, 0, 0, apperrors.CorruptionError("accumulator checkpoint payload truncated")
	}
	treeName = string(payload[pos : pos+nameLen])
	pos += nameLen
	slot = int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	kind = accum.Kind(payload[pos])
	pos++
	baseTS = binary.LittleEndian.Uint64(payload[pos:])
	pos += 8
	baseVal = int64(binary.LittleEndian.Uint64(payload[pos:]))
	return treeName, slot, kind, baseTS, baseVal, nil
}
