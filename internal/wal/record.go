// Package wal implements the journal: the append-only, checksummed record
// stream every durable mutation goes through before its page or
// accumulator effect is allowed to reach the volume.
package wal

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// RecordType tags a journal record the same way PageKind tags a page:
// dispatch on the tag, no record type hierarchy.
type RecordType uint8

const (
	RecordPageImage RecordType = iota
	RecordTxnBegin
	RecordTxnUpdate
	RecordTxnCommit
	RecordTxnRollback
	RecordAccumulatorUpdate
	RecordCheckpoint
	RecordTreeMeta
	// RecordAccumulatorCheckpoint persists one slot's collapsed base value
	// and base timestamp at checkpoint time. Unlike every other record
	// type it is applied during recovery regardless of where it falls
	// relative to the checkpoint LSN boundary, since it IS the boundary
	// for accumulator history the way a flushed page is the boundary for
	// tree history.
	RecordAccumulatorCheckpoint
)

// Record is one journal entry. PageID and Payload are interpreted
// according to Type: a PageImage's Payload is the full page image, a
// TxnUpdate's Payload is an encoded btree entry mutation, an
// AccumulatorUpdate's Payload is (tree name, slot, value).
type Record struct {
	LSN     uint64
	Type    RecordType
	TxnID   uint64
	PageID  uint64
	Payload []byte
}

// On-disk layout, fixed-width header then length-prefixed payload then a
// trailing checksum over everything before it:
//
//	LSN(8) Type(1) TxnID(8) PageID(8) PayloadLen(4) Payload(N) Checksum(8)
const recordHeaderSize = 8 + 1 + 8 + 8 + 4

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeaderSize+len(r.Payload)+8)
	binary.LittleEndian.PutUint64(buf[0:], r.LSN)
	buf[8] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[9:], r.TxnID)
	binary.LittleEndian.PutUint64(buf[17:], r.PageID)
	binary.LittleEndian.PutUint32(buf[25:], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)
	csum := xxhash.Sum64(buf[:recordHeaderSize+len(r.Payload)])
	binary.LittleEndian.PutUint64(buf[recordHeaderSize+len(r.Payload):], csum)
	return buf
}

// readRecord reads one record from r, returning io.EOF exactly when r is
// positioned at a clean end of stream (no partial header was read).
func readRecord(r io.Reader) (Record, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, err
	}
	payloadLen := binary.LittleEndian.Uint32(header[25:])
	rest := make([]byte, int(payloadLen)+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, apperrors.CorruptionError("journal: truncated record body: %v", err)
	}
	payload := rest[:payloadLen]
	wantCsum := binary.LittleEndian.Uint64(rest[payloadLen:])
	gotCsum := xxhash.Sum64(append(append([]byte{}, header...), payload...))
	if gotCsum != wantCsum {
		return Record{}, apperrors.CorruptionError("journal: record checksum mismatch")
	}
	return Record{
		LSN:     binary.LittleEndian.Uint64(header[0:]),
		Type:    RecordType(header[8]),
		TxnID:   binary.LittleEndian.Uint64(header[9:]),
		PageID:  binary.LittleEndian.Uint64(header[17:]),
		Payload: payload,
	}, nil
}
