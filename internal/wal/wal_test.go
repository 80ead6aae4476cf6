package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterAppendAssignsIncreasingLSNs(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, CommitSoft)
	require.NoError(t, err)
	defer w.Close()

	lsn1, err := w.Append(Record{Type: RecordTxnBegin, TxnID: 1})
	require.NoError(t, err)
	lsn2, err := w.Append(Record{Type: RecordTxnCommit, TxnID: 1})
	require.NoError(t, err)
	require.Greater(t, lsn2, lsn1)
}

func TestWriterResumesLSNAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, CommitHard)
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnBegin, TxnID: 1})
	require.NoError(t, err)
	last, err := w.Append(Record{Type: RecordTxnCommit, TxnID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir, CommitHard)
	require.NoError(t, err)
	defer w2.Close()
	next, err := w2.Append(Record{Type: RecordTxnBegin, TxnID: 2})
	require.NoError(t, err)
	require.Greater(t, next, last)
}

func TestRecoverSkipsUncommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, CommitHard)
	require.NoError(t, err)

	_, err = w.Append(Record{Type: RecordTxnBegin, TxnID: 1})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnUpdate, TxnID: 1, PageID: 10, Payload: []byte("committed")})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnCommit, TxnID: 1})
	require.NoError(t, err)

	_, err = w.Append(Record{Type: RecordTxnBegin, TxnID: 2})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnUpdate, TxnID: 2, PageID: 20, Payload: []byte("never committed")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var applied []Record
	err = Recover(dir, func(r Record) error {
		applied = append(applied, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, uint64(10), applied[0].PageID)
}

func TestRecoverSkipsRecordsBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, CommitHard)
	require.NoError(t, err)

	_, err = w.Append(Record{Type: RecordTxnBegin, TxnID: 1})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnUpdate, TxnID: 1, PageID: 1, Payload: []byte("pre-checkpoint")})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnCommit, TxnID: 1})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordCheckpoint})
	require.NoError(t, err)

	_, err = w.Append(Record{Type: RecordTxnBegin, TxnID: 2})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnUpdate, TxnID: 2, PageID: 2, Payload: []byte("post-checkpoint")})
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordTxnCommit, TxnID: 2})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var applied []Record
	err = Recover(dir, func(r Record) error {
		applied = append(applied, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, uint64(2), applied[0].PageID)
}

func TestCopybackSkipsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, CommitHard)
	require.NoError(t, err)
	_, err = w.Append(Record{Type: RecordCheckpoint})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	cb := NewCopyback(dir, true)
	n, err := cb.Reclaim(1, ^uint64(0))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
