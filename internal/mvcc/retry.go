package mvcc

import (
	"math/rand"
	"time"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// RetryPolicy bounds how many times Run will re-attempt a transaction body
// that lost an optimistic conflict, and how long it backs off between
// attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d/2 + jitter/2
}

// Run begins a transaction, runs body against it, and commits, retrying
// with exponential backoff if the commit loses a first-committer-wins
// conflict. body is re-run from scratch on every attempt since the
// previous transaction's reads and writes are no longer valid once it has
// aborted. journal, if non-nil, is invoked with the assigned commit
// timestamp on the attempt that ultimately commits.
func (m *Manager) Run(policy RetryPolicy, body func(tx *Txn) error, journal func(tx *Txn, commitTS uint64) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		tx := m.Begin()
		if err := body(tx); err != nil {
			m.Rollback(tx)
			return err
		}
		err := m.Commit(tx, journal)
		if err == nil {
			return nil
		}
		if apperrors.KindOf(err) != apperrors.Conflict {
			return err
		}
		lastErr = err
		if attempt+1 < policy.MaxAttempts {
			time.Sleep(policy.backoff(attempt))
		}
	}
	return apperrors.TransactionFailedError(policy.MaxAttempts, lastErr)
}
