package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/latticekv/lattice/pkg/errors"
)

// CommitPolicy controls how aggressively Append forces a durable fsync.
type CommitPolicy int

const (
	// CommitSoft never calls fsync; durability rides on the OS page
	// cache, trading it away for throughput.
	CommitSoft CommitPolicy = iota
	// CommitHard fsyncs after every single Append.
	CommitHard
	// CommitGroup batches concurrent Appends: the first caller into a
	// window performs one fsync on behalf of everyone who joined it.
	CommitGroup
)

const defaultMaxGenerationBytes = 64 << 20 // 64MiB

// Writer appends records to the current journal generation file, rotating
// to a new generation once the current one grows past its size budget.
type Writer struct {
	mu sync.Mutex

	dir        string
	policy     CommitPolicy
	maxGenSize int64

	generation  uint64
	file        *os.File
	writtenSize int64
	nextLSN     uint64

	// group commit coordination
	groupCond    *sync.Cond
	syncInFlight bool
	lastSyncErr  error
	syncEpoch    uint64
}

func generationPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("journal-%020d.log", gen))
}

// Open opens (creating if needed) the journal directory and starts, or
// resumes appending to, its highest-numbered generation.
func Open(dir string, policy CommitPolicy) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.StorageIoError("create journal dir %q", err, dir)
	}
	gen, lsn, err := latestGeneration(dir)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(generationPath(dir, gen), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.StorageIoError("open journal generation %d", err, gen)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, apperrors.StorageIoError("stat journal generation %d", err, gen)
	}

	w := &Writer{
		dir:         dir,
		policy:      policy,
		maxGenSize:  defaultMaxGenerationBytes,
		generation:  gen,
		file:        f,
		writtenSize: info.Size(),
		nextLSN:     lsn + 1,
	}
	w.groupCond = sync.NewCond(&w.mu)
	return w, nil
}

// latestGeneration scans dir for generation files and returns the highest
// generation number found plus the highest LSN recorded in it, so a
// restarted Writer resumes LSN allocation instead of reusing old values.
func latestGeneration(dir string) (gen uint64, lastLSN uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, apperrors.StorageIoError("list journal dir %q", err, dir)
	}
	found := false
	for _, e := range entries {
		var g uint64
		if _, scanErr := fmt.Sscanf(e.Name(), "journal-%020d.log", &g); scanErr == nil {
			if !found || g > gen {
				gen, found = g, true
			}
		}
	}
	if !found {
		return 0, 0, nil
	}
	f, err := os.Open(generationPath(dir, gen))
	if err != nil {
		return 0, 0, apperrors.StorageIoError("open journal generation %d", err, gen)
	}
	defer f.Close()
	for {
		rec, readErr := readRecord(f)
		if readErr != nil {
			break
		}
		lastLSN = rec.LSN
	}
	return gen, lastLSN, nil
}

// Append writes rec (LSN is assigned here, overwriting rec.LSN) and
// applies the writer's commit policy before returning.
func (w *Writer) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	rec.LSN = w.nextLSN
	w.nextLSN++
	buf := encodeRecord(rec)

	if _, err := w.file.Write(buf); err != nil {
		w.mu.Unlock()
		return 0, apperrors.StorageIoError("append journal record", err)
	}
	w.writtenSize += int64(len(buf))
	needRotate := w.writtenSize >= w.maxGenSize
	lsn := rec.LSN
	w.mu.Unlock()

	if needRotate {
		if err := w.rotate(); err != nil {
			return lsn, err
		}
	}

	switch w.policy {
	case CommitSoft:
		return lsn, nil
	case CommitHard:
		return lsn, w.syncNow()
	case CommitGroup:
		return lsn, w.syncGrouped()
	default:
		return lsn, apperrors.ConfigurationError("unknown commit policy %d", w.policy)
	}
}

func (w *Writer) syncNow() error {
	w.mu.Lock()
	f := w.file
	w.mu.Unlock()
	if err := f.Sync(); err != nil {
		return apperrors.StorageIoError("fsync journal", err)
	}
	return nil
}

// syncGrouped makes at most one goroutine at a time the actual syncer for
// a "commit epoch"; everyone else who called Append during that epoch
// waits on the same fsync and shares its result, cutting fsync rate under
// concurrent load roughly to (concurrent committers / fsync latency).
func (w *Writer) syncGrouped() error {
	w.mu.Lock()
	myEpoch := w.syncEpoch
	if w.syncInFlight {
		for w.syncEpoch == myEpoch {
			w.groupCond.Wait()
		}
		err := w.lastSyncErr
		w.mu.Unlock()
		return err
	}
	w.syncInFlight = true
	f := w.file
	w.mu.Unlock()

	err := f.Sync()
	if err != nil {
		err = apperrors.StorageIoError("fsync journal", err)
	}

	w.mu.Lock()
	w.lastSyncErr = err
	w.syncEpoch++
	w.syncInFlight = false
	w.groupCond.Broadcast()
	w.mu.Unlock()
	return err
}

// rotate closes the current generation file and opens the next one.
func (w *Writer) rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return apperrors.StorageIoError("fsync journal before rotation", err)
	}
	if err := w.file.Close(); err != nil {
		return apperrors.StorageIoError("close journal generation %d", err, w.generation)
	}
	w.generation++
	f, err := os.OpenFile(generationPath(w.dir, w.generation), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.StorageIoError("open journal generation %d", err, w.generation)
	}
	w.file = f
	w.writtenSize = 0
	return nil
}

func (w *Writer) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
