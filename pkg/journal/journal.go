// Package journal records supervisor transitions as line-delimited JSON. It
// also provides a file locking abstraction so that only one supervisor
// instance can run with the same journal file.
package journal

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// FileName is the journal file name inside the state directory.
const FileName = "journal.jsonl"

// FileLockJournaler is a journaler that uses a file lock (flock) to lock the
// given file and writes to it. The FileLockJournaler instance must be closed by
// the caller or by the operating system when the application exits.
//
// Readers do not need the lock: every Write is a single append of one whole line.
type FileLockJournaler struct {
	Writer
	path string
	f    *os.File
	l    *flock.Flock
}

// ErrLockedElsewhere is returned if NewFileLockJournaler can't acquire the file
// lock.
var ErrLockedElsewhere = errors.New("file already locked elsewhere")

// NewFileLockJournaler creates a new file journaler if it can acquire a flock
// on the path. It returns ErrLockedElsewhere if another process holds the lock.
func NewFileLockJournaler(path string) (*FileLockJournaler, error) {
	return newFileLockJournaler(nil, path)
}

// NewFileLockJournalerWait creates a new file journaler but waits until the
// lock can be acquired or until the context times out. A lock still held when
// the context ends is reported as ErrLockedElsewhere.
func NewFileLockJournalerWait(ctx context.Context, path string) (*FileLockJournaler, error) {
	return newFileLockJournaler(ctx, path)
}

func newFileLockJournaler(ctx context.Context, path string) (*FileLockJournaler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create journal directory")
	}

	l := flock.New(path)

	var locked bool
	var err error

	if ctx != nil {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryLock()
	}

	if err != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, ErrLockedElsewhere
		}
		return nil, errors.Wrap(err, "failed to acquire lock")
	}

	if !locked {
		return nil, ErrLockedElsewhere
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	if err != nil {
		l.Unlock()
		return nil, errors.Wrap(err, "failed to open file")
	}

	return &FileLockJournaler{
		Writer: Writer{f},
		path:   path,
		f:      f,
		l:      l,
	}, nil
}

// Path returns the journal file path.
func (f *FileLockJournaler) Path() string {
	return f.path
}

// Close closes the file and releases the flock.
func (f *FileLockJournaler) Close() error {
	f.f.Close()
	return f.l.Unlock()
}
