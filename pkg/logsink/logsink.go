// Package logsink provides the append-only destination for a managed child's
// standard output and standard error. The sink follows its path across log
// rotation: when the file is renamed or removed it is reopened at the same path.
package logsink

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// ReopenCallback is invoked after the sink file was reopened
type ReopenCallback func(path string, reason string)

// Sink is an io.Writer appending to a file. Writes are serialized.
type Sink struct {
	path   string
	logger logging.Logger

	mutex    sync.Mutex
	file     *os.File
	onReopen ReopenCallback
	closed   bool
}

// Open opens (creating if needed) the sink file in append mode
func Open(path string, logger logging.Logger) (*Sink, error) {
	if path == "" {
		return nil, errors.NewValidationError("log sink path is required", nil)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewIOError("failed to get absolute log sink path", err).WithContext("path", path)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0750); err != nil {
		return nil, errors.NewIOError("failed to create log sink directory", err).WithContext("path", absPath)
	}

	file, err := openAppend(absPath)
	if err != nil {
		return nil, err
	}

	return &Sink{
		path:   absPath,
		logger: logger,
		file:   file,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.NewIOError("failed to open log sink", err).WithContext("path", path)
	}
	return file, nil
}

// Path returns the absolute sink path
func (s *Sink) Path() string {
	return s.path
}

// SetReopenCallback registers a callback for reopen notifications
func (s *Sink) SetReopenCallback(callback ReopenCallback) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onReopen = callback
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}
	return s.file.Write(p)
}

// Reopen closes the current descriptor and opens the path again
func (s *Sink) Reopen(reason string) error {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return nil
	}

	file, err := openAppend(s.path)
	if err != nil {
		s.mutex.Unlock()
		return err
	}

	old := s.file
	s.file = file
	callback := s.onReopen
	s.mutex.Unlock()

	if err := old.Close(); err != nil {
		s.logger.Warnf("Failed to close previous log sink descriptor, path: %s, error: %v", s.path, err)
	}

	s.logger.Infof("Log sink reopened, path: %s, reason: %s", s.path, reason)
	if callback != nil {
		callback(s.path, reason)
	}
	return nil
}

// Close closes the sink; further writes fail with os.ErrClosed
func (s *Sink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Watch follows rotation of the sink file until ctx is done. It returns once
// the watcher is installed; events are handled in a background goroutine.
func (s *Sink) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create watcher", err)
	}

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return errors.NewIOError("failed to watch log sink directory", err).WithContext("path", s.path)
	}

	go s.watch(ctx, watcher)
	return nil
}

func (s *Sink) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("Log sink watcher error, path: %s, error: %v", s.path, err)

		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			reason := rotationReason(evt, s.path)
			if reason == "" {
				continue
			}
			if err := s.Reopen(reason); err != nil {
				s.logger.Errorf("Failed to reopen log sink, path: %s, error: %v", s.path, err)
			}
		}
	}
}

// rotationReason reports why evt requires a reopen, or "" if it does not
func rotationReason(evt fsnotify.Event, path string) string {
	if filepath.Clean(evt.Name) != path {
		return ""
	}

	switch {
	case evt.Op&fsnotify.Rename != 0:
		return "renamed"
	case evt.Op&fsnotify.Remove != 0:
		return "removed"
	}
	return ""
}
