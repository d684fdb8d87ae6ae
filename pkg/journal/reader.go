package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// maxLineSize bounds a single journal line.
const maxLineSize = 1 << 20

// Entry is a decoded journal line.
type Entry struct {
	Time  time.Time
	Event Event
}

// Reader implements a primitive reader that parses journals written by Writer
// from top to bottom.
type Reader struct {
	s *bufio.Scanner
}

// NewReader creates a new journal reader.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Reader{s}
}

// Read reads a single entry. io.EOF is returned once the input is consumed.
func (r *Reader) Read() (Entry, error) {
	var line []byte

	for {
		if !r.s.Scan() {
			if err := r.s.Err(); err != nil {
				return Entry{}, errors.Wrap(err, "failed to read journal")
			}
			return Entry{}, io.EOF
		}
		line = r.s.Bytes()
		if len(line) > 0 {
			break
		}
	}

	var rawEvent struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(line, &rawEvent); err != nil {
		return Entry{}, errors.Wrap(err, "failed to decode JSON")
	}

	event := NewEvent(rawEvent.Type)
	if event == nil {
		return Entry{}, fmt.Errorf("unknown event %q", rawEvent.Type)
	}

	if err := json.Unmarshal(rawEvent.Data, event); err != nil {
		return Entry{}, errors.Wrap(err, "failed to decode event data")
	}

	return Entry{Time: rawEvent.Time, Event: event}, nil
}

// ReadTail returns the last n entries of the journal, oldest first. Lines that
// fail to decode, such as a line torn by a crash, are skipped. n <= 0 returns
// every entry.
func ReadTail(r io.Reader, n int) ([]Entry, error) {
	reader := NewReader(r)

	var entries []Entry
	for {
		entry, err := reader.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			if reader.s.Err() != nil {
				return entries, err
			}
			continue
		}

		entries = append(entries, entry)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
}

// ReadTailFromFile reads the last n entries from the journal at path.
func ReadTailFromFile(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal")
	}
	defer f.Close()

	return ReadTail(f, n)
}
