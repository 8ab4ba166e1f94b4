package registers

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrOutOfRange   = errors.New("address out of range")
	ErrSizeMismatch = errors.New("table size mismatch")
)

// Size returns the table length for the given number of measurement kinds:
// two words per kind plus the trailing health word.
func Size(kinds int) int {
	return 2*kinds + 1
}

// Table is the published holding-register image. A round is written with a
// single Publish call under the exclusive lock and readers copy under the
// shared lock, so a reader sees either the previous round or the new one.
type Table struct {
	mu    sync.RWMutex
	words []uint16
}

// NewTable returns a zeroed table for the given number of kinds.
func NewTable(kinds int) *Table {
	return &Table{words: make([]uint16, Size(kinds))}
}

// Len returns the number of words in the table.
func (t *Table) Len() int {
	return len(t.words)
}

// Publish replaces the whole table. words must have exactly Len() entries.
func (t *Table) Publish(words []uint16) error {
	if len(words) != len(t.words) {
		return fmt.Errorf("%w: got %d words, want %d", ErrSizeMismatch, len(words), len(t.words))
	}
	t.mu.Lock()
	copy(t.words, words)
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current table.
func (t *Table) Snapshot() []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint16, len(t.words))
	copy(out, t.words)
	return out
}

// ReadHoldingRegisters copies qty words starting at start.
func (t *Table) ReadHoldingRegisters(start, qty uint16) ([]uint16, error) {
	end := int(start) + int(qty)
	if end > len(t.words) {
		return nil, fmt.Errorf("%w: %d+%d exceeds %d registers", ErrOutOfRange, start, qty, len(t.words))
	}
	out := make([]uint16, qty)
	t.mu.RLock()
	copy(out, t.words[start:end])
	t.mu.RUnlock()
	return out, nil
}
