package multiplexer

import (
	"errors"
	"fmt"

	"github.com/marmos91/cerver/pkg/connection"
)

var (
	// ErrTableFull is returned by a fixed-capacity table with no free slot.
	ErrTableFull = errors.New("table full")

	// ErrNotFound is returned when a handle has no slot.
	ErrNotFound = errors.New("handle not found")

	// ErrDuplicate is returned when a handle already has a slot.
	ErrDuplicate = errors.New("handle already registered")
)

type slot struct {
	handle connection.Handle
	conn   *connection.Connection
}

// Table is a bounded array of watched connections. Free slots carry
// connection.FreeHandle and are tracked in a free-list, so Insert and Remove
// do not scan.
//
// A growable table doubles its capacity when full; a fixed table rejects the
// insert with ErrTableFull. Table is not safe for concurrent use.
type Table struct {
	slots    []slot
	free     []int
	index    map[connection.Handle]int
	growable bool
}

// NewTable creates a table with capacity slots (at least one).
func NewTable(capacity int, growable bool) *Table {
	if capacity < 1 {
		capacity = 1
	}
	t := &Table{
		index:    make(map[connection.Handle]int, capacity),
		growable: growable,
	}
	t.extend(capacity)
	return t
}

// extend appends n free slots. Free indices are pushed in reverse so the
// lowest index is handed out first.
func (t *Table) extend(n int) {
	start := len(t.slots)
	for i := 0; i < n; i++ {
		t.slots = append(t.slots, slot{handle: connection.FreeHandle})
	}
	for i := start + n - 1; i >= start; i-- {
		t.free = append(t.free, i)
	}
}

// Insert places c in a free slot and returns the slot index.
func (t *Table) Insert(c *connection.Connection) (int, error) {
	h := c.Handle()
	if _, exists := t.index[h]; exists {
		return -1, fmt.Errorf("%w: %d", ErrDuplicate, h)
	}

	if len(t.free) == 0 {
		if !t.growable {
			return -1, ErrTableFull
		}
		t.extend(len(t.slots))
	}

	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[idx] = slot{handle: h, conn: c}
	t.index[h] = idx
	return idx, nil
}

// Remove frees the slot of handle h and returns its connection.
func (t *Table) Remove(h connection.Handle) (*connection.Connection, error) {
	idx, ok := t.index[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	c := t.slots[idx].conn
	t.slots[idx] = slot{handle: connection.FreeHandle}
	delete(t.index, h)
	t.free = append(t.free, idx)
	return c, nil
}

// Lookup returns the connection registered under h.
func (t *Table) Lookup(h connection.Handle) (*connection.Connection, bool) {
	idx, ok := t.index[h]
	if !ok {
		return nil, false
	}
	return t.slots[idx].conn, true
}

// Len returns the number of used slots.
func (t *Table) Len() int { return len(t.index) }

// Cap returns the number of slots.
func (t *Table) Cap() int { return len(t.slots) }

// Connections returns the registered connections in slot order.
func (t *Table) Connections() []*connection.Connection {
	out := make([]*connection.Connection, 0, len(t.index))
	for _, s := range t.slots {
		if s.handle != connection.FreeHandle {
			out = append(out, s.conn)
		}
	}
	return out
}
