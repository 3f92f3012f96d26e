// Package state holds the persisted marketplace entities and the stores
// that keep them.
//
// Instructions never write a store directly. They stage their writes in a
// Batch and hand it to Store.Apply, which checks every write against the
// current contents and then commits all of them or none.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/dedis/bestoffer/address"
)

var (
	// ErrNotFound is returned when no record exists at an address.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record at a used address.
	ErrAlreadyExists = errors.New("already exists")
)

// Store persists encoded records by address.
type Store interface {
	// Get returns the raw record at key, or ErrNotFound.
	Get(ctx context.Context, key address.ID) ([]byte, error)
	// Apply commits every write of b, or none of them.
	Apply(ctx context.Context, b *Batch) error
}

// Op is the kind of a staged write.
type Op int

// Write operations.
const (
	// OpCreate requires the key to be unused.
	OpCreate Op = iota
	// OpUpdate requires the key to hold a record.
	OpUpdate
	// OpPut writes unconditionally. Used to replay committed batches.
	OpPut
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpPut:
		return "put"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Write is one staged record.
type Write struct {
	Op    Op
	Key   address.ID
	Value []byte
}

// Batch is the ordered set of writes of one instruction.
type Batch struct {
	writes []Write
	latest map[address.ID]int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{latest: make(map[address.ID]int)}
}

// Create stages a new record at key.
func (b *Batch) Create(key address.ID, r Record) error {
	return b.stage(OpCreate, key, r)
}

// Update stages a new version of the record at key.
func (b *Batch) Update(key address.ID, r Record) error {
	return b.stage(OpUpdate, key, r)
}

// Put stages a raw value without existence checks.
func (b *Batch) Put(key address.ID, value []byte) {
	b.add(Write{Op: OpPut, Key: key, Value: append([]byte{}, value...)})
}

func (b *Batch) stage(op Op, key address.ID, r Record) error {
	buf, err := Encode(r)
	if err != nil {
		return err
	}
	b.add(Write{Op: op, Key: key, Value: buf})
	return nil
}

func (b *Batch) add(w Write) {
	if b.latest == nil {
		b.latest = make(map[address.ID]int)
	}
	b.latest[w.Key] = len(b.writes)
	b.writes = append(b.writes, w)
}

// Lookup returns the last value staged for key.
func (b *Batch) Lookup(key address.ID) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	i, ok := b.latest[key]
	if !ok {
		return nil, false
	}
	return b.writes[i].Value, true
}

// Writes returns the staged writes in order.
func (b *Batch) Writes() []Write {
	if b == nil {
		return nil
	}
	return b.writes
}

// Len returns the number of staged writes.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.writes)
}

// Replay returns a batch that puts the final value of every key of b.
func (b *Batch) Replay() *Batch {
	out := NewBatch()
	for _, w := range b.Writes() {
		out.Put(w.Key, w.Value)
	}
	return out
}

// Check validates the writes of b against the existence of keys, as told by
// exists. It returns the first violation.
func (b *Batch) Check(exists func(address.ID) (bool, error)) error {
	created := make(map[address.ID]bool)
	for _, w := range b.Writes() {
		if w.Op == OpPut {
			created[w.Key] = true
			continue
		}
		found := created[w.Key]
		if !found {
			var err error
			found, err = exists(w.Key)
			if err != nil {
				return err
			}
		}
		switch w.Op {
		case OpCreate:
			if found {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, w.Key)
			}
			created[w.Key] = true
		case OpUpdate:
			if !found {
				return fmt.Errorf("%w: %s", ErrNotFound, w.Key)
			}
		default:
			return fmt.Errorf("unknown write op %s", w.Op)
		}
	}
	return nil
}
