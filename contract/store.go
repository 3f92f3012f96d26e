package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
)

// trieStore is a state.Store over the byzcoin global state. Records are
// bestoffer instances keyed by their address. Applied batches become state
// changes instead of writes.
type trieStore struct {
	rst     byzcoin.ReadOnlyStateTrie
	darcID  darc.ID
	pending map[address.ID][]byte
	changes []byzcoin.StateChange
}

func newTrieStore(rst byzcoin.ReadOnlyStateTrie, darcID darc.ID) *trieStore {
	return &trieStore{
		rst:     rst,
		darcID:  darcID,
		pending: make(map[address.ID][]byte),
	}
}

func (s *trieStore) Get(ctx context.Context, key address.ID) ([]byte, error) {
	if v, ok := s.pending[key]; ok {
		return v, nil
	}
	v, _, cid, _, err := s.rst.GetValues(key[:])
	if err != nil || v == nil {
		return nil, state.ErrNotFound
	}
	if cid != ContractBestOfferID {
		return nil, fmt.Errorf("%w: instance %s belongs to %s", state.ErrWrongKind, key, cid)
	}
	return v, nil
}

func (s *trieStore) exists(key address.ID) (bool, error) {
	_, err := s.Get(context.Background(), key)
	switch {
	case err == nil, errors.Is(err, state.ErrWrongKind):
		return true, nil
	case errors.Is(err, state.ErrNotFound):
		return false, nil
	}
	return false, err
}

func (s *trieStore) Apply(ctx context.Context, b *state.Batch) error {
	if err := b.Check(s.exists); err != nil {
		return err
	}
	for _, w := range b.Writes() {
		action := byzcoin.Update
		switch w.Op {
		case state.OpCreate:
			action = byzcoin.Create
		case state.OpPut:
			if ok, _ := s.exists(w.Key); !ok {
				action = byzcoin.Create
			}
		}
		s.changes = append(s.changes, byzcoin.NewStateChange(action,
			byzcoin.InstanceID(w.Key), ContractBestOfferID, w.Value, s.darcID))
		s.pending[w.Key] = w.Value
	}
	return nil
}
