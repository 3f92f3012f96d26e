package contract

import (
	"context"
	"fmt"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/custody"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/contracts"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/protobuf"
)


type coinAccount struct {
	coin   byzcoin.Coin
	darcID darc.ID
	exists bool
}

// coinLedger is a custody.Ledger over byzcoin coin instances. Vaults and
// payout accounts are coin instances at derived addresses, governed by the
// darc of the bestoffer config.
type coinLedger struct {
	rst    byzcoin.ReadOnlyStateTrie
	darcID darc.ID
	// payer pays out of the input coins instead of an account.
	payer    [32]byte
	hasPayer bool
	inputs   []byzcoin.Coin
	// input accounts handed out by inputAccount, and their asset
	inputAssets map[custody.Account]custody.Asset
	accounts    map[custody.Account]*coinAccount
	touched  []custody.Account
}

func newCoinLedger(rst byzcoin.ReadOnlyStateTrie, darcID darc.ID, inputs []byzcoin.Coin) *coinLedger {
	return &coinLedger{
		rst:      rst,
		darcID:   darcID,
		inputs:      append([]byzcoin.Coin{}, inputs...),
		inputAssets: make(map[custody.Account]custody.Asset),
		accounts:    make(map[custody.Account]*coinAccount),
	}
}

// inputAccount stands for the coins of asset handed to the instruction by
// the previous instructions of its transaction, usually a coin.fetch of the
// payer.
func (l *coinLedger) inputAccount(asset custody.Asset) custody.Account {
	a := custody.Account(address.Derive("coin_inputs", [][]byte{asset[:]}))
	l.inputAssets[a] = asset
	return a
}

// payWithInputs makes owner's account the input coins.
func (l *coinLedger) payWithInputs(owner [32]byte) {
	l.payer = owner
	l.hasPayer = true
}

func (l *coinLedger) AccountOf(owner [32]byte, asset custody.Asset) custody.Account {
	if l.hasPayer && owner == l.payer {
		return l.inputAccount(asset)
	}
	return custody.Account(PayoutAccount(owner, asset))
}

func (l *coinLedger) BalanceOf(ctx context.Context, account custody.Account) (custody.Balance, error) {
	if asset, ok := l.inputAssets[account]; ok {
		b := custody.Balance{Asset: asset}
		for _, c := range l.inputs {
			if custody.Asset(c.Name) == asset {
				b.Amount += c.Value
			}
		}
		return b, nil
	}
	a, err := l.load(account)
	if err != nil || a == nil {
		return custody.Balance{}, err
	}
	return custody.Balance{Asset: custody.Asset(a.coin.Name), Amount: a.coin.Value}, nil
}

func (l *coinLedger) Lock(ctx context.Context, payer, vault custody.Account, amount uint64, asset custody.Asset) error {
	return l.Transfer(ctx, payer, vault, amount, asset)
}

func (l *coinLedger) Transfer(ctx context.Context, from, to custody.Account, amount uint64, asset custody.Asset) error {
	var dst *coinAccount
	if toAsset, ok := l.inputAssets[to]; ok {
		if toAsset != asset {
			return fmt.Errorf("%w: inputs %s, moving %s", custody.ErrAssetMismatch, toAsset, asset)
		}
	} else {
		var err error
		dst, err = l.load(to)
		if err != nil {
			return err
		}
		if dst == nil {
			dst = &coinAccount{coin: byzcoin.Coin{Name: byzcoin.InstanceID(asset)}, darcID: l.darcID}
		}
		if custody.Asset(dst.coin.Name) != asset {
			return fmt.Errorf("%w: account %s holds %x", custody.ErrAssetMismatch, to, dst.coin.Name[:8])
		}
		if dst.coin.Value+amount < dst.coin.Value {
			return fmt.Errorf("%w: crediting %s", custody.ErrOverflow, to)
		}
	}

	if fromAsset, ok := l.inputAssets[from]; ok {
		if fromAsset != asset {
			return fmt.Errorf("%w: inputs %s, moving %s", custody.ErrAssetMismatch, fromAsset, asset)
		}
		if err := l.takeInputs(amount, asset); err != nil {
			return err
		}
	} else {
		src, err := l.load(from)
		if err != nil {
			return err
		}
		if src == nil || src.coin.Value < amount {
			return fmt.Errorf("%w: account %s", custody.ErrInsufficientFunds, from)
		}
		if custody.Asset(src.coin.Name) != asset {
			return fmt.Errorf("%w: account %s holds %x", custody.ErrAssetMismatch, from, src.coin.Name[:8])
		}
		src.coin.Value -= amount
		l.touch(from)
	}

	if dst == nil {
		l.inputs = append(l.inputs, byzcoin.Coin{Name: byzcoin.InstanceID(asset), Value: amount})
		return nil
	}
	dst.coin.Value += amount
	l.accounts[to] = dst
	l.touch(to)
	return nil
}

func (l *coinLedger) takeInputs(amount uint64, asset custody.Asset) error {
	have := uint64(0)
	for _, c := range l.inputs {
		if custody.Asset(c.Name) == asset {
			have += c.Value
		}
	}
	if have < amount {
		return fmt.Errorf("%w: %d input coins, needs %d", custody.ErrInsufficientFunds, have, amount)
	}
	for i := range l.inputs {
		if custody.Asset(l.inputs[i].Name) != asset {
			continue
		}
		take := l.inputs[i].Value
		if take > amount {
			take = amount
		}
		l.inputs[i].Value -= take
		amount -= take
	}
	return nil
}

// withdraw moves amount out of owner's payout account into the coin flow.
func (l *coinLedger) withdraw(owner [32]byte, asset custody.Asset, amount uint64) error {
	return l.Transfer(context.Background(), custody.Account(PayoutAccount(owner, asset)),
		l.inputAccount(asset), amount, asset)
}

func (l *coinLedger) load(account custody.Account) (*coinAccount, error) {
	if a, ok := l.accounts[account]; ok {
		return a, nil
	}
	buf, _, cid, darcID, err := l.rst.GetValues(account[:])
	if err != nil || buf == nil {
		return nil, nil
	}
	if cid != contracts.ContractCoinID {
		return nil, fmt.Errorf("instance %s is a %s, not a coin", account, cid)
	}
	a := &coinAccount{darcID: darcID, exists: true}
	if err := protobuf.Decode(buf, &a.coin); err != nil {
		return nil, err
	}
	l.accounts[account] = a
	return a, nil
}

func (l *coinLedger) touch(account custody.Account) {
	for _, t := range l.touched {
		if t == account {
			return
		}
	}
	l.touched = append(l.touched, account)
}

// stateChanges returns the creates and updates of every touched coin
// instance.
func (l *coinLedger) stateChanges() ([]byzcoin.StateChange, error) {
	var sc []byzcoin.StateChange
	for _, account := range l.touched {
		a := l.accounts[account]
		buf, err := protobuf.Encode(&a.coin)
		if err != nil {
			return nil, err
		}
		action := byzcoin.Update
		if !a.exists {
			action = byzcoin.Create
		}
		sc = append(sc, byzcoin.NewStateChange(action, byzcoin.InstanceID(account),
			contracts.ContractCoinID, buf, a.darcID))
	}
	return sc, nil
}

// remaining returns the input coins left for the next instructions.
func (l *coinLedger) remaining() []byzcoin.Coin {
	var out []byzcoin.Coin
	for _, c := range l.inputs {
		if c.Value > 0 {
			out = append(out, c)
		}
	}
	return out
}
