// Package custody locks buyer funds in per-intent vaults and disburses them
// at settlement.
//
// Balances live in an external token ledger. The escrow only asks it to lock
// and transfer amounts and never creates or funds a balance itself.
package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/dedis/bestoffer/address"
)

var (
	// ErrInsufficientFunds is returned when the payer balance is short.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAssetMismatch is returned when an amount is moved in the wrong asset.
	ErrAssetMismatch = errors.New("asset mismatch")
	// ErrVaultEmpty is returned when settling a vault holding nothing.
	ErrVaultEmpty = errors.New("vault empty")
	// ErrOverflow is returned when an amount computation overflows.
	ErrOverflow = errors.New("arithmetic overflow")
)

// Asset identifies a settlement currency (a mint).
type Asset [32]byte

// NewAsset derives an asset identifier from a symbol, for tests and
// simulations.
func NewAsset(symbol string) Asset {
	return Asset(address.Derive("asset", [][]byte{[]byte(symbol)}))
}

func (a Asset) String() string {
	return hex.EncodeToString(a[:8])
}

// Account is a balance in one asset.
type Account [32]byte

func (a Account) String() string {
	return hex.EncodeToString(a[:8])
}

// Balance is the content of an account.
type Balance struct {
	Asset  Asset
	Amount uint64
}

// Ledger is the token custody collaborator. Each call is atomic: it fully
// succeeds or changes nothing.
type Ledger interface {
	// AccountOf returns the account an owner holds in an asset.
	AccountOf(owner [32]byte, asset Asset) Account
	// BalanceOf returns the balance of an account. Unknown accounts are
	// empty.
	BalanceOf(ctx context.Context, account Account) (Balance, error)
	// Lock moves amount from payer into vault.
	Lock(ctx context.Context, payer, vault Account, amount uint64, asset Asset) error
	// Transfer moves amount from one account to another.
	Transfer(ctx context.Context, from, to Account, amount uint64, asset Asset) error
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[Account]*Balance
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[Account]*Balance)}
}

// AccountOf implements Ledger.
func (l *MemoryLedger) AccountOf(owner [32]byte, asset Asset) Account {
	return Account(address.TokenAccount(owner, asset))
}

// BalanceOf implements Ledger.
func (l *MemoryLedger) BalanceOf(ctx context.Context, account Account) (Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[account]; ok {
		return *b, nil
	}
	return Balance{}, nil
}

// Deposit credits an account out of thin air. It stands in for the
// ledger's own minting and is not reachable from any instruction.
func (l *MemoryLedger) Deposit(account Account, amount uint64, asset Asset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(account, amount, asset)
}

// Lock implements Ledger.
func (l *MemoryLedger) Lock(ctx context.Context, payer, vault Account, amount uint64, asset Asset) error {
	return l.Transfer(ctx, payer, vault, amount, asset)
}

// Transfer implements Ledger.
func (l *MemoryLedger) Transfer(ctx context.Context, from, to Account, amount uint64, asset Asset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.balances[from]
	if !ok || src.Amount < amount {
		have := uint64(0)
		if ok {
			have = src.Amount
		}
		return fmt.Errorf("%w: account %s holds %d, needs %d", ErrInsufficientFunds, from, have, amount)
	}
	if src.Asset != asset {
		return fmt.Errorf("%w: account %s holds %s, not %s", ErrAssetMismatch, from, src.Asset, asset)
	}
	if dst, ok := l.balances[to]; ok {
		if dst.Asset != asset {
			return fmt.Errorf("%w: account %s holds %s, not %s", ErrAssetMismatch, to, dst.Asset, asset)
		}
		if dst.Amount+amount < dst.Amount {
			return fmt.Errorf("%w: crediting %s", ErrOverflow, to)
		}
	}

	// every check passed, nothing below can fail
	src.Amount -= amount
	return l.credit(to, amount, asset)
}

func (l *MemoryLedger) credit(account Account, amount uint64, asset Asset) error {
	b, ok := l.balances[account]
	if !ok {
		l.balances[account] = &Balance{Asset: asset, Amount: amount}
		return nil
	}
	if b.Asset != asset {
		return fmt.Errorf("%w: account %s holds %s, not %s", ErrAssetMismatch, account, b.Asset, asset)
	}
	if b.Amount+amount < b.Amount {
		return fmt.Errorf("%w: crediting %s", ErrOverflow, account)
	}
	b.Amount += amount
	return nil
}
