package custody

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/dedis/bestoffer/address"
	"go.dedis.ch/onet/v3/log"
)

// BasisPoints is the denominator of fee rates.
const BasisPoints = 10000

// SplitFee cuts v into fee = floor(v * bps / 10000) and rest = v - fee. The
// product is computed on 128 bits, so only a rate above 100% can overflow.
func SplitFee(v uint64, bps uint32) (fee, rest uint64, err error) {
	if bps > BasisPoints {
		return 0, 0, fmt.Errorf("%w: fee of %d bps exceeds the amount", ErrOverflow, bps)
	}
	hi, lo := bits.Mul64(v, uint64(bps))
	// hi < BasisPoints since bps <= BasisPoints, so Div64 cannot panic
	fee, _ = bits.Div64(hi, lo, BasisPoints)
	return fee, v - fee, nil
}

// Settlement is the outcome of disbursing a vault.
type Settlement struct {
	Asset  Asset
	Vault  uint64
	Fee    uint64
	Seller uint64
}

// Escrow locks and disburses funds through a Ledger.
type Escrow struct {
	ledger Ledger
}

// NewEscrow wraps l.
func NewEscrow(l Ledger) *Escrow {
	return &Escrow{ledger: l}
}

// Ledger returns the underlying custody collaborator.
func (e *Escrow) Ledger() Ledger {
	return e.ledger
}

// Vault returns the vault account of an intent.
func (e *Escrow) Vault(intent address.ID) Account {
	return Account(address.Vault(intent))
}

// Lock moves amount of asset from the payer's account into the intent's
// vault. declared is the asset the offer asks for.
func (e *Escrow) Lock(ctx context.Context, intent address.ID, payer [32]byte,
	amount uint64, asset, declared Asset) error {
	if asset != declared {
		return fmt.Errorf("%w: paying in %s, offer wants %s", ErrAssetMismatch, asset, declared)
	}
	from := e.ledger.AccountOf(payer, asset)
	bal, err := e.ledger.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if bal.Amount < amount {
		return fmt.Errorf("%w: balance %d, needs %d", ErrInsufficientFunds, bal.Amount, amount)
	}
	if bal.Asset != asset {
		return fmt.Errorf("%w: payer account holds %s", ErrAssetMismatch, bal.Asset)
	}
	vault := e.Vault(intent)
	if err := e.ledger.Lock(ctx, from, vault, amount, asset); err != nil {
		return err
	}
	log.Lvl3("locked", amount, "of", asset, "in vault", vault)
	return nil
}

// Release returns the whole vault to owner. Used to undo a lock whose
// instruction could not commit.
func (e *Escrow) Release(ctx context.Context, intent address.ID, owner [32]byte) error {
	vault := e.Vault(intent)
	bal, err := e.ledger.BalanceOf(ctx, vault)
	if err != nil {
		return err
	}
	if bal.Amount == 0 {
		return nil
	}
	return e.ledger.Transfer(ctx, vault, e.ledger.AccountOf(owner, bal.Asset), bal.Amount, bal.Asset)
}

// Settle pays the vault of intent out: the fee to the treasury, the rest to
// the seller. feeBps is read once by the caller and used for both halves.
func (e *Escrow) Settle(ctx context.Context, intent address.ID, feeBps uint32,
	seller, treasury [32]byte) (*Settlement, error) {
	vault := e.Vault(intent)
	bal, err := e.ledger.BalanceOf(ctx, vault)
	if err != nil {
		return nil, err
	}
	if bal.Amount == 0 {
		return nil, fmt.Errorf("%w: vault %s", ErrVaultEmpty, vault)
	}
	fee, rest, err := SplitFee(bal.Amount, feeBps)
	if err != nil {
		return nil, err
	}
	s := &Settlement{Asset: bal.Asset, Vault: bal.Amount, Fee: fee, Seller: rest}

	treasuryAcc := e.ledger.AccountOf(treasury, bal.Asset)
	if fee > 0 {
		if err := e.ledger.Transfer(ctx, vault, treasuryAcc, fee, bal.Asset); err != nil {
			return nil, err
		}
	}
	if rest > 0 {
		err := e.ledger.Transfer(ctx, vault, e.ledger.AccountOf(seller, bal.Asset), rest, bal.Asset)
		if err != nil {
			if fee > 0 {
				if uerr := e.ledger.Transfer(ctx, treasuryAcc, vault, fee, bal.Asset); uerr != nil {
					log.Error("couldn't return fee to vault", vault, ":", uerr)
				}
			}
			return nil, err
		}
	}
	log.Lvl3("settled vault", vault, "fee", fee, "seller", rest)
	return s, nil
}

// Revert moves a settlement back into the vault. It undoes Settle when the
// instruction that settled could not commit.
func (e *Escrow) Revert(ctx context.Context, intent address.ID, s *Settlement,
	seller, treasury [32]byte) error {
	vault := e.Vault(intent)
	if s.Seller > 0 {
		from := e.ledger.AccountOf(seller, s.Asset)
		if err := e.ledger.Transfer(ctx, from, vault, s.Seller, s.Asset); err != nil {
			return err
		}
	}
	if s.Fee > 0 {
		from := e.ledger.AccountOf(treasury, s.Asset)
		if err := e.ledger.Transfer(ctx, from, vault, s.Fee, s.Asset); err != nil {
			return err
		}
	}
	return nil
}
