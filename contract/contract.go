// Package contract deploys the marketplace on byzcoin.
//
// A darc holding the "spawn:bestoffer" rule spawns the config instance.
// Every later instruction is an invoke on that instance whose command is
// the instruction name. Records are stored as bestoffer instances at their
// derived addresses. Custody uses coin instances: the buyer pays
// accept_offer with coins fetched earlier in the same transaction, vaults
// and payout accounts are coin instances at derived addresses, and owners
// move their payouts out with the withdraw command.
package contract

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
)

// ContractBestOfferID identifies the bestoffer contract.
const ContractBestOfferID = "bestoffer"

// ConfigInstanceID is the instance every command is invoked on.
var ConfigInstanceID = byzcoin.InstanceID(address.Config())

func init() {
	log.ErrFatal(byzcoin.RegisterGlobalContract(ContractBestOfferID, contractBestOfferFromBytes))
}

type contractBestOffer struct {
	byzcoin.BasicContract
}

// The contract keeps no state of its own, every record is its own instance.
func contractBestOfferFromBytes(in []byte) (byzcoin.Contract, error) {
	return &contractBestOffer{}, nil
}

// Spawn creates the config with the signer as admin. The fee defaults to
// 100 bps.
func (c *contractBestOffer) Spawn(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction,
	coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins

	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		return
	}
	if inst.Spawn.ContractID != ContractBestOfferID {
		return nil, nil, errors.New("can only spawn bestoffer instances")
	}
	signer, err := signerOf(inst)
	if err != nil {
		return nil, nil, err
	}

	params := bestoffer.DefaultParams()
	if buf := inst.Spawn.Args.Search(ArgFeeBps); buf != nil {
		if len(buf) != 4 {
			return nil, nil, fmt.Errorf("%s must be 4 bytes", ArgFeeBps)
		}
		params.FeeBps = binary.LittleEndian.Uint32(buf)
	}

	store := newTrieStore(rst, darcID)
	p := bestoffer.NewProcessor(store, newCoinLedger(rst, darcID, nil), bestoffer.WithParams(params))
	if _, err = p.CreateConfig(context.Background(), signer); err != nil {
		return nil, nil, err
	}
	return store.changes, cout, nil
}

// Invoke runs one instruction. The command is the instruction name.
func (c *contractBestOffer) Invoke(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction,
	coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins

	if inst.InstanceID != ConfigInstanceID {
		return nil, nil, errors.New("bestoffer commands are invoked on the config instance")
	}
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		return
	}
	signer, err := signerOf(inst)
	if err != nil {
		return nil, nil, err
	}

	store := newTrieStore(rst, darcID)
	ledger := newCoinLedger(rst, darcID, coins)
	p := bestoffer.NewProcessor(store, ledger)
	if err = c.run(p, ledger, signer, inst); err != nil {
		log.Lvl3("bestoffer", inst.Invoke.Command, "refused:", err)
		return nil, nil, err
	}

	lsc, err := ledger.stateChanges()
	if err != nil {
		return nil, nil, err
	}
	return append(store.changes, lsc...), ledger.remaining(), nil
}

func (c *contractBestOffer) run(p *bestoffer.Processor, ledger *coinLedger,
	signer identity.Identity, inst byzcoin.Instruction) error {
	ctx := context.Background()
	args := inst.Invoke.Args

	switch cmd := inst.Invoke.Command; cmd {
	case bestoffer.InsCreateTreasury:
		_, err := p.CreateTreasury(ctx, signer)
		return err

	case bestoffer.InsCreateBuyingIntent:
		var a bestoffer.BuyingIntentArgs
		if err := decodeArg(args, ArgArgs, &a); err != nil {
			return err
		}
		_, err := p.CreateBuyingIntent(ctx, signer, a)
		return err

	case bestoffer.InsCreateOffer:
		intent, err := idArg(args, ArgBuyingIntent)
		if err != nil {
			return err
		}
		var a bestoffer.OfferArgs
		if err := decodeArg(args, ArgArgs, &a); err != nil {
			return err
		}
		_, err = p.CreateOffer(ctx, signer, intent, a)
		return err

	case bestoffer.InsAcceptOffer:
		var a bestoffer.AcceptOfferArgs
		if err := decodeArg(args, ArgArgs, &a); err != nil {
			return err
		}
		ledger.payWithInputs(signer)
		_, err := p.AcceptOffer(ctx, signer, a)
		return err

	case bestoffer.InsCreateTrackingDetails:
		intent, err := idArg(args, ArgBuyingIntent)
		if err != nil {
			return err
		}
		var a bestoffer.TrackingArgs
		if err := decodeArg(args, ArgArgs, &a); err != nil {
			return err
		}
		_, err = p.CreateTrackingDetails(ctx, signer, intent, a)
		return err

	case bestoffer.InsAcceptDelivery, bestoffer.InsCancelBuyingIntent, bestoffer.InsOpenDispute:
		intent, err := idArg(args, ArgBuyingIntent)
		if err != nil {
			return err
		}
		switch cmd {
		case bestoffer.InsAcceptDelivery:
			_, err = p.AcceptDelivery(ctx, signer, intent)
		case bestoffer.InsCancelBuyingIntent:
			_, err = p.CancelBuyingIntent(ctx, signer, intent)
		default:
			_, err = p.OpenDispute(ctx, signer, intent)
		}
		return err

	case bestoffer.InsCancelOffer:
		offer, err := idArg(args, ArgOffer)
		if err != nil {
			return err
		}
		_, err = p.CancelOffer(ctx, signer, offer)
		return err

	case CmdWithdraw:
		w, err := withdrawalArgs(args)
		if err != nil {
			return err
		}
		owner := [32]byte(signer)
		if w.Treasury {
			t, err := p.Treasury(ctx)
			if err != nil {
				return err
			}
			if t.Admin != signer {
				return fmt.Errorf("%w: only the treasury admin withdraws from the treasury", bestoffer.ErrUnauthorized)
			}
			owner = address.Treasury()
		}
		return ledger.withdraw(owner, w.Asset, w.Amount)
	}
	return fmt.Errorf("unknown bestoffer command %q", inst.Invoke.Command)
}

func signerOf(inst byzcoin.Instruction) (identity.Identity, error) {
	if len(inst.SignerIdentities) != 1 {
		return identity.Zero, fmt.Errorf("need exactly one signer, got %d", len(inst.SignerIdentities))
	}
	return identity.FromDarc(inst.SignerIdentities[0])
}

func idArg(args byzcoin.Arguments, name string) (address.ID, error) {
	buf := args.Search(name)
	if buf == nil {
		return address.Zero, fmt.Errorf("need an argument with name %s", name)
	}
	id, ok := address.FromBytes(buf)
	if !ok {
		return address.Zero, fmt.Errorf("%w: %s must be %d bytes", bestoffer.ErrInvalidInput, name, address.Size)
	}
	return id, nil
}

func decodeArg(args byzcoin.Arguments, name string, v interface{}) error {
	buf := args.Search(name)
	if buf == nil {
		return fmt.Errorf("need an argument with name %s", name)
	}
	if err := protobuf.Decode(buf, v); err != nil {
		return fmt.Errorf("%w: %s: %v", bestoffer.ErrInvalidInput, name, err)
	}
	return nil
}

func withdrawalArgs(args byzcoin.Arguments) (*Withdrawal, error) {
	w := &Withdrawal{Treasury: args.Search(ArgTreasury) != nil}
	buf := args.Search(ArgAsset)
	if len(buf) != len(w.Asset) {
		return nil, fmt.Errorf("need a %d-byte argument with name %s", len(w.Asset), ArgAsset)
	}
	copy(w.Asset[:], buf)
	buf = args.Search(ArgCoins)
	if len(buf) != 8 {
		return nil, fmt.Errorf("need an 8-byte argument with name %s", ArgCoins)
	}
	w.Amount = binary.LittleEndian.Uint64(buf)
	if w.Amount == 0 {
		return nil, fmt.Errorf("%w: nothing to withdraw", bestoffer.ErrInvalidInput)
	}
	return w, nil
}

// Args encodes a bestoffer.*Args struct for ArgArgs.
func Args(v interface{}) ([]byte, error) {
	return protobuf.Encode(v)
}

// WithdrawArgs builds the arguments of CmdWithdraw.
func WithdrawArgs(asset custody.Asset, amount uint64, treasury bool) byzcoin.Arguments {
	coins := make([]byte, 8)
	binary.LittleEndian.PutUint64(coins, amount)
	args := byzcoin.Arguments{
		{Name: ArgAsset, Value: asset[:]},
		{Name: ArgCoins, Value: coins},
	}
	if treasury {
		args = append(args, byzcoin.Argument{Name: ArgTreasury, Value: []byte{1}})
	}
	return args
}
