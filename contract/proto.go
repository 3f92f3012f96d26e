package contract

import (
	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/custody"
)

// PROTOSTART
// package bestoffer;
//
// option java_package = "ch.epfl.dedis.bestoffer.proto";
// option java_outer_classname = "BestOfferProto";

// Argument names of the bestoffer contract. Structured arguments are the
// protobuf encoding of the matching bestoffer.*Args struct.
const (
	// ArgFeeBps is the fee of a new config, 4 bytes little-endian.
	ArgFeeBps = "fee_bps"
	// ArgBuyingIntent is the address of a buying intent, 32 bytes.
	ArgBuyingIntent = "buying_intent"
	// ArgOffer is the address of an offer, 32 bytes.
	ArgOffer = "offer"
	// ArgArgs carries the encoded bestoffer.*Args of the command.
	ArgArgs = "args"
	// ArgAsset is the coin name to withdraw, 32 bytes.
	ArgAsset = "asset"
	// ArgCoins is an amount, 8 bytes little-endian, as for the coin
	// contract.
	ArgCoins = "coins"
	// ArgTreasury makes withdraw draw from the treasury account.
	ArgTreasury = "treasury"
)

// Commands of the bestoffer contract besides the processor instructions.
const (
	// CmdWithdraw moves coins out of the signer's payout account into the
	// transaction's coin flow, for a following coin.store.
	CmdWithdraw = "withdraw"
)

// Withdrawal is the decoded argument set of CmdWithdraw.
type Withdrawal struct {
	Asset    custody.Asset
	Amount   uint64
	Treasury bool
}

// PayoutAccount is the coin instance where settlements credit owner.
func PayoutAccount(owner [32]byte, asset custody.Asset) address.ID {
	return address.TokenAccount(owner, asset)
}
