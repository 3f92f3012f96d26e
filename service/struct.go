package service

import (
	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

// PROTOSTART
// package bestoffer;
// import "onet.proto";
// import "network.proto";
//
// option java_package = "ch.epfl.dedis.bestoffer.proto";
// option java_outer_classname = "BestOfferServiceProto";

// ServiceName is the name the service is registered with.
const ServiceName = "BestOffer"

// We need to register all messages so the network knows how to handle them.
func init() {
	network.RegisterMessages(
		CreateConfig{}, ConfigReply{},
		CreateTreasury{}, TreasuryReply{},
		CreateBuyingIntent{}, BuyingIntentReply{},
		CreateOffer{}, OfferReply{},
		AcceptOffer{},
		CreateTrackingDetails{}, TrackingDetailsReply{},
		AcceptDelivery{}, AcceptDeliveryReply{},
		CancelBuyingIntent{}, CancelOffer{}, OpenDispute{},
		GetConfig{}, GetTreasury{}, GetBuyingIntent{}, GetOffer{},
		GetDeliveryInformation{}, DeliveryInformationReply{},
		GetTrackingDetails{},
		GetBalance{}, GetVault{}, BalanceReply{},
		storage{},
	)
}

// Auth authenticates a write request. Signature is the ed25519 signature of
// Signer over the service name, the request type and the protobuf encoding
// of the request with an empty Signature. Nonce must grow with every
// request of a signer.
type Auth struct {
	Signer    identity.Identity
	Nonce     uint64
	Signature []byte
}

// Failure is set in a reply when the instruction was refused. Kind is a
// bestoffer.ErrorKind.
type Failure struct {
	Kind    int32
	Message string
}

// CreateConfig creates the configuration. The node receiving it becomes
// the leader and replicates every commit to the rest of Roster. FeeBps
// defaults to bestoffer.DefaultFeeBps.
type CreateConfig struct {
	Auth   Auth
	Roster *onet.Roster
	FeeBps *uint32
}

// ConfigReply returns the configuration.
type ConfigReply struct {
	Config  *state.Config
	Failure *Failure
}

// CreateTreasury creates the treasury, signed by the admin.
type CreateTreasury struct {
	Auth Auth
}

// TreasuryReply returns the treasury.
type TreasuryReply struct {
	Treasury *state.Treasury
	Failure  *Failure
}

// CreateBuyingIntent publishes a buying intent for the signer.
type CreateBuyingIntent struct {
	Auth Auth
	Args bestoffer.BuyingIntentArgs
}

// BuyingIntentReply returns a buying intent.
type BuyingIntentReply struct {
	BuyingIntent *state.BuyingIntent
	Failure      *Failure
}

// CreateOffer answers a buying intent.
type CreateOffer struct {
	Auth         Auth
	BuyingIntent address.ID
	Args         bestoffer.OfferArgs
}

// OfferReply returns an offer.
type OfferReply struct {
	Offer   *state.Offer
	Failure *Failure
}

// AcceptOffer locks the offer total in escrow. The reply is a
// BuyingIntentReply.
type AcceptOffer struct {
	Auth Auth
	Args bestoffer.AcceptOfferArgs
}

// CreateTrackingDetails records the shipment of the accepted offer.
type CreateTrackingDetails struct {
	Auth         Auth
	BuyingIntent address.ID
	Args         bestoffer.TrackingArgs
}

// TrackingDetailsReply returns tracking details.
type TrackingDetailsReply struct {
	TrackingDetails *state.TrackingDetails
	Failure         *Failure
}

// AcceptDelivery settles the escrow of a buying intent.
type AcceptDelivery struct {
	Auth         Auth
	BuyingIntent address.ID
}

// AcceptDeliveryReply returns how the vault was split.
type AcceptDeliveryReply struct {
	Settlement *custody.Settlement
	Failure    *Failure
}

// CancelBuyingIntent withdraws a published intent. The reply is a
// BuyingIntentReply.
type CancelBuyingIntent struct {
	Auth         Auth
	BuyingIntent address.ID
}

// CancelOffer withdraws a published offer. The reply is an OfferReply.
type CancelOffer struct {
	Auth  Auth
	Offer address.ID
}

// OpenDispute flags an accepted intent. The reply is a BuyingIntentReply.
type OpenDispute struct {
	Auth         Auth
	BuyingIntent address.ID
}

// GetConfig reads the configuration.
type GetConfig struct {
}

// GetTreasury reads the treasury.
type GetTreasury struct {
}

// GetBuyingIntent reads a buying intent.
type GetBuyingIntent struct {
	Address address.ID
}

// GetOffer reads an offer.
type GetOffer struct {
	Address address.ID
}

// GetDeliveryInformation reads the sealed delivery information of an
// intent.
type GetDeliveryInformation struct {
	BuyingIntent address.ID
}

// DeliveryInformationReply returns sealed delivery information.
type DeliveryInformationReply struct {
	DeliveryInformation *state.EncryptedDeliveryInformation
	Failure             *Failure
}

// GetTrackingDetails reads the tracking details of an intent.
type GetTrackingDetails struct {
	BuyingIntent address.ID
}

// GetBalance reads what Owner holds in Asset.
type GetBalance struct {
	Owner [32]byte
	Asset custody.Asset
}

// GetVault reads what is locked for an intent.
type GetVault struct {
	BuyingIntent address.ID
}

// BalanceReply returns a balance.
type BalanceReply struct {
	Balance custody.Balance
}

// storage is what the service saves in its context.
type storage struct {
	Roster *onet.Roster
	Leader *network.ServerIdentity
}

func (r *CreateConfig) auth() *Auth          { return &r.Auth }
func (r *CreateTreasury) auth() *Auth        { return &r.Auth }
func (r *CreateBuyingIntent) auth() *Auth    { return &r.Auth }
func (r *CreateOffer) auth() *Auth           { return &r.Auth }
func (r *AcceptOffer) auth() *Auth           { return &r.Auth }
func (r *CreateTrackingDetails) auth() *Auth { return &r.Auth }
func (r *AcceptDelivery) auth() *Auth        { return &r.Auth }
func (r *CancelBuyingIntent) auth() *Auth    { return &r.Auth }
func (r *CancelOffer) auth() *Auth           { return &r.Auth }
func (r *OpenDispute) auth() *Auth           { return &r.Auth }
