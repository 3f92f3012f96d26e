package state

import (
	"math/bits"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/identity"
)

// PROTOSTART
// package bestoffer;
//
// Records persisted by the state store. Every record is written as one kind
// byte followed by its protobuf encoding. Fields are only ever appended.

// Field bounds.
const (
	MaxProductNameLen  = 100
	CountryCodeLen     = 2
	MaxStateCodeLen    = 3
	MaxURLLen          = 255
	MaxCarrierNameLen  = 100
	MaxTrackingURLLen  = 255
	MaxTrackingCodeLen = 255
)

// Config is the protocol configuration singleton.
type Config struct {
	Admin identity.Identity
	// FeeBps is the platform fee in basis points, at most 10000.
	FeeBps              uint32
	BuyingIntentCounter uint64
	OfferCounter        uint64
}

// Treasury receives the fee share at settlement.
type Treasury struct {
	Admin identity.Identity
}

// BuyingIntent is a buyer's published sourcing request.
type BuyingIntent struct {
	ID                  uint64
	Buyer               identity.Identity
	Gtin                uint64
	ProductName         string
	ShippingCountryCode string
	ShippingStateCode   *string
	Quantity            uint32
	State               BuyingIntentState
	// AcceptedOffer is zero until an offer is accepted.
	AcceptedOffer address.ID
}

// Address returns where the intent is stored.
func (bi *BuyingIntent) Address() address.ID {
	return address.BuyingIntent(bi.Buyer, bi.ID)
}

// Offer is a seller's price proposal against one buying intent.
type Offer struct {
	ID            uint64
	BuyingIntent  address.ID
	Seller        identity.Identity
	URL           string
	PublicPrice   uint64
	OfferPrice    uint64
	ShippingPrice uint64
	// Mint is the settlement asset the seller wants to be paid in.
	Mint  [32]byte
	State OfferState
}

// Address returns where the offer is stored.
func (o *Offer) Address() address.ID {
	return address.Offer(o.BuyingIntent, o.Seller, o.ID)
}

// Total is offer price plus shipping price. ok is false on overflow.
func (o *Offer) Total() (total uint64, ok bool) {
	sum, carry := bits.Add64(o.OfferPrice, o.ShippingPrice, 0)
	return sum, carry == 0
}

// EncryptedDeliveryInformation holds the buyer's shipping address, sealed
// for the seller of the accepted offer.
type EncryptedDeliveryInformation struct {
	BuyingIntent         address.ID
	Nonce                []byte
	BuyerEphemeralPubkey []byte
	FirstName            []byte
	LastName             []byte
	AddressLine1         []byte
	AddressLine2         []byte
	City                 []byte
	PostalCode           []byte
	CountryCode          []byte
	StateCode            []byte
}

// TrackingDetails is the seller's shipment reference.
type TrackingDetails struct {
	BuyingIntent address.ID
	CarrierName  string
	TrackingURL  string
	TrackingCode string
}
