// Package address derives the deterministic identifiers under which every
// marketplace entity is stored and looked up.
//
// An address is a pure function of a namespace seed, zero or more owners and
// an optional counter. Each component is length-prefixed before hashing, so
// two different tuples never produce the same pre-image.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Size is the length of a derived address in bytes.
const Size = 32

// Namespace seeds.
const (
	SeedConfig              = "config"
	SeedTreasury            = "treasury"
	SeedBuyingIntent        = "buy_intent"
	SeedOffer               = "offer"
	SeedDeliveryInformation = "encrypted_delivery_information"
	SeedTrackingDetails     = "tracking_details"
	SeedVault               = "vault"
	SeedTokenAccount        = "token_account"
)

const domain = "bestoffer/address/v1"

// ID is a derived address. It has the same layout as a byzcoin InstanceID.
type ID [Size]byte

// Zero is the empty address, never returned by Derive.
var Zero ID

// Derive computes the address of (seed, owners..., counter). At most one
// counter is used; it is encoded little-endian on 8 bytes.
func Derive(seed string, owners [][]byte, counter ...uint64) ID {
	h := sha256.New()
	h.Write([]byte(domain))
	writeChunk(h, []byte(seed))

	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(owners)))
	h.Write(n[:])
	for _, o := range owners {
		writeChunk(h, o)
	}

	if len(counter) > 0 {
		h.Write([]byte{1})
		h.Write(Counter(counter[0]))
	} else {
		h.Write([]byte{0})
	}

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

func writeChunk(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Counter returns the little-endian encoding of v.
func Counter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// FromBytes copies buf into an ID. It returns false if buf has the wrong
// length.
func FromBytes(buf []byte) (ID, bool) {
	var id ID
	if len(buf) != Size {
		return id, false
	}
	copy(id[:], buf)
	return id, true
}

// Slice returns the address as a byte slice.
func (id ID) Slice() []byte {
	return id[:]
}

// IsZero reports whether id is the zero address.
func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Config is the address of the configuration singleton.
func Config() ID {
	return Derive(SeedConfig, nil)
}

// Treasury is the address of the treasury singleton.
func Treasury() ID {
	return Derive(SeedTreasury, nil)
}

// BuyingIntent is the address of the buyer's intent number id.
func BuyingIntent(buyer [32]byte, id uint64) ID {
	return Derive(SeedBuyingIntent, [][]byte{buyer[:]}, id)
}

// Offer is the address of the seller's offer number id on an intent.
func Offer(intent ID, seller [32]byte, id uint64) ID {
	return Derive(SeedOffer, [][]byte{intent[:], seller[:]}, id)
}

// DeliveryInformation is the address of the encrypted delivery information
// of an intent.
func DeliveryInformation(intent ID) ID {
	return Derive(SeedDeliveryInformation, [][]byte{intent[:]})
}

// TrackingDetails is the address of the tracking details of an intent.
func TrackingDetails(intent ID) ID {
	return Derive(SeedTrackingDetails, [][]byte{intent[:]})
}

// Vault is the address of the escrow vault of an intent.
func Vault(intent ID) ID {
	return Derive(SeedVault, [][]byte{intent[:]})
}

// TokenAccount is the address of the balance an owner holds in an asset.
func TokenAccount(owner, asset [32]byte) ID {
	return Derive(SeedTokenAccount, [][]byte{owner[:], asset[:]})
}
