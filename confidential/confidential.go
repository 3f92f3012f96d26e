// Package confidential seals a buyer's delivery address so that only the
// seller of the accepted offer can read it.
//
// The seller only ever published an ed25519 signing key. The buyer converts
// it to its X25519 form, draws an ephemeral X25519 keypair and a nonce, and
// boxes every field with NaCl crypto_box. The seller recovers the matching
// X25519 secret from its signing seed.
package confidential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"filippo.io/edwards25519"
	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"golang.org/x/crypto/nacl/box"
)

const (
	// NonceSize is the length of the box nonce.
	NonceSize = 24
	// KeySize is the length of an X25519 key.
	KeySize = 32
	// Overhead is the authenticator length added to every field.
	Overhead = box.Overhead
)

// Maximum plaintext length of each field, in characters.
const (
	MaxNameLen        = 100
	MaxAddressLineLen = 150
	MaxCityLen        = 100
	MaxPostalCodeLen  = 50
	MaxCountryCodeLen = 2
	MaxStateCodeLen   = 3
)

var (
	// ErrMalformed is wrapped by every validation failure.
	ErrMalformed = errors.New("malformed delivery information")
	// ErrDecrypt is returned when a field does not open under the given key.
	ErrDecrypt = errors.New("cannot decrypt delivery information")
)

// FieldError points at the offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) hold.
func (e *FieldError) Is(target error) bool {
	return target == ErrMalformed
}

// PublicKeyToDH maps an ed25519 public key to its X25519 form.
func PublicKeyToDH(pub ed25519.PublicKey) (*[KeySize]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	var out [KeySize]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// PrivateKeyToDH maps an ed25519 private key to the X25519 secret matching
// PublicKeyToDH of its public half.
func PrivateKeyToDH(priv ed25519.PrivateKey) *[KeySize]byte {
	h := sha512.Sum512(priv.Seed())
	var out [KeySize]byte
	copy(out[:], h[:KeySize])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return &out
}

// Encrypt boxes msg for peer.
func Encrypt(msg []byte, nonce *[NonceSize]byte, peer, priv *[KeySize]byte) []byte {
	return box.Seal(nil, msg, nonce, peer, priv)
}

// Decrypt opens a box from peer.
func Decrypt(ct []byte, nonce *[NonceSize]byte, peer, priv *[KeySize]byte) ([]byte, error) {
	out, ok := box.Open(nil, ct, nonce, peer, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// DeliveryInformation is the plaintext shipping address.
type DeliveryInformation struct {
	FirstName    string
	LastName     string
	AddressLine1 string
	AddressLine2 string
	City         string
	PostalCode   string
	CountryCode  string
	StateCode    string
}

type field struct {
	name  string
	max   int
	plain *string
	ct    *[]byte
}

func fields(info *DeliveryInformation, enc *state.EncryptedDeliveryInformation) []field {
	if info == nil {
		info = &DeliveryInformation{}
	}
	return []field{
		{"first_name", MaxNameLen, &info.FirstName, &enc.FirstName},
		{"last_name", MaxNameLen, &info.LastName, &enc.LastName},
		{"address_line_1", MaxAddressLineLen, &info.AddressLine1, &enc.AddressLine1},
		{"address_line_2", MaxAddressLineLen, &info.AddressLine2, &enc.AddressLine2},
		{"city", MaxCityLen, &info.City, &enc.City},
		{"postal_code", MaxPostalCodeLen, &info.PostalCode, &enc.PostalCode},
		{"country_code", MaxCountryCodeLen, &info.CountryCode, &enc.CountryCode},
		{"state_code", MaxStateCodeLen, &info.StateCode, &enc.StateCode},
	}
}

// fieldNonce derives the nonce of field i from the stored nonce, so that no
// two fields share a keystream.
func fieldNonce(base *[NonceSize]byte, i int) *[NonceSize]byte {
	n := *base
	n[NonceSize-1] ^= byte(i)
	return &n
}

// maxCiphertext bounds a field of n characters of at most 4 bytes each.
func maxCiphertext(n int) int {
	return Overhead + 4*n
}

// Seal encrypts info for seller under a fresh ephemeral key and nonce drawn
// from r, or from crypto/rand if r is nil.
func Seal(r io.Reader, intent address.ID, seller identity.Identity,
	info *DeliveryInformation) (*state.EncryptedDeliveryInformation, error) {
	if r == nil {
		r = rand.Reader
	}
	peer, err := PublicKeyToDH(seller.PublicKey())
	if err != nil {
		return nil, err
	}
	ephPub, ephPriv, err := box.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, err
	}

	enc := &state.EncryptedDeliveryInformation{
		BuyingIntent:         intent,
		Nonce:                nonce[:],
		BuyerEphemeralPubkey: ephPub[:],
	}
	for i, f := range fields(info, enc) {
		if !utf8.ValidString(*f.plain) {
			return nil, &FieldError{f.name, "not valid utf-8"}
		}
		if n := utf8.RuneCountInString(*f.plain); n > f.max {
			return nil, &FieldError{f.name, fmt.Sprintf("%d characters, at most %d", n, f.max)}
		}
		*f.ct = Encrypt([]byte(*f.plain), fieldNonce(&nonce, i), peer, ephPriv)
	}
	return enc, nil
}

// Validate checks the lengths of enc without decrypting it.
func Validate(enc *state.EncryptedDeliveryInformation) error {
	if len(enc.Nonce) != NonceSize {
		return &FieldError{"nonce", fmt.Sprintf("%d bytes, want %d", len(enc.Nonce), NonceSize)}
	}
	if len(enc.BuyerEphemeralPubkey) != KeySize {
		return &FieldError{"buyer_ephemeral_pubkey",
			fmt.Sprintf("%d bytes, want %d", len(enc.BuyerEphemeralPubkey), KeySize)}
	}
	for _, f := range fields(nil, enc) {
		n := len(*f.ct)
		if n < Overhead || n > maxCiphertext(f.max) {
			return &FieldError{f.name,
				fmt.Sprintf("%d ciphertext bytes, want %d to %d", n, Overhead, maxCiphertext(f.max))}
		}
	}
	return nil
}

// Open decrypts enc with the seller's signing key.
func Open(seller ed25519.PrivateKey, enc *state.EncryptedDeliveryInformation) (*DeliveryInformation, error) {
	if err := Validate(enc); err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	var peer [KeySize]byte
	copy(nonce[:], enc.Nonce)
	copy(peer[:], enc.BuyerEphemeralPubkey)
	priv := PrivateKeyToDH(seller)

	info := &DeliveryInformation{}
	for i, f := range fields(info, enc) {
		pt, err := Decrypt(*f.ct, fieldNonce(&nonce, i), &peer, priv)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s", err, f.name)
		}
		*f.plain = string(pt)
	}
	return info, nil
}
