// Package identity holds the signing identities of marketplace participants.
//
// An identity is an ed25519 public key. A Keypair is kept as its 32-byte
// seed so that the same secret can sign requests, sign byzcoin
// transactions through a darc signer, and derive the Diffie-Hellman key used
// to read confidential delivery information.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/darc"
)

// Size is the length of an identity in bytes.
const Size = ed25519.PublicKeySize

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("invalid signature")

// Identity is an ed25519 public key.
type Identity [Size]byte

// Zero is the empty identity.
var Zero Identity

// FromBytes copies buf into an Identity.
func FromBytes(buf []byte) (Identity, error) {
	var id Identity
	if len(buf) != Size {
		return id, fmt.Errorf("identity must be %d bytes, got %d", Size, len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// FromDarc maps an ed25519 darc identity, as found in byzcoin instruction
// signers, to an Identity.
func FromDarc(d darc.Identity) (Identity, error) {
	if d.Ed25519 == nil {
		return Zero, errors.New("only ed25519 darc identities are supported")
	}
	buf, err := d.Ed25519.Point.MarshalBinary()
	if err != nil {
		return Zero, err
	}
	return FromBytes(buf)
}

// PublicKey returns the identity as an ed25519 public key.
func (id Identity) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// IsZero reports whether id is unset.
func (id Identity) IsZero() bool {
	return id == Zero
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Verify checks sig over msg against id.
func Verify(id Identity, msg, sig []byte) error {
	if !ed25519.Verify(id.PublicKey(), msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Keypair is a participant's secret.
type Keypair struct {
	Identity Identity
	priv     ed25519.PrivateKey
}

// NewKeypair draws a fresh seed from r, or from crypto/rand if r is nil.
func NewKeypair(r io.Reader) (*Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// FromSeed rebuilds a keypair from its 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kp := &Keypair{priv: priv}
	copy(kp.Identity[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// PrivateKey returns the ed25519 private key.
func (kp *Keypair) PrivateKey() ed25519.PrivateKey {
	return kp.priv
}

// Seed returns a copy of the seed.
func (kp *Keypair) Seed() []byte {
	return append([]byte{}, kp.priv.Seed()...)
}

// Sign signs msg with the ed25519 key.
func (kp *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.priv, msg)
}

// DarcSigner returns a byzcoin signer for the same key. The scalar is the
// clamped SHA-512 prefix of the seed, as RFC 8032 defines it, so the darc
// identity marshals to the same 32 bytes as Identity.
func (kp *Keypair) DarcSigner() darc.Signer {
	h := sha512.Sum512(kp.priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	secret := cothority.Suite.Scalar().SetBytes(h[:32])
	point := cothority.Suite.Point().Mul(secret, nil)
	return darc.NewSignerEd25519(point, secret)
}
