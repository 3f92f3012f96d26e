package identity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeypair_FromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)
	require.Equal(t, a.Identity, b.Identity)
	require.Equal(t, seed, a.Seed())

	_, err = FromSeed(seed[:31])
	require.Error(t, err)
}

func TestKeypair_SignVerify(t *testing.T) {
	kp, err := NewKeypair(nil)
	require.NoError(t, err)

	msg := []byte("accept_offer")
	sig := kp.Sign(msg)
	require.NoError(t, Verify(kp.Identity, msg, sig))
	require.Equal(t, ErrBadSignature, Verify(kp.Identity, []byte("other"), sig))

	other, err := NewKeypair(nil)
	require.NoError(t, err)
	require.Equal(t, ErrBadSignature, Verify(other.Identity, msg, sig))
}

func TestKeypair_DarcSigner(t *testing.T) {
	kp, err := NewKeypair(nil)
	require.NoError(t, err)

	id, err := FromDarc(kp.DarcSigner().Identity())
	require.NoError(t, err)
	require.Equal(t, kp.Identity, id)
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes(make([]byte, 31))
	require.Error(t, err)
	id, err := FromBytes(make([]byte, 32))
	require.NoError(t, err)
	require.True(t, id.IsZero())
}
