package service

import (
	"errors"
	"reflect"

	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/identity"
	"go.dedis.ch/protobuf"
)

// request is a signed write request.
type request interface {
	auth() *Auth
}

// signedBytes returns what the signature of req covers.
func signedBytes(req request) ([]byte, error) {
	a := req.auth()
	sig := a.Signature
	a.Signature = nil
	buf, err := protobuf.Encode(req)
	a.Signature = sig
	if err != nil {
		return nil, err
	}
	prefix := ServiceName + "/" + reflect.TypeOf(req).Elem().Name() + "/"
	return append([]byte(prefix), buf...), nil
}

func sign(kp *identity.Keypair, req request, nonce uint64) error {
	a := req.auth()
	a.Signer = kp.Identity
	a.Nonce = nonce
	msg, err := signedBytes(req)
	if err != nil {
		return err
	}
	a.Signature = kp.Sign(msg)
	return nil
}

func verify(req request) error {
	msg, err := signedBytes(req)
	if err != nil {
		return err
	}
	a := req.auth()
	return identity.Verify(a.Signer, msg, a.Signature)
}

// failure turns an instruction error into the Failure of a reply. Errors
// that are not instruction failures are returned as they are.
func failure(err error) (*Failure, error) {
	if err == nil {
		return nil, nil
	}
	kind := bestoffer.KindOf(err)
	if kind == bestoffer.KindUnknown {
		return nil, err
	}
	return &Failure{Kind: int32(kind), Message: err.Error()}, nil
}

// RemoteError is an instruction failure reported by a node. It matches
// the sentinel of its kind with errors.Is.
type RemoteError struct {
	Kind    bestoffer.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Kind.Sentinel()
}

func (f *Failure) err() error {
	if f == nil {
		return nil
	}
	if f.Message == "" {
		return errors.New("refused without a reason")
	}
	return &RemoteError{Kind: bestoffer.ErrorKind(f.Kind), Message: f.Message}
}
