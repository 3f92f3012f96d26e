package bestoffer

import (
	"errors"
	"fmt"

	"github.com/dedis/bestoffer/confidential"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/state"
)

var (
	// ErrUnauthorized is returned when the signer is not the party the
	// instruction requires.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState is returned when an entity is not in the state the
	// instruction requires.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Error is the failure of one instruction. Field names the offending
// argument or entity.
type Error struct {
	Instruction string
	Field       string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Instruction, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(instruction, field string, err error) error {
	return &Error{Instruction: instruction, Field: field, Err: err}
}

func failf(instruction, field string, sentinel error, format string, a ...interface{}) error {
	return fail(instruction, field, fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, a...)))
}

// ErrorKind is the stable classification of an instruction failure, as sent
// over the wire.
type ErrorKind int

// Error kinds. Values are part of the wire format.
const (
	KindUnknown ErrorKind = iota
	KindUnauthorized
	KindInvalidState
	KindNotFound
	KindAlreadyExists
	KindInsufficientFunds
	KindVaultEmpty
	KindInvalidInput
	KindArithmeticOverflow
	KindAssetMismatch
)

var kindErrors = []struct {
	kind ErrorKind
	err  error
}{
	{KindUnauthorized, ErrUnauthorized},
	{KindInvalidState, ErrInvalidState},
	{KindNotFound, state.ErrNotFound},
	{KindAlreadyExists, state.ErrAlreadyExists},
	{KindInsufficientFunds, custody.ErrInsufficientFunds},
	{KindVaultEmpty, custody.ErrVaultEmpty},
	{KindInvalidInput, ErrInvalidInput},
	{KindInvalidInput, confidential.ErrMalformed},
	{KindInvalidInput, state.ErrWrongKind},
	{KindArithmeticOverflow, custody.ErrOverflow},
	{KindAssetMismatch, custody.ErrAssetMismatch},
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindUnknown
}

// Sentinel returns the error a kind stands for, so that errors received
// from a remote node still match errors.Is.
func (k ErrorKind) Sentinel() error {
	for _, ke := range kindErrors {
		if ke.kind == k {
			return ke.err
		}
	}
	return nil
}

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "Unauthorized"
	case KindInvalidState:
		return "InvalidState"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindVaultEmpty:
		return "VaultEmpty"
	case KindInvalidInput:
		return "InvalidInput"
	case KindArithmeticOverflow:
		return "ArithmeticOverflow"
	case KindAssetMismatch:
		return "AssetMismatch"
	}
	return "Unknown"
}
