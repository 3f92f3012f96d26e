package state

import (
	"errors"
	"fmt"

	"go.dedis.ch/protobuf"
)

// Kind tags a persisted record with its entity type.
type Kind byte

// Record kinds. The zero value is reserved.
const (
	KindConfig Kind = iota + 1
	KindTreasury
	KindBuyingIntent
	KindOffer
	KindDeliveryInformation
	KindTrackingDetails
)

var kinds = map[Kind]string{
	KindConfig:              "config",
	KindTreasury:            "treasury",
	KindBuyingIntent:        "buying intent",
	KindOffer:               "offer",
	KindDeliveryInformation: "encrypted delivery information",
	KindTrackingDetails:     "tracking details",
}

func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// ErrWrongKind is returned when a record is decoded as another entity type.
var ErrWrongKind = errors.New("record has another kind")

// Record is a persisted entity.
type Record interface {
	Kind() Kind
}

// Kind implements Record.
func (*Config) Kind() Kind { return KindConfig }

// Kind implements Record.
func (*Treasury) Kind() Kind { return KindTreasury }

// Kind implements Record.
func (*BuyingIntent) Kind() Kind { return KindBuyingIntent }

// Kind implements Record.
func (*Offer) Kind() Kind { return KindOffer }

// Kind implements Record.
func (*EncryptedDeliveryInformation) Kind() Kind { return KindDeliveryInformation }

// Kind implements Record.
func (*TrackingDetails) Kind() Kind { return KindTrackingDetails }

// Encode serializes r as its kind byte followed by its protobuf encoding.
func Encode(r Record) ([]byte, error) {
	buf, err := protobuf.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", r.Kind(), err)
	}
	return append([]byte{byte(r.Kind())}, buf...), nil
}

// Decode fills r from buf. It fails with ErrWrongKind if buf holds another
// entity type.
func Decode(buf []byte, r Record) error {
	if len(buf) == 0 {
		return fmt.Errorf("decoding %s: empty record", r.Kind())
	}
	if Kind(buf[0]) != r.Kind() {
		return fmt.Errorf("%w: want %s, got %s", ErrWrongKind, r.Kind(), Kind(buf[0]))
	}
	if err := protobuf.Decode(buf[1:], r); err != nil {
		return fmt.Errorf("decoding %s: %w", r.Kind(), err)
	}
	return nil
}

// KindOf returns the kind byte of an encoded record.
func KindOf(buf []byte) (Kind, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	_, ok := kinds[Kind(buf[0])]
	return Kind(buf[0]), ok
}
