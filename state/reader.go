package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/dedis/bestoffer/address"
)

// Reader decodes records from a store, seeing the writes already staged in
// an optional batch first.
type Reader struct {
	store Store
	batch *Batch
}

// NewReader reads s through b. b may be nil.
func NewReader(s Store, b *Batch) *Reader {
	return &Reader{store: s, batch: b}
}

// Raw returns the encoded record at key.
func (r *Reader) Raw(ctx context.Context, key address.ID) ([]byte, error) {
	if buf, ok := r.batch.Lookup(key); ok {
		return buf, nil
	}
	return r.store.Get(ctx, key)
}

// Exists reports whether a record is stored at key.
func (r *Reader) Exists(ctx context.Context, key address.ID) (bool, error) {
	_, err := r.Raw(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Reader) load(ctx context.Context, key address.ID, rec Record) error {
	buf, err := r.Raw(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s %s: %w", rec.Kind(), key, ErrNotFound)
		}
		return err
	}
	return Decode(buf, rec)
}

// Config reads the configuration singleton.
func (r *Reader) Config(ctx context.Context) (*Config, error) {
	c := &Config{}
	if err := r.load(ctx, address.Config(), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Treasury reads the treasury singleton.
func (r *Reader) Treasury(ctx context.Context) (*Treasury, error) {
	t := &Treasury{}
	if err := r.load(ctx, address.Treasury(), t); err != nil {
		return nil, err
	}
	return t, nil
}

// BuyingIntent reads the intent stored at key.
func (r *Reader) BuyingIntent(ctx context.Context, key address.ID) (*BuyingIntent, error) {
	bi := &BuyingIntent{}
	if err := r.load(ctx, key, bi); err != nil {
		return nil, err
	}
	return bi, nil
}

// Offer reads the offer stored at key.
func (r *Reader) Offer(ctx context.Context, key address.ID) (*Offer, error) {
	o := &Offer{}
	if err := r.load(ctx, key, o); err != nil {
		return nil, err
	}
	return o, nil
}

// DeliveryInformation reads the encrypted delivery information of an intent.
func (r *Reader) DeliveryInformation(ctx context.Context, intent address.ID) (*EncryptedDeliveryInformation, error) {
	edi := &EncryptedDeliveryInformation{}
	if err := r.load(ctx, address.DeliveryInformation(intent), edi); err != nil {
		return nil, err
	}
	return edi, nil
}

// TrackingDetails reads the tracking details of an intent.
func (r *Reader) TrackingDetails(ctx context.Context, intent address.ID) (*TrackingDetails, error) {
	td := &TrackingDetails{}
	if err := r.load(ctx, address.TrackingDetails(intent), td); err != nil {
		return nil, err
	}
	return td, nil
}
