package bestoffer

import (
	"context"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/confidential"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/onet/v3/log"
)

// AcceptOfferArgs carry the buyer's choice and payment.
type AcceptOfferArgs struct {
	Offer address.ID
	// Asset is what the buyer pays with. It must be the offer's mint.
	Asset custody.Asset
	// Delivery is the buyer's address sealed for the offer's seller.
	Delivery *state.EncryptedDeliveryInformation
}

// AcceptOffer confirms an offer: the total price moves from the buyer into
// the intent's vault and the sealed delivery information is stored. Only
// one offer per intent can ever be accepted.
func (p *Processor) AcceptOffer(ctx context.Context, signer identity.Identity,
	args AcceptOfferArgs) (*state.BuyingIntent, error) {
	const ins = InsAcceptOffer
	p.mu.Lock()
	defer p.mu.Unlock()

	b := state.NewBatch()
	r := state.NewReader(p.store, b)
	o, err := r.Offer(ctx, args.Offer)
	if err != nil {
		return nil, fail(ins, "offer", err)
	}
	intent := o.BuyingIntent
	bi, err := r.BuyingIntent(ctx, intent)
	if err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if signer != bi.Buyer {
		return nil, failf(ins, "buyer", ErrUnauthorized, "%s does not own the intent", signer)
	}
	nextIntent, ok := bi.State.Next(state.EventAcceptOffer)
	if !ok {
		return nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s", bi.State)
	}
	nextOffer, ok := o.State.Next(state.EventAcceptOffer)
	if !ok {
		return nil, failf(ins, "offer", ErrInvalidState, "offer is %s", o.State)
	}
	total, ok := o.Total()
	if !ok {
		return nil, fail(ins, "offer_price", custody.ErrOverflow)
	}

	enc := args.Delivery
	if enc == nil {
		return nil, failf(ins, "delivery_information", ErrInvalidInput, "missing")
	}
	if enc.BuyingIntent != intent {
		return nil, failf(ins, "delivery_information", ErrInvalidInput, "sealed for intent %s", enc.BuyingIntent)
	}
	if err := confidential.Validate(enc); err != nil {
		return nil, fail(ins, "delivery_information", err)
	}

	bi.State = nextIntent
	bi.AcceptedOffer = args.Offer
	o.State = nextOffer
	if err := b.Update(intent, bi); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if err := b.Update(args.Offer, o); err != nil {
		return nil, fail(ins, "offer", err)
	}
	if err := b.Create(address.DeliveryInformation(intent), enc); err != nil {
		return nil, fail(ins, "delivery_information", err)
	}

	if err := p.escrow.Lock(ctx, intent, signer, total, args.Asset, custody.Asset(o.Mint)); err != nil {
		return nil, fail(ins, "amount", err)
	}
	if err := p.commit(ctx, b); err != nil {
		if rerr := p.escrow.Release(ctx, intent, signer); rerr != nil {
			log.Error("couldn't release vault of intent", intent, ":", rerr)
		}
		return nil, fail(ins, "buying_intent", err)
	}
	log.Lvl2("buyer", signer, "accepted offer", o.ID, "locking", total)
	return bi, nil
}

// TrackingArgs reference the shipment.
type TrackingArgs struct {
	CarrierName  string
	TrackingURL  string
	TrackingCode string
}

// CreateTrackingDetails records the shipment of a confirmed intent. Only
// the seller of the accepted offer may.
func (p *Processor) CreateTrackingDetails(ctx context.Context, signer identity.Identity, intent address.ID,
	args TrackingArgs) (*state.TrackingDetails, error) {
	const ins = InsCreateTrackingDetails
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkText(args.CarrierName, state.MaxCarrierNameLen, false); err != nil {
		return nil, fail(ins, "carrier_name", err)
	}
	if err := checkText(args.TrackingURL, state.MaxTrackingURLLen, true); err != nil {
		return nil, fail(ins, "tracking_url", err)
	}
	if err := checkText(args.TrackingCode, state.MaxTrackingCodeLen, false); err != nil {
		return nil, fail(ins, "tracking_code", err)
	}

	b := state.NewBatch()
	r := state.NewReader(p.store, b)
	bi, o, err := p.acceptedOffer(ctx, r, ins, intent)
	if err != nil {
		return nil, err
	}
	if signer != o.Seller {
		return nil, failf(ins, "seller", ErrUnauthorized, "%s is not the seller of the accepted offer", signer)
	}
	next, ok := bi.State.Next(state.EventShip)
	if !ok {
		return nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s", bi.State)
	}

	td := &state.TrackingDetails{
		BuyingIntent: intent,
		CarrierName:  args.CarrierName,
		TrackingURL:  args.TrackingURL,
		TrackingCode: args.TrackingCode,
	}
	bi.State = next
	if err := b.Create(address.TrackingDetails(intent), td); err != nil {
		return nil, fail(ins, "tracking_details", err)
	}
	if err := b.Update(intent, bi); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(ins, "tracking_details", err)
	}
	log.Lvl3("seller", signer, "shipped intent", intent, "with", args.CarrierName)
	return td, nil
}

// acceptedOffer loads an intent and the offer it accepted. An intent
// without one is in the wrong state.
func (p *Processor) acceptedOffer(ctx context.Context, r *state.Reader, ins string,
	intent address.ID) (*state.BuyingIntent, *state.Offer, error) {
	bi, err := r.BuyingIntent(ctx, intent)
	if err != nil {
		return nil, nil, fail(ins, "buying_intent", err)
	}
	if bi.AcceptedOffer.IsZero() {
		return nil, nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s, no offer accepted", bi.State)
	}
	o, err := r.Offer(ctx, bi.AcceptedOffer)
	if err != nil {
		return nil, nil, fail(ins, "offer", err)
	}
	return bi, o, nil
}

// AcceptDelivery closes a shipped intent: the vault is split between the
// treasury, which gets the configured fee, and the seller.
func (p *Processor) AcceptDelivery(ctx context.Context, signer identity.Identity,
	intent address.ID) (*custody.Settlement, error) {
	const ins = InsAcceptDelivery
	p.mu.Lock()
	defer p.mu.Unlock()

	b := state.NewBatch()
	r := state.NewReader(p.store, b)
	bi, o, err := p.acceptedOffer(ctx, r, ins, intent)
	if err != nil {
		return nil, err
	}
	if signer != bi.Buyer {
		return nil, failf(ins, "buyer", ErrUnauthorized, "%s does not own the intent", signer)
	}
	nextIntent, ok := bi.State.Next(state.EventAcceptDelivery)
	if !ok {
		return nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s", bi.State)
	}
	nextOffer, ok := o.State.Next(state.EventAcceptDelivery)
	if !ok {
		return nil, failf(ins, "offer", ErrInvalidState, "offer is %s", o.State)
	}
	// The fee is read once, here.
	cfg, err := r.Config(ctx)
	if err != nil {
		return nil, fail(ins, "config", err)
	}
	if _, err := r.Treasury(ctx); err != nil {
		return nil, fail(ins, "treasury", err)
	}

	bi.State = nextIntent
	o.State = nextOffer
	if err := b.Update(intent, bi); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if err := b.Update(bi.AcceptedOffer, o); err != nil {
		return nil, fail(ins, "offer", err)
	}

	treasury := address.Treasury()
	s, err := p.escrow.Settle(ctx, intent, cfg.FeeBps, o.Seller, treasury)
	if err != nil {
		return nil, fail(ins, "vault", err)
	}
	if err := p.commit(ctx, b); err != nil {
		if rerr := p.escrow.Revert(ctx, intent, s, o.Seller, treasury); rerr != nil {
			log.Error("couldn't revert settlement of intent", intent, ":", rerr)
		}
		return nil, fail(ins, "buying_intent", err)
	}
	log.Lvl2("intent", intent, "fulfilled: fee", s.Fee, "seller", s.Seller)
	return s, nil
}

// CancelBuyingIntent withdraws a Published intent. Its offers can no longer
// be accepted.
func (p *Processor) CancelBuyingIntent(ctx context.Context, signer identity.Identity,
	intent address.ID) (*state.BuyingIntent, error) {
	return p.buyerTransition(ctx, InsCancelBuyingIntent, signer, intent, state.EventCancel)
}

// OpenDispute flags a Confirmed or Shipped intent as disputed. The vault
// stays locked.
func (p *Processor) OpenDispute(ctx context.Context, signer identity.Identity,
	intent address.ID) (*state.BuyingIntent, error) {
	return p.buyerTransition(ctx, InsOpenDispute, signer, intent, state.EventDispute)
}

func (p *Processor) buyerTransition(ctx context.Context, ins string, signer identity.Identity,
	intent address.ID, ev state.Event) (*state.BuyingIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := state.NewBatch()
	bi, err := state.NewReader(p.store, b).BuyingIntent(ctx, intent)
	if err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if signer != bi.Buyer {
		return nil, failf(ins, "buyer", ErrUnauthorized, "%s does not own the intent", signer)
	}
	next, ok := bi.State.Next(ev)
	if !ok {
		return nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s", bi.State)
	}
	bi.State = next
	if err := b.Update(intent, bi); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	log.Lvl3(ins, "moved intent", intent, "to", next)
	return bi, nil
}

// CancelOffer withdraws a Published offer while its intent is still
// Published.
func (p *Processor) CancelOffer(ctx context.Context, signer identity.Identity,
	offer address.ID) (*state.Offer, error) {
	const ins = InsCancelOffer
	p.mu.Lock()
	defer p.mu.Unlock()

	b := state.NewBatch()
	r := state.NewReader(p.store, b)
	o, err := r.Offer(ctx, offer)
	if err != nil {
		return nil, fail(ins, "offer", err)
	}
	if signer != o.Seller {
		return nil, failf(ins, "seller", ErrUnauthorized, "%s did not make the offer", signer)
	}
	bi, err := r.BuyingIntent(ctx, o.BuyingIntent)
	if err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if bi.State != state.IntentPublished {
		return nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s", bi.State)
	}
	next, ok := o.State.Next(state.EventCancel)
	if !ok {
		return nil, failf(ins, "offer", ErrInvalidState, "offer is %s", o.State)
	}
	o.State = next
	if err := b.Update(offer, o); err != nil {
		return nil, fail(ins, "offer", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(ins, "offer", err)
	}
	log.Lvl3("seller", signer, "cancelled offer", o.ID)
	return o, nil
}
