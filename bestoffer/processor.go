// Package bestoffer runs the marketplace instructions: buyers publish buying
// intents, sellers answer with offers, the buyer accepts one by locking its
// price in escrow, the seller ships and the buyer's delivery acceptance
// pays the seller minus the platform fee.
//
// Every instruction is checked against the stored state, stages all its
// writes in one batch, calls custody last and then commits the batch. A
// failing instruction leaves neither the store nor the ledger changed.
package bestoffer

import (
	"context"
	"sync"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/onet/v3/log"
)

// Instruction names, as used in errors, byzcoin invocations and logs.
const (
	InsCreateConfig          = "create_config"
	InsCreateTreasury        = "create_treasury"
	InsCreateBuyingIntent    = "create_buying_intent"
	InsCreateOffer           = "create_offer"
	InsAcceptOffer           = "accept_offer"
	InsCreateTrackingDetails = "create_tracking_details"
	InsAcceptDelivery        = "accept_delivery"
	InsCancelBuyingIntent    = "cancel_buying_intent"
	InsCancelOffer           = "cancel_offer"
	InsOpenDispute           = "open_dispute"
)

// Processor executes instructions against a store and a custody ledger.
// Instructions are serialized by the processor.
type Processor struct {
	mu     sync.Mutex
	store  state.Store
	escrow *custody.Escrow
	params Params
	hooks  []func(*state.Batch)
}

// Option configures a Processor.
type Option func(*Processor)

// WithParams sets the parameters used by create_config.
func WithParams(p Params) Option {
	return func(proc *Processor) {
		proc.params = p
	}
}

// WithCommitHook registers h to be called with every committed batch, in
// commit order.
func WithCommitHook(h func(*state.Batch)) Option {
	return func(proc *Processor) {
		proc.hooks = append(proc.hooks, h)
	}
}

// NewProcessor returns a processor over s and l.
func NewProcessor(s state.Store, l custody.Ledger, opts ...Option) *Processor {
	p := &Processor{
		store:  s,
		escrow: custody.NewEscrow(l),
		params: DefaultParams(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Escrow returns the escrow used for locking and settling.
func (p *Processor) Escrow() *custody.Escrow {
	return p.escrow
}

func (p *Processor) reader() *state.Reader {
	return state.NewReader(p.store, nil)
}

func (p *Processor) commit(ctx context.Context, b *state.Batch) error {
	if err := p.store.Apply(ctx, b); err != nil {
		return err
	}
	for _, h := range p.hooks {
		h(b)
	}
	return nil
}

// Config reads the configuration.
func (p *Processor) Config(ctx context.Context) (*state.Config, error) {
	return p.reader().Config(ctx)
}

// Treasury reads the treasury.
func (p *Processor) Treasury(ctx context.Context) (*state.Treasury, error) {
	return p.reader().Treasury(ctx)
}

// BuyingIntent reads the intent at key.
func (p *Processor) BuyingIntent(ctx context.Context, key address.ID) (*state.BuyingIntent, error) {
	return p.reader().BuyingIntent(ctx, key)
}

// Offer reads the offer at key.
func (p *Processor) Offer(ctx context.Context, key address.ID) (*state.Offer, error) {
	return p.reader().Offer(ctx, key)
}

// DeliveryInformation reads the sealed delivery information of an intent.
func (p *Processor) DeliveryInformation(ctx context.Context, intent address.ID) (*state.EncryptedDeliveryInformation, error) {
	return p.reader().DeliveryInformation(ctx, intent)
}

// TrackingDetails reads the tracking details of an intent.
func (p *Processor) TrackingDetails(ctx context.Context, intent address.ID) (*state.TrackingDetails, error) {
	return p.reader().TrackingDetails(ctx, intent)
}

// Balance returns what owner holds in asset.
func (p *Processor) Balance(ctx context.Context, owner [32]byte, asset custody.Asset) (custody.Balance, error) {
	l := p.escrow.Ledger()
	return l.BalanceOf(ctx, l.AccountOf(owner, asset))
}

// VaultBalance returns what is locked for an intent.
func (p *Processor) VaultBalance(ctx context.Context, intent address.ID) (custody.Balance, error) {
	return p.escrow.Ledger().BalanceOf(ctx, p.escrow.Vault(intent))
}

// CreateConfig creates the configuration singleton with signer as admin and
// the processor's parameters.
func (p *Processor) CreateConfig(ctx context.Context, signer identity.Identity) (*state.Config, error) {
	return p.CreateConfigWithParams(ctx, signer, p.params)
}

// CreateConfigWithParams creates the configuration singleton with params
// instead of the processor's.
func (p *Processor) CreateConfigWithParams(ctx context.Context, signer identity.Identity,
	params Params) (*state.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := params.Validate(); err != nil {
		return nil, fail(InsCreateConfig, "fee_bps", err)
	}
	cfg := &state.Config{Admin: signer, FeeBps: params.FeeBps}
	b := state.NewBatch()
	if err := b.Create(address.Config(), cfg); err != nil {
		return nil, fail(InsCreateConfig, "config", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(InsCreateConfig, "config", err)
	}
	log.Lvl2("created config with fee", cfg.FeeBps, "bps, admin", signer)
	return cfg, nil
}

// CreateTreasury creates the treasury singleton. Only the admin may.
func (p *Processor) CreateTreasury(ctx context.Context, signer identity.Identity) (*state.Treasury, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.reader()
	cfg, err := r.Config(ctx)
	if err != nil {
		return nil, fail(InsCreateTreasury, "config", err)
	}
	if signer != cfg.Admin {
		return nil, failf(InsCreateTreasury, "admin", ErrUnauthorized, "%s is not the admin", signer)
	}
	t := &state.Treasury{Admin: signer}
	b := state.NewBatch()
	if err := b.Create(address.Treasury(), t); err != nil {
		return nil, fail(InsCreateTreasury, "treasury", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(InsCreateTreasury, "treasury", err)
	}
	log.Lvl2("created treasury")
	return t, nil
}

// BuyingIntentArgs describe the product a buyer wants.
type BuyingIntentArgs struct {
	Gtin                uint64
	ProductName         string
	ShippingCountryCode string
	ShippingStateCode   *string
	Quantity            uint32
}

// CreateBuyingIntent publishes a buying intent of signer. Its id is the
// current intent counter, which is incremented.
func (p *Processor) CreateBuyingIntent(ctx context.Context, signer identity.Identity,
	args BuyingIntentArgs) (*state.BuyingIntent, error) {
	const ins = InsCreateBuyingIntent
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkGtin(args.Gtin); err != nil {
		return nil, fail(ins, "gtin", err)
	}
	if err := checkText(args.ProductName, state.MaxProductNameLen, false); err != nil {
		return nil, fail(ins, "product_name", err)
	}
	if err := checkCountryCode(args.ShippingCountryCode); err != nil {
		return nil, fail(ins, "shipping_country_code", err)
	}
	if err := checkStateCode(args.ShippingStateCode); err != nil {
		return nil, fail(ins, "shipping_state_code", err)
	}
	if args.Quantity == 0 {
		return nil, failf(ins, "quantity", ErrInvalidInput, "must be positive")
	}

	b := state.NewBatch()
	cfg, err := state.NewReader(p.store, b).Config(ctx)
	if err != nil {
		return nil, fail(ins, "config", err)
	}
	id := cfg.BuyingIntentCounter
	if id+1 == 0 {
		return nil, fail(ins, "buying_intent_counter", custody.ErrOverflow)
	}
	cfg.BuyingIntentCounter++

	bi := &state.BuyingIntent{
		ID:                  id,
		Buyer:               signer,
		Gtin:                args.Gtin,
		ProductName:         args.ProductName,
		ShippingCountryCode: args.ShippingCountryCode,
		ShippingStateCode:   args.ShippingStateCode,
		Quantity:            args.Quantity,
		State:               state.IntentPublished,
	}
	if err := b.Create(bi.Address(), bi); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if err := b.Update(address.Config(), cfg); err != nil {
		return nil, fail(ins, "config", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	log.Lvl3("buyer", signer, "published intent", id, "for", args.Quantity, "x", args.Gtin)
	return bi, nil
}

// OfferArgs describe a seller's price proposal.
type OfferArgs struct {
	URL           string
	PublicPrice   uint64
	OfferPrice    uint64
	ShippingPrice uint64
	Mint          custody.Asset
}

// CreateOffer publishes an offer of signer against the intent at key
// intent, which must be Published. Its id is the current offer counter,
// which is incremented.
func (p *Processor) CreateOffer(ctx context.Context, signer identity.Identity, intent address.ID,
	args OfferArgs) (*state.Offer, error) {
	const ins = InsCreateOffer
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkText(args.URL, state.MaxURLLen, false); err != nil {
		return nil, fail(ins, "url", err)
	}
	if args.OfferPrice == 0 {
		return nil, failf(ins, "offer_price", ErrInvalidInput, "must be positive")
	}
	if args.Mint == (custody.Asset{}) {
		return nil, failf(ins, "mint", ErrInvalidInput, "no settlement asset")
	}

	b := state.NewBatch()
	r := state.NewReader(p.store, b)
	bi, err := r.BuyingIntent(ctx, intent)
	if err != nil {
		return nil, fail(ins, "buying_intent", err)
	}
	if bi.State != state.IntentPublished {
		return nil, failf(ins, "buying_intent", ErrInvalidState, "intent is %s", bi.State)
	}
	cfg, err := r.Config(ctx)
	if err != nil {
		return nil, fail(ins, "config", err)
	}
	id := cfg.OfferCounter
	if id+1 == 0 {
		return nil, fail(ins, "offer_counter", custody.ErrOverflow)
	}
	cfg.OfferCounter++

	o := &state.Offer{
		ID:            id,
		BuyingIntent:  intent,
		Seller:        signer,
		URL:           args.URL,
		PublicPrice:   args.PublicPrice,
		OfferPrice:    args.OfferPrice,
		ShippingPrice: args.ShippingPrice,
		Mint:          args.Mint,
		State:         state.OfferPublished,
	}
	if _, ok := o.Total(); !ok {
		return nil, fail(ins, "shipping_price", custody.ErrOverflow)
	}
	if err := b.Create(o.Address(), o); err != nil {
		return nil, fail(ins, "offer", err)
	}
	if err := b.Update(address.Config(), cfg); err != nil {
		return nil, fail(ins, "config", err)
	}
	if err := p.commit(ctx, b); err != nil {
		return nil, fail(ins, "offer", err)
	}
	log.Lvl3("seller", signer, "offered", args.OfferPrice, "+", args.ShippingPrice, "on intent", intent)
	return o, nil
}
