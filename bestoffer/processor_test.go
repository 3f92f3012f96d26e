package bestoffer

import (
	"context"
	"errors"
	"testing"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/confidential"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

const (
	testGtin      = 3544056897834
	publicPrice   = 599000000
	offerPrice    = 400000000
	shippingPrice = 40000000
	funding       = 1000000000
)

var usdc = custody.NewAsset("USDC")

type pTest struct {
	t       *testing.T
	ctx     context.Context
	store   *state.MemoryStore
	ledger  *custody.MemoryLedger
	p       *Processor
	admin   *identity.Keypair
	buyer   *identity.Keypair
	sellers []*identity.Keypair
}

func newPTest(t *testing.T, opts ...Option) *pTest {
	pt := &pTest{
		t:      t,
		ctx:    context.Background(),
		store:  state.NewMemoryStore(),
		ledger: custody.NewMemoryLedger(),
	}
	pt.p = NewProcessor(pt.store, pt.ledger, opts...)
	pt.admin = pt.keypair()
	pt.buyer = pt.keypair()
	for i := 0; i < 2; i++ {
		pt.sellers = append(pt.sellers, pt.keypair())
	}
	require.NoError(t, pt.ledger.Deposit(pt.ledger.AccountOf(pt.buyer.Identity, usdc), funding, usdc))

	_, err := pt.p.CreateConfig(pt.ctx, pt.admin.Identity)
	require.NoError(t, err)
	_, err = pt.p.CreateTreasury(pt.ctx, pt.admin.Identity)
	require.NoError(t, err)
	return pt
}

func (pt *pTest) keypair() *identity.Keypair {
	kp, err := identity.NewKeypair(nil)
	require.NoError(pt.t, err)
	return kp
}

func (pt *pTest) intent() *state.BuyingIntent {
	bi, err := pt.p.CreateBuyingIntent(pt.ctx, pt.buyer.Identity, BuyingIntentArgs{
		Gtin:                testGtin,
		ProductName:         "Focal Bathys MG",
		ShippingCountryCode: "FR",
		Quantity:            1,
	})
	require.NoError(pt.t, err)
	return bi
}

func (pt *pTest) offer(seller *identity.Keypair, intent address.ID) *state.Offer {
	o, err := pt.p.CreateOffer(pt.ctx, seller.Identity, intent, OfferArgs{
		URL:           "https://shop.example/bathys-mg",
		PublicPrice:   publicPrice,
		OfferPrice:    offerPrice,
		ShippingPrice: shippingPrice,
		Mint:          usdc,
	})
	require.NoError(pt.t, err)
	return o
}

func (pt *pTest) sealed(intent address.ID, seller identity.Identity) *state.EncryptedDeliveryInformation {
	enc, err := confidential.Seal(nil, intent, seller, &confidential.DeliveryInformation{
		FirstName:    "Jeanne",
		LastName:     "Martin",
		AddressLine1: "5 rue de la Paix",
		City:         "Paris",
		PostalCode:   "75002",
		CountryCode:  "FR",
	})
	require.NoError(pt.t, err)
	return enc
}

func (pt *pTest) accept(o *state.Offer) error {
	_, err := pt.p.AcceptOffer(pt.ctx, pt.buyer.Identity, AcceptOfferArgs{
		Offer:    o.Address(),
		Asset:    usdc,
		Delivery: pt.sealed(o.BuyingIntent, o.Seller),
	})
	return err
}

func (pt *pTest) balance(owner [32]byte) uint64 {
	b, err := pt.p.Balance(pt.ctx, owner, usdc)
	require.NoError(pt.t, err)
	return b.Amount
}

func (pt *pTest) ship(seller *identity.Keypair, intent address.ID) error {
	_, err := pt.p.CreateTrackingDetails(pt.ctx, seller.Identity, intent, TrackingArgs{
		CarrierName:  "Colissimo",
		TrackingURL:  "https://www.laposte.fr/outils/suivre-vos-envois",
		TrackingCode: "6A12345678901",
	})
	return err
}

func requireKind(t *testing.T, err error, kind ErrorKind, field string) {
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), err.Error())
	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, field, e.Field)
}

func TestProcessor_Scenario(t *testing.T) {
	pt := newPTest(t)
	ctx := pt.ctx
	seller := pt.sellers[0]

	bi := pt.intent()
	require.Equal(t, uint64(0), bi.ID)
	require.Equal(t, state.IntentPublished, bi.State)
	cfg, err := pt.p.Config(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), cfg.BuyingIntentCounter)
	require.Equal(t, uint32(100), cfg.FeeBps)

	o := pt.offer(seller, bi.Address())
	competing := pt.offer(pt.sellers[1], bi.Address())
	require.Equal(t, state.OfferPublished, o.State)

	require.NoError(t, pt.accept(o))
	require.Equal(t, uint64(funding-440000000), pt.balance(pt.buyer.Identity))
	vault, err := pt.p.VaultBalance(ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(440000000), vault.Amount)

	got, err := pt.p.BuyingIntent(ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, state.IntentConfirmed, got.State)
	require.Equal(t, o.Address(), got.AcceptedOffer)

	// Only the accepted seller can read the address.
	enc, err := pt.p.DeliveryInformation(ctx, bi.Address())
	require.NoError(t, err)
	info, err := confidential.Open(seller.PrivateKey(), enc)
	require.NoError(t, err)
	require.Equal(t, "Paris", info.City)
	_, err = confidential.Open(pt.sellers[1].PrivateKey(), enc)
	require.ErrorIs(t, err, confidential.ErrDecrypt)

	requireKind(t, pt.ship(pt.sellers[1], bi.Address()), KindUnauthorized, "seller")
	require.NoError(t, pt.ship(seller, bi.Address()))
	td, err := pt.p.TrackingDetails(ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, "Colissimo", td.CarrierName)

	_, err = pt.p.AcceptDelivery(ctx, seller.Identity, bi.Address())
	requireKind(t, err, KindUnauthorized, "buyer")
	s, err := pt.p.AcceptDelivery(ctx, pt.buyer.Identity, bi.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(4400000), s.Fee)
	require.Equal(t, uint64(435600000), s.Seller)
	require.Equal(t, uint64(4400000), pt.balance(address.Treasury()))
	require.Equal(t, uint64(435600000), pt.balance(seller.Identity))

	got, err = pt.p.BuyingIntent(ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, state.IntentFulfilled, got.State)
	delivered, err := pt.p.Offer(ctx, o.Address())
	require.NoError(t, err)
	require.Equal(t, state.OfferDelivered, delivered.State)
	other, err := pt.p.Offer(ctx, competing.Address())
	require.NoError(t, err)
	require.Equal(t, state.OfferPublished, other.State)

	_, err = pt.p.AcceptDelivery(ctx, pt.buyer.Identity, bi.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")
}

func TestProcessor_Counters(t *testing.T) {
	pt := newPTest(t)
	for i := uint64(0); i < 5; i++ {
		cfg, err := pt.p.Config(pt.ctx)
		require.NoError(t, err)
		require.Equal(t, i, cfg.BuyingIntentCounter)

		bi := pt.intent()
		require.Equal(t, cfg.BuyingIntentCounter, bi.ID)
		require.Equal(t, address.BuyingIntent(pt.buyer.Identity, i), bi.Address())

		o := pt.offer(pt.sellers[0], bi.Address())
		require.Equal(t, cfg.OfferCounter, o.ID)

		after, err := pt.p.Config(pt.ctx)
		require.NoError(t, err)
		require.Equal(t, i+1, after.BuyingIntentCounter)
		require.Equal(t, cfg.OfferCounter+1, after.OfferCounter)
	}

	// A rejected instruction does not consume an id.
	_, err := pt.p.CreateBuyingIntent(pt.ctx, pt.buyer.Identity, BuyingIntentArgs{
		Gtin: testGtin, ProductName: "x", ShippingCountryCode: "fr", Quantity: 1,
	})
	requireKind(t, err, KindInvalidInput, "shipping_country_code")
	cfg, err := pt.p.Config(pt.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), cfg.BuyingIntentCounter)
}

func TestProcessor_AcceptOnce(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	first := pt.offer(pt.sellers[0], bi.Address())
	second := pt.offer(pt.sellers[1], bi.Address())

	require.NoError(t, pt.accept(first))
	requireKind(t, pt.accept(second), KindInvalidState, "buying_intent")
	requireKind(t, pt.accept(first), KindInvalidState, "buying_intent")

	// Only the first lock happened.
	require.Equal(t, uint64(funding-440000000), pt.balance(pt.buyer.Identity))
	o, err := pt.p.Offer(pt.ctx, second.Address())
	require.NoError(t, err)
	require.Equal(t, state.OfferPublished, o.State)

	// Sellers can't place or cancel offers on a confirmed intent.
	_, err = pt.p.CreateOffer(pt.ctx, pt.sellers[1].Identity, bi.Address(), OfferArgs{
		URL: "https://other.example", OfferPrice: 1, Mint: usdc,
	})
	requireKind(t, err, KindInvalidState, "buying_intent")
	_, err = pt.p.CancelOffer(pt.ctx, pt.sellers[1].Identity, second.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")
}

func TestProcessor_Cancelled(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	o := pt.offer(pt.sellers[0], bi.Address())

	_, err := pt.p.CancelBuyingIntent(pt.ctx, pt.sellers[0].Identity, bi.Address())
	requireKind(t, err, KindUnauthorized, "buyer")
	cancelled, err := pt.p.CancelBuyingIntent(pt.ctx, pt.buyer.Identity, bi.Address())
	require.NoError(t, err)
	require.Equal(t, state.IntentCancelled, cancelled.State)

	_, err = pt.p.CreateOffer(pt.ctx, pt.sellers[1].Identity, bi.Address(), OfferArgs{
		URL: "https://other.example", OfferPrice: 1, Mint: usdc,
	})
	requireKind(t, err, KindInvalidState, "buying_intent")
	requireKind(t, pt.accept(o), KindInvalidState, "buying_intent")
	_, err = pt.p.CancelBuyingIntent(pt.ctx, pt.buyer.Identity, bi.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")
	require.Equal(t, uint64(funding), pt.balance(pt.buyer.Identity))
}

func TestProcessor_CancelOffer(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	o := pt.offer(pt.sellers[0], bi.Address())

	_, err := pt.p.CancelOffer(pt.ctx, pt.sellers[1].Identity, o.Address())
	requireKind(t, err, KindUnauthorized, "seller")
	c, err := pt.p.CancelOffer(pt.ctx, pt.sellers[0].Identity, o.Address())
	require.NoError(t, err)
	require.Equal(t, state.OfferCancelled, c.State)

	requireKind(t, pt.accept(o), KindInvalidState, "offer")
	// The intent is untouched and still accepts other offers.
	require.NoError(t, pt.accept(pt.offer(pt.sellers[1], bi.Address())))
}

func TestProcessor_Dispute(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	_, err := pt.p.OpenDispute(pt.ctx, pt.buyer.Identity, bi.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")

	o := pt.offer(pt.sellers[0], bi.Address())
	require.NoError(t, pt.accept(o))
	require.NoError(t, pt.ship(pt.sellers[0], bi.Address()))
	d, err := pt.p.OpenDispute(pt.ctx, pt.buyer.Identity, bi.Address())
	require.NoError(t, err)
	require.Equal(t, state.IntentDisputed, d.State)

	// Funds stay in the vault, delivery can't be accepted anymore.
	_, err = pt.p.AcceptDelivery(pt.ctx, pt.buyer.Identity, bi.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")
	vault, err := pt.p.VaultBalance(pt.ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(440000000), vault.Amount)
}

func TestProcessor_ShipBeforeAccept(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	pt.offer(pt.sellers[0], bi.Address())
	requireKind(t, pt.ship(pt.sellers[0], bi.Address()), KindInvalidState, "buying_intent")

	_, err := pt.p.AcceptDelivery(pt.ctx, pt.buyer.Identity, bi.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")
}

func TestProcessor_ShipTwice(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	require.NoError(t, pt.accept(pt.offer(pt.sellers[0], bi.Address())))
	_, err := pt.p.AcceptDelivery(pt.ctx, pt.buyer.Identity, bi.Address())
	requireKind(t, err, KindInvalidState, "buying_intent")

	require.NoError(t, pt.ship(pt.sellers[0], bi.Address()))
	requireKind(t, pt.ship(pt.sellers[0], bi.Address()), KindInvalidState, "buying_intent")
}

func TestProcessor_CreateConfigTwice(t *testing.T) {
	pt := newPTest(t)
	pt.intent()
	before, err := pt.store.Get(pt.ctx, address.Config())
	require.NoError(t, err)

	_, err = pt.p.CreateConfig(pt.ctx, pt.buyer.Identity)
	requireKind(t, err, KindAlreadyExists, "config")
	after, err := pt.store.Get(pt.ctx, address.Config())
	require.NoError(t, err)
	require.Equal(t, before, after)

	_, err = pt.p.CreateTreasury(pt.ctx, pt.admin.Identity)
	requireKind(t, err, KindAlreadyExists, "treasury")
}

func TestProcessor_TreasuryNeedsAdmin(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(state.NewMemoryStore(), custody.NewMemoryLedger())
	admin, err := identity.NewKeypair(nil)
	require.NoError(t, err)
	other, err := identity.NewKeypair(nil)
	require.NoError(t, err)

	_, err = p.CreateTreasury(ctx, admin.Identity)
	requireKind(t, err, KindNotFound, "config")
	_, err = p.CreateConfig(ctx, admin.Identity)
	require.NoError(t, err)
	_, err = p.CreateTreasury(ctx, other.Identity)
	requireKind(t, err, KindUnauthorized, "admin")
	_, err = p.CreateTreasury(ctx, admin.Identity)
	require.NoError(t, err)
}

func TestProcessor_FailedLockChangesNothing(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	o, err := pt.p.CreateOffer(pt.ctx, pt.sellers[0].Identity, bi.Address(), OfferArgs{
		URL:        "https://shop.example/expensive",
		OfferPrice: funding + 1,
		Mint:       usdc,
	})
	require.NoError(t, err)
	before := pt.store.Len()

	requireKind(t, pt.accept(o), KindInsufficientFunds, "amount")
	require.Equal(t, before, pt.store.Len())
	_, err = pt.p.DeliveryInformation(pt.ctx, bi.Address())
	require.ErrorIs(t, err, state.ErrNotFound)
	got, err := pt.p.BuyingIntent(pt.ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, state.IntentPublished, got.State)

	// Paying in another asset is refused too.
	eurc := custody.NewAsset("EURC")
	_, err = pt.p.AcceptOffer(pt.ctx, pt.buyer.Identity, AcceptOfferArgs{
		Offer:    pt.offer(pt.sellers[1], bi.Address()).Address(),
		Asset:    eurc,
		Delivery: pt.sealed(bi.Address(), pt.sellers[1].Identity),
	})
	requireKind(t, err, KindAssetMismatch, "amount")
	require.Equal(t, uint64(funding), pt.balance(pt.buyer.Identity))
}

func TestProcessor_AcceptOfferChecks(t *testing.T) {
	pt := newPTest(t)
	bi := pt.intent()
	o := pt.offer(pt.sellers[0], bi.Address())

	_, err := pt.p.AcceptOffer(pt.ctx, pt.sellers[0].Identity, AcceptOfferArgs{
		Offer: o.Address(), Asset: usdc, Delivery: pt.sealed(bi.Address(), o.Seller),
	})
	requireKind(t, err, KindUnauthorized, "buyer")

	_, err = pt.p.AcceptOffer(pt.ctx, pt.buyer.Identity, AcceptOfferArgs{Offer: o.Address(), Asset: usdc})
	requireKind(t, err, KindInvalidInput, "delivery_information")

	enc := pt.sealed(bi.Address(), o.Seller)
	enc.Nonce = enc.Nonce[:12]
	_, err = pt.p.AcceptOffer(pt.ctx, pt.buyer.Identity, AcceptOfferArgs{
		Offer: o.Address(), Asset: usdc, Delivery: enc,
	})
	requireKind(t, err, KindInvalidInput, "delivery_information")

	_, err = pt.p.AcceptOffer(pt.ctx, pt.buyer.Identity, AcceptOfferArgs{
		Offer: address.Offer(bi.Address(), pt.sellers[0].Identity, 99), Asset: usdc,
	})
	requireKind(t, err, KindNotFound, "offer")
}

func TestProcessor_InputValidation(t *testing.T) {
	pt := newPTest(t)
	long := make([]byte, state.MaxProductNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	code := "CAL1"
	for _, tc := range []struct {
		args  BuyingIntentArgs
		field string
	}{
		{BuyingIntentArgs{Gtin: 3544056897835, ProductName: "x", ShippingCountryCode: "FR", Quantity: 1}, "gtin"},
		{BuyingIntentArgs{Gtin: 42, ProductName: "x", ShippingCountryCode: "FR", Quantity: 1}, "gtin"},
		{BuyingIntentArgs{Gtin: testGtin, ProductName: "", ShippingCountryCode: "FR", Quantity: 1}, "product_name"},
		{BuyingIntentArgs{Gtin: testGtin, ProductName: string(long), ShippingCountryCode: "FR", Quantity: 1}, "product_name"},
		{BuyingIntentArgs{Gtin: testGtin, ProductName: "x", ShippingCountryCode: "FRA", Quantity: 1}, "shipping_country_code"},
		{BuyingIntentArgs{Gtin: testGtin, ProductName: "x", ShippingCountryCode: "US", ShippingStateCode: &code, Quantity: 1}, "shipping_state_code"},
		{BuyingIntentArgs{Gtin: testGtin, ProductName: "x", ShippingCountryCode: "FR"}, "quantity"},
	} {
		_, err := pt.p.CreateBuyingIntent(pt.ctx, pt.buyer.Identity, tc.args)
		requireKind(t, err, KindInvalidInput, tc.field)
	}

	bi := pt.intent()
	_, err := pt.p.CreateOffer(pt.ctx, pt.sellers[0].Identity, bi.Address(), OfferArgs{
		URL: "https://x.example", OfferPrice: ^uint64(0), ShippingPrice: 1, Mint: usdc,
	})
	requireKind(t, err, KindArithmeticOverflow, "shipping_price")
	_, err = pt.p.CreateOffer(pt.ctx, pt.sellers[0].Identity, bi.Address(), OfferArgs{
		URL: "https://x.example", OfferPrice: 10,
	})
	requireKind(t, err, KindInvalidInput, "mint")
}

func TestProcessor_CommitHook(t *testing.T) {
	var batches []*state.Batch
	pt := newPTest(t, WithCommitHook(func(b *state.Batch) {
		batches = append(batches, b)
	}))
	// config and treasury
	require.Len(t, batches, 2)

	replica := state.NewMemoryStore()
	for _, b := range batches {
		require.NoError(t, replica.Apply(pt.ctx, b.Replay()))
	}
	bi := pt.intent()
	_, err := pt.p.CreateConfig(pt.ctx, pt.admin.Identity)
	require.Error(t, err)
	require.Len(t, batches, 3)
	require.NoError(t, replica.Apply(pt.ctx, batches[2].Replay()))

	got, err := state.NewReader(replica, nil).BuyingIntent(pt.ctx, bi.Address())
	require.NoError(t, err)
	require.Equal(t, bi, got)
}

func TestProcessor_Params(t *testing.T) {
	pt := newPTest(t, WithParams(Params{FeeBps: 250}))
	cfg, err := pt.p.Config(pt.ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(250), cfg.FeeBps)

	p := NewProcessor(state.NewMemoryStore(), custody.NewMemoryLedger(), WithParams(Params{FeeBps: 10001}))
	_, err = p.CreateConfig(pt.ctx, pt.admin.Identity)
	requireKind(t, err, KindInvalidInput, "fee_bps")
}
