package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/confidential"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
)

var tSuite = suites.MustFind("Ed25519")

var usdc = custody.NewAsset("USDC")

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type sTest struct {
	t        *testing.T
	local    *onet.LocalTest
	roster   *onet.Roster
	services []*Service
	admin    *Client
	buyer    *Client
	seller   *Client
	buyerKp  *identity.Keypair
	sellerKp *identity.Keypair
}

func newSTest(t *testing.T, nbr int) *sTest {
	st := &sTest{t: t, local: onet.NewTCPTest(tSuite)}
	var hosts []*onet.Server
	hosts, st.roster, _ = st.local.GenTree(nbr, true)
	for _, s := range st.local.GetServices(hosts, bestOfferID) {
		st.services = append(st.services, s.(*Service))
	}

	leader := st.roster.List[0]
	st.admin = NewClient(leader, st.keypair())
	st.buyerKp = st.keypair()
	st.buyer = NewClient(leader, st.buyerKp)
	st.sellerKp = st.keypair()
	st.seller = NewClient(leader, st.sellerKp)

	ledger := st.services[0].Ledger()
	require.NoError(t, ledger.Deposit(ledger.AccountOf(st.buyerKp.Identity, usdc), 1000000000, usdc))
	return st
}

func (st *sTest) Close() {
	st.local.CloseAll()
}

func (st *sTest) keypair() *identity.Keypair {
	kp, err := identity.NewKeypair(nil)
	require.NoError(st.t, err)
	return kp
}

func (st *sTest) setup() {
	_, err := st.admin.CreateConfig(st.roster, nil)
	require.NoError(st.t, err)
	_, err = st.admin.CreateTreasury()
	require.NoError(st.t, err)
}

func (st *sTest) intentAndOffer() (*state.BuyingIntent, *state.Offer) {
	bi, err := st.buyer.CreateBuyingIntent(bestoffer.BuyingIntentArgs{
		Gtin:                3544056897834,
		ProductName:         "Focal Bathys MG",
		ShippingCountryCode: "FR",
		Quantity:            1,
	})
	require.NoError(st.t, err)
	o, err := st.seller.CreateOffer(bi.Address(), bestoffer.OfferArgs{
		URL:           "https://shop.example/bathys-mg",
		PublicPrice:   599000000,
		OfferPrice:    400000000,
		ShippingPrice: 40000000,
		Mint:          usdc,
	})
	require.NoError(st.t, err)
	return bi, o
}

func (st *sTest) acceptArgs(o *state.Offer) bestoffer.AcceptOfferArgs {
	enc, err := confidential.Seal(nil, o.BuyingIntent, o.Seller, &confidential.DeliveryInformation{
		FirstName:    "Jeanne",
		LastName:     "Martin",
		AddressLine1: "5 rue de la Paix",
		City:         "Paris",
		PostalCode:   "75002",
		CountryCode:  "FR",
	})
	require.NoError(st.t, err)
	return bestoffer.AcceptOfferArgs{Offer: o.Address(), Asset: usdc, Delivery: enc}
}

// waitReplicated waits until the node of cl holds the intent in the given
// state.
func (st *sTest) waitReplicated(cl *Client, intent address.ID, want state.BuyingIntentState) {
	require.Eventually(st.t, func() bool {
		got, err := cl.BuyingIntent(intent)
		return err == nil && got.State == want
	}, 5*time.Second, 20*time.Millisecond, "intent not replicated as %s", want)
}

func TestService_Scenario(t *testing.T) {
	st := newSTest(t, 3)
	defer st.Close()
	st.setup()

	bi, o := st.intentAndOffer()
	_, err := st.buyer.AcceptOffer(st.acceptArgs(o))
	require.NoError(t, err)
	vault, err := st.buyer.Vault(bi.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(440000000), vault.Amount)

	_, err = st.seller.CreateTrackingDetails(bi.Address(), bestoffer.TrackingArgs{
		CarrierName:  "Colissimo",
		TrackingCode: "6A12345678901",
	})
	require.NoError(t, err)
	s, err := st.buyer.AcceptDelivery(bi.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(4400000), s.Fee)
	require.Equal(t, uint64(435600000), s.Seller)

	b, err := st.seller.Balance(st.sellerKp.Identity, usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(435600000), b.Amount)
	b, err = st.seller.Balance(address.Treasury(), usdc)
	require.NoError(t, err)
	require.Equal(t, uint64(4400000), b.Amount)

	// Every replica answers reads with the committed state.
	for _, si := range st.roster.List[1:] {
		reader := NewClient(si, nil)
		st.waitReplicated(reader, bi.Address(), state.IntentFulfilled)
		got, err := reader.BuyingIntent(bi.Address())
		require.NoError(t, err)
		require.Equal(t, o.Address(), got.AcceptedOffer)
		offer, err := reader.Offer(o.Address())
		require.NoError(t, err)
		require.Equal(t, state.OfferDelivered, offer.State)
		td, err := reader.TrackingDetails(bi.Address())
		require.NoError(t, err)
		require.Equal(t, "Colissimo", td.CarrierName)

		enc, err := reader.DeliveryInformation(bi.Address())
		require.NoError(t, err)
		info, err := confidential.Open(st.sellerKp.PrivateKey(), enc)
		require.NoError(t, err)
		require.Equal(t, "Paris", info.City)
	}
}

func TestService_Failures(t *testing.T) {
	st := newSTest(t, 3)
	defer st.Close()

	_, err := st.buyer.Config()
	require.True(t, errors.Is(err, state.ErrNotFound))
	st.setup()

	_, err = st.buyer.CreateTreasury()
	require.True(t, errors.Is(err, bestoffer.ErrUnauthorized), err)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, bestoffer.KindUnauthorized, remote.Kind)
	_, err = st.admin.CreateTreasury()
	require.True(t, errors.Is(err, state.ErrAlreadyExists), err)

	bi, o := st.intentAndOffer()
	_, err = st.seller.CancelBuyingIntent(bi.Address())
	require.True(t, errors.Is(err, bestoffer.ErrUnauthorized), err)
	_, err = st.buyer.CreateTrackingDetails(bi.Address(), bestoffer.TrackingArgs{
		CarrierName:  "Colissimo",
		TrackingCode: "6A12345678901",
	})
	require.True(t, errors.Is(err, bestoffer.ErrInvalidState), err)

	// A buyer without funds can't accept.
	poor := NewClient(st.roster.List[0], st.keypair())
	bi2, err := poor.CreateBuyingIntent(bestoffer.BuyingIntentArgs{
		Gtin:                3544056897834,
		ProductName:         "Focal Bathys MG",
		ShippingCountryCode: "FR",
		Quantity:            1,
	})
	require.NoError(t, err)
	o2, err := st.seller.CreateOffer(bi2.Address(), bestoffer.OfferArgs{
		URL:        "https://shop.example/bathys-mg",
		OfferPrice: 400000000,
		Mint:       usdc,
	})
	require.NoError(t, err)
	_, err = poor.AcceptOffer(st.acceptArgs(o2))
	require.True(t, errors.Is(err, custody.ErrInsufficientFunds), err)

	// Replicas refuse writes once they know the leader.
	replica := NewClient(st.roster.List[1], st.buyerKp)
	st.waitReplicated(replica, bi.Address(), state.IntentPublished)
	_, err = replica.AcceptOffer(st.acceptArgs(o))
	require.Error(t, err)
	var notRemote *RemoteError
	require.False(t, errors.As(err, &notRemote))

	_, err = st.buyer.CancelBuyingIntent(bi.Address())
	require.NoError(t, err)
	st.waitReplicated(replica, bi.Address(), state.IntentCancelled)
}

func TestService_Authentication(t *testing.T) {
	st := newSTest(t, 1)
	defer st.Close()
	st.setup()
	s := st.services[0]

	req := &CreateBuyingIntent{Args: bestoffer.BuyingIntentArgs{
		Gtin:                3544056897834,
		ProductName:         "Focal Bathys MG",
		ShippingCountryCode: "FR",
		Quantity:            1,
	}}
	require.NoError(t, sign(st.buyerKp, req, 1))
	reply, err := s.CreateBuyingIntent(req)
	require.NoError(t, err)
	require.Nil(t, reply.Failure)
	bi := reply.BuyingIntent
	require.Equal(t, st.buyerKp.Identity, bi.Buyer)

	// Replaying the same request is refused.
	reply, err = s.CreateBuyingIntent(req)
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	require.Equal(t, int32(bestoffer.KindUnauthorized), reply.Failure.Kind)

	// So is a request whose content changed after signing.
	require.NoError(t, sign(st.buyerKp, req, 2))
	req.Args.Quantity = 2
	reply, err = s.CreateBuyingIntent(req)
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	require.Equal(t, int32(bestoffer.KindUnauthorized), reply.Failure.Kind)

	// A signature doesn't carry over to another request type.
	cancel := &CancelBuyingIntent{BuyingIntent: bi.Address()}
	cancel.Auth = req.Auth
	cr, err := s.CancelBuyingIntent(cancel)
	require.NoError(t, err)
	require.Equal(t, int32(bestoffer.KindUnauthorized), cr.Failure.Kind)

	cfg, err := st.buyer.Config()
	require.NoError(t, err)
	require.Equal(t, uint64(1), cfg.BuyingIntentCounter)
}

func TestService_NoncesSurviveRestart(t *testing.T) {
	st := newSTest(t, 1)
	defer st.Close()
	st.setup()
	s := st.services[0]

	req := &CreateBuyingIntent{Args: bestoffer.BuyingIntentArgs{
		Gtin:                3544056897834,
		ProductName:         "Focal Bathys MG",
		ShippingCountryCode: "FR",
		Quantity:            1,
	}}
	require.NoError(t, sign(st.buyerKp, req, 10))
	reply, err := s.CreateBuyingIntent(req)
	require.NoError(t, err)
	require.Nil(t, reply.Failure)

	// A service started again on the same context remembers the nonce.
	restarted, err := newService(s.Context)
	require.NoError(t, err)
	s2 := restarted.(*Service)
	defer s2.TestClose()
	reply, err = s2.CreateBuyingIntent(req)
	require.NoError(t, err)
	require.NotNil(t, reply.Failure)
	require.Equal(t, int32(bestoffer.KindUnauthorized), reply.Failure.Kind)

	require.NoError(t, sign(st.buyerKp, req, 11))
	reply, err = s2.CreateBuyingIntent(req)
	require.NoError(t, err)
	require.Nil(t, reply.Failure)

	cfg, err := s2.Processor().Config(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), cfg.BuyingIntentCounter)
}

func TestService_FeeBps(t *testing.T) {
	st := newSTest(t, 1)
	defer st.Close()

	fee := uint32(10001)
	_, err := st.admin.CreateConfig(nil, &fee)
	require.True(t, errors.Is(err, bestoffer.ErrInvalidInput), err)
	fee = 250
	cfg, err := st.admin.CreateConfig(nil, &fee)
	require.NoError(t, err)
	require.Equal(t, uint32(250), cfg.FeeBps)
	_, err = st.admin.CreateConfig(nil, nil)
	require.True(t, errors.Is(err, state.ErrAlreadyExists), err)
}

// Tests a 2, 5 and 13-node system. It is good practice to test different
// sizes of trees to make sure your protocol is stable.
func TestReplicateProtocol(t *testing.T) {
	nodes := []int{2, 5, 13}
	for _, nbrNodes := range nodes {
		local := onet.NewLocalTest(tSuite)
		_, _, tree := local.GenTree(nbrNodes, true)
		log.Lvl3(tree.Dump())

		pi, err := local.StartProtocol(ReplicateProtocolName, tree)
		require.NoError(t, err)
		protocol := pi.(*ReplicateProtocol)
		timeout := network.WaitRetry * time.Duration(network.MaxRetryConnect*nbrNodes*2) * time.Millisecond
		select {
		case applied := <-protocol.Acked:
			require.Equal(t, nbrNodes, applied)
		case <-time.After(timeout):
			t.Fatal("Didn't finish in time")
		}
		local.CloseAll()
	}
}
