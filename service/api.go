package service

import (
	"errors"
	"sync"
	"time"

	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
)

// Client is a structure to communicate with the bestoffer service of one
// node. Instructions are signed with the client's keypair and must go to
// the leader. Reads can go to any node.
type Client struct {
	*onet.Client
	dst *network.ServerIdentity
	kp  *identity.Keypair

	mu    sync.Mutex
	nonce uint64
}

// NewClient returns a client talking to dst and signing with kp. A client
// without keypair can only read.
func NewClient(dst *network.ServerIdentity, kp *identity.Keypair) *Client {
	return &Client{
		Client: onet.NewClient(cothority.Suite, ServiceName),
		dst:    dst,
		kp:     kp,
	}
}

// nextNonce returns a nonce above the previous one, based on the clock so
// that a restarted client doesn't reuse nonces.
func (c *Client) nextNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint64(time.Now().UnixNano())
	if n <= c.nonce {
		n = c.nonce + 1
	}
	c.nonce = n
	return n
}

func (c *Client) signAndSend(req request, reply interface{}) error {
	if c.kp == nil {
		return errors.New("this client has no keypair")
	}
	if err := sign(c.kp, req, c.nextNonce()); err != nil {
		return err
	}
	log.Lvl4("Sending", req, "to", c.dst)
	return c.SendProtobuf(c.dst, req, reply)
}

// CreateConfig creates the configuration with the client as admin. A nil
// feeBps keeps the default fee. With a roster, the node becomes its leader.
func (c *Client) CreateConfig(r *onet.Roster, feeBps *uint32) (*state.Config, error) {
	reply := &ConfigReply{}
	if err := c.signAndSend(&CreateConfig{Roster: r, FeeBps: feeBps}, reply); err != nil {
		return nil, err
	}
	return reply.Config, reply.Failure.err()
}

// CreateTreasury creates the treasury.
func (c *Client) CreateTreasury() (*state.Treasury, error) {
	reply := &TreasuryReply{}
	if err := c.signAndSend(&CreateTreasury{}, reply); err != nil {
		return nil, err
	}
	return reply.Treasury, reply.Failure.err()
}

// CreateBuyingIntent publishes a buying intent.
func (c *Client) CreateBuyingIntent(args bestoffer.BuyingIntentArgs) (*state.BuyingIntent, error) {
	reply := &BuyingIntentReply{}
	if err := c.signAndSend(&CreateBuyingIntent{Args: args}, reply); err != nil {
		return nil, err
	}
	return reply.BuyingIntent, reply.Failure.err()
}

// CreateOffer answers the buying intent at intent.
func (c *Client) CreateOffer(intent address.ID, args bestoffer.OfferArgs) (*state.Offer, error) {
	reply := &OfferReply{}
	if err := c.signAndSend(&CreateOffer{BuyingIntent: intent, Args: args}, reply); err != nil {
		return nil, err
	}
	return reply.Offer, reply.Failure.err()
}

// AcceptOffer accepts an offer. args.Delivery is usually built with
// confidential.Seal.
func (c *Client) AcceptOffer(args bestoffer.AcceptOfferArgs) (*state.BuyingIntent, error) {
	reply := &BuyingIntentReply{}
	if err := c.signAndSend(&AcceptOffer{Args: args}, reply); err != nil {
		return nil, err
	}
	return reply.BuyingIntent, reply.Failure.err()
}

// CreateTrackingDetails records the shipment of the accepted offer.
func (c *Client) CreateTrackingDetails(intent address.ID, args bestoffer.TrackingArgs) (*state.TrackingDetails, error) {
	reply := &TrackingDetailsReply{}
	if err := c.signAndSend(&CreateTrackingDetails{BuyingIntent: intent, Args: args}, reply); err != nil {
		return nil, err
	}
	return reply.TrackingDetails, reply.Failure.err()
}

// AcceptDelivery releases the escrow to the seller and the treasury.
func (c *Client) AcceptDelivery(intent address.ID) (*custody.Settlement, error) {
	reply := &AcceptDeliveryReply{}
	if err := c.signAndSend(&AcceptDelivery{BuyingIntent: intent}, reply); err != nil {
		return nil, err
	}
	return reply.Settlement, reply.Failure.err()
}

// CancelBuyingIntent withdraws a published intent.
func (c *Client) CancelBuyingIntent(intent address.ID) (*state.BuyingIntent, error) {
	reply := &BuyingIntentReply{}
	if err := c.signAndSend(&CancelBuyingIntent{BuyingIntent: intent}, reply); err != nil {
		return nil, err
	}
	return reply.BuyingIntent, reply.Failure.err()
}

// CancelOffer withdraws a published offer.
func (c *Client) CancelOffer(offer address.ID) (*state.Offer, error) {
	reply := &OfferReply{}
	if err := c.signAndSend(&CancelOffer{Offer: offer}, reply); err != nil {
		return nil, err
	}
	return reply.Offer, reply.Failure.err()
}

// OpenDispute flags an accepted intent.
func (c *Client) OpenDispute(intent address.ID) (*state.BuyingIntent, error) {
	reply := &BuyingIntentReply{}
	if err := c.signAndSend(&OpenDispute{BuyingIntent: intent}, reply); err != nil {
		return nil, err
	}
	return reply.BuyingIntent, reply.Failure.err()
}

// Config reads the configuration.
func (c *Client) Config() (*state.Config, error) {
	reply := &ConfigReply{}
	if err := c.SendProtobuf(c.dst, &GetConfig{}, reply); err != nil {
		return nil, err
	}
	return reply.Config, reply.Failure.err()
}

// Treasury reads the treasury.
func (c *Client) Treasury() (*state.Treasury, error) {
	reply := &TreasuryReply{}
	if err := c.SendProtobuf(c.dst, &GetTreasury{}, reply); err != nil {
		return nil, err
	}
	return reply.Treasury, reply.Failure.err()
}

// BuyingIntent reads a buying intent.
func (c *Client) BuyingIntent(key address.ID) (*state.BuyingIntent, error) {
	reply := &BuyingIntentReply{}
	if err := c.SendProtobuf(c.dst, &GetBuyingIntent{Address: key}, reply); err != nil {
		return nil, err
	}
	return reply.BuyingIntent, reply.Failure.err()
}

// Offer reads an offer.
func (c *Client) Offer(key address.ID) (*state.Offer, error) {
	reply := &OfferReply{}
	if err := c.SendProtobuf(c.dst, &GetOffer{Address: key}, reply); err != nil {
		return nil, err
	}
	return reply.Offer, reply.Failure.err()
}

// DeliveryInformation reads the sealed delivery information of an intent.
func (c *Client) DeliveryInformation(intent address.ID) (*state.EncryptedDeliveryInformation, error) {
	reply := &DeliveryInformationReply{}
	if err := c.SendProtobuf(c.dst, &GetDeliveryInformation{BuyingIntent: intent}, reply); err != nil {
		return nil, err
	}
	return reply.DeliveryInformation, reply.Failure.err()
}

// TrackingDetails reads the tracking details of an intent.
func (c *Client) TrackingDetails(intent address.ID) (*state.TrackingDetails, error) {
	reply := &TrackingDetailsReply{}
	if err := c.SendProtobuf(c.dst, &GetTrackingDetails{BuyingIntent: intent}, reply); err != nil {
		return nil, err
	}
	return reply.TrackingDetails, reply.Failure.err()
}

// Balance reads what owner holds in asset on the node's ledger.
func (c *Client) Balance(owner [32]byte, asset custody.Asset) (custody.Balance, error) {
	reply := &BalanceReply{}
	err := c.SendProtobuf(c.dst, &GetBalance{Owner: owner, Asset: asset}, reply)
	return reply.Balance, err
}

// Vault reads what is locked for an intent.
func (c *Client) Vault(intent address.ID) (custody.Balance, error) {
	reply := &BalanceReply{}
	err := c.SendProtobuf(c.dst, &GetVault{BuyingIntent: intent}, reply)
	return reply.Balance, err
}
