// Package service runs the marketplace as an onet service.
//
// Write requests are signed by the acting identity and executed by a
// bestoffer.Processor over a bbolt bucket of the node. The node that
// created the configuration is the leader. Every batch it commits is
// replicated to the other nodes of its roster with the BestOfferReplicate
// protocol, which can then answer reads.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
)

// Used for tests
var bestOfferID onet.ServiceID

func init() {
	var err error
	bestOfferID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

var storageKey = []byte("storage")

// ReplicateTimeout bounds how long the replication of one batch waits for
// its replicas.
var ReplicateTimeout = 10 * time.Second

// Service is the bestoffer service.
type Service struct {
	*onet.ServiceProcessor

	store  *state.BoltStore
	ledger *custody.MemoryLedger
	proc   *bestoffer.Processor

	mu      sync.Mutex
	storage *storage
	nonces  *nonceStore

	// committed batches waiting to be pushed to the replicas, in commit
	// order
	queue     chan *state.Batch
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// replicateQueueSize bounds the batches committed but not yet pushed. A
// full queue holds the next commit back.
const replicateQueueSize = 256

// Ledger returns the token ledger the node's escrow works on. Funding
// accounts is up to the operator. The ledger only lives in memory: a
// restart of the node loses every balance, including the funds escrowed in
// the vaults of confirmed intents.
func (s *Service) Ledger() *custody.MemoryLedger {
	return s.ledger
}

// Processor returns the processor executing the requests.
func (s *Service) Processor() *bestoffer.Processor {
	return s.proc
}

func (s *Service) isLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage.Leader == nil || s.storage.Leader.Equal(s.ServerIdentity())
}

// authenticate checks the signature and the nonce of a write request.
func (s *Service) authenticate(req request) (identity.Identity, error) {
	if !s.isLeader() {
		return identity.Zero, errors.New("this node is a replica, send writes to the leader")
	}
	if err := verify(req); err != nil {
		return identity.Zero, fmt.Errorf("%w: %v", bestoffer.ErrUnauthorized, err)
	}
	a := req.auth()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.nonces.advance(a.Signer, a.Nonce); err != nil {
		if errors.Is(err, errNonceUsed) {
			return identity.Zero, fmt.Errorf("%w: nonce %d: %v", bestoffer.ErrUnauthorized, a.Nonce, err)
		}
		return identity.Zero, err
	}
	return a.Signer, nil
}

// CreateConfig creates the configuration and makes this node the leader
// of req.Roster.
func (s *Service) CreateConfig(req *CreateConfig) (*ConfigReply, error) {
	signer, err := s.authenticate(req)
	if err != nil {
		return s.configReply(nil, err)
	}
	params := bestoffer.DefaultParams()
	if req.FeeBps != nil {
		params.FeeBps = *req.FeeBps
	}
	if req.Roster != nil {
		if i, _ := req.Roster.Search(s.ServerIdentity().ID); i < 0 {
			return nil, errors.New("this node is not in the roster")
		}
	}

	s.mu.Lock()
	old := *s.storage
	s.storage.Roster = req.Roster
	s.mu.Unlock()

	cfg, err := s.proc.CreateConfigWithParams(context.Background(), signer, params)
	s.mu.Lock()
	if err != nil {
		*s.storage = old
	} else if req.Roster != nil {
		s.storage.Leader = s.ServerIdentity()
	}
	s.mu.Unlock()
	if err == nil {
		err = s.save()
	}
	return s.configReply(cfg, err)
}

func (s *Service) configReply(cfg *state.Config, err error) (*ConfigReply, error) {
	reply := &ConfigReply{Config: cfg}
	reply.Failure, err = failure(err)
	return reply, err
}

// CreateTreasury creates the treasury.
func (s *Service) CreateTreasury(req *CreateTreasury) (*TreasuryReply, error) {
	signer, err := s.authenticate(req)
	reply := &TreasuryReply{}
	if err == nil {
		reply.Treasury, err = s.proc.CreateTreasury(context.Background(), signer)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// CreateBuyingIntent publishes a buying intent.
func (s *Service) CreateBuyingIntent(req *CreateBuyingIntent) (*BuyingIntentReply, error) {
	signer, err := s.authenticate(req)
	reply := &BuyingIntentReply{}
	if err == nil {
		reply.BuyingIntent, err = s.proc.CreateBuyingIntent(context.Background(), signer, req.Args)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// CreateOffer answers a buying intent.
func (s *Service) CreateOffer(req *CreateOffer) (*OfferReply, error) {
	signer, err := s.authenticate(req)
	reply := &OfferReply{}
	if err == nil {
		reply.Offer, err = s.proc.CreateOffer(context.Background(), signer, req.BuyingIntent, req.Args)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// AcceptOffer locks the offer total in escrow.
func (s *Service) AcceptOffer(req *AcceptOffer) (*BuyingIntentReply, error) {
	signer, err := s.authenticate(req)
	reply := &BuyingIntentReply{}
	if err == nil {
		reply.BuyingIntent, err = s.proc.AcceptOffer(context.Background(), signer, req.Args)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// CreateTrackingDetails records the shipment.
func (s *Service) CreateTrackingDetails(req *CreateTrackingDetails) (*TrackingDetailsReply, error) {
	signer, err := s.authenticate(req)
	reply := &TrackingDetailsReply{}
	if err == nil {
		reply.TrackingDetails, err = s.proc.CreateTrackingDetails(context.Background(), signer,
			req.BuyingIntent, req.Args)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// AcceptDelivery settles the escrow.
func (s *Service) AcceptDelivery(req *AcceptDelivery) (*AcceptDeliveryReply, error) {
	signer, err := s.authenticate(req)
	reply := &AcceptDeliveryReply{}
	if err == nil {
		reply.Settlement, err = s.proc.AcceptDelivery(context.Background(), signer, req.BuyingIntent)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// CancelBuyingIntent withdraws a published intent.
func (s *Service) CancelBuyingIntent(req *CancelBuyingIntent) (*BuyingIntentReply, error) {
	signer, err := s.authenticate(req)
	reply := &BuyingIntentReply{}
	if err == nil {
		reply.BuyingIntent, err = s.proc.CancelBuyingIntent(context.Background(), signer, req.BuyingIntent)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// CancelOffer withdraws a published offer.
func (s *Service) CancelOffer(req *CancelOffer) (*OfferReply, error) {
	signer, err := s.authenticate(req)
	reply := &OfferReply{}
	if err == nil {
		reply.Offer, err = s.proc.CancelOffer(context.Background(), signer, req.Offer)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// OpenDispute flags an accepted intent.
func (s *Service) OpenDispute(req *OpenDispute) (*BuyingIntentReply, error) {
	signer, err := s.authenticate(req)
	reply := &BuyingIntentReply{}
	if err == nil {
		reply.BuyingIntent, err = s.proc.OpenDispute(context.Background(), signer, req.BuyingIntent)
	}
	reply.Failure, err = failure(err)
	return reply, err
}

// GetConfig reads the configuration.
func (s *Service) GetConfig(req *GetConfig) (*ConfigReply, error) {
	return s.configReply(s.proc.Config(context.Background()))
}

// GetTreasury reads the treasury.
func (s *Service) GetTreasury(req *GetTreasury) (*TreasuryReply, error) {
	t, err := s.proc.Treasury(context.Background())
	reply := &TreasuryReply{Treasury: t}
	reply.Failure, err = failure(err)
	return reply, err
}

// GetBuyingIntent reads a buying intent.
func (s *Service) GetBuyingIntent(req *GetBuyingIntent) (*BuyingIntentReply, error) {
	bi, err := s.proc.BuyingIntent(context.Background(), req.Address)
	reply := &BuyingIntentReply{BuyingIntent: bi}
	reply.Failure, err = failure(err)
	return reply, err
}

// GetOffer reads an offer.
func (s *Service) GetOffer(req *GetOffer) (*OfferReply, error) {
	o, err := s.proc.Offer(context.Background(), req.Address)
	reply := &OfferReply{Offer: o}
	reply.Failure, err = failure(err)
	return reply, err
}

// GetDeliveryInformation reads sealed delivery information. Only the
// seller of the accepted offer can open it.
func (s *Service) GetDeliveryInformation(req *GetDeliveryInformation) (*DeliveryInformationReply, error) {
	d, err := s.proc.DeliveryInformation(context.Background(), req.BuyingIntent)
	reply := &DeliveryInformationReply{DeliveryInformation: d}
	reply.Failure, err = failure(err)
	return reply, err
}

// GetTrackingDetails reads tracking details.
func (s *Service) GetTrackingDetails(req *GetTrackingDetails) (*TrackingDetailsReply, error) {
	td, err := s.proc.TrackingDetails(context.Background(), req.BuyingIntent)
	reply := &TrackingDetailsReply{TrackingDetails: td}
	reply.Failure, err = failure(err)
	return reply, err
}

// GetBalance reads a balance of the node's ledger.
func (s *Service) GetBalance(req *GetBalance) (*BalanceReply, error) {
	b, err := s.proc.Balance(context.Background(), req.Owner, req.Asset)
	if err != nil {
		return nil, err
	}
	return &BalanceReply{Balance: b}, nil
}

// GetVault reads the vault of an intent.
func (s *Service) GetVault(req *GetVault) (*BalanceReply, error) {
	b, err := s.proc.VaultBalance(context.Background(), req.BuyingIntent)
	if err != nil {
		return nil, err
	}
	return &BalanceReply{Balance: b}, nil
}

// enqueue is the commit hook of the leader. It runs under the processor
// lock, so batches are queued in commit order.
func (s *Service) enqueue(b *state.Batch) {
	select {
	case s.queue <- b.Replay():
	case <-s.closing:
		log.Lvl2("service is closing, batch not replicated")
	}
}

// replicateLoop pushes the queued batches one after the other, so that a
// slow replica delays replication but not the commits.
func (s *Service) replicateLoop() {
	defer close(s.done)
	for {
		select {
		case b := <-s.queue:
			s.replicate(b)
		case <-s.closing:
			return
		}
	}
}

// replicate sends b down a tree rooted at this node and waits until the
// replicas acknowledged it or ReplicateTimeout passed.
func (s *Service) replicate(b *state.Batch) {
	s.mu.Lock()
	roster := s.storage.Roster
	s.mu.Unlock()
	if roster == nil || len(roster.List) < 2 {
		return
	}
	tree := roster.GenerateNaryTreeWithRoot(2, s.ServerIdentity())
	if tree == nil {
		log.Error("couldn't build a tree rooted at", s.ServerIdentity())
		return
	}
	pi, err := s.CreateProtocol(ReplicateProtocolName, tree)
	if err != nil {
		log.Error("couldn't create replication:", err)
		return
	}
	p := pi.(*ReplicateProtocol)
	p.Writes = b.Writes()
	if err := p.Start(); err != nil {
		log.Error("couldn't start replication:", err)
		return
	}
	select {
	case n := <-p.Acked:
		if n < len(roster.List) {
			log.Lvl1("batch only replicated to", n, "of", len(roster.List), "nodes")
		}
	case <-time.After(ReplicateTimeout):
		log.Error("replication timed out")
	}
}

// TestClose stops the replication of the service. Batches still queued are
// dropped.
func (s *Service) TestClose() {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.done
	})
}

// applyReplica stores a batch sent by leader.
func (s *Service) applyReplica(leader *network.ServerIdentity) func(*state.Batch) error {
	return func(b *state.Batch) error {
		s.mu.Lock()
		switch {
		case s.storage.Leader == nil:
			s.storage.Leader = leader
		case !s.storage.Leader.Equal(leader):
			s.mu.Unlock()
			return fmt.Errorf("%s is not the leader", leader)
		}
		s.mu.Unlock()
		if err := s.save(); err != nil {
			return err
		}
		return s.store.Apply(context.Background(), b)
	}
}

// NewProtocol gives the replication protocol of a replica access to the
// store. Other protocols come from the global registry.
func (s *Service) NewProtocol(tn *onet.TreeNodeInstance, conf *onet.GenericConfig) (onet.ProtocolInstance, error) {
	if tn.ProtocolName() != ReplicateProtocolName {
		return nil, nil
	}
	pi, err := NewReplicateProtocol(tn)
	if err != nil {
		return nil, err
	}
	pi.(*ReplicateProtocol).Apply = s.applyReplica(tn.Root().ServerIdentity)
	return pi, nil
}

func (s *Service) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Save(storageKey, s.storage)
}

func (s *Service) tryLoad() error {
	s.storage = &storage{}
	msg, err := s.Load(storageKey)
	if err != nil || msg == nil {
		return err
	}
	st, ok := msg.(*storage)
	if !ok {
		return errors.New("data of wrong type")
	}
	s.storage = st
	return nil
}

// newService receives the context that holds information about the node it's
// running on. Records go to an additional bbolt bucket of the node.
func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		ledger:           custody.NewMemoryLedger(),
		queue:            make(chan *state.Batch, replicateQueueSize),
		closing:          make(chan struct{}),
		done:             make(chan struct{}),
	}
	db, bucket := c.GetAdditionalBucket([]byte("bestoffer"))
	var err error
	if s.store, err = state.NewBoltStore(db, bucket); err != nil {
		return nil, err
	}
	db, bucket = c.GetAdditionalBucket([]byte("nonces"))
	if s.nonces, err = loadNonces(db, bucket); err != nil {
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	s.proc = bestoffer.NewProcessor(s.store, s.ledger, bestoffer.WithCommitHook(s.enqueue))

	if err := s.RegisterHandlers(
		s.CreateConfig, s.CreateTreasury, s.CreateBuyingIntent, s.CreateOffer,
		s.AcceptOffer, s.CreateTrackingDetails, s.AcceptDelivery,
		s.CancelBuyingIntent, s.CancelOffer, s.OpenDispute,
		s.GetConfig, s.GetTreasury, s.GetBuyingIntent, s.GetOffer,
		s.GetDeliveryInformation, s.GetTrackingDetails, s.GetBalance, s.GetVault,
	); err != nil {
		return nil, err
	}
	go s.replicateLoop()
	return s, nil
}
