package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/confidential"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"github.com/dedis/bestoffer/service"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/onet/v3/simul"
	"go.dedis.ch/onet/v3/simul/monitor"
)

func main() {
	simul.Start()
}

func init() {
	onet.SimulationRegister("BestOfferService", NewSimulationService)
}

const (
	offerPrice    = 400000000
	shippingPrice = 40000000
)

var simAsset = custody.NewAsset("USDC")

// SimulationService runs full purchases against the bestoffer service of
// the root, which replicates them to the other nodes.
type SimulationService struct {
	onet.SimulationBFTree
	FeeBps  uint32
	Buyers  int
	Sellers int
}

// NewSimulationService returns the new simulation, where all fields are
// initialised using the config-file
func NewSimulationService(config string) (onet.Simulation, error) {
	es := &SimulationService{
		FeeBps:  bestoffer.DefaultFeeBps,
		Buyers:  1,
		Sellers: 1,
	}
	_, err := toml.Decode(config, es)
	if err != nil {
		return nil, err
	}
	return es, nil
}

// Setup creates the tree used for that simulation
func (s *SimulationService) Setup(dir string, hosts []string) (
	*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// Node can be used to initialize each node before it will be run
// by the server. Here we call the 'Node'-method of the
// SimulationBFTree structure which will load the roster- and the
// tree-structure to speed up the first round.
func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.ID)
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

type participant struct {
	kp *identity.Keypair
	cl *service.Client
}

func newParticipant(config *onet.SimulationConfig) (*participant, error) {
	kp, err := identity.NewKeypair(nil)
	if err != nil {
		return nil, err
	}
	return &participant{kp: kp, cl: service.NewClient(config.Server.ServerIdentity, kp)}, nil
}

// Run is used on the destination machines and runs a number of
// rounds
func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	size := config.Tree.Size()
	log.Lvl2("Size is:", size, "rounds:", s.Rounds)
	if s.Buyers < 1 || s.Sellers < 1 {
		return errors.New("need at least one buyer and one seller")
	}

	svc, ok := config.GetService(service.ServiceName).(*service.Service)
	if !ok {
		return errors.New("bestoffer service isn't running")
	}
	admin, err := newParticipant(config)
	if err != nil {
		return err
	}
	if _, err := admin.cl.CreateConfig(config.Roster, &s.FeeBps); err != nil {
		return errors.New("couldn't create config: " + err.Error())
	}
	if _, err := admin.cl.CreateTreasury(); err != nil {
		return errors.New("couldn't create treasury: " + err.Error())
	}

	// Every buyer gets enough to pay one offer per round.
	ledger := svc.Ledger()
	buyers := make([]*participant, s.Buyers)
	for i := range buyers {
		if buyers[i], err = newParticipant(config); err != nil {
			return err
		}
		err = ledger.Deposit(ledger.AccountOf(buyers[i].kp.Identity, simAsset),
			uint64(s.Rounds)*(offerPrice+shippingPrice), simAsset)
		if err != nil {
			return err
		}
	}
	sellers := make([]*participant, s.Sellers)
	for i := range sellers {
		if sellers[i], err = newParticipant(config); err != nil {
			return err
		}
	}

	expectedFees := uint64(0)
	for round := 0; round < s.Rounds; round++ {
		log.Lvl1("Starting round", round)
		roundM := monitor.NewTimeMeasure("round")
		for _, buyer := range buyers {
			fee, err := s.purchase(buyer, sellers)
			if err != nil {
				return fmt.Errorf("round %d: %v", round, err)
			}
			expectedFees += fee
		}
		roundM.Record()
	}

	// The ledger lives on the leader, the records reach every node
	// asynchronously.
	confirm := monitor.NewTimeMeasure("confirm")
	b, err := admin.cl.Balance(address.Treasury(), simAsset)
	if err != nil {
		return err
	}
	if b.Amount != expectedFees {
		return fmt.Errorf("treasury holds %d instead of %d", b.Amount, expectedFees)
	}
	for _, si := range config.Roster.List {
		if err := waitIntents(si, uint64(s.Rounds*s.Buyers)); err != nil {
			return err
		}
	}
	confirm.Record()
	return nil
}

// waitIntents polls the node si until replication brought it all the
// intents.
func waitIntents(si *network.ServerIdentity, want uint64) error {
	cl := service.NewClient(si, nil)
	var got uint64
	for i := 0; i < 100; i++ {
		cfg, err := cl.Config()
		if err == nil {
			if got = cfg.BuyingIntentCounter; got == want {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("%s has %d intents instead of %d", si, got, want)
}

// purchase walks one buying intent from publication to delivery, every
// seller offering and the cheapest offer winning. It returns the fee paid.
func (s *SimulationService) purchase(buyer *participant, sellers []*participant) (uint64, error) {
	bi, err := buyer.cl.CreateBuyingIntent(bestoffer.BuyingIntentArgs{
		Gtin:                3544056897834,
		ProductName:         "Focal Bathys MG",
		ShippingCountryCode: "FR",
		Quantity:            1,
	})
	if err != nil {
		return 0, errors.New("couldn't publish intent: " + err.Error())
	}

	offers := monitor.NewTimeMeasure("offers")
	var best *participant
	var bestOffer address.ID
	for i, seller := range sellers {
		o, err := seller.cl.CreateOffer(bi.Address(), bestoffer.OfferArgs{
			URL:           "https://shop.example/bathys-mg",
			PublicPrice:   599000000,
			OfferPrice:    offerPrice + uint64(i),
			ShippingPrice: shippingPrice,
			Mint:          simAsset,
		})
		if err != nil {
			return 0, errors.New("couldn't offer: " + err.Error())
		}
		if best == nil {
			best, bestOffer = seller, o.Address()
		}
	}
	offers.Record()

	enc, err := confidential.Seal(nil, bi.Address(), best.kp.Identity, &confidential.DeliveryInformation{
		FirstName:    "Jeanne",
		LastName:     "Martin",
		AddressLine1: "5 rue de la Paix",
		City:         "Paris",
		PostalCode:   "75002",
		CountryCode:  "FR",
	})
	if err != nil {
		return 0, err
	}
	_, err = buyer.cl.AcceptOffer(bestoffer.AcceptOfferArgs{Offer: bestOffer, Asset: simAsset, Delivery: enc})
	if err != nil {
		return 0, errors.New("couldn't accept: " + err.Error())
	}
	_, err = best.cl.CreateTrackingDetails(bi.Address(), bestoffer.TrackingArgs{
		CarrierName:  "Colissimo",
		TrackingCode: "6A12345678901",
	})
	if err != nil {
		return 0, errors.New("couldn't ship: " + err.Error())
	}
	settlement, err := buyer.cl.AcceptDelivery(bi.Address())
	if err != nil {
		return 0, errors.New("couldn't settle: " + err.Error())
	}
	return settlement.Fee, nil
}
