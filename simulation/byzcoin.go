package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/bestoffer/address"
	"github.com/dedis/bestoffer/bestoffer"
	"github.com/dedis/bestoffer/confidential"
	"github.com/dedis/bestoffer/contract"
	"github.com/dedis/bestoffer/custody"
	"github.com/dedis/bestoffer/identity"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/contracts"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul/monitor"
	"go.dedis.ch/protobuf"
)

func init() {
	onet.SimulationRegister("BestOfferByzCoin", NewSimulationByzCoin)
}

// SimulationByzCoin runs one purchase per round with the bestoffer contract
// on a byzcoin ledger, paying in coins.
type SimulationByzCoin struct {
	onet.SimulationBFTree
	BlockInterval string
	FeeBps        uint32
}

// NewSimulationByzCoin returns the new simulation, where all fields are
// initialised using the config-file
func NewSimulationByzCoin(config string) (onet.Simulation, error) {
	es := &SimulationByzCoin{FeeBps: bestoffer.DefaultFeeBps}
	_, err := toml.Decode(config, es)
	if err != nil {
		return nil, err
	}
	return es, nil
}

// Setup creates the tree used for that simulation
func (s *SimulationByzCoin) Setup(dir string, hosts []string) (
	*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// Node initializes the node from the SimulationBFTree.
func (s *SimulationByzCoin) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.ID)
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

// ledger sends transactions signed by one of its keypairs and tracks their
// counters.
type ledger struct {
	cl      *byzcoin.Client
	signers map[identity.Identity]darc.Signer
	ct      map[identity.Identity]uint64
}

func (l *ledger) send(kp *identity.Keypair, wait int, instrs ...byzcoin.Instruction) (byzcoin.ClientTransaction, error) {
	ct := l.ct[kp.Identity]
	for i := range instrs {
		instrs[i].SignerCounter = []uint64{ct + uint64(i) + 1}
	}
	tx := byzcoin.ClientTransaction{Instructions: instrs}
	if err := tx.FillSignersAndSignWith(l.signers[kp.Identity]); err != nil {
		return tx, errors.New("signing of instruction failed: " + err.Error())
	}
	if _, err := l.cl.AddTransactionAndWait(tx, wait); err != nil {
		return tx, err
	}
	l.ct[kp.Identity] = ct + uint64(len(instrs))
	return tx, nil
}

func (l *ledger) coin(id byzcoin.InstanceID) (uint64, error) {
	proof, err := l.cl.GetProof(id.Slice())
	if err != nil {
		return 0, errors.New("couldn't get proof for account: " + err.Error())
	}
	_, v0, _, _, err := proof.Proof.KeyValue()
	if err != nil {
		return 0, errors.New("proof doesn't hold account: " + err.Error())
	}
	var account byzcoin.Coin
	if err = protobuf.Decode(v0, &account); err != nil {
		return 0, errors.New("couldn't decode account: " + err.Error())
	}
	return account.Value, nil
}

func invoke(cmd string, args byzcoin.Arguments) byzcoin.Instruction {
	return byzcoin.Instruction{
		InstanceID: contract.ConfigInstanceID,
		Invoke: &byzcoin.Invoke{
			ContractID: contract.ContractBestOfferID,
			Command:    cmd,
			Args:       args,
		},
	}
}

func coinInvoke(account byzcoin.InstanceID, cmd string, amount uint64) byzcoin.Instruction {
	coins := make([]byte, 8)
	binary.LittleEndian.PutUint64(coins, amount)
	return byzcoin.Instruction{
		InstanceID: account,
		Invoke: &byzcoin.Invoke{
			ContractID: contracts.ContractCoinID,
			Command:    cmd,
			Args:       byzcoin.Arguments{{Name: "coins", Value: coins}},
		},
	}
}

func encodeArgs(v interface{}) byzcoin.Arguments {
	buf, err := contract.Args(v)
	log.ErrFatal(err)
	return byzcoin.Arguments{{Name: contract.ArgArgs, Value: buf}}
}

// Run is used on the destination machines and runs a number of
// rounds
func (s *SimulationByzCoin) Run(config *onet.SimulationConfig) error {
	size := config.Tree.Size()
	log.Lvl2("Size is:", size, "rounds:", s.Rounds)

	l := &ledger{
		signers: make(map[identity.Identity]darc.Signer),
		ct:      make(map[identity.Identity]uint64),
	}
	var kps [3]*identity.Keypair
	var ids []darc.Identity
	for i := range kps {
		kp, err := identity.NewKeypair(nil)
		if err != nil {
			return err
		}
		kps[i] = kp
		l.signers[kp.Identity] = kp.DarcSigner()
		ids = append(ids, l.signers[kp.Identity].Identity())
	}
	admin, buyer, seller := kps[0], kps[1], kps[2]

	// Create the ledger
	gm, err := byzcoin.DefaultGenesisMsg(byzcoin.CurrentVersion, config.Roster,
		[]string{"spawn:darc", "spawn:coin", "invoke:coin.mint", "invoke:coin.fetch", "invoke:coin.store"}, ids...)
	if err != nil {
		return errors.New("couldn't setup genesis message: " + err.Error())
	}

	// Set block interval from the simulation config.
	blockInterval, err := time.ParseDuration(s.BlockInterval)
	if err != nil {
		return errors.New("parse duration of BlockInterval failed: " + err.Error())
	}
	gm.BlockInterval = blockInterval

	l.cl, _, err = byzcoin.NewLedger(gm, false)
	if err != nil {
		return errors.New("couldn't create genesis block: " + err.Error())
	}

	// The marketplace darc has no coin rule, vaults only move through the
	// contract.
	boDarc := darc.NewDarc(darc.InitRules(ids, ids), []byte("bestoffer"))
	actions := []string{"spawn:" + contract.ContractBestOfferID}
	for _, cmd := range []string{bestoffer.InsCreateTreasury, bestoffer.InsCreateBuyingIntent,
		bestoffer.InsCreateOffer, bestoffer.InsAcceptOffer, bestoffer.InsCreateTrackingDetails,
		bestoffer.InsAcceptDelivery, contract.CmdWithdraw} {
		actions = append(actions, "invoke:"+contract.ContractBestOfferID+"."+cmd)
	}
	for _, a := range actions {
		if err := boDarc.Rules.AddRule(darc.Action(a), boDarc.Rules.GetSignExpr()); err != nil {
			return err
		}
	}
	darcBuf, err := boDarc.ToProto()
	if err != nil {
		return err
	}
	_, err = l.send(admin, 2, byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(gm.GenesisDarc.GetBaseID()),
		Spawn: &byzcoin.Spawn{
			ContractID: byzcoin.ContractDarcID,
			Args:       byzcoin.Arguments{{Name: "darc", Value: darcBuf}},
		},
	})
	if err != nil {
		return errors.New("couldn't spawn the bestoffer darc: " + err.Error())
	}

	fee := make([]byte, 4)
	binary.LittleEndian.PutUint32(fee, s.FeeBps)
	_, err = l.send(admin, 2, byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(boDarc.GetBaseID()),
		Spawn: &byzcoin.Spawn{
			ContractID: contract.ContractBestOfferID,
			Args:       byzcoin.Arguments{{Name: contract.ArgFeeBps, Value: fee}},
		},
	})
	if err != nil {
		return errors.New("couldn't create config: " + err.Error())
	}
	if _, err = l.send(admin, 2, invoke(bestoffer.InsCreateTreasury, nil)); err != nil {
		return errors.New("couldn't create treasury: " + err.Error())
	}

	// Coin accounts of the buyer and the seller.
	var accounts [2]byzcoin.InstanceID
	for i, kp := range []*identity.Keypair{buyer, seller} {
		tx, err := l.send(kp, 2, byzcoin.Instruction{
			InstanceID: byzcoin.NewInstanceID(gm.GenesisDarc.GetBaseID()),
			Spawn:      &byzcoin.Spawn{ContractID: contracts.ContractCoinID},
		})
		if err != nil {
			return errors.New("couldn't initialize accounts: " + err.Error())
		}
		accounts[i] = tx.Instructions[0].DeriveID("")
	}
	buyerAccount, sellerAccount := accounts[0], accounts[1]
	total := uint64(offerPrice + shippingPrice)
	if _, err = l.send(buyer, 2, coinInvoke(buyerAccount, "mint", uint64(s.Rounds)*total)); err != nil {
		return errors.New("couldn't mint: " + err.Error())
	}
	_, payout, err := custody.SplitFee(total, s.FeeBps)
	if err != nil {
		return err
	}
	asset := custody.Asset(contracts.CoinName)

	for round := 0; round < s.Rounds; round++ {
		log.Lvl1("Starting round", round)
		roundM := monitor.NewTimeMeasure("round")

		// One buyer and one seller, so the counters follow the rounds.
		intent := address.BuyingIntent(buyer.Identity, uint64(round))
		offer := address.Offer(intent, seller.Identity, uint64(round))

		_, err = l.send(buyer, 10, invoke(bestoffer.InsCreateBuyingIntent, encodeArgs(&bestoffer.BuyingIntentArgs{
			Gtin:                3544056897834,
			ProductName:         "Focal Bathys MG",
			ShippingCountryCode: "FR",
			Quantity:            1,
		})))
		if err != nil {
			return errors.New("couldn't publish intent: " + err.Error())
		}
		offerArgs := encodeArgs(&bestoffer.OfferArgs{
			URL:           "https://shop.example/bathys-mg",
			PublicPrice:   599000000,
			OfferPrice:    offerPrice,
			ShippingPrice: shippingPrice,
			Mint:          asset,
		})
		offerArgs = append(offerArgs, byzcoin.Argument{Name: contract.ArgBuyingIntent, Value: intent.Slice()})
		if _, err = l.send(seller, 10, invoke(bestoffer.InsCreateOffer, offerArgs)); err != nil {
			return errors.New("couldn't offer: " + err.Error())
		}

		accept := monitor.NewTimeMeasure("accept")
		enc, err := confidential.Seal(nil, intent, seller.Identity, &confidential.DeliveryInformation{
			FirstName:    "Jeanne",
			LastName:     "Martin",
			AddressLine1: "5 rue de la Paix",
			City:         "Paris",
			PostalCode:   "75002",
			CountryCode:  "FR",
		})
		if err != nil {
			return err
		}
		_, err = l.send(buyer, 10, coinInvoke(buyerAccount, "fetch", total),
			invoke(bestoffer.InsAcceptOffer, encodeArgs(&bestoffer.AcceptOfferArgs{
				Offer: offer, Asset: asset, Delivery: enc,
			})))
		if err != nil {
			return errors.New("couldn't accept: " + err.Error())
		}
		accept.Record()

		intentArg := byzcoin.Argument{Name: contract.ArgBuyingIntent, Value: intent.Slice()}
		shipArgs := append(encodeArgs(&bestoffer.TrackingArgs{
			CarrierName:  "Colissimo",
			TrackingCode: "6A12345678901",
		}), intentArg)
		if _, err = l.send(seller, 10, invoke(bestoffer.InsCreateTrackingDetails, shipArgs)); err != nil {
			return errors.New("couldn't ship: " + err.Error())
		}

		confirm := monitor.NewTimeMeasure("confirm")
		if _, err = l.send(buyer, 10, invoke(bestoffer.InsAcceptDelivery, byzcoin.Arguments{intentArg})); err != nil {
			return errors.New("couldn't settle: " + err.Error())
		}
		store := byzcoin.Instruction{
			InstanceID: sellerAccount,
			Invoke: &byzcoin.Invoke{
				ContractID: contracts.ContractCoinID,
				Command:    "store",
			},
		}
		_, err = l.send(seller, 10, invoke(contract.CmdWithdraw, contract.WithdrawArgs(asset, payout, false)), store)
		if err != nil {
			return errors.New("couldn't withdraw: " + err.Error())
		}
		v, err := l.coin(sellerAccount)
		if err != nil {
			return err
		}
		log.Lvlf1("Seller account has %d", v)
		if v != uint64(round+1)*payout {
			return fmt.Errorf("seller account has %d instead of %d", v, uint64(round+1)*payout)
		}
		confirm.Record()
		roundM.Record()

		// This sleep is needed to wait for the propagation to finish
		// on all the nodes. Otherwise the simulation manager
		// (runsimul.go in onet) might close some nodes and cause
		// skipblock propagation to fail.
		time.Sleep(blockInterval)
	}

	// Give the children time to finish updating their state before the
	// databases get closed.
	time.Sleep(time.Second)
	return nil
}
