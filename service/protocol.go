package service

import (
	"errors"

	"github.com/dedis/bestoffer/state"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
)

// ReplicateProtocolName can be used from other packages to refer to this
// protocol.
const ReplicateProtocolName = "BestOfferReplicate"

func init() {
	network.RegisterMessages(Replicate{}, ReplicateAck{})
	_, _ = onet.GlobalProtocolRegister(ReplicateProtocolName, NewReplicateProtocol)
}

// Replicate carries the writes of one committed batch down the tree.
type Replicate struct {
	Writes []state.Write
}

type structReplicate struct {
	*onet.TreeNode
	Replicate
}

// ReplicateAck counts the nodes of a subtree that applied the batch.
type ReplicateAck struct {
	Applied int
}

type structReplicateAck struct {
	*onet.TreeNode
	ReplicateAck
}

// ReplicateProtocol sends a committed batch from the leader to its
// replicas. Every node applies it and the root learns how many did.
type ReplicateProtocol struct {
	*onet.TreeNodeInstance
	// Writes is set on the root before Start.
	Writes []state.Write
	// Apply stores a batch on a replica. Nodes without it only forward.
	Apply func(*state.Batch) error
	// Acked receives the number of nodes holding the batch, root
	// included. Only the root writes to it.
	Acked   chan int
	applied int
}

var _ onet.ProtocolInstance = (*ReplicateProtocol)(nil)

// NewReplicateProtocol initialises the structure for use in one round.
func NewReplicateProtocol(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
	p := &ReplicateProtocol{
		TreeNodeInstance: n,
		Acked:            make(chan int, 1),
	}
	for _, handler := range []interface{}{p.HandleReplicate, p.HandleAck} {
		if err := p.RegisterHandler(handler); err != nil {
			return nil, errors.New("couldn't register handler: " + err.Error())
		}
	}
	return p, nil
}

// Start sends the writes to the children. The root already holds them.
func (p *ReplicateProtocol) Start() error {
	log.Lvl3(p.ServerIdentity(), "replicating", len(p.Writes), "writes")
	return p.HandleReplicate(structReplicate{p.TreeNode(), Replicate{Writes: p.Writes}})
}

// HandleReplicate applies the writes and passes them on.
func (p *ReplicateProtocol) HandleReplicate(msg structReplicate) error {
	if p.IsRoot() {
		p.applied = 1
	} else {
		p.applied = p.apply(msg.Writes)
	}
	if p.IsLeaf() {
		return p.HandleAck(nil)
	}
	if err := p.SendToChildren(&msg.Replicate); err != nil {
		log.Error(p.ServerIdentity(), "couldn't reach all children:", err)
	}
	return nil
}

func (p *ReplicateProtocol) apply(writes []state.Write) int {
	if p.Apply == nil {
		return 1
	}
	b := state.NewBatch()
	for _, w := range writes {
		b.Put(w.Key, w.Value)
	}
	if err := p.Apply(b); err != nil {
		log.Error(p.ServerIdentity(), "couldn't apply batch:", err)
		return 0
	}
	return 1
}

// HandleAck sums the acks of the children and sends the result up.
func (p *ReplicateProtocol) HandleAck(acks []structReplicateAck) error {
	defer p.Done()

	applied := p.applied
	for _, a := range acks {
		applied += a.Applied
	}
	if !p.IsRoot() {
		return p.SendTo(p.Parent(), &ReplicateAck{Applied: applied})
	}
	log.Lvl3("batch held by", applied, "nodes")
	p.Acked <- applied
	return nil
}
