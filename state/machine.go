package state

import "fmt"

// BuyingIntentState is the lifecycle of a buying intent. Values are part of
// the wire layout and must not be renumbered.
type BuyingIntentState uint32

// Buying intent states.
const (
	IntentPublished BuyingIntentState = iota
	IntentCancelled
	IntentConfirmed
	IntentShipped
	IntentFulfilled
	IntentDisputed
)

var intentStates = [...]string{
	"Published",
	"Cancelled",
	"Confirmed",
	"Shipped",
	"Fulfilled",
	"Disputed",
}

func (s BuyingIntentState) String() string {
	if int(s) < len(intentStates) {
		return intentStates[s]
	}
	return fmt.Sprintf("BuyingIntentState(%d)", uint32(s))
}

// OfferState is the lifecycle of an offer.
type OfferState uint32

// Offer states.
const (
	OfferPublished OfferState = iota
	OfferAccepted
	OfferCancelled
	OfferDelivered
)

var offerStates = [...]string{
	"Published",
	"Accepted",
	"Cancelled",
	"Delivered",
}

func (s OfferState) String() string {
	if int(s) < len(offerStates) {
		return offerStates[s]
	}
	return fmt.Sprintf("OfferState(%d)", uint32(s))
}

// Event is an instruction seen from the state machine.
type Event int

// Events driving the state machines.
const (
	EventAcceptOffer Event = iota
	EventShip
	EventAcceptDelivery
	EventCancel
	EventDispute
)

var events = [...]string{
	"accept_offer",
	"ship",
	"accept_delivery",
	"cancel",
	"dispute",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(events) {
		return events[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

type intentKey struct {
	from BuyingIntentState
	ev   Event
}

var intentTransitions = map[intentKey]BuyingIntentState{
	{IntentPublished, EventAcceptOffer}:  IntentConfirmed,
	{IntentPublished, EventCancel}:       IntentCancelled,
	{IntentConfirmed, EventShip}:         IntentShipped,
	{IntentConfirmed, EventDispute}:      IntentDisputed,
	{IntentShipped, EventAcceptDelivery}: IntentFulfilled,
	{IntentShipped, EventDispute}:        IntentDisputed,
}

// Next returns the state reached from s on ev, or false if ev is not allowed
// in s.
func (s BuyingIntentState) Next(ev Event) (BuyingIntentState, bool) {
	next, ok := intentTransitions[intentKey{s, ev}]
	return next, ok
}

type offerKey struct {
	from OfferState
	ev   Event
}

var offerTransitions = map[offerKey]OfferState{
	{OfferPublished, EventAcceptOffer}:   OfferAccepted,
	{OfferPublished, EventCancel}:        OfferCancelled,
	{OfferAccepted, EventAcceptDelivery}: OfferDelivered,
}

// Next returns the state reached from s on ev, or false if ev is not allowed
// in s.
func (s OfferState) Next(ev Event) (OfferState, bool) {
	next, ok := offerTransitions[offerKey{s, ev}]
	return next, ok
}
