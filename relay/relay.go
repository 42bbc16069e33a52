package relay

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
)

var (
	// ErrRelayShuttingDown is returned when an event is delivered to a
	// relay that has already been stopped.
	ErrRelayShuttingDown = errors.New("relay shutting down")
)

// relayState tracks the phase of a relay instance.
type relayState uint8

const (
	// stateReceiving is the initial phase, during which the upstream HTLC
	// set is aggregated.
	stateReceiving relayState = iota

	// stateSending is the phase after the outgoing payment has been
	// dispatched.
	stateSending

	// stateTerminal is the final phase. The instance only rejects stray
	// HTLCs and is eligible for disposal.
	stateTerminal
)

// String returns a human readable state name.
func (s relayState) String() string {
	switch s {
	case stateReceiving:
		return "Receiving"
	case stateSending:
		return "Sending"
	default:
		return "Terminal"
	}
}

// Config houses the collaborators and parameters shared by all relay
// instances of a node.
type Config struct {
	// FeePolicy is the fee and timelock budget this node requires for
	// relaying.
	FeePolicy FeePolicy

	// MaxPaymentAttempts caps the outgoing engine's attempt budget.
	MaxPaymentAttempts uint32

	// BestHeight returns the current best block height, used when
	// rejecting HTLCs with incorrect payment details.
	BestHeight func() uint32

	// Sender is the durable send path used for every upstream fail and
	// fulfill.
	Sender SafeSender

	// Dispatcher is the outgoing payment engine.
	Dispatcher PaymentDispatcher

	// AggregatorFactory spawns the multi-part receiver state machine for
	// each relay instance.
	AggregatorFactory AggregatorFactory

	// Publisher is the node-wide event bus.
	Publisher EventPublisher

	// Metrics records relay outcomes. May be nil.
	Metrics RelayMetrics

	// OnTerminal is invoked once when a relay reaches its terminal state,
	// allowing the owner to dispose of the instance. May be nil. The
	// callback runs on the relay's event goroutine and must not block.
	OnTerminal func(r *Relay)
}

// Relay is the state machine relaying one incoming trampoline payment. It
// aggregates the upstream HTLC set, validates the sender's fee and timelock
// budget, dispatches a single outgoing payment and settles or fails the
// upstream set based on the downstream outcome.
//
// A relay processes one event at a time from its mailbox; all state below
// the mailbox is owned by the event goroutine and never locked.
type Relay struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg *Config

	// id is a node-local identifier for this relay instance.
	id uint64

	// hash is the payment hash of the relayed payment.
	hash lntypes.Hash

	// mailbox is the in-order event queue feeding the state machine.
	mailbox *queue.ConcurrentQueue

	// state is the current phase of the relay.
	state relayState

	// secret is the outer payment secret shared by all parts of the
	// upstream set. Valid once the first part has been accepted.
	secret [32]byte

	// parts is the upstream HTLC set aggregated so far.
	parts []lnwire.UpdateAddHTLC

	// pkt is the first packet's decoded content: the trampoline payload
	// and the peeled onion for the next node.
	pkt *IncomingPacket

	// agg is the running part aggregator. Nil before the first part and
	// after the aggregator has been stopped.
	agg PartAggregator

	// amountIn and expiryIn are the derived quantities of the complete
	// upstream set. Valid in stateSending.
	amountIn lnwire.MilliSatoshi
	expiryIn uint32

	// paymentID identifies the dispatched outgoing payment.
	paymentID uint64

	// fulfilledUpstream latches once the upstream set has been fulfilled.
	// From that point on the set is never failed and never fulfilled
	// again.
	fulfilledUpstream bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewRelay creates a relay instance for the payment with the given hash.
func NewRelay(cfg *Config, id uint64, hash lntypes.Hash) *Relay {
	return &Relay{
		cfg:     cfg,
		id:      id,
		hash:    hash,
		mailbox: queue.NewConcurrentQueue(16),
		state:   stateReceiving,
		quit:    make(chan struct{}),
	}
}

// Start launches the relay's event goroutine.
func (r *Relay) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return nil
	}

	log.Tracef("Relay(%x): starting, id=%v", r.hash, r.id)

	r.mailbox.Start()

	r.wg.Add(1)
	go r.eventLoop()

	return nil
}

// Stop signals the relay for a graceful shutdown and blocks until its event
// goroutine has exited.
func (r *Relay) Stop() {
	if !atomic.CompareAndSwapInt32(&r.shutdown, 0, 1) {
		return
	}

	log.Tracef("Relay(%x): stopping, id=%v", r.hash, r.id)

	close(r.quit)
	r.wg.Wait()
	r.mailbox.Stop()

	if r.agg != nil {
		r.agg.Stop()
		r.agg = nil
	}
}

// PaymentHash returns the payment hash this relay is bound to.
func (r *Relay) PaymentHash() lntypes.Hash {
	return r.hash
}

// ID returns the node-local identifier of this relay instance.
func (r *Relay) ID() uint64 {
	return r.id
}

// ProcessPacket delivers an incoming HTLC packet to the relay.
func (r *Relay) ProcessPacket(pkt *IncomingPacket) error {
	return r.enqueue(pkt)
}

// deliverAggregatorEvent enqueues an event from the part aggregator. It is
// handed to the aggregator factory as the delivery callback.
func (r *Relay) deliverAggregatorEvent(event AggregatorEvent) {
	if err := r.enqueue(event); err != nil {
		log.Debugf("Relay(%x): dropping aggregator event %T: %v",
			r.hash, event, err)
	}
}

// deliverPaymentEvent enqueues an event from the outgoing payment engine. It
// is handed to the dispatcher as the delivery callback.
func (r *Relay) deliverPaymentEvent(event PaymentEvent) {
	if err := r.enqueue(event); err != nil {
		log.Debugf("Relay(%x): dropping payment event %T: %v",
			r.hash, event, err)
	}
}

// enqueue appends an event to the relay's mailbox.
func (r *Relay) enqueue(event interface{}) error {
	select {
	case r.mailbox.ChanIn() <- event:
		return nil
	case <-r.quit:
		return ErrRelayShuttingDown
	}
}

// eventLoop is the relay's main goroutine. Events are processed strictly in
// arrival order; every handler is non-blocking.
func (r *Relay) eventLoop() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.mailbox.ChanOut():
			r.handleEvent(event)

		case <-r.quit:
			return
		}
	}
}

// handleEvent dispatches a single event to the handler of the current state.
func (r *Relay) handleEvent(event interface{}) {
	log.Tracef("Relay(%x): state=%v, event=%v", r.hash, r.state,
		newLogClosure(func() string {
			return spew.Sdump(event)
		}))

	switch r.state {
	case stateReceiving:
		r.handleEventReceiving(event)

	case stateSending:
		r.handleEventSending(event)

	case stateTerminal:
		r.handleEventTerminal(event)
	}
}

// handleEventReceiving accumulates upstream HTLC parts until the aggregator
// declares the set complete or failed.
func (r *Relay) handleEventReceiving(event interface{}) {
	switch e := event.(type) {
	case *IncomingPacket:
		r.receivePacket(e)

	case *SetFailed:
		// The set cannot complete. Propagate the aggregator's failure
		// to every part that belongs to our set; the sender never
		// dispatched, so no translated failure is reported.
		log.Debugf("Relay(%x): incoming set failed: %v", r.hash,
			e.Failure)

		for _, add := range e.Parts {
			if !r.inSet(add.Circuit()) {
				continue
			}
			r.failUpstream(add, e.Failure)
		}

		r.recordFailure(e.Failure)
		r.stopAggregator()
		r.transitionTerminal()

	case *SetComplete:
		r.stopAggregator()
		r.sendOutgoing()

	case *ExtraPartReceived:
		// Completion events are processed in order, so an extra part
		// cannot be observed while still receiving.
		log.Warnf("Relay(%x): unexpected extra part while receiving, "+
			"htlc=%v", r.hash, e.Add.Circuit())

	default:
		log.Warnf("Relay(%x): unexpected event %T while receiving",
			r.hash, event)
	}
}

// receivePacket handles one incoming HTLC part during the receiving phase.
func (r *Relay) receivePacket(pkt *IncomingPacket) {
	add := pkt.Add

	// Without an outer payment secret the sender cannot prove the parts
	// belong together, so the part is unusable for aggregation. Reject
	// just this HTLC.
	secret, haveSecret := unwrapSecret(pkt)
	if !haveSecret {
		log.Debugf("Relay(%x): rejecting htlc %v without payment "+
			"secret", r.hash, add.Circuit())

		r.failUpstream(add, r.incorrectDetails(add.Amount))

		// The very first part determines whether the relay proceeds
		// at all. If it is unusable, there is nothing to wait for.
		if r.agg == nil {
			r.transitionTerminal()
		}

		return
	}

	// First usable part: bind the relay to the packet's secret and spawn
	// the aggregator with the sender's declared total.
	if r.agg == nil {
		agg, err := r.cfg.AggregatorFactory.NewAggregator(
			r.hash, pkt.Outer.TotalMsat,
			r.deliverAggregatorEvent,
		)
		if err != nil {
			log.Errorf("Relay(%x): unable to spawn aggregator: %v",
				r.hash, err)

			r.failUpstream(add, &lnwire.FailTemporaryNodeFailure{})
			r.transitionTerminal()
			return
		}

		r.agg = agg
		r.secret = secret
		r.pkt = pkt
		r.parts = append(r.parts, add)
		r.agg.AddPart(add)

		log.Debugf("Relay(%x): relay created, id=%v, total=%v",
			r.hash, r.id, pkt.Outer.TotalMsat)

		return
	}

	// A part carrying a different secret is indistinguishable from a
	// probing attempt. Reject just this HTLC and keep waiting.
	if secret != r.secret {
		log.Debugf("Relay(%x): rejecting htlc %v with mismatched "+
			"payment secret", r.hash, add.Circuit())

		r.failUpstream(add, r.incorrectDetails(add.Amount))
		return
	}

	r.parts = append(r.parts, add)
	r.agg.AddPart(add)
}

// sendOutgoing validates the relay budget and dispatches the single outgoing
// payment. Called exactly once per instance, when the upstream set
// completes.
func (r *Relay) sendOutgoing() {
	payload := r.pkt.Payload

	amountIn := lnwire.MilliSatoshi(0)
	expiryIn := uint32(0)
	for _, add := range r.parts {
		amountIn += add.Amount
		if expiryIn == 0 || add.Expiry < expiryIn {
			expiryIn = add.Expiry
		}
	}
	r.amountIn = amountIn
	r.expiryIn = expiryIn

	// Check that the sender attached a sufficient fee and timelock
	// budget before committing anything downstream.
	failure := validateRelay(
		r.cfg.FeePolicy, amountIn, expiryIn, payload.AmtToForward,
		payload.OutgoingCltv,
	)
	if failure != nil {
		log.Debugf("Relay(%x): relay not profitable or unsafe: %v, "+
			"amountIn=%v, expiryIn=%v, amountOut=%v, expiryOut=%v",
			r.hash, failure, amountIn, expiryIn,
			payload.AmtToForward, payload.OutgoingCltv)

		r.rejectUpstream(failure)
		return
	}

	routeParams := computeRouteParams(
		r.cfg.FeePolicy, amountIn, expiryIn, payload.AmtToForward,
		payload.OutgoingCltv,
	)

	payment, err := buildOutgoingPayment(
		payload, r.pkt.NextOnion, r.hash, routeParams,
		r.cfg.MaxPaymentAttempts,
	)
	if err != nil {
		log.Errorf("Relay(%x): unable to build outgoing payment: %v",
			r.hash, err)

		r.rejectUpstream(&lnwire.FailTemporaryNodeFailure{})
		return
	}

	paymentID, err := r.cfg.Dispatcher.SendPayment(
		payment, r.deliverPaymentEvent,
	)
	if err != nil {
		log.Errorf("Relay(%x): unable to dispatch outgoing payment: "+
			"%v", r.hash, err)

		r.rejectUpstream(&lnwire.FailTemporaryNodeFailure{})
		return
	}

	log.Infof("Relay(%x): forwarding %v to %v, paymentID=%v", r.hash,
		payment.Amount, payment.Target, paymentID)

	r.paymentID = paymentID
	r.state = stateSending
}

// handleEventSending correlates the outgoing payment's events with the
// upstream set. Stray incoming parts are rejected immediately since the
// payment is already committed downstream.
func (r *Relay) handleEventSending(event interface{}) {
	switch e := event.(type) {
	case *IncomingPacket:
		r.rejectExtraHtlc(e.Add)

	case *ExtraPartReceived:
		r.rejectExtraHtlc(e.Add)

	case *PreimageReceived:
		r.fulfillUpstream(e.Preimage)

	case *PaymentSettled:
		r.fulfillUpstream(e.Preimage)
		r.publishRelayed(e)
		r.transitionTerminal()

	case *PaymentFailed:
		if r.fulfilledUpstream {
			// The downstream engine reported a failure after a
			// preimage was already observed. The upstream set is
			// settled and must not be failed; there is nothing
			// sensible to reconcile here.
			//
			// TODO: decide how to handle failures arriving after
			// the preimage.
			log.Warnf("Relay(%x): payment %v failed after "+
				"upstream was fulfilled", r.hash, e.PaymentID)

			r.transitionTerminal()
			return
		}

		failure := translateFailure(e.Failures, translationContext{
			amountIn:       r.amountIn,
			amountOut:      r.pkt.Payload.AmtToForward,
			outgoingNodeID: r.pkt.Payload.OutgoingNodeID,
			policy:         r.cfg.FeePolicy,
		})
		if failure == nil {
			failure = &lnwire.FailTemporaryNodeFailure{}
		}

		log.Infof("Relay(%x): payment %v failed, rejecting upstream "+
			"with %v", r.hash, e.PaymentID, failure)

		r.rejectUpstream(failure)

	case AggregatorEvent:
		// The aggregator has been stopped; anything else it delivered
		// while stopping is stale.
		log.Debugf("Relay(%x): ignoring stale aggregator event %T "+
			"while sending", r.hash, event)

	default:
		log.Warnf("Relay(%x): unexpected event %T while sending",
			r.hash, event)
	}
}

// handleEventTerminal rejects stray HTLCs that arrive after the relay has
// resolved; everything else is ignored.
func (r *Relay) handleEventTerminal(event interface{}) {
	switch e := event.(type) {
	case *IncomingPacket:
		r.rejectExtraHtlc(e.Add)

	case *ExtraPartReceived:
		r.rejectExtraHtlc(e.Add)

	default:
		log.Tracef("Relay(%x): ignoring event %T in terminal state",
			r.hash, event)
	}
}

// rejectExtraHtlc fails a stray HTLC that arrived after the payment was
// committed downstream. The sender violated the protocol by sending it; it
// is never aggregated or propagated.
func (r *Relay) rejectExtraHtlc(add lnwire.UpdateAddHTLC) {
	log.Warnf("Relay(%x): rejecting extra htlc %v", r.hash, add.Circuit())
	r.failUpstream(add, r.incorrectDetails(add.Amount))
}

// fulfillUpstream settles every HTLC of the upstream set with the preimage.
// The first call latches fulfilledUpstream; subsequent calls are no-ops,
// which makes preimage delivery idempotent.
func (r *Relay) fulfillUpstream(preimage lntypes.Preimage) {
	if r.fulfilledUpstream {
		return
	}
	r.fulfilledUpstream = true

	log.Infof("Relay(%x): fulfilling %v upstream HTLCs", r.hash,
		len(r.parts))

	for _, add := range r.parts {
		err := r.cfg.Sender.SendFulfill(add.Circuit(), preimage)
		if err != nil {
			log.Errorf("Relay(%x): unable to fulfill %v: %v",
				r.hash, add.Circuit(), err)
		}
	}
}

// rejectUpstream fails every HTLC of the upstream set with the given failure
// and transitions to the terminal state. It must never run once
// fulfilledUpstream is set.
func (r *Relay) rejectUpstream(failure lnwire.FailureMessage) {
	if r.fulfilledUpstream {
		log.Errorf("Relay(%x): attempted to reject fulfilled "+
			"upstream set", r.hash)
		return
	}

	for _, add := range r.parts {
		r.failUpstream(add, failure)
	}

	r.recordFailure(failure)
	r.transitionTerminal()
}

// failUpstream fails a single upstream HTLC through the durable send path.
func (r *Relay) failUpstream(add lnwire.UpdateAddHTLC,
	failure lnwire.FailureMessage) {

	err := r.cfg.Sender.SendFail(add.Circuit(), failure)
	if err != nil {
		log.Errorf("Relay(%x): unable to fail %v: %v", r.hash,
			add.Circuit(), err)
	}
}

// publishRelayed emits the TrampolinePaymentRelayed event summarizing the
// incoming and outgoing parts of the completed relay.
func (r *Relay) publishRelayed(e *PaymentSettled) {
	incoming := make([]RelayPart, 0, len(r.parts))
	for _, add := range r.parts {
		incoming = append(incoming, RelayPart{
			Amount: add.Amount,
			ChanID: add.ChanID,
		})
	}

	r.cfg.Publisher.Publish(&TrampolinePaymentRelayed{
		PaymentHash:   r.hash,
		IncomingParts: incoming,
		OutgoingParts: e.Parts,
	})
}

// recordFailure updates the failed-relay metric.
func (r *Relay) recordFailure(failure lnwire.FailureMessage) {
	if r.cfg.Metrics == nil {
		return
	}

	r.cfg.Metrics.PaymentRelayFailed(failure.Code().String())
}

// transitionTerminal moves the relay to its terminal state and notifies the
// owner that the instance may be disposed of.
func (r *Relay) transitionTerminal() {
	if r.state == stateTerminal {
		return
	}
	r.state = stateTerminal

	log.Debugf("Relay(%x): terminal, id=%v", r.hash, r.id)

	if r.cfg.OnTerminal != nil {
		r.cfg.OnTerminal(r)
	}
}

// stopAggregator stops the running aggregator, if any. Stray events it
// delivered before stopping may still surface and are handled by the
// sending and terminal states.
func (r *Relay) stopAggregator() {
	if r.agg == nil {
		return
	}

	r.agg.Stop()
	r.agg = nil
}

// inSet reports whether the given circuit key belongs to the relay's
// upstream set.
func (r *Relay) inSet(key lnwire.CircuitKey) bool {
	for _, add := range r.parts {
		if add.Circuit() == key {
			return true
		}
	}

	return false
}

// incorrectDetails builds the failure used for rejecting individual HTLCs:
// wrong or missing secrets, probing attempts and stray parts.
func (r *Relay) incorrectDetails(
	amt lnwire.MilliSatoshi) lnwire.FailureMessage {

	return lnwire.NewFailIncorrectDetails(amt, r.cfg.BestHeight())
}

// unwrapSecret extracts the outer payment secret of a packet.
func unwrapSecret(pkt *IncomingPacket) ([32]byte, bool) {
	var (
		secret [32]byte
		ok     bool
	)
	pkt.Outer.PaymentSecret.WhenSome(func(s [32]byte) {
		secret = s
		ok = true
	})

	return secret, ok
}
