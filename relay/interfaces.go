package relay

import (
	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
)

// PartAggregator is the multi-part receiver state machine that collects the
// parts of one incoming payment. It reports back to the relay through the
// deliver callback handed to the factory: SetComplete once the accumulated
// parts reach the declared total, SetFailed if the set cannot complete, and
// ExtraPartReceived for parts arriving after completion. The aggregator owns
// the receive timeout; the relay runs no timer of its own.
type PartAggregator interface {
	// AddPart hands an incoming HTLC to the aggregator. The caller has
	// already verified that the part carries the payment secret shared by
	// the set.
	AddPart(add lnwire.UpdateAddHTLC)

	// Stop releases the aggregator's resources. Events already in flight
	// may still be delivered after Stop returns.
	Stop()
}

// AggregatorFactory spawns a part aggregator bound to one incoming payment.
// It is a constructor parameter of the relay so that tests can substitute
// the aggregation behavior.
type AggregatorFactory interface {
	// NewAggregator creates and starts an aggregator for the payment with
	// the given hash and sender-declared total amount. Events are pushed
	// through deliver, which is safe to call from any goroutine.
	NewAggregator(hash lntypes.Hash, total lnwire.MilliSatoshi,
		deliver func(AggregatorEvent)) (PartAggregator, error)
}

// PaymentDispatcher is the outgoing payment engine. It owns pathfinding, the
// attempt budget and the outbound timeout; the relay only consumes its
// terminal events and the early preimage notification.
type PaymentDispatcher interface {
	// SendPayment launches the payment asynchronously and returns an
	// identifier for it. Events are pushed through deliver, which is safe
	// to call from any goroutine.
	SendPayment(payment *LightningPayment,
		deliver func(PaymentEvent)) (uint64, error)
}

// ChannelRegister accepts the commands that resolve upstream HTLCs on their
// channels. Both calls commit the result and are idempotent per circuit key.
type ChannelRegister interface {
	// FailHTLC fails the HTLC identified by key back to the upstream
	// peer with the given reason.
	FailHTLC(key lnwire.CircuitKey, reason lnwire.FailureMessage) error

	// FulfillHTLC settles the HTLC identified by key with the given
	// preimage.
	FulfillHTLC(key lnwire.CircuitKey, preimage lntypes.Preimage) error
}

// SafeSender is the durable send path for upstream resolutions: the command
// is persisted first and then dispatched to the channel register, so that a
// restart replays commands the register never acted on. Implementations must
// be idempotent per circuit key.
type SafeSender interface {
	// SendFail durably fails the upstream HTLC.
	SendFail(key lnwire.CircuitKey, reason lnwire.FailureMessage) error

	// SendFulfill durably settles the upstream HTLC.
	SendFulfill(key lnwire.CircuitKey, preimage lntypes.Preimage) error
}

// EventPublisher publishes node-wide events. Publishing is fire-and-forget
// from the relay's point of view.
type EventPublisher interface {
	// Publish delivers the event to all subscribers.
	Publish(event interface{})
}

// RelayMetrics records relay outcomes for monitoring.
type RelayMetrics interface {
	// PaymentRelayFailed increments the failed-relay counter for the
	// given failure class.
	PaymentRelayFailed(failure string)
}
