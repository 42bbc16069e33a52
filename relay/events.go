package relay

import (
	sphinx "github.com/lightningnetwork/lightning-onion"

	"github.com/lightninglabs/trampoline/hop"
	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
)

// IncomingPacket is a fully decrypted incoming HTLC add together with the
// payloads peeled from its outer and inner onions. The onion processing
// itself happens upstream of this package; by the time a packet reaches the
// relay both payloads have been decoded and the re-wrapped trampoline onion
// for the next node is available.
type IncomingPacket struct {
	// Add is the HTLC that was extended to us.
	Add lnwire.UpdateAddHTLC

	// Outer houses the fields of the outer onion payload addressed to
	// this node.
	Outer hop.OuterPayload

	// Payload is the decoded trampoline payload instructing this node
	// where to relay the payment.
	Payload *hop.TrampolinePayload

	// NextOnion is the peeled trampoline onion to forward to the next
	// trampoline node. It is nil when the payload targets a
	// non-trampoline recipient.
	NextOnion *sphinx.OnionPacket
}

// AggregatorEvent is implemented by all events the part aggregator delivers
// back to its parent relay.
type AggregatorEvent interface {
	aggregatorEvent()
}

// ExtraPartReceived is delivered by the aggregator when a part arrives for a
// payment whose set was already complete.
type ExtraPartReceived struct {
	// Add is the extraneous HTLC.
	Add lnwire.UpdateAddHTLC
}

func (e *ExtraPartReceived) aggregatorEvent() {}

// SetFailed is delivered by the aggregator when the incoming HTLC set cannot
// be completed, for instance because the receive timeout elapsed.
type SetFailed struct {
	// Failure describes why the set failed. It is propagated upstream for
	// every part.
	Failure lnwire.FailureMessage

	// Parts are the HTLCs the aggregator accumulated before failing.
	Parts []lnwire.UpdateAddHTLC
}

func (e *SetFailed) aggregatorEvent() {}

// SetComplete is delivered by the aggregator once the accumulated parts sum
// up to the sender's declared total amount.
type SetComplete struct {
	// Parts are the HTLCs making up the complete set.
	Parts []lnwire.UpdateAddHTLC
}

func (e *SetComplete) aggregatorEvent() {}

// PaymentEvent is implemented by all events the outgoing payment engine
// delivers back to the relay that dispatched the payment.
type PaymentEvent interface {
	paymentEvent()
}

// PreimageReceived is delivered as soon as any outgoing part is settled and
// reveals the payment preimage. It may be followed by PaymentSettled, and in
// rare cases by PaymentFailed.
type PreimageReceived struct {
	// PaymentID identifies the outgoing payment.
	PaymentID uint64

	// Preimage settles the incoming HTLC set.
	Preimage lntypes.Preimage
}

func (e *PreimageReceived) paymentEvent() {}

// PaymentSettled is the terminal success event of the outgoing payment.
type PaymentSettled struct {
	// PaymentID identifies the outgoing payment.
	PaymentID uint64

	// Preimage settles the incoming HTLC set.
	Preimage lntypes.Preimage

	// Parts describes the settled outgoing HTLCs, fees included.
	Parts []RelayPart
}

func (e *PaymentSettled) paymentEvent() {}

// PaymentFailed is the terminal failure event of the outgoing payment.
type PaymentFailed struct {
	// PaymentID identifies the outgoing payment.
	PaymentID uint64

	// Failures collects the failures of the individual payment attempts.
	Failures []PaymentFailure
}

func (e *PaymentFailed) paymentEvent() {}

// RelayPart is a single HTLC's contribution to a relayed payment, used in
// the TrampolinePaymentRelayed event.
type RelayPart struct {
	// Amount is the HTLC amount. For outgoing parts this includes the
	// routing fees paid to downstream nodes.
	Amount lnwire.MilliSatoshi

	// ChanID is the channel the HTLC was offered on.
	ChanID lnwire.ChannelID
}

// TrampolinePaymentRelayed is published on the event bus once a payment has
// been successfully relayed and the upstream set fulfilled.
type TrampolinePaymentRelayed struct {
	// PaymentHash is the hash of the relayed payment.
	PaymentHash lntypes.Hash

	// IncomingParts describes the upstream HTLC set.
	IncomingParts []RelayPart

	// OutgoingParts describes the downstream HTLCs, fees included.
	OutgoingParts []RelayPart
}
