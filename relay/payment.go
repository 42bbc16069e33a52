package relay

import (
	"crypto/rand"

	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/lightninglabs/trampoline/hop"
	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/record"
	"github.com/lightninglabs/trampoline/route"
)

// LightningPayment describes the outgoing payment handed to the payment
// engine. It is built once per relay instance.
type LightningPayment struct {
	// Target is the node the payment should be routed towards.
	Target route.Vertex

	// Amount is the value of the payment to send through the network in
	// milli-satoshis.
	Amount lnwire.MilliSatoshi

	// PaymentHash is the r-hash value to use within the HTLCs extended
	// towards the target.
	PaymentHash lntypes.Hash

	// FinalCltv is the absolute block height before which the final hop
	// must receive the payment.
	FinalCltv uint32

	// PaymentAddr is the payment address placed in the final payload. For
	// a trampoline next node this is freshly generated; for a
	// non-trampoline recipient it is taken from the invoice.
	PaymentAddr fn.Option[[32]byte]

	// MultiPart indicates whether the engine may split the payment over
	// multiple HTLCs.
	MultiPart bool

	// RouteHints carries the recipient invoice's routing hints, if any.
	RouteHints record.RoutingInfo

	// DestFeatures is the feature vector assumed for the target node.
	DestFeatures *lnwire.RawFeatureVector

	// TrampolineOnion is the nested onion to include as an additional TLV
	// in the final payload when relaying to the next trampoline node.
	TrampolineOnion *sphinx.OnionPacket

	// RouteParams bounds the fee and timelock budget of the route search.
	RouteParams RouteParams

	// MaxAttempts caps the number of payment attempts the engine may
	// make.
	MaxAttempts uint32

	// StoreInDB is false for relayed payments: the pending-relay store
	// already tracks the upstream resolution, so the engine must not
	// persist the payment on its own.
	StoreInDB bool

	// PublishEvent is false for relayed payments: the relay publishes a
	// TrampolinePaymentRelayed event itself instead of the engine's
	// PaymentSent.
	PublishEvent bool
}

// newPaymentSecret generates a fresh random payment secret for the outgoing
// payment, so that downstream nodes cannot correlate it with the incoming
// set.
func newPaymentSecret() ([32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, err
	}

	return secret, nil
}

// buildOutgoingPayment assembles the single outgoing payment request for the
// relay. The variant is chosen from the trampoline payload:
//
//   - no invoice features: the next node is a trampoline node, pay it
//     multi-part with a fresh payment secret and the nested trampoline
//     onion.
//   - invoice features with multi-part support and an invoice payment
//     secret: pay the non-trampoline recipient multi-part, reusing the
//     invoice's secret and routing hints.
//   - otherwise: a single-part payment with whatever payment secret the
//     invoice supplied.
func buildOutgoingPayment(payload *hop.TrampolinePayload,
	nextOnion *sphinx.OnionPacket, hash lntypes.Hash,
	routeParams RouteParams, maxAttempts uint32) (*LightningPayment,
	error) {

	payment := &LightningPayment{
		Target:       payload.OutgoingNodeID,
		Amount:       payload.AmtToForward,
		PaymentHash:  hash,
		FinalCltv:    payload.OutgoingCltv,
		RouteParams:  routeParams,
		MaxAttempts:  maxAttempts,
		StoreInDB:    false,
		PublishEvent: false,
	}

	switch {
	// The next node is another trampoline node. Pay it multi-part behind
	// a fresh payment secret and pass the nested onion along.
	case !payload.RelayToNonTrampoline():
		secret, err := newPaymentSecret()
		if err != nil {
			return nil, err
		}

		payment.PaymentAddr = fn.Some(secret)
		payment.MultiPart = true
		payment.TrampolineOnion = nextOnion

	// The recipient supports multi-part payments and its invoice carries
	// a payment secret, so we can split towards it directly.
	case payload.Features().HasFeature(lnwire.MPPOptional) &&
		payload.PaymentSecret.IsSome():

		payment.PaymentAddr = payload.PaymentSecret
		payment.MultiPart = true
		payment.RouteHints = payload.RoutingInfo
		payment.DestFeatures = payload.Features()

	// Single-part payment to the recipient, with the invoice's payment
	// secret if it has one.
	default:
		payment.PaymentAddr = payload.PaymentSecret
		payment.MultiPart = false
		payment.RouteHints = payload.RoutingInfo
		payment.DestFeatures = payload.Features()
	}

	return payment, nil
}
