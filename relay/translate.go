package relay

import (
	"fmt"

	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/route"
)

// LocalFailureReason classifies failures that originated in our own node
// while attempting the outgoing payment.
type LocalFailureReason uint8

const (
	// LocalFailureOther is an unclassified local failure.
	LocalFailureOther LocalFailureReason = iota

	// LocalFailureRouteNotFound indicates that no route to the outgoing
	// node was found within the route constraints.
	LocalFailureRouteNotFound

	// LocalFailureBalanceTooLow indicates that a route exists but our
	// local balance on the first hop cannot carry the payment.
	LocalFailureBalanceTooLow
)

// String returns a human readable identifier for the local failure reason.
func (r LocalFailureReason) String() string {
	switch r {
	case LocalFailureRouteNotFound:
		return "RouteNotFound"
	case LocalFailureBalanceTooLow:
		return "BalanceTooLow"
	default:
		return "Other"
	}
}

// PaymentFailure describes the failure of a single outgoing payment attempt.
// It either originated locally or was reported by a remote node.
type PaymentFailure interface {
	fmt.Stringer

	paymentFailure()
}

// LocalFailure is a payment failure that originated in our own node.
type LocalFailure struct {
	// Reason classifies the failure.
	Reason LocalFailureReason
}

func (f *LocalFailure) paymentFailure() {}

// String returns a human readable description of the failure.
func (f *LocalFailure) String() string {
	return fmt.Sprintf("local(%v)", f.Reason)
}

// RemoteFailure is a payment failure reported by a node along the outgoing
// route.
type RemoteFailure struct {
	// Origin is the node that reported the failure.
	Origin route.Vertex

	// FailureMessage is the decrypted failure the origin sent back.
	FailureMessage lnwire.FailureMessage
}

func (f *RemoteFailure) paymentFailure() {}

// String returns a human readable description of the failure.
func (f *RemoteFailure) String() string {
	return fmt.Sprintf("remote(%v, %v)", f.Origin, f.FailureMessage)
}

// translationContext carries the relay-side quantities the error translation
// needs to judge whether the sender's fee budget was already generous.
type translationContext struct {
	// amountIn is the total amount of the upstream HTLC set.
	amountIn lnwire.MilliSatoshi

	// amountOut is the amount forwarded downstream.
	amountOut lnwire.MilliSatoshi

	// outgoingNodeID is the node we attempted to pay.
	outgoingNodeID route.Vertex

	// policy is this node's fee policy.
	policy FeePolicy
}

// feeGenerosityFactor is the multiple of our own fee above which we consider
// the sender's budget to have been more than sufficient. When a payment
// fails on local liquidity despite such a budget, asking the sender to raise
// the fee would only prompt a useless retry.
const feeGenerosityFactor = 5

// translateFailure maps the failures of the outgoing payment attempts to the
// single failure message returned upstream. The rules are ordered; the first
// match wins:
//
//   - no failures: nil.
//   - a single local balance failure with a generous fee budget:
//     temporary_node_failure, since a higher fee would not help.
//   - a single local balance failure otherwise, or any local route-not-found:
//     trampoline_fee_insufficient, inviting a retry with a higher budget
//     which may also unlock indirect routes.
//   - a remote failure from the outgoing node itself: forwarded verbatim.
//   - any other remote failure: the first one, forwarded verbatim.
//   - otherwise: temporary_node_failure.
func translateFailure(failures []PaymentFailure,
	ctx translationContext) lnwire.FailureMessage {

	if len(failures) == 0 {
		return nil
	}

	if len(failures) == 1 {
		local, ok := failures[0].(*LocalFailure)
		if ok && local.Reason == LocalFailureBalanceTooLow {
			fee := ctx.policy.Fee(ctx.amountOut)
			margin := ctx.amountIn - ctx.amountOut
			if margin >= feeGenerosityFactor*fee {
				return &lnwire.FailTemporaryNodeFailure{}
			}

			return &lnwire.FailTrampolineFeeInsufficient{}
		}
	}

	for _, failure := range failures {
		local, ok := failure.(*LocalFailure)
		if ok && local.Reason == LocalFailureRouteNotFound {
			return &lnwire.FailTrampolineFeeInsufficient{}
		}
	}

	var firstRemote *RemoteFailure
	for _, failure := range failures {
		remote, ok := failure.(*RemoteFailure)
		if !ok {
			continue
		}

		if remote.Origin == ctx.outgoingNodeID {
			return remote.FailureMessage
		}
		if firstRemote == nil {
			firstRemote = remote
		}
	}
	if firstRemote != nil {
		return firstRemote.FailureMessage
	}

	return &lnwire.FailTemporaryNodeFailure{}
}
