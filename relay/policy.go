package relay

import (
	"github.com/lightninglabs/trampoline/lnwire"
)

// feeRateDivisor converts a proportional fee rate expressed in millionths
// into an absolute fee.
const feeRateDivisor = 1_000_000

// FeePolicy describes the fee and timelock budget this node requires to
// relay a trampoline payment.
type FeePolicy struct {
	// BaseFee is the flat fee charged per relayed payment.
	BaseFee lnwire.MilliSatoshi

	// FeeRate is the proportional fee charged per relayed payment, in
	// millionths of the forwarded amount.
	FeeRate uint64

	// CltvDelta is the minimum difference required between the incoming
	// set's expiry and the outgoing payment's expiry.
	CltvDelta uint32
}

// Fee returns the fee this node charges for forwarding the given amount.
func (p FeePolicy) Fee(amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	return p.BaseFee + amt*lnwire.MilliSatoshi(p.FeeRate)/feeRateDivisor
}

// RouteParams bounds the route search of the outgoing payment. The relay
// spends only what the sender explicitly paid for, so the percentage based
// fee limit is always zero.
type RouteParams struct {
	// MaxFeeBase is the highest absolute routing fee the outgoing
	// payment may incur.
	MaxFeeBase lnwire.MilliSatoshi

	// MaxFeePct is the highest routing fee expressed as a percentage of
	// the payment amount. Always zero for relayed payments.
	MaxFeePct uint8

	// MaxCltv is the highest cltv delta the outgoing route may add on
	// top of the payment's own expiry.
	MaxCltv uint32
}

// validateRelay checks that the sender's fee and timelock budget is
// sufficient for this node to relay safely. It returns nil when the relay is
// acceptable, and otherwise the failure to send back upstream. Both checks
// are strict: a budget that exactly matches the policy passes.
func validateRelay(policy FeePolicy, amountIn lnwire.MilliSatoshi,
	expiryIn uint32, amountOut lnwire.MilliSatoshi,
	expiryOut uint32) lnwire.FailureMessage {

	if amountIn < amountOut || amountIn-amountOut < policy.Fee(amountOut) {
		return &lnwire.FailTrampolineFeeInsufficient{}
	}

	if expiryIn < expiryOut || expiryIn-expiryOut < policy.CltvDelta {
		return &lnwire.FailTrampolineExpiryTooSoon{}
	}

	return nil
}

// computeRouteParams derives the route constraints for the outgoing payment
// from the budget the sender provided. The caller must have validated the
// relay first, so the subtractions below cannot underflow.
func computeRouteParams(policy FeePolicy, amountIn lnwire.MilliSatoshi,
	expiryIn uint32, amountOut lnwire.MilliSatoshi,
	expiryOut uint32) RouteParams {

	return RouteParams{
		MaxFeeBase: amountIn - amountOut - policy.Fee(amountOut),
		MaxFeePct:  0,
		MaxCltv:    expiryIn - expiryOut - policy.CltvDelta,
	}
}
