package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/route"
)

var (
	outgoingNode = route.Vertex{0x02, 0xff}
	otherNode    = route.Vertex{0x03, 0xee}
)

// testTranslationCtx builds a context where amount_in - amount_out is the
// given margin and node_fee(amount_out) = 1000 + 90 = 1090.
func testTranslationCtx(margin lnwire.MilliSatoshi) translationContext {
	return translationContext{
		amountIn:       900_000 + margin,
		amountOut:      900_000,
		outgoingNodeID: outgoingNode,
		policy: FeePolicy{
			BaseFee:   1000,
			FeeRate:   100,
			CltvDelta: 40,
		},
	}
}

// TestTranslateFailure exercises the decision table mapping downstream
// payment failures to the single failure returned upstream.
func TestTranslateFailure(t *testing.T) {
	t.Parallel()

	remoteFromTarget := &RemoteFailure{
		Origin:         outgoingNode,
		FailureMessage: &lnwire.FailMPPTimeout{},
	}
	remoteFromOther := &RemoteFailure{
		Origin:         otherNode,
		FailureMessage: &lnwire.FailUnknownNextPeer{},
	}

	tests := []struct {
		name     string
		failures []PaymentFailure
		ctx      translationContext
		expected lnwire.FailureMessage
	}{{
		name:     "no failures",
		failures: nil,
		ctx:      testTranslationCtx(10_000),
		expected: nil,
	}, {
		name: "single balance too low, generous budget",
		failures: []PaymentFailure{
			&LocalFailure{Reason: LocalFailureBalanceTooLow},
		},
		// margin 6000 >= 5 * 1090.
		ctx:      testTranslationCtx(6000),
		expected: &lnwire.FailTemporaryNodeFailure{},
	}, {
		name: "single balance too low, tight budget",
		failures: []PaymentFailure{
			&LocalFailure{Reason: LocalFailureBalanceTooLow},
		},
		// margin 2000 < 5 * 1090.
		ctx:      testTranslationCtx(2000),
		expected: &lnwire.FailTrampolineFeeInsufficient{},
	}, {
		name: "route not found",
		failures: []PaymentFailure{
			&LocalFailure{Reason: LocalFailureRouteNotFound},
		},
		ctx:      testTranslationCtx(10_000),
		expected: &lnwire.FailTrampolineFeeInsufficient{},
	}, {
		name: "route not found among others",
		failures: []PaymentFailure{
			remoteFromOther,
			&LocalFailure{Reason: LocalFailureRouteNotFound},
		},
		ctx:      testTranslationCtx(10_000),
		expected: &lnwire.FailTrampolineFeeInsufficient{},
	}, {
		name: "failure from outgoing node forwarded",
		failures: []PaymentFailure{
			remoteFromOther,
			remoteFromTarget,
		},
		ctx:      testTranslationCtx(10_000),
		expected: remoteFromTarget.FailureMessage,
	}, {
		name: "first remote failure forwarded",
		failures: []PaymentFailure{
			&LocalFailure{Reason: LocalFailureOther},
			remoteFromOther,
		},
		ctx:      testTranslationCtx(10_000),
		expected: remoteFromOther.FailureMessage,
	}, {
		name: "only unclassified local failures",
		failures: []PaymentFailure{
			&LocalFailure{Reason: LocalFailureOther},
			&LocalFailure{Reason: LocalFailureOther},
		},
		ctx:      testTranslationCtx(10_000),
		expected: &lnwire.FailTemporaryNodeFailure{},
	}, {
		name: "multiple balance failures lose the generosity rule",
		failures: []PaymentFailure{
			&LocalFailure{Reason: LocalFailureBalanceTooLow},
			&LocalFailure{Reason: LocalFailureBalanceTooLow},
		},
		ctx:      testTranslationCtx(6000),
		expected: &lnwire.FailTemporaryNodeFailure{},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			result := translateFailure(test.failures, test.ctx)
			require.Equal(t, test.expected, result)

			// Translation is a pure function of its inputs.
			require.Equal(t, result,
				translateFailure(test.failures, test.ctx))
		})
	}
}
