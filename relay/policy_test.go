package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lightninglabs/trampoline/lnwire"
)

// TestValidateRelay exercises the fee and timelock budget validation,
// including the exact-budget boundaries which must pass.
func TestValidateRelay(t *testing.T) {
	t.Parallel()

	policy := FeePolicy{
		BaseFee:   1000,
		FeeRate:   100,
		CltvDelta: 40,
	}

	// node_fee(950_000) = 1000 + 95 = 1095.
	const (
		amountOut = lnwire.MilliSatoshi(950_000)
		fee       = lnwire.MilliSatoshi(1095)
		expiryOut = uint32(600_150)
	)
	require.Equal(t, fee, policy.Fee(amountOut))

	tests := []struct {
		name     string
		amountIn lnwire.MilliSatoshi
		expiryIn uint32
		expected lnwire.FailureMessage
	}{{
		name:     "ample budget",
		amountIn: 1_000_000,
		expiryIn: 600_200,
		expected: nil,
	}, {
		name:     "exact fee",
		amountIn: amountOut + fee,
		expiryIn: 600_200,
		expected: nil,
	}, {
		name:     "exact expiry",
		amountIn: 1_000_000,
		expiryIn: expiryOut + 40,
		expected: nil,
	}, {
		name:     "fee one msat short",
		amountIn: amountOut + fee - 1,
		expiryIn: 600_200,
		expected: &lnwire.FailTrampolineFeeInsufficient{},
	}, {
		name:     "amount in below amount out",
		amountIn: amountOut - 1,
		expiryIn: 600_200,
		expected: &lnwire.FailTrampolineFeeInsufficient{},
	}, {
		name:     "expiry one block short",
		amountIn: 1_000_000,
		expiryIn: expiryOut + 39,
		expected: &lnwire.FailTrampolineExpiryTooSoon{},
	}, {
		name:     "expiry in below expiry out",
		amountIn: 1_000_000,
		expiryIn: expiryOut - 1,
		expected: &lnwire.FailTrampolineExpiryTooSoon{},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, test.expected, validateRelay(
				policy, test.amountIn, test.expiryIn,
				amountOut, expiryOut,
			))
		})
	}
}

// TestComputeRouteParams asserts that the route constraints hand the outgoing
// payment exactly the budget left over after this node's fee and delta.
func TestComputeRouteParams(t *testing.T) {
	t.Parallel()

	policy := FeePolicy{
		BaseFee:   1000,
		FeeRate:   100,
		CltvDelta: 40,
	}

	params := computeRouteParams(policy, 1_000_000, 600_200, 950_000,
		600_150)

	require.Equal(t, lnwire.MilliSatoshi(48_905), params.MaxFeeBase)
	require.Equal(t, uint8(0), params.MaxFeePct)
	require.Equal(t, uint32(10), params.MaxCltv)
}

// TestRouteParamsNeverExceedBudget property checks that for any validated
// relay, the derived route constraints keep the total outlay within the
// incoming amount and the outgoing expiry within the incoming one.
func TestRouteParamsNeverExceedBudget(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		policy := FeePolicy{
			BaseFee: lnwire.MilliSatoshi(
				rapid.Uint64Range(0, 10_000).Draw(rt, "base"),
			),
			FeeRate:   rapid.Uint64Range(0, 10_000).Draw(rt, "rate"),
			CltvDelta: rapid.Uint32Range(0, 2016).Draw(rt, "delta"),
		}

		amountOut := lnwire.MilliSatoshi(
			rapid.Uint64Range(1, 1e12).Draw(rt, "amount_out"),
		)
		amountIn := lnwire.MilliSatoshi(
			rapid.Uint64Range(1, 2e12).Draw(rt, "amount_in"),
		)
		expiryOut := rapid.Uint32Range(1, 1e6).Draw(rt, "expiry_out")
		expiryIn := rapid.Uint32Range(1, 2e6).Draw(rt, "expiry_in")

		if validateRelay(
			policy, amountIn, expiryIn, amountOut, expiryOut,
		) != nil {
			rt.Skip("relay rejected")
		}

		params := computeRouteParams(
			policy, amountIn, expiryIn, amountOut, expiryOut,
		)

		// Forwarded amount plus route fees plus our own fee never
		// exceeds what came in.
		require.LessOrEqual(rt,
			uint64(amountOut+params.MaxFeeBase+policy.Fee(amountOut)),
			uint64(amountIn))

		// The outgoing route's timelock never exceeds the incoming
		// expiry minus our own delta.
		require.LessOrEqual(rt, expiryOut+params.MaxCltv+policy.CltvDelta,
			expiryIn)
	})
}
