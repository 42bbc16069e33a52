package hop

import (
	"bytes"
	"testing"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"

	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/record"
	"github.com/lightninglabs/trampoline/route"
)

var testNodeID = route.Vertex{0x02, 0x11, 0x22}

// encodePayload serializes the given records into a raw trampoline payload.
func encodePayload(t *testing.T, records ...tlv.Record) []byte {
	t.Helper()

	stream, err := tlv.NewStream(records...)
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, stream.Encode(&b))

	return b.Bytes()
}

// TestDecodeTrampolinePayload asserts that a payload towards another
// trampoline node decodes into its required fields, leaving the invoice
// fields unset.
func TestDecodeTrampolinePayload(t *testing.T) {
	t.Parallel()

	var (
		amt    = uint64(950_000)
		cltv   = uint32(600_150)
		nodeID = [route.VertexSize]byte(testNodeID)
	)

	raw := encodePayload(t,
		record.NewAmtToFwdRecord(&amt),
		record.NewLockTimeRecord(&cltv),
		record.NewOutgoingNodeIDRecord(&nodeID),
	)

	payload, err := NewPayloadFromReader(bytes.NewReader(raw))
	require.NoError(t, err)

	require.Equal(t, lnwire.MilliSatoshi(950_000), payload.AmtToForward)
	require.Equal(t, uint32(600_150), payload.OutgoingCltv)
	require.Equal(t, testNodeID, payload.OutgoingNodeID)
	require.False(t, payload.PaymentSecret.IsSome())
	require.False(t, payload.RelayToNonTrampoline())
	require.True(t, payload.Features().IsEmpty())
}

// TestDecodeRecipientPayload asserts that a payload towards a non-trampoline
// recipient carries the invoice's secret, features and routing hints.
func TestDecodeRecipientPayload(t *testing.T) {
	t.Parallel()

	var (
		amt      = uint64(950_000)
		cltv     = uint32(600_150)
		nodeID   = [route.VertexSize]byte(testNodeID)
		secret   = [32]byte{0xcc, 0xcc}
		features = lnwire.NewRawFeatureVector(
			lnwire.MPPOptional,
		).Bytes()
		hints = record.RoutingInfo{{
			{
				NodeID:                    testNodeID,
				ChannelID:                 42,
				FeeBaseMSat:               10,
				FeeProportionalMillionths: 1,
				CLTVExpiryDelta:           144,
			},
		}}
	)

	paymentData := record.NewPaymentData(secret, 950_000)
	raw := encodePayload(t,
		record.NewAmtToFwdRecord(&amt),
		record.NewLockTimeRecord(&cltv),
		paymentData.Record(),
		record.NewOutgoingNodeIDRecord(&nodeID),
		record.NewInvoiceFeaturesRecord(&features),
		record.NewRoutingInfoRecord(&hints),
	)

	payload, err := NewPayloadFromReader(bytes.NewReader(raw))
	require.NoError(t, err)

	require.True(t, payload.RelayToNonTrampoline())
	require.True(t, payload.Features().HasFeature(lnwire.MPPOptional))
	require.Equal(t, hints, payload.RoutingInfo)

	require.True(t, payload.PaymentSecret.IsSome())
	payload.PaymentSecret.WhenSome(func(s [32]byte) {
		require.Equal(t, secret, s)
	})
}

// TestDecodePayloadMissingRequired asserts that omitting any of the required
// records fails decoding with the offending type.
func TestDecodePayloadMissingRequired(t *testing.T) {
	t.Parallel()

	var (
		amt    = uint64(950_000)
		cltv   = uint32(600_150)
		nodeID = [route.VertexSize]byte(testNodeID)
	)

	tests := []struct {
		name     string
		records  []tlv.Record
		expected tlv.Type
	}{{
		name: "missing amount",
		records: []tlv.Record{
			record.NewLockTimeRecord(&cltv),
			record.NewOutgoingNodeIDRecord(&nodeID),
		},
		expected: record.AmtOnionType,
	}, {
		name: "missing lock time",
		records: []tlv.Record{
			record.NewAmtToFwdRecord(&amt),
			record.NewOutgoingNodeIDRecord(&nodeID),
		},
		expected: record.LockTimeOnionType,
	}, {
		name: "missing outgoing node",
		records: []tlv.Record{
			record.NewAmtToFwdRecord(&amt),
			record.NewLockTimeRecord(&cltv),
		},
		expected: record.OutgoingNodeIDOnionType,
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			raw := encodePayload(t, test.records...)

			_, err := NewPayloadFromReader(bytes.NewReader(raw))
			require.Equal(t, ErrInvalidPayload{
				Type:      test.expected,
				Violation: OmittedViolation,
			}, err)
		})
	}
}
