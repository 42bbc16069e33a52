package record

import (
	"fmt"
	"io"

	"github.com/lightninglabs/trampoline/route"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// AmtOnionType is the type used in the onion to reference the amount
	// to send to the next node.
	AmtOnionType tlv.Type = 2

	// LockTimeOnionType is the type used in the onion to reference the
	// CLTV value that should be used for the next node's HTLC.
	LockTimeOnionType tlv.Type = 4

	// PaymentDataOnionType is the type used in the onion to reference the
	// payment data fields: payment_secret and total_amount.
	PaymentDataOnionType tlv.Type = 8

	// OutgoingNodeIDOnionType is the type used in a trampoline onion
	// payload to reference the node the payment should be relayed to.
	OutgoingNodeIDOnionType tlv.Type = 14

	// InvoiceFeaturesOnionType is the type used in a trampoline onion
	// payload to carry the feature vector of the recipient's invoice. Its
	// presence signals that the next node is not a trampoline node.
	InvoiceFeaturesOnionType tlv.Type = 66097

	// InvoiceRoutingInfoOnionType is the type used in a trampoline onion
	// payload to carry the routing hints of the recipient's invoice.
	InvoiceRoutingInfoOnionType tlv.Type = 66099

	// TrampolineOnionType is the type used in an outer onion payload to
	// carry the nested trampoline onion packet.
	TrampolineOnionType tlv.Type = 66100
)

// NewAmtToFwdRecord creates a tlv.Record that encodes the amount_to_forward
// (type 2) for an onion payload.
func NewAmtToFwdRecord(amt *uint64) tlv.Record {
	return tlv.MakeDynamicRecord(
		AmtOnionType, amt, func() uint64 {
			return tlv.SizeTUint64(*amt)
		},
		tlv.ETUint64, tlv.DTUint64,
	)
}

// NewLockTimeRecord creates a tlv.Record that encodes the outgoing_cltv_value
// (type 4) for an onion payload.
func NewLockTimeRecord(lockTime *uint32) tlv.Record {
	return tlv.MakeDynamicRecord(
		LockTimeOnionType, lockTime, func() uint64 {
			return tlv.SizeTUint32(*lockTime)
		},
		tlv.ETUint32, tlv.DTUint32,
	)
}

// NewOutgoingNodeIDRecord creates a tlv.Record that encodes the
// outgoing_node_id (type 14) for a trampoline onion payload.
func NewOutgoingNodeIDRecord(nodeID *[route.VertexSize]byte) tlv.Record {
	return tlv.MakePrimitiveRecord(OutgoingNodeIDOnionType, nodeID)
}

// NewInvoiceFeaturesRecord creates a tlv.Record that encodes the raw feature
// vector of the recipient's invoice (type 66097) for a trampoline onion
// payload.
func NewInvoiceFeaturesRecord(features *[]byte) tlv.Record {
	return tlv.MakePrimitiveRecord(InvoiceFeaturesOnionType, features)
}

// PaymentData is a record that encodes the payment_secret and total amount
// fields necessary for multi-part payments and probing protection.
type PaymentData struct {
	// paymentSecret is a value bound to the payment, used to group its
	// parts and to prevent probing by intermediate nodes.
	paymentSecret [32]byte

	// totalMsat is the total value of the payment, potentially spread
	// across more than one HTLC.
	totalMsat uint64
}

// NewPaymentData generates a new payment data record with the given secret
// and total.
func NewPaymentData(secret [32]byte, total uint64) *PaymentData {
	return &PaymentData{
		paymentSecret: secret,
		totalMsat:     total,
	}
}

// PaymentSecret returns the payment secret contained in the record.
func (r *PaymentData) PaymentSecret() [32]byte {
	return r.paymentSecret
}

// TotalMsat returns the total value of the payment in msats.
func (r *PaymentData) TotalMsat() uint64 {
	return r.totalMsat
}

// PaymentDataEncoder writes the PaymentData record to the provided io.Writer.
func PaymentDataEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*PaymentData); ok {
		err := tlv.EBytes32(w, &v.paymentSecret, buf)
		if err != nil {
			return err
		}

		return tlv.ETUint64T(w, v.totalMsat, buf)
	}

	return tlv.NewTypeForEncodingErr(val, "PaymentData")
}

const (
	// minPaymentDataLength is the minimum length of a serialized
	// PaymentData TLV record, which occurs when the truncated encoding of
	// total_amt_msat takes 0 bytes, leaving only the payment_secret.
	minPaymentDataLength = 32

	// maxPaymentDataLength is the maximum length of a serialized
	// PaymentData TLV record, which occurs when the truncated encoding of
	// total_amt_msat takes 8 bytes.
	maxPaymentDataLength = 40
)

// PaymentDataDecoder reads the PaymentData record from the provided
// io.Reader.
func PaymentDataDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if v, ok := val.(*PaymentData); ok &&
		minPaymentDataLength <= l && l <= maxPaymentDataLength {

		if err := tlv.DBytes32(r, &v.paymentSecret, buf, 32); err != nil {
			return err
		}

		return tlv.DTUint64(r, &v.totalMsat, buf, l-32)
	}

	return tlv.NewTypeForDecodingErr(val, "PaymentData", l,
		maxPaymentDataLength)
}

// Record returns a tlv.Record that can be used to encode or decode this
// record.
func (r *PaymentData) Record() tlv.Record {
	// Fixed-size, 32 byte payment secret followed by truncated 64-bit
	// total msat.
	size := func() uint64 {
		return 32 + tlv.SizeTUint64(r.totalMsat)
	}

	return tlv.MakeDynamicRecord(
		PaymentDataOnionType, r, size, PaymentDataEncoder,
		PaymentDataDecoder,
	)
}

// String returns a human-readable representation of the payment data field.
func (r *PaymentData) String() string {
	if r == nil {
		return "<nil>"
	}

	return fmt.Sprintf("total=%v, secret=%x", r.totalMsat, r.paymentSecret)
}
