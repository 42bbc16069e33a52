package hop

import (
	"fmt"
	"io"

	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/record"
	"github.com/lightninglabs/trampoline/route"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// PayloadViolation is an enum encapsulating the possible invalid payload
// violations.
type PayloadViolation byte

const (
	// OmittedViolation indicates that a type was expected to be found the
	// payload but was absent.
	OmittedViolation PayloadViolation = iota

	// IncludedViolation indicates that a type was expected to be omitted
	// from the payload but was present.
	IncludedViolation
)

// String returns a human-readable description of the violation as a verb.
func (v PayloadViolation) String() string {
	switch v {
	case OmittedViolation:
		return "omitted"

	case IncludedViolation:
		return "included"

	default:
		return "unknown violation"
	}
}

// ErrInvalidPayload is an error returned when a parsed onion payload either
// included or omitted incorrect records for a particular hop type.
type ErrInvalidPayload struct {
	// Type is the TLV type that violated the constraint.
	Type tlv.Type

	// Violation is an enum indicating the approximate cause of the
	// violation.
	Violation PayloadViolation
}

// Error returns a human-readable description of the invalid payload error.
func (e ErrInvalidPayload) Error() string {
	return fmt.Sprintf("onion payload %v record %v", e.Violation,
		e.Type)
}

// OuterPayload houses the fields of the outer onion payload that the relay
// consumes: the payment secret shared by all parts of the incoming payment
// and the total amount the sender intends to deliver to this node.
type OuterPayload struct {
	// PaymentSecret binds all parts of the incoming payment and prevents
	// probing by other nodes.
	PaymentSecret fn.Option[[32]byte]

	// TotalMsat is the total amount the sender is transferring to this
	// node across all parts.
	TotalMsat lnwire.MilliSatoshi
}

// TrampolinePayload is the decoded inner onion payload instructing this node
// how to relay the payment onwards.
type TrampolinePayload struct {
	// AmtToForward is the amount that should be forwarded to the outgoing
	// node.
	AmtToForward lnwire.MilliSatoshi

	// OutgoingCltv is the absolute block height before which the outgoing
	// payment must resolve.
	OutgoingCltv uint32

	// OutgoingNodeID is the node the payment should be relayed to.
	OutgoingNodeID route.Vertex

	// PaymentSecret is the payment secret to use for the outgoing
	// payment. It is only set when relaying to a non-trampoline
	// recipient, in which case it was supplied by the recipient's
	// invoice.
	PaymentSecret fn.Option[[32]byte]

	// InvoiceFeatures is the raw feature vector of the recipient's
	// invoice. Its presence signals that the outgoing node is the final,
	// non-trampoline recipient.
	InvoiceFeatures fn.Option[[]byte]

	// RoutingInfo carries the recipient invoice's routing hints, used
	// when relaying to a non-trampoline recipient.
	RoutingInfo record.RoutingInfo
}

// NewPayloadFromReader builds a new trampoline payload from the passed
// io.Reader. The reader should correspond to the bytes encapsulated in a TLV
// onion payload.
func NewPayloadFromReader(r io.Reader) (*TrampolinePayload, error) {
	var (
		amt         uint64
		cltv        uint32
		outgoingID  [route.VertexSize]byte
		paymentData record.PaymentData
		features    []byte
		routingInfo record.RoutingInfo
	)

	tlvStream, err := tlv.NewStream(
		record.NewAmtToFwdRecord(&amt),
		record.NewLockTimeRecord(&cltv),
		paymentData.Record(),
		record.NewOutgoingNodeIDRecord(&outgoingID),
		record.NewInvoiceFeaturesRecord(&features),
		record.NewRoutingInfoRecord(&routingInfo),
	)
	if err != nil {
		return nil, err
	}

	parsedTypes, err := tlvStream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}

	// The forwarding amount, lock time and outgoing node must always be
	// present in a trampoline payload.
	if _, ok := parsedTypes[record.AmtOnionType]; !ok {
		return nil, ErrInvalidPayload{
			Type:      record.AmtOnionType,
			Violation: OmittedViolation,
		}
	}
	if _, ok := parsedTypes[record.LockTimeOnionType]; !ok {
		return nil, ErrInvalidPayload{
			Type:      record.LockTimeOnionType,
			Violation: OmittedViolation,
		}
	}
	if _, ok := parsedTypes[record.OutgoingNodeIDOnionType]; !ok {
		return nil, ErrInvalidPayload{
			Type:      record.OutgoingNodeIDOnionType,
			Violation: OmittedViolation,
		}
	}

	payload := &TrampolinePayload{
		AmtToForward:    lnwire.MilliSatoshi(amt),
		OutgoingCltv:    cltv,
		OutgoingNodeID:  route.Vertex(outgoingID),
		PaymentSecret:   fn.None[[32]byte](),
		InvoiceFeatures: fn.None[[]byte](),
		RoutingInfo:     routingInfo,
	}

	if _, ok := parsedTypes[record.PaymentDataOnionType]; ok {
		payload.PaymentSecret = fn.Some(paymentData.PaymentSecret())
	}
	if _, ok := parsedTypes[record.InvoiceFeaturesOnionType]; ok {
		payload.InvoiceFeatures = fn.Some(features)
	}

	return payload, nil
}

// Features parses the invoice feature vector carried in the payload. An empty
// vector is returned when the payload carries none.
func (p *TrampolinePayload) Features() *lnwire.RawFeatureVector {
	var fv *lnwire.RawFeatureVector
	p.InvoiceFeatures.WhenSome(func(raw []byte) {
		fv = lnwire.FeatureVectorFromBytes(raw)
	})
	if fv == nil {
		fv = lnwire.NewRawFeatureVector()
	}

	return fv
}

// RelayToNonTrampoline returns true if the payload instructs this node to
// relay directly to a non-trampoline recipient.
func (p *TrampolinePayload) RelayToNonTrampoline() bool {
	return p.InvoiceFeatures.IsSome()
}
