package record

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightninglabs/trampoline/route"
	"github.com/lightningnetwork/lnd/tlv"
)

// hopHintSize is the fixed serialized size of a single hop hint: node id,
// short channel id, base fee, proportional fee and cltv delta.
const hopHintSize = route.VertexSize + 8 + 4 + 4 + 2

// HopHint is a routing hint taken from the recipient's invoice. It describes
// a single private channel that may be used as the last portion of a route to
// the recipient.
type HopHint struct {
	// NodeID is the public key of the node at the start of the channel.
	NodeID route.Vertex

	// ChannelID is the unique identifier of the channel.
	ChannelID uint64

	// FeeBaseMSat is the base fee of the channel in millisatoshis.
	FeeBaseMSat uint32

	// FeeProportionalMillionths is the fee rate, in millionths of a
	// satoshi, for every satoshi sent through the channel.
	FeeProportionalMillionths uint32

	// CLTVExpiryDelta is the time-lock delta of the channel.
	CLTVExpiryDelta uint16
}

// String returns a human readable representation of the hop hint.
func (h *HopHint) String() string {
	return fmt.Sprintf("node=%v, chan=%v", h.NodeID, h.ChannelID)
}

// RoutingInfo is a list of routes hinted by the recipient's invoice, each a
// chained list of hop hints ending at the recipient.
type RoutingInfo [][]HopHint

// NewRoutingInfoRecord creates a tlv.Record that encodes the
// invoice_routing_info (type 66099) for a trampoline onion payload.
func NewRoutingInfoRecord(info *RoutingInfo) tlv.Record {
	size := func() uint64 {
		total := uint64(1)
		for _, hints := range *info {
			total += 1 + uint64(len(hints))*hopHintSize
		}
		return total
	}

	return tlv.MakeDynamicRecord(
		InvoiceRoutingInfoOnionType, info, size,
		routingInfoEncoder, routingInfoDecoder,
	)
}

// routingInfoEncoder writes the RoutingInfo to the provided io.Writer, as a
// count-prefixed list of count-prefixed hint lists.
func routingInfoEncoder(w io.Writer, val interface{}, buf *[8]byte) error {
	info, ok := val.(*RoutingInfo)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "RoutingInfo")
	}

	if len(*info) > 255 {
		return fmt.Errorf("too many hint routes: %v", len(*info))
	}
	if _, err := w.Write([]byte{byte(len(*info))}); err != nil {
		return err
	}

	for _, hints := range *info {
		if len(hints) > 255 {
			return fmt.Errorf("too many hop hints: %v", len(hints))
		}
		if _, err := w.Write([]byte{byte(len(hints))}); err != nil {
			return err
		}

		for _, hint := range hints {
			if err := encodeHopHint(w, &hint); err != nil {
				return err
			}
		}
	}

	return nil
}

// routingInfoDecoder reads the RoutingInfo from the provided io.Reader.
func routingInfoDecoder(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	info, ok := val.(*RoutingInfo)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "RoutingInfo", l, l)
	}

	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return err
	}

	routes := make(RoutingInfo, 0, count[0])
	for i := 0; i < int(count[0]); i++ {
		var hintCount [1]byte
		if _, err := io.ReadFull(r, hintCount[:]); err != nil {
			return err
		}

		hints := make([]HopHint, hintCount[0])
		for j := range hints {
			if err := decodeHopHint(r, &hints[j]); err != nil {
				return err
			}
		}

		routes = append(routes, hints)
	}

	*info = routes
	return nil
}

func encodeHopHint(w io.Writer, hint *HopHint) error {
	var scratch [hopHintSize]byte

	copy(scratch[:route.VertexSize], hint.NodeID[:])
	offset := route.VertexSize
	binary.BigEndian.PutUint64(scratch[offset:], hint.ChannelID)
	offset += 8
	binary.BigEndian.PutUint32(scratch[offset:], hint.FeeBaseMSat)
	offset += 4
	binary.BigEndian.PutUint32(
		scratch[offset:], hint.FeeProportionalMillionths,
	)
	offset += 4
	binary.BigEndian.PutUint16(scratch[offset:], hint.CLTVExpiryDelta)

	_, err := w.Write(scratch[:])
	return err
}

func decodeHopHint(r io.Reader, hint *HopHint) error {
	var scratch [hopHintSize]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return err
	}

	copy(hint.NodeID[:], scratch[:route.VertexSize])
	offset := route.VertexSize
	hint.ChannelID = binary.BigEndian.Uint64(scratch[offset:])
	offset += 8
	hint.FeeBaseMSat = binary.BigEndian.Uint32(scratch[offset:])
	offset += 4
	hint.FeeProportionalMillionths = binary.BigEndian.Uint32(
		scratch[offset:],
	)
	offset += 4
	hint.CLTVExpiryDelta = binary.BigEndian.Uint16(scratch[offset:])

	return nil
}
