package lnwire

import (
	"fmt"
)

// UpdateAddHTLC is the message sent by Alice to Bob when she wishes to add an
// HTLC to his remote commitment transaction. In addition to information
// detailing the value, the ID, expiry, and the payment hash are also included
// which allow the remote node to forward or settle the HTLC. Within this
// package only the fields relevant to trampoline relaying are retained; the
// onion blob has already been peeled off by the time a packet reaches the
// relay.
type UpdateAddHTLC struct {
	// ChanID is the particular active channel that this UpdateAddHTLC is
	// bound to.
	ChanID ChannelID

	// ID is the identification server for this HTLC. This value is
	// explicitly included as it allows nodes to survive single-sided
	// restarts. The ID value for this sides starts at zero, and increases
	// with each offered HTLC.
	ID uint64

	// Amount is the amount of milli-satoshis this HTLC is worth.
	Amount MilliSatoshi

	// Expiry is the block height after which this HTLC should expire. It
	// is the receiver's duty to ensure that the outgoing HTLC has a
	// sufficient expiry value to allow her to redeem the incoming HTLC.
	Expiry uint32

	// PaymentHash is the payment hash to be included in the HTLC this
	// request creates. The pre-image to this HTLC must be revealed by the
	// upstream peer in order to fully settle the HTLC.
	PaymentHash [32]byte
}

// CircuitKey uniquely identifies an HTLC on its channel. It is the key under
// which pending fail/fulfill commands are stored and replayed.
type CircuitKey struct {
	// ChanID is the channel the HTLC was offered on.
	ChanID ChannelID

	// HtlcID is the per-channel index of the HTLC.
	HtlcID uint64
}

// String returns a human readable representation of the circuit key.
func (k CircuitKey) String() string {
	return fmt.Sprintf("(chan=%v, htlc=%v)", k.ChanID, k.HtlcID)
}

// Circuit returns the circuit key of the HTLC.
func (c *UpdateAddHTLC) Circuit() CircuitKey {
	return CircuitKey{
		ChanID: c.ChanID,
		HtlcID: c.ID,
	}
}
