package lnwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FailureMessage represents the onion failure object identified by its unique
// failure code.
type FailureMessage interface {
	// Code returns the failure unique code.
	Code() FailCode

	// Error satisfies the built-in error interface.
	Error() string
}

// Serializable is an interface which defines a failure which can be written
// to and read from an io.Writer and io.Reader respectively.
type Serializable interface {
	// Decode reads the failure from the passed io.Reader.
	Decode(r io.Reader, pver uint32) error

	// Encode writes the failure to the passed io.Writer.
	Encode(w io.Writer, pver uint32) error
}

// FailureMessageLength is the size of the failure message plus the size of
// padding. The FailureMessage message should always be EXACTLY this size.
const FailureMessageLength = 256

const (
	// FlagBadOnion error flag describes an unparsable, encrypted by
	// previous node.
	FlagBadOnion FailCode = 0x8000

	// FlagPerm error flag indicates a permanent failure.
	FlagPerm FailCode = 0x4000

	// FlagNode error flag indicates a node failure.
	FlagNode FailCode = 0x2000

	// FlagUpdate error flag indicates a new channel update is enclosed.
	FlagUpdate FailCode = 0x1000
)

// FailCode specifies the precise reason that an upstream HTLC was canceled.
// Each UpdateFailHTLC message carries a FailCode which is to be passed
// backwards, encrypted at each step back to the source of the HTLC within the
// route.
type FailCode uint16

// The currently defined onion failure types within this current version of
// the Lightning protocol that are used by the trampoline relay.
const (
	CodeTemporaryChannelFailure          FailCode = FlagUpdate | 7
	CodeTemporaryNodeFailure             FailCode = FlagNode | 2
	CodePermanentNodeFailure             FailCode = FlagPerm | FlagNode | 2
	CodeUnknownNextPeer                  FailCode = FlagPerm | 10
	CodeIncorrectOrUnknownPaymentDetails FailCode = FlagPerm | 15
	CodeMPPTimeout                       FailCode = 23
	CodeTrampolineFeeInsufficient        FailCode = FlagNode | 51
	CodeTrampolineExpiryTooSoon          FailCode = FlagNode | 52
)

// String returns the string representation of the failure code.
func (c FailCode) String() string {
	switch c {
	case CodeTemporaryChannelFailure:
		return "TemporaryChannelFailure"

	case CodeTemporaryNodeFailure:
		return "TemporaryNodeFailure"

	case CodePermanentNodeFailure:
		return "PermanentNodeFailure"

	case CodeUnknownNextPeer:
		return "UnknownNextPeer"

	case CodeIncorrectOrUnknownPaymentDetails:
		return "IncorrectOrUnknownPaymentDetails"

	case CodeMPPTimeout:
		return "MPPTimeout"

	case CodeTrampolineFeeInsufficient:
		return "TrampolineFeeInsufficient"

	case CodeTrampolineExpiryTooSoon:
		return "TrampolineExpiryTooSoon"

	default:
		return "<unknown>"
	}
}

// FailTemporaryNodeFailure is returned if an otherwise unspecified transient
// error occurs for the entire node.
//
// NOTE: May be returned by any node in the payment route.
type FailTemporaryNodeFailure struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailTemporaryNodeFailure) Code() FailCode {
	return CodeTemporaryNodeFailure
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailTemporaryNodeFailure) Error() string {
	return f.Code().String()
}

// FailPermanentNodeFailure is returned if an otherwise unspecified permanent
// error occurs for the entire node.
//
// NOTE: May be returned by any node in the payment route.
type FailPermanentNodeFailure struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailPermanentNodeFailure) Code() FailCode {
	return CodePermanentNodeFailure
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailPermanentNodeFailure) Error() string {
	return f.Code().String()
}

// FailUnknownNextPeer is returned if the outgoing channel specified by the
// onion is not known.
//
// NOTE: May only be returned by intermediate nodes.
type FailUnknownNextPeer struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailUnknownNextPeer) Code() FailCode {
	return CodeUnknownNextPeer
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailUnknownNextPeer) Error() string {
	return f.Code().String()
}

// FailMPPTimeout is returned if the complete amount for a multi part payment
// was not received within a reasonable time.
//
// NOTE: May only be returned by the final node in the path.
type FailMPPTimeout struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailMPPTimeout) Code() FailCode {
	return CodeMPPTimeout
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailMPPTimeout) Error() string {
	return f.Code().String()
}

// FailTemporaryChannelFailure is returned if an otherwise unspecified
// transient error occurs for the outgoing channel (eg. channel capacity
// reached, too many in-flight htlc). The channel update enclosed on the wire
// is not retained here as the relay never originates this failure itself.
type FailTemporaryChannelFailure struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailTemporaryChannelFailure) Code() FailCode {
	return CodeTemporaryChannelFailure
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailTemporaryChannelFailure) Error() string {
	return f.Code().String()
}

// Decode decodes the failure from bytes stream.
//
// NOTE: Part of the Serializable interface.
func (f *FailTemporaryChannelFailure) Decode(r io.Reader, pver uint32) error {
	// The enclosed channel update, if any, is skipped.
	var updateLen uint16
	if err := binary.Read(r, binary.BigEndian, &updateLen); err != nil {
		return err
	}

	if updateLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(updateLen)); err != nil {
			return err
		}
	}

	return nil
}

// Encode writes the failure in bytes stream.
//
// NOTE: Part of the Serializable interface.
func (f *FailTemporaryChannelFailure) Encode(w io.Writer, pver uint32) error {
	// Zero length channel update.
	return binary.Write(w, binary.BigEndian, uint16(0))
}

// FailIncorrectDetails is returned for two reasons:
//
// 1) if the payment hash has already been paid, the final node MAY treat the
// payment hash as unknown, or may succeed in accepting the HTLC. If the
// payment hash is unknown, the final node MUST fail the HTLC.
//
// 2) if the amount paid is less than the amount expected, the final node MUST
// fail the HTLC. If the amount paid is more than twice the amount expected,
// the final node SHOULD fail the HTLC. This allows the sender to reduce
// information leakage by altering the amount, without allowing accidental
// gross overpayment.
//
// NOTE: May only be returned by the final node in the path.
type FailIncorrectDetails struct {
	// amount is the value of the extended HTLC.
	amount MilliSatoshi

	// height is the block height when the htlc was received.
	height uint32
}

// NewFailIncorrectDetails makes a new instance of the FailIncorrectDetails
// error bound to the specified HTLC amount and acceptance height.
func NewFailIncorrectDetails(amt MilliSatoshi,
	height uint32) *FailIncorrectDetails {

	return &FailIncorrectDetails{
		amount: amt,
		height: height,
	}
}

// Amount is the value of the extended HTLC.
func (f *FailIncorrectDetails) Amount() MilliSatoshi {
	return f.amount
}

// Height is the block height when the htlc was received.
func (f *FailIncorrectDetails) Height() uint32 {
	return f.height
}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailIncorrectDetails) Code() FailCode {
	return CodeIncorrectOrUnknownPaymentDetails
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailIncorrectDetails) Error() string {
	return fmt.Sprintf(
		"%v(amt=%v, height=%v)", CodeIncorrectOrUnknownPaymentDetails,
		f.amount, f.height,
	)
}

// Decode decodes the failure from bytes stream.
//
// NOTE: Part of the Serializable interface.
func (f *FailIncorrectDetails) Decode(r io.Reader, pver uint32) error {
	if err := binary.Read(r, binary.BigEndian, (*uint64)(&f.amount)); err != nil {
		return err
	}

	// Height is optional in legacy encodings, tolerate its absence.
	err := binary.Read(r, binary.BigEndian, &f.height)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		f.height = 0

	case err != nil:
		return err
	}

	return nil
}

// Encode writes the failure in bytes stream.
//
// NOTE: Part of the Serializable interface.
func (f *FailIncorrectDetails) Encode(w io.Writer, pver uint32) error {
	if err := binary.Write(w, binary.BigEndian, uint64(f.amount)); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, f.height)
}

// FailTrampolineFeeInsufficient is returned if the fee paid to the trampoline
// node is below what it requires to relay the payment. The sender should
// retry with a higher fee budget, which may also unlock indirect routes.
//
// NOTE: May only be returned by a trampoline node.
type FailTrampolineFeeInsufficient struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailTrampolineFeeInsufficient) Code() FailCode {
	return CodeTrampolineFeeInsufficient
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailTrampolineFeeInsufficient) Error() string {
	return f.Code().String()
}

// FailTrampolineExpiryTooSoon is returned if the timelock budget given to the
// trampoline node does not leave it enough of a delta to relay safely.
//
// NOTE: May only be returned by a trampoline node.
type FailTrampolineExpiryTooSoon struct{}

// Code returns the failure unique code.
//
// NOTE: Part of the FailureMessage interface.
func (f *FailTrampolineExpiryTooSoon) Code() FailCode {
	return CodeTrampolineExpiryTooSoon
}

// Returns a human readable string describing the target FailureMessage.
//
// NOTE: Implements the error interface.
func (f *FailTrampolineExpiryTooSoon) Error() string {
	return f.Code().String()
}

// makeEmptyOnionError creates a new empty onion error of the proper concrete
// type based on the passed failure code.
func makeEmptyOnionError(code FailCode) (FailureMessage, error) {
	switch code {
	case CodeTemporaryChannelFailure:
		return &FailTemporaryChannelFailure{}, nil

	case CodeTemporaryNodeFailure:
		return &FailTemporaryNodeFailure{}, nil

	case CodePermanentNodeFailure:
		return &FailPermanentNodeFailure{}, nil

	case CodeUnknownNextPeer:
		return &FailUnknownNextPeer{}, nil

	case CodeIncorrectOrUnknownPaymentDetails:
		return &FailIncorrectDetails{}, nil

	case CodeMPPTimeout:
		return &FailMPPTimeout{}, nil

	case CodeTrampolineFeeInsufficient:
		return &FailTrampolineFeeInsufficient{}, nil

	case CodeTrampolineExpiryTooSoon:
		return &FailTrampolineExpiryTooSoon{}, nil

	default:
		return nil, fmt.Errorf("unknown error code: %v", code)
	}
}

// DecodeFailure decodes, validates, and parses the lnwire onion failure, for
// the provided protocol version.
func DecodeFailure(r io.Reader, pver uint32) (FailureMessage, error) {
	// First, we'll parse out the encapsulated failure message itself. This
	// is a 2 byte length followed by the payload itself.
	var failureLength uint16
	if err := binary.Read(r, binary.BigEndian, &failureLength); err != nil {
		return nil, fmt.Errorf("unable to read error len: %w", err)
	}
	if failureLength > FailureMessageLength {
		return nil, fmt.Errorf("failure message is too long: %v",
			failureLength)
	}
	failureData := make([]byte, failureLength)
	if _, err := io.ReadFull(r, failureData); err != nil {
		return nil, fmt.Errorf("unable to full read payload of "+
			"%v: %w", failureLength, err)
	}

	dataReader := bytes.NewReader(failureData)

	// Once we have the failure data, we can obtain the failure code from
	// the first two bytes of the buffer.
	var codeBytes [2]byte
	if _, err := io.ReadFull(dataReader, codeBytes[:]); err != nil {
		return nil, fmt.Errorf("unable to read failure code: %w", err)
	}
	failCode := FailCode(binary.BigEndian.Uint16(codeBytes[:]))

	// Create the empty failure by given code and populate the failure with
	// additional data if needed.
	failure, err := makeEmptyOnionError(failCode)
	if err != nil {
		return nil, err
	}

	// Finally, if this failure has a payload, then we'll read that now as
	// well.
	switch f := failure.(type) {
	case Serializable:
		if err := f.Decode(dataReader, pver); err != nil {
			return nil, fmt.Errorf("unable to decode error "+
				"update (type=%T): %w", failure, err)
		}
	}

	return failure, nil
}

// EncodeFailure encodes, including the necessary onion failure header
// information.
func EncodeFailure(w io.Writer, failure FailureMessage, pver uint32) error {
	var failureMessageBuffer bytes.Buffer

	err := EncodeFailureMessage(&failureMessageBuffer, failure, pver)
	if err != nil {
		return err
	}

	// The combined size of this message must be below the max allowed
	// failure message length.
	failureMessage := failureMessageBuffer.Bytes()
	if len(failureMessage) > FailureMessageLength {
		return fmt.Errorf("failure message exceed max available size")
	}

	// Finally, we'll add some padding in order to ensure that all failure
	// messages are fixed size.
	pad := make([]byte, FailureMessageLength-len(failureMessage))

	if err := binary.Write(w, binary.BigEndian,
		uint16(len(failureMessage))); err != nil {

		return err
	}
	if _, err := w.Write(failureMessage); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian,
		uint16(len(pad))); err != nil {

		return err
	}
	if _, err := w.Write(pad); err != nil {
		return err
	}

	return nil
}

// EncodeFailureMessage encodes just the failure message without adding a
// length and padding the message for the onion protocol.
func EncodeFailureMessage(w io.Writer, failure FailureMessage,
	pver uint32) error {

	// First, we'll write out the error code itself into the failure
	// buffer.
	var codeBytes [2]byte
	code := uint16(failure.Code())
	binary.BigEndian.PutUint16(codeBytes[:], code)
	_, err := w.Write(codeBytes[:])
	if err != nil {
		return err
	}

	// Next, some message have an additional message payload, if this is
	// one of those types, then we'll also encode the error payload as
	// well.
	switch failure := failure.(type) {
	case Serializable:
		if err := failure.Encode(w, pver); err != nil {
			return err
		}
	}

	return nil
}
