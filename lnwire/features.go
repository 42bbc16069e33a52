package lnwire

import (
	"bytes"
	"io"
)

// FeatureBit represents a feature that can be represented in a set of feature
// vectors. Feature bits follow the even-required/odd-optional rule from the
// specification.
type FeatureBit uint16

const (
	// TLVOnionPayloadRequired is a feature bit that indicates a node is
	// able to decode the new TLV information included in the onion packet.
	TLVOnionPayloadRequired FeatureBit = 8

	// TLVOnionPayloadOptional is an optional feature bit that indicates a
	// node is able to decode the new TLV information included in the onion
	// packet.
	TLVOnionPayloadOptional FeatureBit = 9

	// PaymentAddrRequired is a required feature bit that signals that a
	// node requires payment addresses, which are used to mitigate probing
	// attacks on the receiver of a payment.
	PaymentAddrRequired FeatureBit = 14

	// PaymentAddrOptional is an optional feature bit that signals that a
	// node supports payment addresses.
	PaymentAddrOptional FeatureBit = 15

	// MPPRequired is a required feature bit that signals that the receiver
	// of a payment requires settlement of an invoice with more than one
	// HTLC.
	MPPRequired FeatureBit = 16

	// MPPOptional is an optional feature bit that signals that the
	// receiver of a payment supports settlement of an invoice with more
	// than one HTLC.
	MPPOptional FeatureBit = 17

	// TrampolineRoutingRequired is a required feature bit that signals
	// that the node requires trampoline routing.
	TrampolineRoutingRequired FeatureBit = 56

	// TrampolineRoutingOptional is an optional feature bit that signals
	// that the node supports trampoline routing.
	TrampolineRoutingOptional FeatureBit = 57
)

// IsRequired returns true if the feature bit is even, and false otherwise.
func (b FeatureBit) IsRequired() bool {
	return b&0x01 == 0x00
}

// RawFeatureVector represents a set of feature bits as defined in BOLT-09. A
// RawFeatureVector itself just stores a set of bit flags but can be used to
// check for inclusion of certain feature bits.
type RawFeatureVector struct {
	features map[FeatureBit]struct{}
}

// NewRawFeatureVector creates a feature vector with all of the feature bits
// given as arguments enabled.
func NewRawFeatureVector(bits ...FeatureBit) *RawFeatureVector {
	fv := &RawFeatureVector{
		features: make(map[FeatureBit]struct{}),
	}
	for _, bit := range bits {
		fv.Set(bit)
	}

	return fv
}

// IsEmpty returns whether the feature vector contains any feature bits.
func (fv *RawFeatureVector) IsEmpty() bool {
	return len(fv.features) == 0
}

// IsSet returns whether a particular feature bit is enabled in the vector.
func (fv *RawFeatureVector) IsSet(feature FeatureBit) bool {
	_, ok := fv.features[feature]
	return ok
}

// Set marks a feature as enabled in the vector.
func (fv *RawFeatureVector) Set(feature FeatureBit) {
	fv.features[feature] = struct{}{}
}

// Unset marks a feature as disabled in the vector.
func (fv *RawFeatureVector) Unset(feature FeatureBit) {
	delete(fv.features, feature)
}

// HasFeature returns whether a particular feature is included in the vector,
// checking both the optional and required bits of the feature pair.
func (fv *RawFeatureVector) HasFeature(feature FeatureBit) bool {
	return fv.IsSet(feature) || fv.IsSet(feature^1)
}

// SerializeSize returns the number of bytes needed to represent the feature
// vector as a big-endian bit vector.
func (fv *RawFeatureVector) SerializeSize() int {
	// Find the largest feature bit index.
	max := -1
	for feature := range fv.features {
		index := int(feature)
		if index > max {
			max = index
		}
	}
	if max == -1 {
		return 0
	}

	return max/8 + 1
}

// Encode writes the feature vector in the big-endian bit vector format used
// in invoices and init messages.
func (fv *RawFeatureVector) Encode(w io.Writer) error {
	length := fv.SerializeSize()

	data := make([]byte, length)
	for feature := range fv.features {
		byteIndex := int(feature) / 8
		bitIndex := int(feature) % 8
		data[length-byteIndex-1] |= 1 << uint(bitIndex)
	}

	_, err := w.Write(data)
	return err
}

// Decode reads a feature vector of the given length from the reader. The
// bytes are interpreted as a big-endian bit vector.
func (fv *RawFeatureVector) Decode(r io.Reader, length int) error {
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	for i := 0; i < length; i++ {
		for j := 0; j < 8; j++ {
			if data[length-i-1]&(1<<uint(j)) == 0 {
				continue
			}
			fv.Set(FeatureBit(i*8 + j))
		}
	}

	return nil
}

// FeatureVectorFromBytes parses a raw big-endian bit vector, typically
// obtained from an invoice, into a RawFeatureVector.
func FeatureVectorFromBytes(data []byte) *RawFeatureVector {
	fv := NewRawFeatureVector()
	length := len(data)
	for i := 0; i < length; i++ {
		b := data[length-i-1]
		for j := 0; j < 8; j++ {
			if b&(1<<uint(j)) != 0 {
				fv.Set(FeatureBit(i*8 + j))
			}
		}
	}

	return fv
}

// Bytes returns the big-endian bit vector representation of the feature
// vector.
func (fv *RawFeatureVector) Bytes() []byte {
	var b bytes.Buffer
	if err := fv.Encode(&b); err != nil {
		return nil
	}

	return b.Bytes()
}
