package relaydb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/relay"
)

var (
	// pendingRelayBucket stores the upstream resolutions that have been
	// decided but not yet acknowledged by the channel register. Each entry
	// maps a serialized circuit key to a serialized resolution command.
	//
	// pendingRelayBucket -> circuitKey -> resolution
	pendingRelayBucket = []byte("pending-relay")

	// ErrCorruptedStore is returned when a stored resolution cannot be
	// deserialized.
	ErrCorruptedStore = errors.New("pending relay store corrupted")
)

// resolutionType distinguishes the stored command kinds.
type resolutionType byte

const (
	// resolutionFail fails the upstream HTLC with a failure message.
	resolutionFail resolutionType = 0

	// resolutionFulfill settles the upstream HTLC with a preimage.
	resolutionFulfill resolutionType = 1
)

// resolution is one durable upstream command awaiting acknowledgement.
type resolution struct {
	key      lnwire.CircuitKey
	resType  resolutionType
	preimage lntypes.Preimage
	reason   lnwire.FailureMessage
}

// Store is the durable send path for upstream HTLC resolutions. Every fail
// and fulfill is written to disk before it is handed to the channel register
// and deleted only once the register has accepted it, so that a crash between
// decision and delivery is repaired by replaying the store at startup.
//
// Store implements the relay.SafeSender interface.
type Store struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	db       kvdb.Backend
	register relay.ChannelRegister

	// retryTicker drives redelivery of resolutions the register rejected
	// transiently.
	retryTicker ticker.Ticker

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewStore creates a pending-resolution store on the given database backend,
// dispatching to the given channel register.
func NewStore(db kvdb.Backend, register relay.ChannelRegister,
	retryTicker ticker.Ticker) (*Store, error) {

	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(pendingRelayBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &Store{
		db:          db,
		register:    register,
		retryTicker: retryTicker,
		quit:        make(chan struct{}),
	}, nil
}

// Start replays all pending resolutions left over from a previous run and
// launches the retry loop.
func (s *Store) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	pending, err := s.fetchPending()
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		log.Infof("Replaying %v pending upstream resolutions",
			len(pending))
	}
	for _, res := range pending {
		s.dispatch(res)
	}

	s.wg.Add(1)
	go s.retryLoop()

	return nil
}

// Stop shuts down the retry loop. Pending resolutions stay on disk and are
// replayed on the next start.
func (s *Store) Stop() {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return
	}

	close(s.quit)
	s.wg.Wait()
}

// SendFail durably fails the upstream HTLC identified by key.
//
// NOTE: Part of the relay.SafeSender interface.
func (s *Store) SendFail(key lnwire.CircuitKey,
	reason lnwire.FailureMessage) error {

	res := &resolution{
		key:     key,
		resType: resolutionFail,
		reason:  reason,
	}
	if err := s.persist(res); err != nil {
		return err
	}

	s.dispatch(res)
	return nil
}

// SendFulfill durably settles the upstream HTLC identified by key.
//
// NOTE: Part of the relay.SafeSender interface.
func (s *Store) SendFulfill(key lnwire.CircuitKey,
	preimage lntypes.Preimage) error {

	res := &resolution{
		key:      key,
		resType:  resolutionFulfill,
		preimage: preimage,
	}
	if err := s.persist(res); err != nil {
		return err
	}

	s.dispatch(res)
	return nil
}

// Pending returns the resolutions currently awaiting acknowledgement. It is
// exported for inspection tooling.
func (s *Store) Pending() ([]lnwire.CircuitKey, error) {
	pending, err := s.fetchPending()
	if err != nil {
		return nil, err
	}

	keys := make([]lnwire.CircuitKey, 0, len(pending))
	for _, res := range pending {
		keys = append(keys, res.key)
	}

	return keys, nil
}

// Purge drops the stored resolution for the given circuit key without
// dispatching it. It is exported for recovery tooling only.
func (s *Store) Purge(key lnwire.CircuitKey) error {
	return s.ack(key)
}

// retryLoop periodically redelivers resolutions that are still pending,
// covering commands the register rejected transiently.
func (s *Store) retryLoop() {
	defer s.wg.Done()

	s.retryTicker.Resume()
	defer s.retryTicker.Stop()

	for {
		select {
		case <-s.retryTicker.Ticks():
			pending, err := s.fetchPending()
			if err != nil {
				log.Errorf("Unable to fetch pending "+
					"resolutions: %v", err)
				continue
			}

			for _, res := range pending {
				s.dispatch(res)
			}

		case <-s.quit:
			return
		}
	}
}

// dispatch hands a resolution to the channel register and acknowledges it on
// success. Failures are only logged; the retry loop picks the resolution up
// again.
func (s *Store) dispatch(res *resolution) {
	var err error
	switch res.resType {
	case resolutionFail:
		err = s.register.FailHTLC(res.key, res.reason)

	case resolutionFulfill:
		err = s.register.FulfillHTLC(res.key, res.preimage)
	}
	if err != nil {
		log.Warnf("Unable to dispatch resolution for %v: %v", res.key,
			err)
		return
	}

	if err := s.ack(res.key); err != nil {
		log.Errorf("Unable to ack resolution for %v: %v", res.key,
			err)
	}
}

// persist writes a resolution to the pending bucket.
func (s *Store) persist(res *resolution) error {
	var (
		keyBytes = serializeCircuitKey(res.key)
		value    bytes.Buffer
	)
	if err := serializeResolution(&value, res); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(pendingRelayBucket)
		if bucket == nil {
			return ErrCorruptedStore
		}

		return bucket.Put(keyBytes, value.Bytes())
	}, func() {})
}

// ack removes an acknowledged resolution from the pending bucket.
func (s *Store) ack(key lnwire.CircuitKey) error {
	keyBytes := serializeCircuitKey(key)

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(pendingRelayBucket)
		if bucket == nil {
			return ErrCorruptedStore
		}

		return bucket.Delete(keyBytes)
	}, func() {})
}

// fetchPending reads all resolutions awaiting acknowledgement.
func (s *Store) fetchPending() ([]*resolution, error) {
	var pending []*resolution
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(pendingRelayBucket)
		if bucket == nil {
			return ErrCorruptedStore
		}

		return bucket.ForEach(func(k, v []byte) error {
			key, err := deserializeCircuitKey(k)
			if err != nil {
				return err
			}

			res, err := deserializeResolution(bytes.NewReader(v))
			if err != nil {
				return err
			}
			res.key = key

			pending = append(pending, res)
			return nil
		})
	}, func() {
		pending = nil
	})
	if err != nil {
		return nil, err
	}

	return pending, nil
}

// serializeCircuitKey encodes a circuit key as the 32-byte channel id
// followed by the big-endian HTLC id.
func serializeCircuitKey(key lnwire.CircuitKey) []byte {
	var b [40]byte
	copy(b[:32], key.ChanID[:])
	binary.BigEndian.PutUint64(b[32:], key.HtlcID)

	return b[:]
}

// deserializeCircuitKey decodes a circuit key written by
// serializeCircuitKey.
func deserializeCircuitKey(b []byte) (lnwire.CircuitKey, error) {
	var key lnwire.CircuitKey
	if len(b) != 40 {
		return key, fmt.Errorf("%w: invalid circuit key length %v",
			ErrCorruptedStore, len(b))
	}

	copy(key.ChanID[:], b[:32])
	key.HtlcID = binary.BigEndian.Uint64(b[32:])

	return key, nil
}

// serializeResolution encodes a resolution as a type byte followed by the
// type specific payload: the raw preimage for fulfills, the encoded failure
// message for fails.
func serializeResolution(w *bytes.Buffer, res *resolution) error {
	if err := w.WriteByte(byte(res.resType)); err != nil {
		return err
	}

	switch res.resType {
	case resolutionFail:
		return lnwire.EncodeFailure(w, res.reason, 0)

	case resolutionFulfill:
		_, err := w.Write(res.preimage[:])
		return err

	default:
		return fmt.Errorf("%w: unknown resolution type %v",
			ErrCorruptedStore, res.resType)
	}
}

// deserializeResolution decodes a resolution written by
// serializeResolution. The circuit key is filled in by the caller.
func deserializeResolution(r *bytes.Reader) (*resolution, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	res := &resolution{
		resType: resolutionType(typeByte),
	}

	switch res.resType {
	case resolutionFail:
		reason, err := lnwire.DecodeFailure(r, 0)
		if err != nil {
			return nil, err
		}
		res.reason = reason

	case resolutionFulfill:
		if _, err := io.ReadFull(r, res.preimage[:]); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown resolution type %v",
			ErrCorruptedStore, typeByte)
	}

	return res, nil
}
