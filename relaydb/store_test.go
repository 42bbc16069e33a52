package relaydb

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
)

const testTimeout = 5 * time.Second

var (
	testPreimage = lntypes.Preimage{1, 2, 3}

	testKey = lnwire.CircuitKey{
		ChanID: lnwire.ChannelID{0x01},
		HtlcID: 7,
	}
)

// registerCall is one resolution delivered to the mock register.
type registerCall struct {
	key      lnwire.CircuitKey
	reason   lnwire.FailureMessage
	preimage lntypes.Preimage
}

// mockRegister records the resolutions it accepted and can be told to reject
// them transiently.
type mockRegister struct {
	mtx      sync.Mutex
	fails    []registerCall
	fulfills []registerCall

	// err, when set, makes both calls fail.
	err error
}

func (r *mockRegister) FailHTLC(key lnwire.CircuitKey,
	reason lnwire.FailureMessage) error {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.err != nil {
		return r.err
	}
	r.fails = append(r.fails, registerCall{key: key, reason: reason})

	return nil
}

func (r *mockRegister) FulfillHTLC(key lnwire.CircuitKey,
	preimage lntypes.Preimage) error {

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.err != nil {
		return r.err
	}
	r.fulfills = append(r.fulfills, registerCall{
		key: key, preimage: preimage,
	})

	return nil
}

func (r *mockRegister) setErr(err error) {
	r.mtx.Lock()
	r.err = err
	r.mtx.Unlock()
}

func (r *mockRegister) numFails() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.fails)
}

func (r *mockRegister) numFulfills() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.fulfills)
}

func newTestBackend(t *testing.T) kvdb.Backend {
	db, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:     t.TempDir(),
		DBFileName: "relay.db",
		DBTimeout:  kvdb.DefaultDBTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// TestStoreSendAndAck asserts that dispatched resolutions are acknowledged
// and leave no pending state behind.
func TestStoreSendAndAck(t *testing.T) {
	t.Parallel()

	db := newTestBackend(t)
	register := &mockRegister{}

	store, err := NewStore(db, register, ticker.NewForce(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(store.Stop)

	require.NoError(t, store.SendFail(
		testKey, &lnwire.FailTemporaryNodeFailure{},
	))
	require.Equal(t, 1, register.numFails())

	fulfillKey := lnwire.CircuitKey{
		ChanID: lnwire.ChannelID{0x02},
		HtlcID: 9,
	}
	require.NoError(t, store.SendFulfill(fulfillKey, testPreimage))
	require.Equal(t, 1, register.numFulfills())

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestStoreReplaysUndelivered asserts that resolutions the register never
// accepted survive a restart and are replayed at startup.
func TestStoreReplaysUndelivered(t *testing.T) {
	t.Parallel()

	db := newTestBackend(t)

	// The register rejects everything: the resolution is persisted but
	// never acknowledged.
	register := &mockRegister{}
	register.setErr(errors.New("channel offline"))

	store, err := NewStore(db, register, ticker.NewForce(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Start())

	require.NoError(t, store.SendFulfill(testKey, testPreimage))
	require.Zero(t, register.numFulfills())

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Equal(t, []lnwire.CircuitKey{testKey}, pending)

	store.Stop()

	// A fresh store over the same database replays the resolution into a
	// now healthy register.
	register.setErr(nil)
	store, err = NewStore(db, register, ticker.NewForce(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(store.Stop)

	require.Eventually(t, func() bool {
		return register.numFulfills() == 1
	}, testTimeout, time.Millisecond)

	pending, err = store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestStoreRetriesTransientFailures asserts that the retry loop redelivers
// resolutions once the register recovers.
func TestStoreRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	db := newTestBackend(t)
	register := &mockRegister{}
	register.setErr(errors.New("channel offline"))

	retryTicker := ticker.NewForce(time.Hour)
	store, err := NewStore(db, register, retryTicker)
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(store.Stop)

	failure := lnwire.NewFailIncorrectDetails(600_000, 600_000)
	require.NoError(t, store.SendFail(testKey, failure))
	require.Zero(t, register.numFails())

	// Recover the register and force a retry tick.
	register.setErr(nil)
	retryTicker.Force <- time.Now()

	require.Eventually(t, func() bool {
		return register.numFails() == 1
	}, testTimeout, time.Millisecond)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestStorePurge asserts that a purged resolution is dropped without ever
// reaching the register.
func TestStorePurge(t *testing.T) {
	t.Parallel()

	db := newTestBackend(t)
	register := &mockRegister{}
	register.setErr(errors.New("channel offline"))

	store, err := NewStore(db, register, ticker.NewForce(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(store.Stop)

	require.NoError(t, store.SendFail(
		testKey, &lnwire.FailTemporaryNodeFailure{},
	))

	require.NoError(t, store.Purge(testKey))

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Zero(t, register.numFails())
}

// TestResolutionSerialization asserts that both resolution kinds survive the
// round trip through the store's codec.
func TestResolutionSerialization(t *testing.T) {
	t.Parallel()

	db := newTestBackend(t)
	register := &mockRegister{}
	register.setErr(errors.New("channel offline"))

	store, err := NewStore(db, register, ticker.NewForce(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(store.Stop)

	failKey := lnwire.CircuitKey{ChanID: lnwire.ChannelID{3}, HtlcID: 1}
	failure := lnwire.NewFailIncorrectDetails(600_000, 600_000)
	require.NoError(t, store.SendFail(failKey, failure))

	fulfillKey := lnwire.CircuitKey{ChanID: lnwire.ChannelID{4}, HtlcID: 2}
	require.NoError(t, store.SendFulfill(fulfillKey, testPreimage))

	pending, err := store.fetchPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	for _, res := range pending {
		switch res.key {
		case failKey:
			require.Equal(t, resolutionFail, res.resType)
			require.Equal(t, failure, res.reason)

		case fulfillKey:
			require.Equal(t, resolutionFulfill, res.resType)
			require.Equal(t, testPreimage, res.preimage)

		default:
			t.Fatalf("unexpected pending key %v", res.key)
		}
	}
}
