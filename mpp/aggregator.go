package mpp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/relay"
)

// DefaultReceiveTimeout is the time a partial payment may sit incomplete
// before its accumulated parts are failed back.
const DefaultReceiveTimeout = 60 * time.Second

// Config houses the parameters shared by all aggregators of a node.
type Config struct {
	// Clock is the time source of the receive timeout.
	Clock clock.Clock

	// ReceiveTimeout bounds how long an incomplete set is held before it
	// is failed back with mpp_timeout.
	ReceiveTimeout time.Duration
}

// Factory spawns aggregators for the relay package.
type Factory struct {
	cfg *Config
}

// NewFactory creates an aggregator factory. A zero receive timeout falls back
// to the default.
func NewFactory(cfg *Config) *Factory {
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}

	return &Factory{cfg: cfg}
}

// NewAggregator creates and starts an aggregator for the payment with the
// given hash and declared total amount.
//
// NOTE: Part of the relay.AggregatorFactory interface.
func (f *Factory) NewAggregator(hash lntypes.Hash, total lnwire.MilliSatoshi,
	deliver func(relay.AggregatorEvent)) (relay.PartAggregator, error) {

	a := &Aggregator{
		cfg:     f.cfg,
		hash:    hash,
		total:   total,
		deliver: deliver,
		partIn:  make(chan lnwire.UpdateAddHTLC),
		quit:    make(chan struct{}),
	}

	a.wg.Add(1)
	go a.collect()

	return a, nil
}

// Aggregator accumulates the HTLC parts of one incoming payment until their
// sum reaches the sender's declared total, and fails the set back if the
// receive timeout elapses first. Parts arriving after completion are reported
// as extraneous.
type Aggregator struct {
	shutdown int32 // To be used atomically.

	cfg *Config

	hash    lntypes.Hash
	total   lnwire.MilliSatoshi
	deliver func(relay.AggregatorEvent)

	partIn chan lnwire.UpdateAddHTLC

	wg   sync.WaitGroup
	quit chan struct{}
}

// AddPart hands an incoming HTLC to the aggregator.
//
// NOTE: Part of the relay.PartAggregator interface.
func (a *Aggregator) AddPart(add lnwire.UpdateAddHTLC) {
	select {
	case a.partIn <- add:
	case <-a.quit:
	}
}

// Stop shuts down the aggregator.
//
// NOTE: Part of the relay.PartAggregator interface.
func (a *Aggregator) Stop() {
	if !atomic.CompareAndSwapInt32(&a.shutdown, 0, 1) {
		return
	}

	close(a.quit)
	a.wg.Wait()
}

// collect is the aggregator's main goroutine. The timeout timer starts when
// the aggregator is created, with the first part of the set.
func (a *Aggregator) collect() {
	defer a.wg.Done()

	var (
		parts    []lnwire.UpdateAddHTLC
		received lnwire.MilliSatoshi
		complete bool
	)

	timeout := a.cfg.Clock.TickAfter(a.cfg.ReceiveTimeout)

	for {
		select {
		case add := <-a.partIn:
			if complete {
				log.Debugf("Payment(%x): extraneous part %v",
					a.hash, add.Circuit())

				a.deliver(&relay.ExtraPartReceived{Add: add})
				continue
			}

			parts = append(parts, add)
			received += add.Amount

			log.Debugf("Payment(%x): received part %v, amt=%v, "+
				"total=%v/%v", a.hash, add.Circuit(),
				add.Amount, received, a.total)

			if received >= a.total {
				complete = true
				a.deliver(&relay.SetComplete{Parts: parts})
			}

		case <-timeout:
			if complete {
				continue
			}

			log.Debugf("Payment(%x): timed out with %v/%v "+
				"received", a.hash, received, a.total)

			a.deliver(&relay.SetFailed{
				Failure: &lnwire.FailMPPTimeout{},
				Parts:   parts,
			})

			return

		case <-a.quit:
			return
		}
	}
}
