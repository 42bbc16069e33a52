package relay

import (
	"sync"

	"github.com/lightninglabs/trampoline/lntypes"
	"github.com/lightninglabs/trampoline/lnwire"
)

// mockAggregatorFactory hands out mock aggregators and keeps track of them so
// tests can drive the aggregation outcome directly.
type mockAggregatorFactory struct {
	mtx  sync.Mutex
	aggs []*mockAggregator
}

func newMockAggregatorFactory() *mockAggregatorFactory {
	return &mockAggregatorFactory{}
}

func (f *mockAggregatorFactory) NewAggregator(hash lntypes.Hash,
	total lnwire.MilliSatoshi,
	deliver func(AggregatorEvent)) (PartAggregator, error) {

	agg := &mockAggregator{
		hash:    hash,
		total:   total,
		deliver: deliver,
	}

	f.mtx.Lock()
	f.aggs = append(f.aggs, agg)
	f.mtx.Unlock()

	return agg, nil
}

func (f *mockAggregatorFactory) numAggregators() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return len(f.aggs)
}

func (f *mockAggregatorFactory) lastAggregator() *mockAggregator {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if len(f.aggs) == 0 {
		return nil
	}

	return f.aggs[len(f.aggs)-1]
}

// mockAggregator records the parts it is handed and lets the test decide when
// the set completes or fails.
type mockAggregator struct {
	hash    lntypes.Hash
	total   lnwire.MilliSatoshi
	deliver func(AggregatorEvent)

	mtx     sync.Mutex
	parts   []lnwire.UpdateAddHTLC
	stopped bool
}

func (a *mockAggregator) AddPart(add lnwire.UpdateAddHTLC) {
	a.mtx.Lock()
	a.parts = append(a.parts, add)
	a.mtx.Unlock()
}

func (a *mockAggregator) Stop() {
	a.mtx.Lock()
	a.stopped = true
	a.mtx.Unlock()
}

func (a *mockAggregator) numParts() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return len(a.parts)
}

// completeSet delivers SetComplete with the parts received so far.
func (a *mockAggregator) completeSet() {
	a.mtx.Lock()
	parts := make([]lnwire.UpdateAddHTLC, len(a.parts))
	copy(parts, a.parts)
	a.mtx.Unlock()

	a.deliver(&SetComplete{Parts: parts})
}

// failSet delivers SetFailed with the parts received so far.
func (a *mockAggregator) failSet(failure lnwire.FailureMessage) {
	a.mtx.Lock()
	parts := make([]lnwire.UpdateAddHTLC, len(a.parts))
	copy(parts, a.parts)
	a.mtx.Unlock()

	a.deliver(&SetFailed{Failure: failure, Parts: parts})
}

// mockDispatcher records the outgoing payments it was asked to send and lets
// the test deliver the payment outcome.
type mockDispatcher struct {
	mtx      sync.Mutex
	payments []*LightningPayment
	deliver  func(PaymentEvent)
	nextID   uint64

	// sendErr, when set, makes SendPayment fail.
	sendErr error
}

func (d *mockDispatcher) SendPayment(payment *LightningPayment,
	deliver func(PaymentEvent)) (uint64, error) {

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.sendErr != nil {
		return 0, d.sendErr
	}

	d.payments = append(d.payments, payment)
	d.deliver = deliver
	d.nextID++

	return d.nextID, nil
}

func (d *mockDispatcher) numPayments() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return len(d.payments)
}

func (d *mockDispatcher) lastPayment() *LightningPayment {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if len(d.payments) == 0 {
		return nil
	}

	return d.payments[len(d.payments)-1]
}

func (d *mockDispatcher) deliverEvent(event PaymentEvent) {
	d.mtx.Lock()
	deliver := d.deliver
	d.mtx.Unlock()

	deliver(event)
}

// upstreamResolution is one fail or fulfill issued through the mock sender.
type upstreamResolution struct {
	key      lnwire.CircuitKey
	reason   lnwire.FailureMessage
	preimage lntypes.Preimage
}

// mockSender records every upstream resolution in issue order.
type mockSender struct {
	mtx      sync.Mutex
	fails    []upstreamResolution
	fulfills []upstreamResolution
}

func (s *mockSender) SendFail(key lnwire.CircuitKey,
	reason lnwire.FailureMessage) error {

	s.mtx.Lock()
	s.fails = append(s.fails, upstreamResolution{key: key, reason: reason})
	s.mtx.Unlock()

	return nil
}

func (s *mockSender) SendFulfill(key lnwire.CircuitKey,
	preimage lntypes.Preimage) error {

	s.mtx.Lock()
	s.fulfills = append(s.fulfills, upstreamResolution{
		key: key, preimage: preimage,
	})
	s.mtx.Unlock()

	return nil
}

func (s *mockSender) numFails() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.fails)
}

func (s *mockSender) numFulfills() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.fulfills)
}

func (s *mockSender) failedKeys() []lnwire.CircuitKey {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	keys := make([]lnwire.CircuitKey, 0, len(s.fails))
	for _, res := range s.fails {
		keys = append(keys, res.key)
	}

	return keys
}

func (s *mockSender) failReasons() []lnwire.FailureMessage {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	reasons := make([]lnwire.FailureMessage, 0, len(s.fails))
	for _, res := range s.fails {
		reasons = append(reasons, res.reason)
	}

	return reasons
}

func (s *mockSender) fulfilledKeys() []lnwire.CircuitKey {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	keys := make([]lnwire.CircuitKey, 0, len(s.fulfills))
	for _, res := range s.fulfills {
		keys = append(keys, res.key)
	}

	return keys
}

// mockPublisher records the events published on the bus.
type mockPublisher struct {
	mtx    sync.Mutex
	events []interface{}
}

func (p *mockPublisher) Publish(event interface{}) {
	p.mtx.Lock()
	p.events = append(p.events, event)
	p.mtx.Unlock()
}

func (p *mockPublisher) numEvents() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return len(p.events)
}

func (p *mockPublisher) lastEvent() interface{} {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.events) == 0 {
		return nil
	}

	return p.events[len(p.events)-1]
}

// mockMetrics counts failed relays per failure class.
type mockMetrics struct {
	mtx      sync.Mutex
	failures map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{failures: make(map[string]int)}
}

func (m *mockMetrics) PaymentRelayFailed(failure string) {
	m.mtx.Lock()
	m.failures[failure]++
	m.mtx.Unlock()
}

func (m *mockMetrics) failureCount(failure string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.failures[failure]
}
