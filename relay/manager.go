package relay

import (
	"sync"
	"sync/atomic"

	"github.com/lightninglabs/trampoline/lntypes"
)

// Manager owns the set of live relay instances, keyed by payment hash. All
// packets for the same hash are routed to the same instance; a new instance
// is created for the first packet of an unseen hash. Once an instance reaches
// its terminal state the manager disposes of it, so a later payment with the
// same hash starts a fresh relay.
type Manager struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg *Config

	// nextID is the id handed to the next relay instance. To be used
	// atomically.
	nextID uint64

	mtx    sync.Mutex
	relays map[lntypes.Hash]*Relay

	wg sync.WaitGroup
}

// NewManager creates a relay manager with the given node-wide configuration.
// The manager installs its own OnTerminal hook on the config.
func NewManager(cfg *Config) *Manager {
	m := &Manager{
		cfg:    cfg,
		relays: make(map[lntypes.Hash]*Relay),
	}
	cfg.OnTerminal = m.removeRelay

	return m
}

// Start makes the manager ready to accept packets.
func (m *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return nil
	}

	log.Info("Trampoline relay manager starting")

	return nil
}

// Stop shuts down the manager and all live relay instances.
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.shutdown, 0, 1) {
		return
	}

	log.Info("Trampoline relay manager stopping")

	m.mtx.Lock()
	relays := make([]*Relay, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, r)
	}
	m.relays = make(map[lntypes.Hash]*Relay)
	m.mtx.Unlock()

	for _, r := range relays {
		r.Stop()
	}
	m.wg.Wait()
}

// ProcessPacket routes an incoming HTLC packet to the relay instance of its
// payment hash, creating one if none is live.
func (m *Manager) ProcessPacket(pkt *IncomingPacket) error {
	m.mtx.Lock()
	r, ok := m.relays[pkt.Add.PaymentHash]
	if !ok {
		r = NewRelay(
			m.cfg, atomic.AddUint64(&m.nextID, 1),
			pkt.Add.PaymentHash,
		)
		if err := r.Start(); err != nil {
			m.mtx.Unlock()
			return err
		}
		m.relays[pkt.Add.PaymentHash] = r
	}
	m.mtx.Unlock()

	return r.ProcessPacket(pkt)
}

// NumRelays returns the number of live relay instances.
func (m *Manager) NumRelays() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return len(m.relays)
}

// removeRelay disposes of a relay that reached its terminal state. The
// callback runs on the relay's own event goroutine, so the instance is
// stopped asynchronously to avoid a deadlock with its mailbox.
func (m *Manager) removeRelay(r *Relay) {
	m.mtx.Lock()
	live, ok := m.relays[r.PaymentHash()]
	if ok && live.ID() == r.ID() {
		delete(m.relays, r.PaymentHash())
	}
	m.mtx.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.Stop()
	}()
}
