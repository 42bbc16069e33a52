// Package monitoring exposes the relay's prometheus instrumentation.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// relayType labels all trampoline relay metrics, so they can be told apart
// from channel relay metrics sharing the same namespace.
const relayType = "trampoline"

// RelayMetrics records relay outcomes as prometheus counters. It implements
// the relay.RelayMetrics interface.
type RelayMetrics struct {
	relayFailed *prometheus.CounterVec
}

// NewRelayMetrics creates the relay metric collectors and registers them with
// the given registerer.
func NewRelayMetrics(registry prometheus.Registerer) (*RelayMetrics, error) {
	m := &RelayMetrics{
		relayFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_relay_failed",
				Help: "Number of failed payment relays, by " +
					"failure class.",
			},
			[]string{"failure", "relay_type"},
		),
	}

	if err := registry.Register(m.relayFailed); err != nil {
		return nil, err
	}

	return m, nil
}

// PaymentRelayFailed increments the failed-relay counter for the given
// failure class.
//
// NOTE: Part of the relay.RelayMetrics interface.
func (m *RelayMetrics) PaymentRelayFailed(failure string) {
	m.relayFailed.With(prometheus.Labels{
		"failure":    failure,
		"relay_type": relayType,
	}).Inc()
}
