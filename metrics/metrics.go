// Package metrics exports registry and rotation counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements bundleregistry.Observer. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registered      *prometheus.CounterVec
	updates         *prometheus.CounterVec
	unobserved      *prometheus.CounterVec
	removed         *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	issueFailures   *prometheus.CounterVec
	issued          *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cert_registry",
			Name:      name,
			Help:      help,
		}, []string{"bundle"})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		registered:      counter("bundles_registered_total", "Bundles registered."),
		updates:         counter("bundle_updates_total", "Bundle updates."),
		unobserved:      counter("bundle_updates_unobserved_total", "Bundle updates with no update handler attached."),
		removed:         counter("bundles_removed_total", "Bundles removed."),
		handlerFailures: counter("update_handler_failures_total", "Update handlers that returned an error or panicked."),
		issueFailures:   counter("certificate_issue_failures_total", "Failed certificate issue attempts."),
		issued:          counter("certificates_issued_total", "Certificates issued."),
	}
}

func (m *Metrics) BundleRegistered(name string) {
	if m == nil {
		return
	}
	m.registered.WithLabelValues(name).Inc()
}

func (m *Metrics) BundleUpdated(name string, handlers int) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(name).Inc()
	if handlers == 0 {
		m.unobserved.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) BundleRemoved(name string) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(name).Inc()
}

func (m *Metrics) HandlerFailed(name string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) CertIssued(name string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(name).Inc()
}

func (m *Metrics) IssueFailed(name string) {
	if m == nil {
		return
	}
	m.issueFailures.WithLabelValues(name).Inc()
}
