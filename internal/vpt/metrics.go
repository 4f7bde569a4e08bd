package vpt

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are read-only observability bolted onto the expiry, injection
// and ack paths; they never influence scheduling or lock-ordering
// decisions.
type Metrics struct {
	TicksFired     *prometheus.CounterVec
	PendingBacklog *prometheus.GaugeVec
	Injections     *prometheus.CounterVec
	Acks           *prometheus.CounterVec
}

// NewMetrics registers the VPT metric family against reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TicksFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpt",
			Name:      "ticks_fired_total",
			Help:      "Host timer expiries observed by the periodic timer core.",
		}, []string{"source"}),
		PendingBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpt",
			Name:      "pending_backlog",
			Help:      "Ticks fired but not yet acknowledged by the guest, per timer.",
		}, []string{"source", "irq"}),
		Injections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpt",
			Name:      "injections_total",
			Help:      "Lines asserted by the injection selector.",
		}, []string{"source"}),
		Acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpt",
			Name:      "acks_total",
			Help:      "Vectors acknowledged by the guest and reconciled by intr_post.",
		}, []string{"source"}),
	}
}

// ObserveTick records a host timer expiry for pt. Called from timerFn with
// pt's vCPU lock held, so it must never block or re-enter the core.
func (m *Metrics) ObserveTick(pt *PeriodicTime) {
	if m == nil {
		return
	}
	m.TicksFired.WithLabelValues(pt.Source.String()).Inc()
	m.PendingBacklog.WithLabelValues(pt.Source.String(), strconv.Itoa(int(pt.IRQ))).Set(float64(pt.pendingIntrNr))
}

// ObserveInjection records that the injection selector asserted pt's line.
// Called from UpdateIRQ with the vCPU lock held.
func (m *Metrics) ObserveInjection(pt *PeriodicTime) {
	if m == nil {
		return
	}
	m.Injections.WithLabelValues(pt.Source.String()).Inc()
}

// ObserveAck records that the guest acknowledged pt's vector and refreshes
// the backlog gauge to the post-ack pendingIntrNr. Called from IntrPost
// with the vCPU lock held.
func (m *Metrics) ObserveAck(pt *PeriodicTime) {
	if m == nil {
		return
	}
	m.Acks.WithLabelValues(pt.Source.String()).Inc()
	m.PendingBacklog.WithLabelValues(pt.Source.String(), strconv.Itoa(int(pt.IRQ))).Set(float64(pt.pendingIntrNr))
}
