// Package metrics exposes queue, pool, transport and transaction state as
// prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/risa-org/linkpool/linkpool"
	"github.com/risa-org/linkpool/segment"
	"github.com/risa-org/linkpool/switcher"
)

const namespace = "linkpool"

// Metrics owns the collectors. Create it with New before the core so
// ObserveTransaction can be handed to the switch engine, then Attach the
// core's queues, pool and link pool.
type Metrics struct {
	reg          prometheus.Registerer
	transactions *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

// New registers the event counters on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Finished adapter transactions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_transitions_total",
			Help:      "Transport state changes by target state.",
		}, []string{"to"}),
	}
	for _, c := range []prometheus.Collector{m.transactions, m.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveTransaction counts one finished transaction.
func (m *Metrics) ObserveTransaction(r switcher.Result) {
	m.transactions.WithLabelValues(r.Kind.String(), outcome(r)).Inc()
}

func outcome(r switcher.Result) string {
	switch {
	case r.Success:
		return "success"
	case r.Partial:
		return "partial"
	case r.RequireRestart:
		return "require_restart"
	default:
		return "failure"
	}
}

// Attach registers gauges that read the live state of queues, pool and links.
func (m *Metrics) Attach(queues *segment.Queues, pool *segment.Pool, links *linkpool.Manager) error {
	var cs []prometheus.Collector
	for _, qt := range segment.AllQueues {
		qt := qt
		labels := prometheus.Labels{"queue": qt.String()}
		cs = append(cs,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "queue_length",
				Help:        "Segments ready for delivery.",
				ConstLabels: labels,
			}, func() float64 { return float64(queues.Len(qt)) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "queue_pending",
				Help:        "Out-of-order segments waiting for a gap to fill.",
				ConstLabels: labels,
			}, func() float64 { return float64(queues.Pending(qt)) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: "queue_dropped_total",
				Help:        "Segments rejected as late or duplicate.",
				ConstLabels: labels,
			}, func() float64 { return float64(queues.Dropped(qt)) }),
		)
	}

	cs = append(cs,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_free",
			Help: "Idle segment buffers on the free list.",
		}, func() float64 { return float64(pool.Stats().Free) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_allocated_total",
			Help: "Segment buffers allocated fresh.",
		}, func() float64 { return float64(pool.Stats().Allocated) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_trimmed_total",
			Help: "Segment buffers dropped by watermark trimming.",
		}, func() float64 { return float64(pool.Stats().Trimmed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_state",
			Help: "Aggregate transport state (0 idle .. 5 decreasing).",
		}, func() float64 { return float64(links.State()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "data_adapters_connected",
			Help: "Connected data adapters.",
		}, func() float64 { return float64(links.ConnectedDataCount()) }),
	)

	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	links.OnStateChange(func(_, to linkpool.State) {
		m.transitions.WithLabelValues(to.String()).Inc()
	})
	return nil
}
