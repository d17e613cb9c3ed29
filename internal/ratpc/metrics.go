package ratpc

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the server's prometheus collector bundle, modeled on the
// nabbar-golib/dittofs style of registering a small fixed set of counters
// and gauges at construction time rather than lazily on first use.
type metricsSet struct {
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsActive   prometheus.Gauge

	callsAccepted  prometheus.Counter
	callsCompleted prometheus.Counter
	callsFailed    prometheus.Counter
	pingsObserved  prometheus.Counter

	callQueueDepth   prometheus.Gauge
	throttlerBytes   prometheus.Gauge
	handlerPoolBusy  prometheus.Gauge
	connectionsEvicted prometheus.Counter
}

func newMetricsSet(reg prometheus.Registerer, namespace string) *metricsSet {
	m := &metricsSet{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Total TCP connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total",
			Help: "Total TCP connections closed.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Currently open TCP connections.",
		}),
		callsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_accepted_total",
			Help: "Total calls parsed and enqueued onto the call queue.",
		}),
		callsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_completed_total",
			Help: "Total calls dispatched and serialized successfully.",
		}),
		callsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_failed_total",
			Help: "Total calls that returned a dispatcher error.",
		}),
		pingsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pings_total",
			Help: "Total keepalive PING frames observed.",
		}),
		callQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "call_queue_depth",
			Help: "Current number of calls waiting in the call queue.",
		}),
		throttlerBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throttler_queued_bytes",
			Help: "Current bytes queued for write across all connections.",
		}),
		handlerPoolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "handlers_busy",
			Help: "Current number of handler goroutines actively dispatching a call.",
		}),
		connectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_evicted_idle_total",
			Help: "Total connections closed by the idle sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionsAccepted, m.connectionsClosed, m.connectionsActive,
			m.callsAccepted, m.callsCompleted, m.callsFailed, m.pingsObserved,
			m.callQueueDepth, m.throttlerBytes, m.handlerPoolBusy, m.connectionsEvicted,
		)
	}
	return m
}

func (m *metricsSet) observeConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *metricsSet) observeConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
	m.connectionsActive.Dec()
}

func (m *metricsSet) observeConnectionEvicted() {
	if m == nil {
		return
	}
	m.connectionsEvicted.Inc()
}

func (m *metricsSet) observeCallAccepted() {
	if m == nil {
		return
	}
	m.callsAccepted.Inc()
}

func (m *metricsSet) observeCallCompleted(failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.callsFailed.Inc()
		return
	}
	m.callsCompleted.Inc()
}

func (m *metricsSet) observePing() {
	if m == nil {
		return
	}
	m.pingsObserved.Inc()
}

func (m *metricsSet) setCallQueueDepth(n int) {
	if m == nil {
		return
	}
	m.callQueueDepth.Set(float64(n))
}

func (m *metricsSet) setThrottlerBytes(n int64) {
	if m == nil {
		return
	}
	m.throttlerBytes.Set(float64(n))
}

func (m *metricsSet) incHandlerBusy() {
	if m == nil {
		return
	}
	m.handlerPoolBusy.Inc()
}

func (m *metricsSet) decHandlerBusy() {
	if m == nil {
		return
	}
	m.handlerPoolBusy.Dec()
}
