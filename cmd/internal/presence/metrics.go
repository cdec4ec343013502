package presence

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pairhub"

// Metrics is the core's counter/gauge sink.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	Authorized()
	Deauthorized()
	HeartbeatReceived()
	Delivered(eventType string, ok bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ConnectionOpened()      {}
func (NopMetrics) ConnectionClosed()      {}
func (NopMetrics) Authorized()            {}
func (NopMetrics) Deauthorized()          {}
func (NopMetrics) HeartbeatReceived()     {}
func (NopMetrics) Delivered(string, bool) {}

// PromMetrics exports the core metrics to Prometheus.
type PromMetrics struct {
	Connections            prometheus.Gauge
	AuthorizedConnections  prometheus.Gauge
	InitializedConnections prometheus.Counter
	Deliveries             *prometheus.CounterVec
}

// NewPromMetrics creates and registers the collectors on r.
// Collectors already registered on r are reused.
func NewPromMetrics(r prometheus.Registerer) (*PromMetrics, error) {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}

	m := &PromMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of live transport sessions.",
		}),
		AuthorizedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "authorized_connections",
			Help:      "Number of sessions that identified with a heartbeat.",
		}),
		InitializedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "initialized_connections_total",
			Help:      "Heartbeats received.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Server-to-client event deliveries by type and result.",
		}, []string{"type", "result"}),
	}

	var err error
	if m.Connections, err = registerGauge(r, m.Connections); err != nil {
		return nil, err
	}
	if m.AuthorizedConnections, err = registerGauge(r, m.AuthorizedConnections); err != nil {
		return nil, err
	}
	if err := r.Register(m.InitializedConnections); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.InitializedConnections = are.ExistingCollector.(prometheus.Counter)
	}
	if err := r.Register(m.Deliveries); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.Deliveries = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return m, nil
}

func registerGauge(r prometheus.Registerer, g prometheus.Gauge) (prometheus.Gauge, error) {
	if err := r.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		return are.ExistingCollector.(prometheus.Gauge), nil
	}
	return g, nil
}

func (m *PromMetrics) ConnectionOpened()  { m.Connections.Inc() }
func (m *PromMetrics) ConnectionClosed()  { m.Connections.Dec() }
func (m *PromMetrics) Authorized()        { m.AuthorizedConnections.Inc() }
func (m *PromMetrics) Deauthorized()      { m.AuthorizedConnections.Dec() }
func (m *PromMetrics) HeartbeatReceived() { m.InitializedConnections.Inc() }

func (m *PromMetrics) Delivered(eventType string, ok bool) {
	result := "delivered"
	if !ok {
		result = "dropped"
	}
	m.Deliveries.WithLabelValues(eventType, result).Inc()
}
