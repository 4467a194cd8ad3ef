package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairfs"
	subsystem = "node"
)

// Metrics holds all Prometheus metrics for a file node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	PayloadBytesTotal  *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	RejectedConnection prometheus.Counter

	// Coordination metrics
	LeaseAcquisitionsTotal *prometheus.CounterVec
	ReplicationsTotal      *prometheus.CounterVec
	FailoversTotal         *prometheus.CounterVec
	PeerRequestDuration    *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Cluster and system metrics
	GossipMembers    prometheus.Gauge
	DiskUsagePercent prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_total",
			Help:        "Total number of protocol commands handled",
			ConstLabels: labels,
		}, []string{"command", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "request_duration_seconds",
			Help:        "Protocol command latency",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"command"}),
		PayloadBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "payload_bytes_total",
			Help:        "File content bytes received and sent",
			ConstLabels: labels,
		}, []string{"direction"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "active_connections",
			Help:        "Connections currently being served",
			ConstLabels: labels,
		}),
		RejectedConnection: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rejected_connections_total",
			Help:        "Connections refused by the admission limiter",
			ConstLabels: labels,
		}),
		LeaseAcquisitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "lease_acquisitions_total",
			Help:        "Write lease attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ReplicationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "replications_total",
			Help:        "Replica pushes by result",
			ConstLabels: labels,
		}, []string{"result"}),
		FailoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "failovers_total",
			Help:        "Primary failover resolutions by result",
			ConstLabels: labels,
		}, []string{"result"}),
		PeerRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "peer_request_duration_seconds",
			Help:        "Latency of node to node calls",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"command"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_hits_total",
			Help:        "Reads served from the fetched-copy cache",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_misses_total",
			Help:        "Reads that had to fetch from another node",
			ConstLabels: labels,
		}),
		GossipMembers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gossip_members",
			Help:        "Members visible in the gossip cluster",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "disk_usage_percent",
			Help:        "Usage of the filesystem holding the data directory",
			ConstLabels: labels,
		}),
	}
}

// ObserveRequest records one handled command
func (m *Metrics) ObserveRequest(command, status string, start time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(command, status).Inc()
	m.RequestDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// AddPayloadBytes counts content bytes; direction is "in" or "out"
func (m *Metrics) AddPayloadBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PayloadBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ConnectionOpened tracks a newly accepted connection
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed tracks a finished connection
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// ConnectionRejected counts a connection refused at admission
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.RejectedConnection.Inc()
}

// LeaseAttempt records a lease acquisition result
func (m *Metrics) LeaseAttempt(result string) {
	if m == nil {
		return
	}
	m.LeaseAcquisitionsTotal.WithLabelValues(result).Inc()
}

// Replication records a replica push result
func (m *Metrics) Replication(result string) {
	if m == nil {
		return
	}
	m.ReplicationsTotal.WithLabelValues(result).Inc()
}

// Failover records a failover result
func (m *Metrics) Failover(result string) {
	if m == nil {
		return
	}
	m.FailoversTotal.WithLabelValues(result).Inc()
}

// ObservePeerRequest records a node to node call
func (m *Metrics) ObservePeerRequest(command string, start time.Time) {
	if m == nil {
		return
	}
	m.PeerRequestDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// CacheHit counts a cache hit
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// CacheMiss counts a cache miss
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// SetGossipMembers records the gossip membership size
func (m *Metrics) SetGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembers.Set(float64(n))
}

// SetDiskUsage records the data directory filesystem usage
func (m *Metrics) SetDiskUsage(pct float64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(pct)
}
