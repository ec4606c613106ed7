package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	// Authentication metrics
	AuthRequests       prometheus.Counter
	AuthAttemptsTotal  *prometheus.CounterVec
	AuthAttempsSuccess *prometheus.CounterVec
	AuthAttempsFail    *prometheus.CounterVec

	// Verification metrics
	Verifications    *prometheus.CounterVec
	AmbiguousDecodes prometheus.Counter
	RegisteredKeys   *prometheus.GaugeVec
	VerificationLog  *prometheus.GaugeVec

	// RPC method metrics
	RPCRequests *prometheus.CounterVec
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	metrics := &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "verinode_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "verinode_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}),
		MessageReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "verinode_ws_messages_received_total",
			Help: "The total number of WebSocket messages received",
		}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "verinode_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		AuthRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "verinode_auth_requests_total",
			Help: "The total number of auth_requests (get challenge code)",
		}),
		AuthAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verinode_auth_attempts_total",
				Help: "The total number of authentication attempts",
			},
			[]string{"auth_method"},
		),
		AuthAttempsSuccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verinode_auth_attempts_success",
				Help: "The total number of successfull authentication attempts",
			},
			[]string{"auth_method"},
		),
		AuthAttempsFail: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verinode_auth_attempts_fail",
				Help: "The total number of failed authentication attempts",
			},
			[]string{"auth_method"},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verinode_verifications_total",
				Help: "The total number of signature verifications by scheme and outcome",
			},
			[]string{"scheme", "outcome"},
		),
		AmbiguousDecodes: factory.NewCounter(prometheus.CounterOpts{
			Name: "verinode_ambiguous_decodes_total",
			Help: "The total number of 64-byte signatures classified without confidence",
		}),
		RegisteredKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verinode_registered_keys",
				Help: "The number of registered signer keys",
			},
			[]string{"scheme"},
		),
		VerificationLog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verinode_verification_records",
				Help: "The number of stored verification records",
			},
			[]string{"scheme", "outcome"},
		),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verinode_rpc_requests_total",
				Help: "The total number of RPC requests by method",
			},
			[]string{"method", "status"},
		),
	}

	return metrics
}

// RecordVerification tracks a single dispatcher outcome.
func (m *Metrics) RecordVerification(scheme string, valid, confident bool) {
	outcome := "rejected"
	if valid {
		outcome = "accepted"
	}
	m.Verifications.WithLabelValues(scheme, outcome).Inc()
	if !confident {
		m.AmbiguousDecodes.Inc()
	}
}

// RecordMetricsPeriodically refreshes database-derived gauges.
func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, logger Logger) {
	logger = logger.NewSystem("metrics")
	dbTicker := time.NewTicker(15 * time.Second)
	defer dbTicker.Stop()

	for range dbTicker.C {
		m.UpdateKeyMetrics(db, logger)
		m.UpdateVerificationMetrics(db, logger)
	}
}

// UpdateKeyMetrics updates the registered key gauges from the database
func (m *Metrics) UpdateKeyMetrics(db *gorm.DB, logger Logger) {
	type SchemeCount struct {
		Scheme string
		Count  int64
	}

	var results []SchemeCount
	err := db.Model(&SignerKey{}).
		Select("scheme, COUNT(*) as count").
		Where("expires_at > ?", time.Now().UTC()).
		Group("scheme").
		Scan(&results).Error
	if err != nil {
		logger.Error("failed to count signer keys", "error", err)
		return
	}

	m.RegisteredKeys.Reset()
	for _, row := range results {
		m.RegisteredKeys.WithLabelValues(row.Scheme).Set(float64(row.Count))
	}
}

// UpdateVerificationMetrics updates the verification record gauges from the database
func (m *Metrics) UpdateVerificationMetrics(db *gorm.DB, logger Logger) {
	type OutcomeCount struct {
		Scheme string
		Valid  bool
		Count  int64
	}

	var results []OutcomeCount
	err := db.Model(&VerificationRecord{}).
		Select("scheme, valid, COUNT(*) as count").
		Group("scheme, valid").
		Scan(&results).Error
	if err != nil {
		logger.Error("failed to count verification records", "error", err)
		return
	}

	// Stage values to avoid partial update issues
	m.VerificationLog.Reset()
	for _, row := range results {
		outcome := "rejected"
		if row.Valid {
			outcome = "accepted"
		}
		m.VerificationLog.WithLabelValues(row.Scheme, outcome).Set(float64(row.Count))
	}
}
