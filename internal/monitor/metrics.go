package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsink_poll_cycles_total",
		Help: "Total number of poll cycles run",
	})
	metricPollCycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsink_poll_cycle_errors_total",
		Help: "Total number of poll cycles that failed with a communication error",
	})
	metricMessagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsink_messages_fetched_total",
		Help: "Total number of messages fetched from the mailbox",
	})
	metricAlertsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsink_alerts_delivered_total",
		Help: "Total number of alerts accepted by the receiver, by route",
	}, []string{"route"})
	metricDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsink_delivery_failures_total",
		Help: "Total number of failed delivery attempts, by kind",
	}, []string{"kind"})
	metricAlertsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsink_alerts_persisted_total",
		Help: "Total number of alerts appended to the store",
	})
	metricSessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsink_session_reconnects_total",
		Help: "Total number of times the mailbox session was discarded and reopened",
	})
	metricLastCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailsink_last_cycle_timestamp_seconds",
		Help: "Unix time of the most recently completed poll cycle",
	})
	metricDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailsink_delivery_duration_seconds",
		Help:    "Webhook delivery latency",
		Buckets: prometheus.DefBuckets,
	})
	metricAlertsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailsink_alerts_stored",
		Help: "Number of alerts currently persisted in the store",
	})
)

const (
	failureKindFatal     = "fatal"
	failureKindRetryable = "retryable"
)
