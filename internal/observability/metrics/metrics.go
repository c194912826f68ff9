package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "magicsaas_"

	resultSuccess  = "success"
	resultError    = "error"
	resultRejected = "rejected"
	resultDropped  = "dropped"
)

var (
	registerOnce sync.Once

	eventAppends   *prometheus.CounterVec
	eventBuffered  prometheus.Gauge
	flushTotal     *prometheus.CounterVec
	flushLatency   *prometheus.HistogramVec
	flushBatchSize prometheus.Histogram

	replayTotal *prometheus.CounterVec

	sensorIngest      *prometheus.CounterVec
	sensorIngestError *prometheus.CounterVec
	occupancyCount    *prometheus.GaugeVec
	occupancyCrossing *prometheus.CounterVec

	transcriptionTotal   *prometheus.CounterVec
	transcriptionLatency *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec

	alexaRequests *prometheus.CounterVec
)

// Init registers the pipeline metrics once.
func Init() {
	registerOnce.Do(func() {
		eventAppends = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_appends_total",
				Help: "Total events appended to the store by layer",
			},
			[]string{"layer"},
		)
		eventBuffered = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_buffered",
				Help: "Events buffered and not yet persisted",
			},
		)
		flushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_flush_total",
				Help: "Total event store flushes by result",
			},
			[]string{"result"},
		)
		flushLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_flush_latency_seconds",
				Help:    "Event store flush latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		flushBatchSize = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_flush_batch_size",
				Help:    "Events written per flush",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		)

		replayTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_replay_total",
				Help: "Total aggregate replays by result",
			},
			[]string{"result"},
		)

		sensorIngest = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sensor_ingest_total",
				Help: "Total sensor messages by source and result",
			},
			[]string{"source", "result"},
		)
		sensorIngestError = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sensor_ingest_errors_total",
				Help: "Total rejected sensor messages by source and reason",
			},
			[]string{"source", "reason"},
		)
		occupancyCount = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "room_occupancy",
				Help: "Current room occupancy",
			},
			[]string{"tenant", "room"},
		)
		occupancyCrossing = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "occupancy_threshold_crossings_total",
				Help: "Total occupancy threshold crossings by direction",
			},
			[]string{"direction"},
		)

		transcriptionTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transcription_requests_total",
				Help: "Total transcription requests by domain and result",
			},
			[]string{"domain", "result"},
		)
		transcriptionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "transcription_latency_seconds",
				Help:    "Transcription latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"result"},
		)
		breakerState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		)

		alexaRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alexa_requests_total",
				Help: "Total Alexa webhook requests by request type and result",
			},
			[]string{"type", "result"},
		)

		prometheus.MustRegister(
			eventAppends,
			eventBuffered,
			flushTotal,
			flushLatency,
			flushBatchSize,
			replayTotal,
			sensorIngest,
			sensorIngestError,
			occupancyCount,
			occupancyCrossing,
			transcriptionTotal,
			transcriptionLatency,
			breakerState,
			alexaRequests,
		)

	})
}

// IncEventAppend counts an appended event.
func IncEventAppend(layer string) {
	if eventAppends != nil {
		eventAppends.WithLabelValues(layer).Inc()
	}
}

// SetBuffered sets the buffered event gauge.
func SetBuffered(n int) {
	if eventBuffered != nil {
		eventBuffered.Set(float64(n))
	}
}

// ObserveFlush records flush latency, result and batch size.
func ObserveFlush(result string, duration time.Duration, batch int) {
	if result == "" {
		result = resultSuccess
	}
	if flushTotal != nil {
		flushTotal.WithLabelValues(result).Inc()
	}
	if flushLatency != nil {
		flushLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if flushBatchSize != nil && batch > 0 && result == resultSuccess {
		flushBatchSize.Observe(float64(batch))
	}
}

// IncReplay counts a replay run.
func IncReplay(result string) {
	if replayTotal != nil {
		replayTotal.WithLabelValues(result).Inc()
	}
}

// IncSensorIngest counts a sensor message outcome.
func IncSensorIngest(source, result string) {
	if source == "" {
		source = "unknown"
	}
	if sensorIngest != nil {
		sensorIngest.WithLabelValues(source, result).Inc()
	}
}

// IncSensorIngestError counts a rejected sensor message.
func IncSensorIngestError(source, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if sensorIngestError != nil {
		sensorIngestError.WithLabelValues(source, reason).Inc()
	}
	IncSensorIngest(source, resultRejected)
}

// SetOccupancy sets the room occupancy gauge.
func SetOccupancy(tenant, room string, count int) {
	if occupancyCount != nil {
		occupancyCount.WithLabelValues(tenant, room).Set(float64(count))
	}
}

// IncOccupancyCrossing counts a threshold crossing ("over" or "under").
func IncOccupancyCrossing(direction string) {
	if occupancyCrossing != nil {
		occupancyCrossing.WithLabelValues(direction).Inc()
	}
}

// ObserveTranscription records transcription latency and result.
func ObserveTranscription(domain, result string, duration time.Duration) {
	if domain == "" {
		domain = "general"
	}
	if transcriptionTotal != nil {
		transcriptionTotal.WithLabelValues(domain, result).Inc()
	}
	if transcriptionLatency != nil {
		transcriptionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetBreakerState records a circuit breaker state.
func SetBreakerState(name string, state float64) {
	if breakerState != nil {
		breakerState.WithLabelValues(name).Set(state)
	}
}

// IncAlexaRequest counts an Alexa webhook request.
func IncAlexaRequest(requestType, result string) {
	if requestType == "" {
		requestType = "unknown"
	}
	if alexaRequests != nil {
		alexaRequests.WithLabelValues(requestType, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess  = resultSuccess
	ResultError    = resultError
	ResultRejected = resultRejected
	ResultDropped  = resultDropped
)
