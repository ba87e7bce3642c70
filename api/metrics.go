package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertStageFailureSpike AlertType = "stage_failure_spike"
	AlertRegistrationSpike AlertType = "registration_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events inside a trailing time window.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if it reached the
// threshold. The window is cleared after it fires so one spike raises one
// alert.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.times = append(s.times, now)
	s.times = trimWindow(s.times, now, s.window)
	n := len(s.times)
	if n >= s.threshold {
		s.times = s.times[:0]
		return n, true
	}
	return n, false
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	stageFailures slidingWindow
	registrations slidingWindow

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultStageFailureWindow    = 5 * time.Minute
	defaultStageFailureThreshold = 50
	defaultRegistrationWindow    = 1 * time.Minute
	defaultRegistrationThreshold = 30
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		stageFailures: slidingWindow{window: defaultStageFailureWindow, threshold: defaultStageFailureThreshold},
		registrations: slidingWindow{window: defaultRegistrationWindow, threshold: defaultRegistrationThreshold},
		alertFn:       alertFn,
		now:           time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditStageFailed:
		m.record(&m.stageFailures, AlertStageFailureSpike, "uia stage failure rate exceeds threshold")
	case AuditRegister:
		m.record(&m.registrations, AlertRegistrationSpike, "registration rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *slidingWindow, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	count, fire := w.add(now)
	threshold := w.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
