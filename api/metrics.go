package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertKeyExportSpike fires when private keys leave the store faster
	// than the configured rate, by export or by unscrubbed reads.
	AlertKeyExportSpike AlertType = "key_export_spike"
	// AlertDeleteSpike fires on a burst of certificate or CA deletions.
	AlertDeleteSpike AlertType = "delete_spike"
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

type slidingWindow struct {
	hits      []time.Time
	window    time.Duration
	threshold int
}

// metricsCollector counts audit events in sliding windows.
type metricsCollector struct {
	mu      sync.Mutex
	exports slidingWindow
	deletes slidingWindow
	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultExportWindow    = 5 * time.Minute
	defaultExportThreshold = 10
	defaultDeleteWindow    = time.Minute
	defaultDeleteThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		exports: slidingWindow{window: defaultExportWindow, threshold: defaultExportThreshold},
		deletes: slidingWindow{window: defaultDeleteWindow, threshold: defaultDeleteThreshold},
		alertFn: alertFn,
		now:     time.Now,
	}
}

func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPrivateKeyRevealed:
		m.record(&m.exports, AlertKeyExportSpike, "private key export rate exceeds threshold")
	case AuditCertificateDeleted, AuditCADeleted:
		m.record(&m.deletes, AlertDeleteSpike, "deletion rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *slidingWindow, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.hits = trimWindow(append(w.hits, now), now, w.window)
	if len(w.hits) < w.threshold {
		return
	}
	m.alertFn(AlertEvent{
		Type:      typ,
		Message:   msg,
		Count:     len(w.hits),
		Threshold: w.threshold,
		Timestamp: now,
	})
	// One alert per spike.
	w.hits = w.hits[:0]
}

// trimWindow drops entries older than now-window from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
