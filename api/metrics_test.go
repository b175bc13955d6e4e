package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) get() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestKeyExportSpikeAlert(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 3

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditPrivateKeyRevealed)
	}
	collector.recordEvent(AuditCertificateExported)
	assert.Empty(t, rec.get(), "certificate-only exports do not count")

	collector.recordEvent(AuditPrivateKeyRevealed)
	alerts := rec.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertKeyExportSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, 3, alerts[0].Threshold)
}

func TestDeleteSpikeAlert(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.deletes.threshold = 4

	collector.recordEvent(AuditCertificateDeleted)
	collector.recordEvent(AuditCADeleted)
	collector.recordEvent(AuditCertificateDeleted)
	assert.Empty(t, rec.get())

	collector.recordEvent(AuditCADeleted)
	alerts := rec.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDeleteSpike, alerts[0].Type)
}

func TestMetricsWithoutCallback(t *testing.T) {
	newMetricsCollector(nil).recordEvent(AuditPrivateKeyRevealed)

	var collector *metricsCollector
	collector.recordEvent(AuditPrivateKeyRevealed)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 5

	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditPrivateKeyRevealed)
	}

	now = now.Add(defaultExportWindow + time.Second)
	collector.recordEvent(AuditPrivateKeyRevealed)
	assert.Empty(t, rec.get(), "expired exports no longer count")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	var rec alertRecorder
	collector := newMetricsCollector(rec.record)
	collector.deletes.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditCertificateDeleted)
	}
	require.Len(t, rec.get(), 1)

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditCertificateDeleted)
	}
	assert.Len(t, rec.get(), 1, "counter restarts after an alert")

	collector.recordEvent(AuditCertificateDeleted)
	assert.Len(t, rec.get(), 2)
}
