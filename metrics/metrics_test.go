package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionFailed("credential")
	m.SessionActivated(0.4)
	m.EventReceived("event")
	m.EventReceived("text")
	m.EventReceived("text")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionStarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionFailures.WithLabelValues("credential")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("text")))

	m.SessionEnded(42)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionFailed("media")
		m.SessionActivated(1)
		m.SessionEnded(1)
		m.EventReceived("event")
		m.CredentialMinted("ok")
		m.UsageReported()
	})
}

func TestInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
