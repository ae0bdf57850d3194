package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHandshakesCompletedCounter(t *testing.T) {
	HandshakesCompleted.Reset()
	HandshakesCompleted.WithLabelValues("ok").Inc()
	HandshakesCompleted.WithLabelValues("malformed").Inc()
	HandshakesCompleted.WithLabelValues("malformed").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakesCompleted.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(HandshakesCompleted.WithLabelValues("malformed")))
}

func TestCollectorSessionsActiveGauge(t *testing.T) {
	CollectorSessionsActive.Set(0)
	CollectorSessionsActive.Inc()
	CollectorSessionsActive.Inc()
	CollectorSessionsActive.Dec()

	assert.Equal(t, float64(1), testutil.ToFloat64(CollectorSessionsActive))
}

func TestRegistrationAttemptsCounter(t *testing.T) {
	RegistrationAttempts.Reset()
	RegistrationAttempts.WithLabelValues("skipped_idempotent").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(RegistrationAttempts.WithLabelValues("skipped_idempotent")))
}
