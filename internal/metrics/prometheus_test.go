package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusObserver(t *testing.T) {
	obs := NewPrometheusObserver()

	obs.IncOnline()
	obs.IncOnline()
	obs.DecOnline()
	assert.Equal(t, 1.0, testutil.ToFloat64(onlineGauge))

	obs.RecordPush()
	obs.RecordDrop()
	obs.ObserveResult("network", 20*time.Millisecond)

	obs.SetQueueDepth("pending", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(queueDepth.WithLabelValues("pending")))

	obs.SetBreakerState("open")
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("closed")))

	before := testutil.ToFloat64(rescueCounter.WithLabelValues("reinstated"))
	obs.RecordRescue("reinstated", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(rescueCounter.WithLabelValues("reinstated")))

	var _ HubObserver = obs
	var _ EngineObserver = obs
	var _ EngineObserver = Nop{}
}
