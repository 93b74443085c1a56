package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_Shared(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestRecordMutation(t *testing.T) {
	m := NewMetrics()
	ok := testutil.ToFloat64(m.Mutations.WithLabelValues("assign", "ok"))
	failed := testutil.ToFloat64(m.Mutations.WithLabelValues("assign", "error"))

	m.RecordMutation("assign", nil)
	m.RecordMutation("assign", errors.New("forbidden"))
	m.RecordMutation("assign", nil)

	assert.Equal(t, ok+2, testutil.ToFloat64(m.Mutations.WithLabelValues("assign", "ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(m.Mutations.WithLabelValues("assign", "error")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMutation("assign", nil)
		m.RecordSuggestion("visitor", true, 1)
		m.RecordMessage("visitor")
		m.RecordResponse("as-is")
		m.RecordEvent("new-message")
		m.RecordHTTPRequest("GET", "/api/conversations", "200", 0.01)
	})
}
