package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOpIncrementsCountersAndDuration(t *testing.T) {
	m := New()

	m.RecordOp("ReadFile", nil, 0.01)
	m.RecordOp("ReadFile", nil, 0.02)
	m.RecordOp("ReadFile", errors.New("boom"), 0.03)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.opsTotal.WithLabelValues("ReadFile")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.opErrors.WithLabelValues("ReadFile")))

	// The duration histogram isn't a simple Counter, so count its series
	// (one per op label) instead of reading a single float value.
	assert.Equal(t, 1, testutil.CollectAndCount(m.opDuration))
}

func TestRecordOpIsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.RecordOp("ReadFile", nil, 0.01) })
}

func TestAddBytesReadAndWritten(t *testing.T) {
	m := New()
	m.AddBytesRead(10)
	m.AddBytesRead(5)
	m.AddBytesWritten(7)

	assert.Equal(t, float64(15), testutil.ToFloat64(m.bytesRead))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.bytesWriten))
}
