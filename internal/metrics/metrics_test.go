package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilEngineIsSafe(t *testing.T) {
	var e *Engine
	e.OrderCreated("cash", "paid")
	e.Webhook("paid")
	e.RefundCreated(100)
	e.StockRejected("create")
	e.ObserveJob("sweep", time.Second, nil)

	New(nil).Webhook("paid")
}

func TestCountersAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(reg)

	e.OrderCreated("qr", "pending")
	e.OrderCreated("qr", "pending")
	e.Webhook("")
	e.RefundCreated(10000)
	e.ObserveJob("sweep", time.Millisecond, errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(e.ordersCreated.WithLabelValues("qr", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.webhooks.WithLabelValues("unknown")))
	assert.Equal(t, 10000.0, testutil.ToFloat64(e.refundedAmount))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.jobRuns.WithLabelValues("sweep", "failure")))
}
