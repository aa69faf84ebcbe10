package monitor

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

func testutilCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func testutilCounterVecValue(v *prometheus.CounterVec, label string) float64 {
	return testutilCounterValue(v.WithLabelValues(label))
}
