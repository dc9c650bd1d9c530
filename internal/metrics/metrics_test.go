package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestObserveJobRunNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(jobRunsTotal.WithLabelValues(OutcomeSuccess))
	ObserveJobRun(time.Second, "unexpected")
	after := testutil.ToFloat64(jobRunsTotal.WithLabelValues(OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected success counter to grow by 1, got %v", after-before)
	}
}
