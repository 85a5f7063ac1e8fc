package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCountersIncrement(t *testing.T) {
	before := counterValue(t, ScriptParses.WithLabelValues("ok"))
	ScriptParses.WithLabelValues("ok").Inc()
	after := counterValue(t, ScriptParses.WithLabelValues("ok"))
	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}

	before = counterValue(t, ActionsExecuted.WithLabelValues("fileinto", "ok"))
	ActionsExecuted.WithLabelValues("fileinto", "ok").Inc()
	after = counterValue(t, ActionsExecuted.WithLabelValues("fileinto", "ok"))
	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestMetricsRegistered(t *testing.T) {
	// promauto registers with the default registerer; gathering must succeed
	// and include at least one sieve metric family.
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "sieve_script_parses_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("sieve_script_parses_total not registered")
	}
}
