package telemetry

import "testing"

func TestSendHealthOpensAfterThreshold(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		if h.shouldSkip() {
			t.Fatalf("breaker opened early at failure %d", i)
		}
		h.recordFailure()
	}
	if !h.shouldSkip() {
		t.Fatal("expected breaker open after threshold failures")
	}
}

func TestSendHealthProbesPeriodically(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		h.recordFailure()
	}
	var probes int
	for i := 0; i < int(circuitBreakerProbeInterval)*3; i++ {
		if !h.shouldSkip() {
			probes++
		}
	}
	if probes == 0 {
		t.Fatal("expected at least one probe to pass through while breaker is open")
	}
}

func TestSendHealthResetsOnSuccess(t *testing.T) {
	var h sendHealth
	for i := uint32(0); i < circuitBreakerThreshold; i++ {
		h.recordFailure()
	}
	h.recordSuccess()
	if h.shouldSkip() {
		t.Fatal("expected breaker closed after recordSuccess")
	}
}
