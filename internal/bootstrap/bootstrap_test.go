package bootstrap

import (
	"io"
	"log"
	"testing"
	"time"

	"ectrl/internal/fieldbus"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRunReachesOpAndSeedsActuals(t *testing.T) {
	sim := fieldbus.NewSimulated(2)
	sim.SetActual(0, 12345)
	sim.SetActual(1, -500)

	cfg := Config{
		Adapter:     "sim0",
		NumSlaves:   2,
		CyclePeriod: 10 * time.Millisecond,
	}
	res, err := Run(sim, discardLogger(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	state, _ := sim.State()
	if state != fieldbus.StateOp {
		t.Fatalf("expected OP state after bootstrap, got %s", state)
	}
	if res.SeededActuals[0] != 12345 || res.SeededActuals[1] != -500 {
		t.Errorf("seeded actuals = %v, want [12345 -500]", res.SeededActuals)
	}
}

func TestRunConfigErrorOnSlaveMismatch(t *testing.T) {
	sim := fieldbus.NewSimulated(1)
	cfg := Config{Adapter: "sim0", NumSlaves: 3, CyclePeriod: 10 * time.Millisecond}
	_, err := Run(sim, discardLogger(), cfg)
	if err == nil {
		t.Fatal("expected error when fewer slaves found than configured")
	}
	var ce *ConfigError
	if !asConfigError(err, &ce) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
}

func asConfigError(err error, target **ConfigError) bool {
	ce, ok := err.(*ConfigError)
	if ok {
		*target = ce
	}
	return ok
}
