package safety

import "testing"

func TestFaultGuardAbortsWholeBatch(t *testing.T) {
	axes := []AxisStatus{
		{StatusWord: 0x0027, ActualPulses: 0, HasTrajectory: true},
		{StatusWord: 0x0008, ActualPulses: 0, HasTrajectory: true}, // fault bit set
		{StatusWord: 0x0027, ActualPulses: 0, HasTrajectory: false},
	}
	abort, tripped := FaultGuard(axes)
	if !tripped {
		t.Fatal("expected fault guard to trip")
	}
	if !abort[0] || !abort[1] {
		t.Errorf("expected axes 0 and 1 (active trajectories) to abort, got %v", abort)
	}
	if abort[2] {
		t.Errorf("axis 2 had no active trajectory and should not abort")
	}
}

func TestFaultGuardIgnoresFaultWithoutTrajectory(t *testing.T) {
	axes := []AxisStatus{
		{StatusWord: 0x0008, ActualPulses: 0, HasTrajectory: false},
	}
	_, tripped := FaultGuard(axes)
	if tripped {
		t.Fatal("fault on an idle axis should not trip the guard")
	}
}

func TestSyncErrorGuardTripsOnDivergence(t *testing.T) {
	axes := []AxisStatus{
		{ActualPulses: 0, OriginOffset: 0, HasTrajectory: true},
		{ActualPulses: 1000, OriginOffset: 0, HasTrajectory: true},
	}
	abort, tripped := SyncErrorGuard(axes, 500)
	if !tripped {
		t.Fatal("expected sync error guard to trip on 1000 pulse divergence with 500 threshold")
	}
	if !abort[0] || !abort[1] {
		t.Errorf("expected both axes aborted, got %v", abort)
	}
}

func TestSyncErrorGuardIgnoresWhenIdle(t *testing.T) {
	axes := []AxisStatus{
		{ActualPulses: 0, OriginOffset: 0, HasTrajectory: false},
		{ActualPulses: 10000, OriginOffset: 0, HasTrajectory: false},
	}
	_, tripped := SyncErrorGuard(axes, 500)
	if tripped {
		t.Fatal("sync error guard should not evaluate when no axis is moving")
	}
}

func TestSyncErrorGuardSingleAxisNeverTrips(t *testing.T) {
	axes := []AxisStatus{{ActualPulses: 1_000_000, OriginOffset: 0, HasTrajectory: true}}
	_, tripped := SyncErrorGuard(axes, 1)
	if tripped {
		t.Fatal("single-axis bus cannot trip the sync error guard")
	}
}
