// Package safety implements two independent guards, fault detection and
// inter-axis sync-error monitoring, plus a following-error helper
// (FollowingErrorPulses). Guards are pure functions over a snapshot of
// per-slave state; the control loop applies their verdicts (abort
// trajectory, latch target, raise sync-error flag) to its own slot data.
package safety

// AxisStatus is the read-only per-slave snapshot the guards need. It is
// deliberately smaller than bus's driveSlot so this package has no
// dependency on the control loop's internal state representation.
type AxisStatus struct {
	StatusWord    uint16
	ActualPulses  int64
	OriginOffset  int64
	HasTrajectory bool
}

const faultBit = 0x0008

// FaultGuard: if any axis with an active
// trajectory shows the fault bit, every axis with an active trajectory is
// marked for abort — not just the faulted one, since the batch was
// co-started and must fail together.
func FaultGuard(axes []AxisStatus) (abort []bool, tripped bool) {
	abort = make([]bool, len(axes))
	for _, a := range axes {
		if a.HasTrajectory && a.StatusWord&faultBit != 0 {
			tripped = true
			break
		}
	}
	if tripped {
		for i, a := range axes {
			if a.HasTrajectory {
				abort[i] = true
			}
		}
	}
	return abort, tripped
}

// SyncErrorGuard: for each adjacent pair, compare relative position
// (actual - origin) and trip if the mismatch exceeds thresholdPulses. Only
// evaluated when at least one axis is moving and there are at least 2
// slaves.
func SyncErrorGuard(axes []AxisStatus, thresholdPulses int64) (abort []bool, tripped bool) {
	abort = make([]bool, len(axes))
	if len(axes) < 2 {
		return abort, false
	}
	anyMoving := false
	for _, a := range axes {
		if a.HasTrajectory {
			anyMoving = true
			break
		}
	}
	if !anyMoving {
		return abort, false
	}
	for i := 0; i < len(axes)-1; i++ {
		relI := axes[i].ActualPulses - axes[i].OriginOffset
		relJ := axes[i+1].ActualPulses - axes[i+1].OriginOffset
		diff := relI - relJ
		if diff < 0 {
			diff = -diff
		}
		if diff > thresholdPulses {
			tripped = true
			break
		}
	}
	if tripped {
		for i := range axes {
			abort[i] = true
		}
	}
	return abort, tripped
}

// SyncErrorThresholdPulses derives the pulse threshold from a mm tolerance
// using the Z-axis kinematic constant.
func SyncErrorThresholdPulses(maxSyncErrorMM float64, mmToPulses func(mm float64) int64) int64 {
	return mmToPulses(maxSyncErrorMM)
}

// FollowingErrorPulses returns |target - actual|. The control loop does
// not call it and logs no following error; the drive's own following-error
// window is widened at bootstrap, so nothing aborts on following error.
func FollowingErrorPulses(targetPulses, actualPulses int64) int64 {
	d := targetPulses - actualPulses
	if d < 0 {
		d = -d
	}
	return d
}
