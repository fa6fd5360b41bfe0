// Package coupling implements the symmetric cross-coupling correction
// between a paired pair of axes. It is pure arithmetic: the control loop
// reads the runtime config once per cycle and calls Apply after the
// trajectory engine has produced each axis's raw target.
package coupling

// Config is the runtime-adjustable coupling state. Clients swap it
// atomically (bus.Bus.SetCoupling) and the control loop reads it once per
// cycle (see bus.Bus.couplingConfig).
type Config struct {
	Gain    float64 // in [0, 1]
	Enabled bool
}

// Apply computes the corrected pair of targets for axes i and j given
// their raw interpolator outputs (uI, uJ) and their actual positions
// (actualI, actualJ). The correction is clamped to +-clampPulses so a
// large divergence never pushes a target further than the sync-error
// threshold would otherwise tolerate.
func Apply(cfg Config, uI, uJ, actualI, actualJ, clampPulses int64) (correctedI, correctedJ int64) {
	if !cfg.Enabled || cfg.Gain == 0 {
		return uI, uJ
	}
	e := actualJ - actualI
	correction := int64(cfg.Gain * float64(e))
	correction = clampTo(correction, clampPulses)
	return uI + correction, uJ - correction
}

func clampTo(v, limit int64) int64 {
	if limit < 0 {
		limit = -limit
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
