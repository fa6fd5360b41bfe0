package bus

import (
	"ectrl/internal/cia402"
	"ectrl/internal/trajectory"
	"ectrl/internal/units"
)

// driveSlot is the control loop's private per-slave state. Only the
// control-loop goroutine ever touches this; the published SlaveState is
// the only view clients get.
type driveSlot struct {
	axis               units.Axis
	originOffset       int64
	targetPulses       int64
	trajectory         *trajectory.Profile
	lastStatusWord     uint16
	lastState          cia402.State
	lastActualPulses   int64
	profileVelocityPPS int64
	profileAccelPPS2   int64
	profileDecelPPS2   int64
}

// SlaveState is the egress view of one slave: status word, moving flag,
// raw encoder pulses, origin offset, and the sync-error flag folded in for
// every slave regardless of whether the pair-wise guard is actually
// exercised for it.
type SlaveState struct {
	StatusWord   uint16
	Moving       bool
	ActualPulses int64
	Offset       int64
	SyncError    bool
	Axis         units.Axis
}

// publishState snapshots every slot into the egress block under one lock
// acquisition, so readers never observe a torn mix of old and new slaves
// within the same cycle.
func (b *Bus) publishState() {
	syncErr := b.syncError.Load()
	b.stateMu.Lock()
	for i := range b.slots {
		s := &b.slots[i]
		b.state[i] = SlaveState{
			StatusWord:   s.lastStatusWord,
			Moving:       s.trajectory != nil,
			ActualPulses: s.lastActualPulses,
			Offset:       s.originOffset,
			SyncError:    syncErr,
			Axis:         s.axis,
		}
	}
	b.stateMu.Unlock()
}

// State returns a snapshot of the shared state block. Safe to call
// concurrently with the control loop; the returned slice is a copy.
func (b *Bus) State() []SlaveState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	out := make([]SlaveState, len(b.state))
	copy(out, b.state)
	return out
}

// PositionMM returns slave i's current position in millimeters relative
// to its origin offset.
func (b *Bus) PositionMM(slave int) float64 {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	s := b.state[slave]
	return units.PulsesToMM(s.ActualPulses-s.Offset, s.Axis)
}
