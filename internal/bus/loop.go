package bus

import (
	"time"

	"ectrl/internal/bootstrap"
	"ectrl/internal/cia402"
	"ectrl/internal/coupling"
	"ectrl/internal/fieldbus"
	"ectrl/internal/safety"
	"ectrl/internal/trajectory"
	"ectrl/internal/units"
)

func (b *Bus) bootstrap() (*bootstrap.Result, error) {
	vel := make([]int64, len(b.slots))
	accel := make([]int64, len(b.slots))
	decel := make([]int64, len(b.slots))
	for i, s := range b.slots {
		vel[i] = s.profileVelocityPPS
		accel[i] = s.profileAccelPPS2
		decel[i] = s.profileDecelPPS2
	}
	return bootstrap.Run(b.master, b.logger, bootstrap.Config{
		Adapter:            b.cfg.Adapter,
		NumSlaves:          b.cfg.NumSlaves,
		CyclePeriod:        b.cfg.CyclePeriod,
		ProfileVelocityPPS: vel,
		ProfileAccelPPS2:   accel,
		ProfileDecelPPS2:   decel,
	})
}

// run is the fixed-period scheduler goroutine. It executes
// cycles until a stop is requested, then performs the staged power-down
// before returning.
func (b *Bus) run() {
	defer b.wg.Done()
	defer b.cancel()

	ticker := time.NewTicker(b.cfg.CyclePeriod)
	defer ticker.Stop()

	for {
		cycleStart := time.Now()

		moves, stopRequested := b.drainCommands()
		if stopRequested {
			b.shutdown()
			return
		}
		b.startTrajectories(moves, cycleStart)

		if err := b.exchangePDOAndControl(cycleStart); err != nil {
			b.logger.Printf("bus: pdo exchange failed: %v", err)
		}

		b.publishState()
		b.heartbeat.Store(time.Now().UnixNano())

		select {
		case <-b.ctx.Done():
			b.shutdown()
			return
		default:
		}

		b.pace(cycleStart, ticker)
	}
}

// pace sleeps out the remainder of the cycle period, skipping entirely if
// the cycle already overran (never catch up).
func (b *Bus) pace(cycleStart time.Time, ticker *time.Ticker) {
	elapsed := time.Since(cycleStart)
	remaining := b.cfg.CyclePeriod - elapsed
	if remaining <= 0 {
		return
	}
	select {
	case <-ticker.C:
	case <-b.ctx.Done():
	}
}

// startTrajectories instantiates the co-started batch of trajectories for
// every move-to command drained this cycle. It
// ignores every move while the bus-wide sticky sync-error flag is set.
func (b *Bus) startTrajectories(moves []Command, cycleStart time.Time) {
	if len(moves) == 0 {
		return
	}
	if b.syncError.Load() {
		b.logger.Printf("bus: %d move-to command(s) ignored, sync error latched", len(moves))
		return
	}

	batch := make([]trajectory.Move, 0, len(moves))
	for _, cmd := range moves {
		if cmd.SlaveIndex < 0 || cmd.SlaveIndex >= len(b.slots) {
			b.logger.Printf("bus: move-to for out-of-range slave %d ignored", cmd.SlaveIndex)
			continue
		}
		slot := &b.slots[cmd.SlaveIndex]
		target := units.MMToPulses(cmd.MoveToMM, slot.axis) + slot.originOffset
		batch = append(batch, trajectory.Move{
			Axis:         cmd.SlaveIndex,
			StartPulses:  slot.lastActualPulses,
			TargetPulses: target,
			ProfilePPS:   slot.profileVelocityPPS,
		})
	}
	if len(batch) == 0 {
		return
	}
	profiles := trajectory.StartBatch(batch, cycleStart)
	for i, p := range profiles {
		profile := p
		b.slots[batch[i].Axis].trajectory = &profile
	}
}

// exchangePDOAndControl is one full PDO cycle: write the output frames
// computed last cycle, exchange them for this cycle's inputs, then run the
// safety pass and the per-axis control step that produce the next outputs.
func (b *Bus) exchangePDOAndControl(now time.Time) error {
	outputs := make([][fieldbus.RxPDOSize]byte, len(b.slots))
	for i := range b.slots {
		cw, target := b.nextOutput(i)
		out := fieldbus.EncodeRxPDO(cw, int32(target))
		outputs[i] = out
	}

	inputs, err := b.master.ExchangePDO(outputs)
	if err != nil {
		return err
	}

	statuses := make([]uint16, len(b.slots))
	actuals := make([]int64, len(b.slots))
	for i, in := range inputs {
		sw, pos := fieldbus.DecodeTxPDO(in)
		statuses[i] = sw
		actuals[i] = int64(pos)
		b.slots[i].lastStatusWord = sw
		b.slots[i].lastActualPulses = actuals[i]
	}

	b.runSafety(statuses, actuals, now)
	b.runControl(now)
	return nil
}

// nextOutput returns the controlword/target pair to emit for slave this
// cycle, derived from the statusword read last cycle and the
// target pulses runControl computed last cycle for this one.
func (b *Bus) nextOutput(slave int) (controlword uint16, target int64) {
	s := &b.slots[slave]
	next, cw, changed := cia402.Decode(s.lastStatusWord, s.lastState)
	if changed {
		b.logger.Printf("bus: slave %d cia402 state %s -> %s", slave, s.lastState, next)
		s.lastState = next
	}
	return cw, s.targetPulses
}

// runSafety applies the fault and sync-error guards using the
// statuses/actuals just read this cycle, aborting trajectories and
// latching targets as needed.
func (b *Bus) runSafety(statuses []uint16, actuals []int64, now time.Time) {
	snapshot := make([]safety.AxisStatus, len(b.slots))
	for i := range b.slots {
		snapshot[i] = safety.AxisStatus{
			StatusWord:    statuses[i],
			ActualPulses:  actuals[i],
			OriginOffset:  b.slots[i].originOffset,
			HasTrajectory: b.slots[i].trajectory != nil,
		}
	}

	faultAbort, faulted := safety.FaultGuard(snapshot)
	if faulted {
		b.logger.Printf("bus: fault detected, aborting active trajectories")
	}

	thresholdPulses := units.MMToPulses(b.cfg.MaxSyncErrorMM, units.AxisZ)
	syncAbort, syncTripped := safety.SyncErrorGuard(snapshot, thresholdPulses)
	if syncTripped && !b.syncError.Load() {
		b.logger.Printf("bus: sync error threshold exceeded (%d pulses), latching", thresholdPulses)
	}
	if syncTripped {
		b.syncError.Store(true)
	}

	for i := range b.slots {
		if faultAbort[i] || syncAbort[i] {
			b.slots[i].trajectory = nil
			b.slots[i].targetPulses = actuals[i]
		}
	}
}

// shutdown drives the staged power-down sequence:
// walk every slave's controlword down through Disable-Operation, Shutdown,
// and Disable-Voltage with MinDwell between steps, hold position at the
// last actual read at each step, then request network state INIT.
func (b *Bus) shutdown() {
	b.logger.Printf("bus: stop requested, starting staged power-down")

	for step := cia402.ShutdownDisableOperation; step < cia402.ShutdownNetworkInit; step = step.Next() {
		outputs := make([][fieldbus.RxPDOSize]byte, len(b.slots))
		for i := range b.slots {
			outputs[i] = fieldbus.EncodeRxPDO(step.Controlword(), int32(b.slots[i].lastActualPulses))
		}
		inputs, err := b.master.ExchangePDO(outputs)
		if err != nil {
			b.logger.Printf("bus: shutdown pdo exchange failed: %v", err)
			break
		}
		for i, in := range inputs {
			sw, pos := fieldbus.DecodeTxPDO(in)
			b.slots[i].lastStatusWord = sw
			b.slots[i].lastActualPulses = int64(pos)
		}
		time.Sleep(cia402.MinDwell)
	}

	if err := b.master.RequestState(fieldbus.StateInit); err != nil {
		b.logger.Printf("bus: request INIT state failed: %v", err)
	} else if err := fieldbus.WaitForState(b.master, fieldbus.StateInit, 2*time.Second, 10*time.Millisecond); err != nil {
		b.logger.Printf("bus: wait for INIT state failed: %v", err)
	}

	for i := range b.slots {
		b.slots[i].trajectory = nil
	}
	b.publishState()
	b.logger.Printf("bus: power-down complete")
}

// runControl performs the per-axis control step: for
// each slave, advance its trajectory if active and apply cross-coupling;
// an idle slave holds its last target (runSafety latches that target to
// the actual position when it aborts a trajectory).
func (b *Bus) runControl(now time.Time) {
	cfg := b.couplingConfig()
	thresholdPulses := units.MMToPulses(b.cfg.MaxSyncErrorMM, units.AxisZ)

	rawTargets := make([]int64, len(b.slots))
	for i := range b.slots {
		slot := &b.slots[i]
		if slot.trajectory == nil {
			rawTargets[i] = slot.targetPulses
			continue
		}
		target, done := trajectory.Sample(*slot.trajectory, now, slot.lastActualPulses)
		rawTargets[i] = target
		if done {
			slot.trajectory = nil
		}
	}

	if cfg.Enabled {
		for i := 0; i+1 < len(b.slots); i += 2 {
			ui, uj := coupling.Apply(cfg, rawTargets[i], rawTargets[i+1], b.slots[i].lastActualPulses, b.slots[i+1].lastActualPulses, thresholdPulses)
			rawTargets[i], rawTargets[i+1] = ui, uj
		}
	}

	for i := range b.slots {
		b.slots[i].targetPulses = rawTargets[i]
	}
}
