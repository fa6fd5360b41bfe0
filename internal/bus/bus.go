// Package bus implements the fixed-period control loop and
// the command/state interface around it. It is the only
// package that wires the fieldbus, cia402, trajectory, safety, and
// coupling packages together into one cyclic worker.
package bus

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ectrl/internal/coupling"
	"ectrl/internal/fieldbus"
	"ectrl/internal/units"
)

// Config is the bus configuration, immutable once Start has been called.
type Config struct {
	Adapter             string
	NumSlaves           int
	CyclePeriod         time.Duration
	MaxSyncErrorMM      float64
	InitialCouplingGain float64
	CouplingEnabled     bool
	Axes                []units.Axis // per-slave axis tag, len must equal NumSlaves if set
	Logger              *log.Logger  // defaults to a logger writing to io.Discard
}

// errNotRunning is returned by client calls that require a running
// control loop.
var errNotRunning = fmt.Errorf("bus: not running")

// Bus owns the control loop goroutine, the ingress channel, and the
// egress state block.
type Bus struct {
	cfg    Config
	master fieldbus.Master
	logger *log.Logger

	ingress chan Command

	slots []driveSlot

	stateMu sync.RWMutex
	state   []SlaveState

	coupling  atomic.Value // coupling.Config
	syncError atomic.Bool
	heartbeat atomic.Int64 // UnixNano of the last completed cycle

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool // set once, the first time Start is called
	running atomic.Bool // toggles true/false across Start/Stop
}

// New constructs a Bus against master. master is typically a
// fieldbus.RawSocket for production use or fieldbus.NewSimulated for
// tests and dry runs.
func New(cfg Config, master fieldbus.Master) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = 10 * time.Millisecond
	}
	axes := make([]units.Axis, cfg.NumSlaves)
	for i := range axes {
		if i < len(cfg.Axes) {
			axes[i] = cfg.Axes[i]
		}
	}

	b := &Bus{
		cfg:     cfg,
		master:  master,
		logger:  cfg.Logger,
		ingress: make(chan Command, 64),
		slots:   make([]driveSlot, cfg.NumSlaves),
		state:   make([]SlaveState, cfg.NumSlaves),
	}
	for i := range b.slots {
		b.slots[i].axis = axes[i]
	}
	b.coupling.Store(coupling.Config{Gain: cfg.InitialCouplingGain, Enabled: cfg.CouplingEnabled})
	return b
}

// Start bootstraps the fieldbus and launches the control loop goroutine.
// It blocks until bootstrap either succeeds or exhausts its retry budget.
// Any SetAxis/SetOrigin/SetProfileVelocity/SetProfileAccelDecel commands
// queued before Start was called are applied to their slots first, so
// bootstrap's SDO configuration picks up profile values set before the
// drive was ever reachable.
func (b *Bus) Start() error {
	b.started.Store(true)
	b.drainPreStartCommands()

	result, err := b.bootstrap()
	if err != nil {
		return err
	}
	for i, actual := range result.SeededActuals {
		b.slots[i].targetPulses = actual
		b.slots[i].lastActualPulses = actual
	}
	b.publishState()

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running.Store(true)
	b.wg.Add(1)
	go b.run()
	return nil
}

// Stop requests a graceful shutdown and waits for the staged power-down
// sequence to complete, or forcibly cancels after timeout.
func (b *Bus) Stop(timeout time.Duration) {
	if !b.running.Load() {
		return
	}
	select {
	case b.ingress <- Command{SlaveIndex: BusCommand, Kind: CmdStopAll}:
	default:
		b.logger.Printf("bus: ingress full, forcing shutdown")
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Printf("bus: graceful stop timed out after %v, cancelling", timeout)
		b.cancel()
		<-done
	}
	b.running.Store(false)
}

// Alive reports whether the control loop has published state within the
// last several cycle periods.
func (b *Bus) Alive() bool {
	if !b.running.Load() {
		return false
	}
	last := b.heartbeat.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < 5*b.cfg.CyclePeriod
}

// --- command submission (client API surface) ---

// send enqueues cmd on the ingress channel. Before the first Start call it
// is buffered for Start to drain and apply ahead of bootstrap (see
// drainPreStartCommands); once the bus has been started, it requires the
// control loop to actually be running.
func (b *Bus) send(cmd Command) error {
	if b.started.Load() && !b.running.Load() {
		return errNotRunning
	}
	select {
	case b.ingress <- cmd:
		return nil
	default:
		return errNotRunning
	}
}

// StopAll requests the graceful staged shutdown (equivalent to Stop with
// a generous default timeout).
func (b *Bus) StopAll() { b.Stop(2 * time.Second) }

// SetAxis assigns the kinematic tag for slave i.
func (b *Bus) SetAxis(slave int, axis units.Axis) error {
	return b.send(Command{SlaveIndex: slave, Kind: CmdSetAxis, Axis: axis})
}

// SetOrigin latches slave i's current actual pulses as its new origin
// offset.
func (b *Bus) SetOrigin(slave int) error {
	return b.send(Command{SlaveIndex: slave, Kind: CmdSetOrigin})
}

// SetProfileVelocity sets slave i's profile velocity in RPM.
func (b *Bus) SetProfileVelocity(slave int, rpm float64) error {
	return b.send(Command{SlaveIndex: slave, Kind: CmdSetVelocity, VelocityRPM: rpm})
}

// SetProfileAccelDecel sets slave i's profile accel/decel in pulses/s^2.
func (b *Bus) SetProfileAccelDecel(slave int, accelPPS2, decelPPS2 int64) error {
	return b.send(Command{SlaveIndex: slave, Kind: CmdSetAccel, AccelPPS2: accelPPS2, DecelPPS2: decelPPS2})
}

// MoveToMM requests an absolute move of slave i to the given millimeter
// position, relative to its origin offset.
func (b *Bus) MoveToMM(slave int, mm float64) error {
	return b.send(Command{SlaveIndex: slave, Kind: CmdMoveTo, MoveToMM: mm})
}

// ResetSyncError clears the sticky sync-error flag, re-enabling move-to
// commands.
func (b *Bus) ResetSyncError() error {
	return b.send(Command{SlaveIndex: BusCommand, Kind: CmdResetSyncError})
}

// SetCoupling updates the runtime cross-coupling configuration. Takes
// effect within one cycle.
func (b *Bus) SetCoupling(gain float64, enabled bool) {
	b.coupling.Store(coupling.Config{Gain: gain, Enabled: enabled})
}

func (b *Bus) couplingConfig() coupling.Config {
	return b.coupling.Load().(coupling.Config)
}
