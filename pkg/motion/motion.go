// Package motion is the public client facade over the control loop. It
// wraps internal/bus.Bus and internal/fieldbus so external callers never
// need to import anything under internal/.
package motion

import (
	"fmt"
	"log"
	"time"

	"ectrl/internal/bus"
	"ectrl/internal/fieldbus"
	"ectrl/internal/units"
)

// Config bundles everything a caller needs to configure one bus: adapter,
// number of slaves, cycle period, sync-error threshold, and coupling.
type Config struct {
	Adapter         string
	NumSlaves       int
	CyclePeriod     time.Duration
	MaxSyncErrorMM  float64
	CouplingGain    float64
	CouplingEnabled bool
	Axes            []units.Axis
	Logger          *log.Logger
	// Simulated runs against an in-memory fieldbus instead of a real
	// network adapter, for dry runs and integration tests that don't
	// have raw-socket privileges.
	Simulated bool
}

// Controller is the handle a client program holds. It is safe for
// concurrent use: every method either delegates to bus.Bus's own
// synchronized API or reads an immutable field.
type Controller struct {
	b *bus.Bus
}

// New builds a Controller against cfg but does not start it; call Start
// to bootstrap the fieldbus and launch the control loop.
func New(cfg Config) (*Controller, error) {
	if cfg.NumSlaves <= 0 {
		return nil, fmt.Errorf("motion: num_slaves must be positive, got %d", cfg.NumSlaves)
	}

	var master fieldbus.Master
	if cfg.Simulated {
		master = fieldbus.NewSimulated(cfg.NumSlaves)
	} else {
		master = fieldbus.NewRawSocket()
	}

	b := bus.New(bus.Config{
		Adapter:             cfg.Adapter,
		NumSlaves:           cfg.NumSlaves,
		CyclePeriod:         cfg.CyclePeriod,
		MaxSyncErrorMM:      cfg.MaxSyncErrorMM,
		InitialCouplingGain: cfg.CouplingGain,
		CouplingEnabled:     cfg.CouplingEnabled,
		Axes:                cfg.Axes,
		Logger:              cfg.Logger,
	}, master)

	return &Controller{b: b}, nil
}

// NewWithMaster builds a Controller against an already-constructed
// fieldbus.Master, for callers that want to inject a master directly (for
// example a preconfigured fieldbus.Simulated) rather than via
// Config.Simulated.
func NewWithMaster(cfg Config, master fieldbus.Master) *Controller {
	b := bus.New(bus.Config{
		Adapter:             cfg.Adapter,
		NumSlaves:           cfg.NumSlaves,
		CyclePeriod:         cfg.CyclePeriod,
		MaxSyncErrorMM:      cfg.MaxSyncErrorMM,
		InitialCouplingGain: cfg.CouplingGain,
		CouplingEnabled:     cfg.CouplingEnabled,
		Axes:                cfg.Axes,
		Logger:              cfg.Logger,
	}, master)
	return &Controller{b: b}
}

// Start bootstraps the fieldbus and launches the control loop. It blocks
// until the drives reach OP state or the bootstrap retry budget is spent.
func (c *Controller) Start() error { return c.b.Start() }

// Stop requests the staged power-down and waits up to timeout for it to
// complete.
func (c *Controller) Stop(timeout time.Duration) { c.b.Stop(timeout) }

// Alive reports whether the control loop is running and has published
// state recently.
func (c *Controller) Alive() bool { return c.b.Alive() }

// SetAxis assigns the kinematic tag used for slave's mm<->pulse
// conversions.
func (c *Controller) SetAxis(slave int, axis units.Axis) error { return c.b.SetAxis(slave, axis) }

// SetOrigin latches slave's current actual position as its new zero.
func (c *Controller) SetOrigin(slave int) error { return c.b.SetOrigin(slave) }

// SetProfileVelocity sets slave's profile velocity in RPM.
func (c *Controller) SetProfileVelocity(slave int, rpm float64) error {
	return c.b.SetProfileVelocity(slave, rpm)
}

// SetProfileAccelDecel sets slave's profile accel/decel in pulses/s^2.
func (c *Controller) SetProfileAccelDecel(slave int, accelPPS2, decelPPS2 int64) error {
	return c.b.SetProfileAccelDecel(slave, accelPPS2, decelPPS2)
}

// MoveToMM requests an absolute move of slave to mm relative to its
// origin offset. Commands issued while has_sync_error is true are
// ignored until ResetSyncError.
func (c *Controller) MoveToMM(slave int, mm float64) error { return c.b.MoveToMM(slave, mm) }

// ResetSyncError clears the sticky sync-error flag.
func (c *Controller) ResetSyncError() error { return c.b.ResetSyncError() }

// SetCoupling updates the runtime cross-coupling gain and enable flag.
func (c *Controller) SetCoupling(gain float64, enabled bool) { c.b.SetCoupling(gain, enabled) }

// StatusWord returns the last statusword read from slave.
func (c *Controller) StatusWord(slave int) uint16 {
	states := c.b.State()
	if slave < 0 || slave >= len(states) {
		return 0
	}
	return states[slave].StatusWord
}

// IsMoving reports whether slave currently has an active trajectory.
func (c *Controller) IsMoving(slave int) bool {
	states := c.b.State()
	if slave < 0 || slave >= len(states) {
		return false
	}
	return states[slave].Moving
}

// CurrentPositionMM returns slave's position in millimeters relative to
// its origin offset.
func (c *Controller) CurrentPositionMM(slave int) float64 { return c.b.PositionMM(slave) }

// CurrentPositionPulse returns slave's raw actual encoder pulses.
func (c *Controller) CurrentPositionPulse(slave int) int64 {
	states := c.b.State()
	if slave < 0 || slave >= len(states) {
		return 0
	}
	return states[slave].ActualPulses
}

// OffsetPulse returns slave's origin offset in pulses.
func (c *Controller) OffsetPulse(slave int) int64 {
	states := c.b.State()
	if slave < 0 || slave >= len(states) {
		return 0
	}
	return states[slave].Offset
}

// HasSyncError reports the bus-wide sticky sync-error flag.
func (c *Controller) HasSyncError() bool {
	states := c.b.State()
	if len(states) == 0 {
		return false
	}
	return states[0].SyncError
}

// Bus exposes the underlying control loop for callers that need it
// directly, such as internal/telemetry's publisher.
func (c *Controller) Bus() *bus.Bus { return c.b }
