// Package bootstrap drives the one-time sequence that takes a fieldbus
// master from closed to OP-state-with-seeded-targets: open the adapter,
// enumerate slaves, write SDO preconditions, and hand-shake into OP.
// Everything here runs once before the control loop's steady state and is
// allowed to block.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"ectrl/internal/fieldbus"
)

// Config captures the parameters bootstrap needs from the bus
// configuration plus the per-slave profile settings a client may have
// queued before Start was called.
type Config struct {
	Adapter     string
	NumSlaves   int
	CyclePeriod time.Duration

	// ProfileVelocity/ProfileAccel/ProfileDecel are indexed by slave and
	// written via SDO before OP. A zero entry falls back to the drive's
	// own default.
	ProfileVelocityPPS []int64
	ProfileAccelPPS2   []int64
	ProfileDecelPPS2   []int64
}

// ConfigError is returned when the open/enumerate phase or the OP
// handshake prevents start: at once for a slave-count mismatch, which is
// not retried, or with the last error once the retry budget is spent.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("bootstrap: configuration error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Result is what bootstrap hands back to the control loop: a master
// already in OP state, plus each slave's just-read actual position so the
// loop can seed targets before the first steady-state cycle. Without this,
// the first PDO cycle would command 0.
type Result struct {
	SeededActuals []int64
}

const (
	maxInitRetries   = 3
	initBackoff      = time.Second
	maxOpRetries     = 3
	opBackoffStart   = 500 * time.Millisecond
	opHandshakeWait  = 4 * time.Second
)

// Run performs the full bootstrap sequence against m.
func Run(m fieldbus.Master, logger *log.Logger, cfg Config) (*Result, error) {
	if err := openAndEnumerate(m, logger, cfg); err != nil {
		return nil, err
	}
	if err := configureSDO(m, logger, cfg); err != nil {
		return nil, err
	}
	if err := m.ConfigDCSync(cfg.CyclePeriod); err != nil {
		return nil, fmt.Errorf("bootstrap: config dc sync: %w", err)
	}
	if err := handshakeOp(m, logger); err != nil {
		return nil, err
	}
	actuals, err := seedActuals(m, cfg.NumSlaves)
	if err != nil {
		return nil, err
	}
	return &Result{SeededActuals: actuals}, nil
}

// openAndEnumerate retries adapter-open plus slave-enumeration up to
// maxInitRetries times with a constant back-off.
func openAndEnumerate(m fieldbus.Master, logger *log.Logger, cfg Config) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(initBackoff), uint64(maxInitRetries-1))
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			logger.Printf("bootstrap: retry %d/%d opening adapter %q", attempt, maxInitRetries, cfg.Adapter)
			_ = m.Close()
		}
		if err := m.Open(cfg.Adapter); err != nil {
			return fmt.Errorf("open adapter %q: %w", cfg.Adapter, err)
		}
		found, err := m.ConfigInit()
		if err != nil {
			return fmt.Errorf("enumerate slaves: %w", err)
		}
		if found < cfg.NumSlaves {
			return backoff.Permanent(fmt.Errorf("%w: found %d, want %d", fieldbus.ErrSlaveCountMismatch, found, cfg.NumSlaves))
		}
		logger.Printf("bootstrap: found %d slaves on %q", found, cfg.Adapter)
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// configureSDO writes the CSP preconditions to every slave.
func configureSDO(m fieldbus.Master, logger *log.Logger, cfg Config) error {
	for i := 0; i < cfg.NumSlaves; i++ {
		if err := writeSlavePreconditions(m, i, cfg); err != nil {
			return fmt.Errorf("bootstrap: sdo configure slave %d: %w", i, err)
		}
	}
	logger.Printf("bootstrap: sdo preconfiguration complete for %d slaves", cfg.NumSlaves)
	return nil
}

func writeSlavePreconditions(m fieldbus.Master, slave int, cfg Config) error {
	vendorFlags := make([]byte, 4)
	binary.LittleEndian.PutUint32(vendorFlags, 1<<12) // absolute-position semantics
	if err := m.SDOWrite(slave, fieldbus.ObjVendorAbsolutePosition, 0, vendorFlags); err != nil {
		return err
	}

	if err := m.SDOWrite(slave, fieldbus.ObjModesOfOperation, 0, []byte{fieldbus.CSPModeValue}); err != nil {
		return err
	}

	vel := int64(0)
	if slave < len(cfg.ProfileVelocityPPS) {
		vel = cfg.ProfileVelocityPPS[slave]
	}
	if vel != 0 {
		if err := m.SDOWrite(slave, fieldbus.ObjProfileVelocity, 0, le32(vel)); err != nil {
			return err
		}
	}

	accel := int64(0)
	if slave < len(cfg.ProfileAccelPPS2) {
		accel = cfg.ProfileAccelPPS2[slave]
	}
	if accel != 0 {
		if err := m.SDOWrite(slave, fieldbus.ObjProfileAcceleration, 0, le32(accel)); err != nil {
			return err
		}
	}

	decel := int64(0)
	if slave < len(cfg.ProfileDecelPPS2) {
		decel = cfg.ProfileDecelPPS2[slave]
	}
	if decel != 0 {
		if err := m.SDOWrite(slave, fieldbus.ObjProfileDeceleration, 0, le32(decel)); err != nil {
			return err
		}
	}

	if err := m.SDOWrite(slave, fieldbus.ObjFollowingErrorWindow, 0, le32(fieldbus.WideFollowingErrorWindow)); err != nil {
		return err
	}
	if err := m.SDOWrite(slave, fieldbus.ObjPositionWindow, 0, le32(fieldbus.WideFollowingErrorWindow)); err != nil {
		return err
	}
	return nil
}

func le32(v int64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// handshakeOp requests OP and polls for it, retrying the whole
// request-and-wait cycle up to maxOpRetries times with exponential
// back-off starting at opBackoffStart.
func handshakeOp(m fieldbus.Master, logger *log.Logger) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opBackoffStart
	eb.MaxInterval = opBackoffStart * 4
	b := backoff.WithMaxRetries(eb, uint64(maxOpRetries-1))

	attempt := 0
	op := func() error {
		attempt++
		for _, transition := range []fieldbus.NetworkState{fieldbus.StatePreOp, fieldbus.StateSafeOp, fieldbus.StateOp} {
			if err := m.RequestState(transition); err != nil {
				return fmt.Errorf("request %s: %w", transition, err)
			}
			if err := fieldbus.WaitForState(m, transition, opHandshakeWait, 10*time.Millisecond); err != nil {
				logger.Printf("bootstrap: attempt %d/%d: timed out waiting for %s", attempt, maxOpRetries, transition)
				return err
			}
		}
		logger.Printf("bootstrap: reached OP after %d attempt(s)", attempt)
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return &ConfigError{Err: fmt.Errorf("op transition: %w", err)}
	}
	return nil
}

// seedActuals reads each slave's actual position once so the control
// loop can seed target=actual before the first steady-state cycle.
func seedActuals(m fieldbus.Master, numSlaves int) ([]int64, error) {
	outputs := make([][fieldbus.RxPDOSize]byte, numSlaves)
	inputs, err := m.ExchangePDO(outputs)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: seed read: %w", err)
	}
	actuals := make([]int64, numSlaves)
	for i, in := range inputs {
		_, pos := fieldbus.DecodeTxPDO(in)
		actuals[i] = int64(pos)
	}
	return actuals, nil
}
