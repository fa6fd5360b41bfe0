package fieldbus

import (
	"fmt"
	"sync"
	"time"
)

// Simulated is an in-memory Master used by tests and by the CLI's
// dry-run mode. Each slave echoes back a statusword that walks the CiA
// 402 enable sequence on its own once torque-like enable controlwords
// are seen, and reflects the commanded target position as its actual
// position after one cycle of "settling" — enough to exercise the
// control loop without real hardware.
type Simulated struct {
	mu       sync.Mutex
	slaves   int
	state    NetworkState
	adapter  string
	statuses []uint16
	actuals  []int32
	bias     []int32

	// InjectFault, if set for a slave index, ORs the fault bit into that
	// slave's reported statusword starting from the next ExchangePDO
	// call, simulating scenario 3 in the testable properties.
	InjectFault map[int]bool
}

// NewSimulated returns a Simulated master configured for slaveCount
// slaves, all starting in Switch-On Disabled.
func NewSimulated(slaveCount int) *Simulated {
	s := &Simulated{
		slaves:      slaveCount,
		state:       StateInit,
		statuses:    make([]uint16, slaveCount),
		actuals:     make([]int32, slaveCount),
		bias:        make([]int32, slaveCount),
		InjectFault: map[int]bool{},
	}
	for i := range s.statuses {
		s.statuses[i] = 0x0040 // Switch-On Disabled
	}
	return s
}

func (s *Simulated) Open(adapter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapter = adapter
	return nil
}

func (s *Simulated) Close() error { return nil }

func (s *Simulated) ConfigInit() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StatePreOp
	return s.slaves, nil
}

func (s *Simulated) ConfigDCSync(period time.Duration) error { return nil }

func (s *Simulated) SDOWrite(slave int, index uint16, subindex uint8, data []byte) error {
	if slave < 0 || slave >= s.slaves {
		return fmt.Errorf("fieldbus: sdo write: slave %d out of range", slave)
	}
	return nil
}

func (s *Simulated) RequestState(state NetworkState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

func (s *Simulated) State() (NetworkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// ExchangePDO applies the commanded controlword/target to each slave's
// simulated state: the statusword advances along the CiA 402 enable chain
// in response to the controlword seen and, while the slave is then
// Operation-Enabled, the actual position snaps to the commanded target
// plus its bias (an idealized drive with infinite stiffness, sufficient
// for exercising the control loop logic under test). A slave that is not
// enabled keeps its actual position.
func (s *Simulated) ExchangePDO(outputs [][RxPDOSize]byte) ([][TxPDOSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(outputs) != s.slaves {
		return nil, fmt.Errorf("fieldbus: expected %d slave outputs, got %d", s.slaves, len(outputs))
	}
	inputs := make([][TxPDOSize]byte, s.slaves)
	for i, out := range outputs {
		cw, target := decodeRx(out)
		if s.InjectFault[i] {
			s.statuses[i] |= 0x0008
		} else {
			s.statuses[i] = advanceStatus(s.statuses[i], cw)
			if s.statuses[i] == 0x0027 { // Operation-Enabled
				s.actuals[i] = target + s.bias[i]
			}
		}
		inputs[i] = encodeTx(s.statuses[i], s.actuals[i])
	}
	return inputs, nil
}

// SetActual lets a test seed a slave's starting actual position without
// going through a PDO cycle (e.g. to simulate an encoder value already
// latched before the loop starts).
func (s *Simulated) SetActual(slave int, pulses int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuals[slave] = pulses
}

func (s *Simulated) Actual(slave int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actuals[slave]
}

// SetActualBias adds a persistent offset to the idealized actual position
// reported for slave on every subsequent enabled cycle, simulating following
// error or a real drive lagging its commanded target. Used by tests that
// need to exercise sync-error detection, which an idealized
// infinite-stiffness slave can otherwise never trigger.
func (s *Simulated) SetActualBias(slave int, bias int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bias[slave] = bias
}

func decodeRx(b [RxPDOSize]byte) (controlword uint16, target int32) {
	sw, pos := DecodeTxPDO([TxPDOSize]byte(b))
	return sw, pos
}

func encodeTx(statusword uint16, actual int32) [TxPDOSize]byte {
	return EncodeRxPDO(statusword, actual)
}

// advanceStatus walks the CiA 402 chain far enough that a control loop
// issuing the documented controlword sequence reaches Operation-Enabled
// within a handful of cycles, and clears to Switch-On Disabled on
// Disable-Voltage.
func advanceStatus(sw uint16, cw uint16) uint16 {
	switch cw {
	case 0x0006: // Shutdown
		return 0x0021 // Ready-To-Switch-On
	case 0x0007: // Switch-On (also Disable-Operation in the shutdown sequence)
		if sw == 0x0021 {
			return 0x0023 // Switched-On
		}
		return 0x0021
	case 0x000F: // Enable-Operation
		return 0x0027 // Operation-Enabled
	case 0x0080: // Fault-Reset
		return 0x0040 // Switch-On Disabled
	case 0x0000: // Disable-Voltage
		return 0x0040
	default:
		return sw
	}
}
