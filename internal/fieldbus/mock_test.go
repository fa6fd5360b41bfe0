package fieldbus

import "testing"

func TestSimulatedEnableSequence(t *testing.T) {
	sim := NewSimulated(1)
	if _, err := sim.ConfigInit(); err != nil {
		t.Fatalf("ConfigInit: %v", err)
	}

	// Walk the documented controlword sequence and expect the statusword
	// to reach Operation-Enabled.
	sequence := []uint16{0x0006, 0x0007, 0x000F}
	var sw uint16
	for _, cw := range sequence {
		out := EncodeRxPDO(cw, 0)
		in, err := sim.ExchangePDO([][RxPDOSize]byte{out})
		if err != nil {
			t.Fatalf("ExchangePDO: %v", err)
		}
		sw, _ = DecodeTxPDO(in[0])
	}
	if sw&0x0027 != 0x0027 {
		t.Errorf("expected operation-enabled statusword, got %#04x", sw)
	}
}

func TestSimulatedFaultInjection(t *testing.T) {
	sim := NewSimulated(1)
	sim.ConfigInit()
	sim.InjectFault[0] = true

	out := EncodeRxPDO(0x000F, 0)
	in, err := sim.ExchangePDO([][RxPDOSize]byte{out})
	if err != nil {
		t.Fatalf("ExchangePDO: %v", err)
	}
	sw, _ := DecodeTxPDO(in[0])
	if sw&0x0008 == 0 {
		t.Errorf("expected fault bit set, got %#04x", sw)
	}
}
