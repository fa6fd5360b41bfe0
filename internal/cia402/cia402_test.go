package cia402

import "testing"

func TestDecode(t *testing.T) {
	cases := []struct {
		name string
		sw   uint16
		want uint16
	}{
		{"switch-on-disabled", 0x0040, CWShutdown},
		{"ready-to-switch-on", 0x0021, CWSwitchOn},
		{"switched-on", 0x0023, CWEnableOperation},
		{"operation-enabled", 0x0027, CWEnableOperation},
		{"fault", 0x0008, CWFaultReset},
		{"fault-while-enabled-bits-set", 0x002F, CWFaultReset},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, cw, _ := Decode(c.sw, StateUnknown)
			if cw != c.want {
				t.Errorf("Decode(%#04x) controlword = %#04x, want %#04x", c.sw, cw, c.want)
			}
		})
	}
}

func TestDecodeChangedEdge(t *testing.T) {
	s1, _, changed := Decode(0x0021, StateUnknown)
	if !changed {
		t.Fatal("first decode from Unknown should report changed")
	}
	_, _, changed = Decode(0x0021, s1)
	if changed {
		t.Fatal("repeated decode of the same state should not report changed")
	}
}

func TestShutdownSequence(t *testing.T) {
	step := ShutdownDisableOperation
	var seen []uint16
	// ShutdownNetworkInit carries no PDO controlword of its own, so only the
	// steps before it are collected, as the bus's shutdown does.
	for step < ShutdownNetworkInit {
		seen = append(seen, step.Controlword())
		step = step.Next()
	}
	want := []uint16{CWDisableOperation, CWShutdown, CWDisableVoltage}
	if len(seen) != len(want) {
		t.Fatalf("got %d steps, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d controlword = %#04x, want %#04x", i, seen[i], want[i])
		}
	}
}
