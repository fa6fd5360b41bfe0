package fieldbus

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	rx := EncodeRxPDO(0x000F, -12345)
	d := Datagram{
		Cmd:   CmdLRW,
		Index: 7,
		ADP:   0,
		ADO:   0x1000,
		Data:  rx[:],
		WKC:   0,
	}
	raw := EncodeFrame(d)

	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.Cmd != d.Cmd || got.Index != d.Index || got.ADP != d.ADP || got.ADO != d.ADO {
		t.Fatalf("round trip header mismatch: got %+v, want %+v", got, d)
	}
	if !bytes.Equal(got.Data, d.Data) {
		t.Fatalf("round trip data mismatch: got %x, want %x", got.Data, d.Data)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

func TestPDOPayloadRoundTrip(t *testing.T) {
	rx := EncodeRxPDO(0x002F, -987654)
	cw := binary16(rx[0], rx[1])
	if cw != 0x002F {
		t.Fatalf("controlword mismatch: got %#04x", cw)
	}

	tx := [TxPDOSize]byte{}
	copy(tx[:], rx[:]) // reuse the same bit layout: statusword + position
	sw, pos := DecodeTxPDO(tx)
	if sw != 0x002F {
		t.Fatalf("statusword mismatch: got %#04x", sw)
	}
	if pos != -987654 {
		t.Fatalf("position mismatch: got %d", pos)
	}
}

func binary16(lo, hi byte) uint16 {
	return uint16(lo) | uint16(hi)<<8
}
