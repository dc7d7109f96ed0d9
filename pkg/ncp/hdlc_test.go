package ncp

import (
	"bytes"
	"testing"
)

func TestHdlcFCSTableGoodResidual(t *testing.T) {
	// spec §8 invariant 6: FCS of the empty payload, encoded then
	// accumulated (including the trailing FCS bytes), yields 0xF0B8.
	fcs := uint16(hdlcFCSInit)
	fcs ^= 0xFFFF // XOR-out with no data bytes consumed
	if fcs != 0x0000 {
		t.Fatalf("empty-payload XOR-out fcs = 0x%04X, want 0x0000", fcs)
	}

	residual := uint16(hdlcFCSInit)
	residual = hdlcFCSStep(residual, byte(fcs&0xFF))
	residual = hdlcFCSStep(residual, byte(fcs>>8))
	if residual != hdlcFCSGood {
		t.Fatalf("residual = 0x%04X, want 0x%04X", residual, hdlcFCSGood)
	}
}

func TestHdlcEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x81, 0x02, 0x7E, 0x7D, 0x00, 0xFF, 0x01}
	frame := hdlcEncode(payload)

	if frame[0] != hdlcFlag || frame[len(frame)-1] != hdlcFlag {
		t.Fatalf("encoded frame must start and end with the flag byte, got %x", frame)
	}

	h := &HDLCSession{serial: newFakeSerialFromFrame(frame)}
	got, err := h.receive()
	if err != nil {
		t.Fatalf("receive returned error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %x, want %x", got, payload)
	}
}

func TestHdlcEncodeEscapesReservedBytes(t *testing.T) {
	frame := hdlcEncode([]byte{0x7E})
	// flag, escape, 0x7E^0x20, two (possibly escaped) FCS bytes, flag
	if frame[1] != hdlcEscape || frame[2] != (0x7E^hdlcEscapeFlip) {
		t.Fatalf("expected the payload's flag byte to be escaped, got %x", frame)
	}
}

func TestHdlcReceiveDetectsBadFCS(t *testing.T) {
	frame := hdlcEncode([]byte{0x01, 0x02, 0x03})
	frame[2] ^= 0xFF // corrupt a payload byte after the leading flag

	h := &HDLCSession{serial: newFakeSerialFromFrame(frame)}
	_, err := h.receive()
	if err == nil {
		t.Fatal("expected an FCS mismatch error")
	}
}
