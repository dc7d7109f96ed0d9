package ncp

import "github.com/rs/zerolog/log"

// HDLC-Lite framing constants (spec §4.4).
const (
	hdlcFlag       = 0x7E
	hdlcEscape     = 0x7D
	hdlcEscapeFlip = 0x20

	hdlcFCSInit = 0xFFFF
	hdlcFCSPoly = 0x8408
	hdlcFCSGood = 0xF0B8
)

// hdlcFCSTable is the precomputed 256-entry FCS table (spec §4.4
// "Implementations MUST precompute a 256-entry FCS table at startup").
var hdlcFCSTable = makeHdlcFCSTable()

func makeHdlcFCSTable() [256]uint16 {
	var table [256]uint16
	for b := 0; b < 256; b++ {
		fcs := uint16(b)
		for i := 0; i < 8; i++ {
			if fcs&1 != 0 {
				fcs = (fcs >> 1) ^ hdlcFCSPoly
			} else {
				fcs >>= 1
			}
		}
		table[b] = fcs
	}
	return table
}

func hdlcFCSStep(fcs uint16, b byte) uint16 {
	return (fcs >> 8) ^ hdlcFCSTable[(fcs^uint16(b))&0xFF]
}

// HDLCSession frames Spinel packets over HDLC-Lite (spec §4.4). Like
// ASHSession, every call blocks for the full wire round-trip — no
// background reader.
type HDLCSession struct {
	serial *SerialPort

	logRaw bool
}

// NewHDLCSession creates an HDLC-Lite session over an already-open
// serial port.
func NewHDLCSession(s *SerialPort, logRaw bool) *HDLCSession {
	return &HDLCSession{serial: s, logRaw: logRaw}
}

// hdlcEncode returns the HDLC-Lite encoding of payload: flag, escaped
// payload, little-endian FCS with final XOR 0xFFFF, flag.
func hdlcEncode(payload []byte) []byte {
	fcs := uint16(hdlcFCSInit)
	out := make([]byte, 0, len(payload)+6)
	out = append(out, hdlcFlag)
	for _, b := range payload {
		fcs = hdlcFCSStep(fcs, b)
		out = hdlcAppendEscaped(out, b)
	}
	fcs ^= 0xFFFF
	out = hdlcAppendEscaped(out, byte(fcs&0xFF))
	out = hdlcAppendEscaped(out, byte(fcs>>8))
	out = append(out, hdlcFlag)
	return out
}

func hdlcAppendEscaped(out []byte, b byte) []byte {
	if b == hdlcEscape || b == hdlcFlag {
		return append(out, hdlcEscape, b^hdlcEscapeFlip)
	}
	return append(out, b)
}

// Send writes payload HDLC-Lite-encoded and blocks for the framed
// response (spec §4.4 "Receive").
func (h *HDLCSession) Send(payload []byte) ([]byte, error) {
	frame := hdlcEncode(payload)
	if h.logRaw {
		log.Debug().Hex("frame", frame).Msg("HDLC TX")
	}
	if err := h.serial.Write(frame); err != nil {
		return nil, err
	}

	resp, err := h.receive()
	if err != nil {
		return nil, err
	}
	if h.logRaw {
		log.Debug().Hex("frame", resp).Msg("HDLC RX")
	}
	return resp, nil
}

// receive discards bytes until the first flag, then accumulates
// un-escaped bytes until the next flag, validates the FCS residual,
// and strips the trailing two FCS bytes (spec §4.4 "Receive").
func (h *HDLCSession) receive() ([]byte, error) {
	fcs := uint16(hdlcFCSInit)
	var packet []byte
	for {
		b, err := h.serial.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == hdlcFlag {
			if len(packet) == 0 {
				continue
			}
			break
		}
		if b == hdlcEscape {
			b, err = h.serial.ReadByte()
			if err != nil {
				return nil, err
			}
			b ^= hdlcEscapeFlip
		}
		fcs = hdlcFCSStep(fcs, b)
		packet = append(packet, b)
	}

	if len(packet) < 2 {
		return nil, ErrFrameCRC
	}
	if fcs != hdlcFCSGood {
		return nil, ErrFrameCRC
	}

	return packet[:len(packet)-2], nil
}
