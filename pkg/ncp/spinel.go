package ncp

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Spinel header and command constants (spec §4.5).
const (
	spinelHeaderDefault = 0x81
	spinelHeaderAsync   = 0x80

	spinelCmdReset              = 1
	spinelCmdPropValueGet       = 2
	spinelCmdMfgLaunchBootloader = 15360

	spinelPropProtocolVersion = 1
	spinelPropNCPVersion      = 2
	spinelPropMfgString       = 0x3C01
	spinelPropMfgBoardName    = 0x3C02
)

const spinelVersionRetries = 5

// SpinelSession holds the per-session Spinel state (spec §3 "Spinel
// Session State") and frames commands over HDLC-Lite.
type SpinelSession struct {
	hdlc *HDLCSession

	version string

	logPacket bool
}

// NewSpinelSession creates a Spinel session over an HDLC-Lite session.
func NewSpinelSession(hdlc *HDLCSession, logPacket bool) *SpinelSession {
	return &SpinelSession{hdlc: hdlc, logPacket: logPacket}
}

// encodeVarint LEB128-encodes n as Spinel does for opcodes and
// property IDs (spec §4.5, §8 property 4: encoding of 15360 is
// 0x80 0x78).
func encodeVarint(n uint32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out
}

// decodeVarint decodes an unsigned LEB128 varint, returning the value
// and the number of bytes consumed.
func decodeVarint(data []byte) (uint32, int) {
	var result uint32
	var shift uint
	for i, b := range data {
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
	}
	return result, len(data)
}

// buildPacket lays out a Spinel packet: header, cmd_id (varint),
// payload (spec §4.5).
func buildPacket(header byte, cmdID uint32, payload []byte) []byte {
	pkt := make([]byte, 0, 2+len(payload))
	pkt = append(pkt, header)
	pkt = append(pkt, encodeVarint(cmdID)...)
	pkt = append(pkt, payload...)
	return pkt
}

func headerFor(cmdID uint32) byte {
	if cmdID == spinelCmdReset || cmdID == spinelCmdMfgLaunchBootloader {
		return spinelHeaderAsync
	}
	return spinelHeaderDefault
}

// send builds and sends one Spinel packet, returning the raw HDLC
// response.
func (s *SpinelSession) send(cmdID uint32, payload []byte) ([]byte, error) {
	pkt := buildPacket(headerFor(cmdID), cmdID, payload)
	if s.logPacket {
		log.Debug().Hex("pkt", pkt).Msg("Spinel TX")
	}
	resp, err := s.hdlc.Send(pkt)
	if err != nil {
		return nil, err
	}
	if s.logPacket {
		log.Debug().Hex("pkt", resp).Msg("Spinel RX")
	}
	return resp, nil
}

// propertyValue strips the header + cmd-id varint + echoed property-ID
// varint from a CMD_PROP_VALUE_GET reply, leaving the property value
// (spec §4.5 "Property response parsing").
func propertyValue(resp []byte, propID uint32) ([]byte, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: Spinel reply too short", ErrProtocolMismatch)
	}
	// byte 0: header, byte 1..: cmd-id varint (CMD_PROP_VALUE_GET is a
	// single-byte varint), then the echoed property-id varint.
	n := 3
	if propID > 0xFF {
		n = 4
	}
	if len(resp) < n {
		return nil, fmt.Errorf("%w: Spinel reply too short for property 0x%X", ErrProtocolMismatch, propID)
	}
	return resp[n:], nil
}

// Init implements spec §4.5 "Init sequence": CMD_RESET, detect a
// bootloader echo, then poll PROP_PROTOCOL_VERSION up to 5 times.
func (s *SpinelSession) Init() error {
	s.version = ""

	pkt := buildPacket(spinelHeaderAsync, spinelCmdReset, nil)
	if s.logPacket {
		log.Debug().Hex("pkt", pkt).Msg("Spinel TX CMD_RESET")
	}
	resp, err := s.hdlc.Send(pkt)
	if err != nil {
		return ErrNotSpinel
	}

	if bytes.Equal(resp, pkt) {
		log.Debug().Msg("Spinel reset echoed verbatim; bootloader, not Spinel")
		return ErrNotSpinel
	}

	for i := 0; i < spinelVersionRetries; i++ {
		resp, err := s.send(spinelCmdPropValueGet, encodeVarint(spinelPropProtocolVersion))
		if err != nil {
			return ErrNotSpinel
		}
		val, err := propertyValue(resp, spinelPropProtocolVersion)
		if err != nil || len(val) < 2 {
			continue
		}
		echoedProp, _ := decodeVarint(resp[2:])
		if echoedProp != spinelPropProtocolVersion {
			continue
		}
		s.version = fmt.Sprintf("%d.%d", val[0], val[1])
		log.Debug().Str("version", s.version).Msg("Spinel version negotiated")
		return nil
	}

	return fmt.Errorf("%w: PROP_PROTOCOL_VERSION mismatch after %d attempts", ErrProtocolMismatch, spinelVersionRetries)
}

// GetProperty issues CMD_PROP_VALUE_GET for propID and returns the
// property value bytes.
func (s *SpinelSession) GetProperty(propID uint32) ([]byte, error) {
	resp, err := s.send(spinelCmdPropValueGet, encodeVarint(propID))
	if err != nil {
		return nil, err
	}
	return propertyValue(resp, propID)
}

// LaunchBootloader sends CMD_MFG_LAUNCH_BOOTLOADER fire-and-forget
// (async header, no reply expected).
func (s *SpinelSession) LaunchBootloader() error {
	pkt := buildPacket(spinelHeaderAsync, spinelCmdMfgLaunchBootloader, nil)
	if s.logPacket {
		log.Debug().Hex("pkt", pkt).Msg("Spinel TX CMD_MFG_LAUNCH_BOOTLOADER")
	}
	return s.hdlc.serial.Write(hdlcEncode(pkt))
}
