package ncp

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// EZSP command opcodes used by the core (spec §4.3).
const (
	ezspCmdVersion                    = 0x00
	ezspCmdGetValue                   = 0xAA
	ezspCmdGetMfgToken                = 0x0B
	ezspCmdLaunchStandaloneBootloader = 0x8F
)

// Value/token IDs and bootloader mode (spec §4.3).
const (
	ezspValueVersionInfo     = 0x11
	ezspMfgString            = 0x01
	ezspMfgBoardName         = 0x02
	ezspBootloaderNormalMode = 1
)

const ezspInitialVersion = 4

// EZSPSession holds the per-session EZSP state (spec §3 "EZSP Session
// State"): a sequence counter and the negotiated protocol version,
// which determines the header layout for every subsequent frame.
type EZSPSession struct {
	ash *ASHSession

	seq     uint8
	version uint8

	logPacket bool
}

// NewEZSPSession creates an EZSP session over an ASH session.
// The protocol version starts at 4, per spec §3.
func NewEZSPSession(ash *ASHSession, logPacket bool) *EZSPSession {
	return &EZSPSession{ash: ash, version: ezspInitialVersion, logPacket: logPacket}
}

// buildFrame lays out an EZSP command frame according to the
// negotiated protocol version (spec §4.3). The ≥8 header is built
// with the correct byte order up front, rather than assembled and then
// overwritten (spec §9's explicit fix for the source's overwrite
// pattern).
func (e *EZSPSession) buildFrame(cmdID uint8, args []byte) []byte {
	seq := e.seq
	e.seq++ // wraps modulo 256 by uint8 overflow (spec §9 decision)

	var frame []byte
	switch {
	case e.version <= 4:
		frame = make([]byte, 0, 3+len(args))
		frame = append(frame, seq, 0x00, cmdID)
	case e.version <= 7:
		frame = make([]byte, 0, 5+len(args))
		frame = append(frame, seq, 0x00, 0xFF, 0x00, cmdID)
	default: // >= 8
		frame = make([]byte, 0, 5+len(args))
		frame = append(frame, seq, 0x00, 0x01, cmdID, 0x00)
	}
	frame = append(frame, args...)

	if e.logPacket {
		log.Debug().Uint8("seq", seq).Uint8("cmd", cmdID).Uint8("version", e.version).Hex("frame", frame).Msg("EZSP TX")
	}
	return frame
}

// send issues one EZSP command and returns the de-whitened response
// payload, ACK'd per spec §4.2 before this call returns.
func (e *EZSPSession) send(cmdID uint8, args []byte) ([]byte, error) {
	frame := e.buildFrame(cmdID, args)
	resp, err := e.ash.SendData(frame)
	if err != nil {
		return nil, fmt.Errorf("EZSP command 0x%02X: %w", cmdID, err)
	}
	if e.logPacket {
		log.Debug().Uint8("cmd", cmdID).Hex("resp", resp).Msg("EZSP RX")
	}
	return resp, nil
}

// NegotiateVersion implements spec §4.3 "Version negotiation": RSTACK,
// then version(4), then (if the NCP reports a different version)
// version(reported) once more, committing the new header layout.
func (e *EZSPSession) NegotiateVersion() (uint8, error) {
	if err := e.ash.Connect(); err != nil {
		return 0, ErrNotEzsp
	}

	resp, err := e.send(ezspCmdVersion, []byte{ezspInitialVersion})
	if err != nil {
		return 0, ErrNotEzsp
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("%w: version response too short (%d bytes)", ErrProtocolMismatch, len(resp))
	}
	reported := resp[3]

	if reported != ezspInitialVersion {
		e.version = reported
		resp, err = e.send(ezspCmdVersion, []byte{reported})
		if err != nil {
			return 0, err
		}
		if len(resp) < 4 {
			return 0, fmt.Errorf("%w: version retry response too short (%d bytes)", ErrProtocolMismatch, len(resp))
		}
	}

	e.version = reported
	log.Debug().Uint8("version", e.version).Msg("EZSP version negotiated")
	return e.version, nil
}

// GetValue implements EZSP getValue (0xAA): response shape
// [..., status@5, len@6, data@7..].
func (e *EZSPSession) GetValue(valueID uint8) (status uint8, data []byte, err error) {
	resp, err := e.send(ezspCmdGetValue, []byte{valueID})
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 7 {
		return 0, nil, fmt.Errorf("%w: getValue response too short (%d bytes)", ErrProtocolMismatch, len(resp))
	}
	return resp[5], resp[7:], nil
}

// GetMfgToken implements EZSP getMfgToken (0x0B): response shape
// [..., len@5, data@6..].
func (e *EZSPSession) GetMfgToken(tokenID uint8) ([]byte, error) {
	resp, err := e.send(ezspCmdGetMfgToken, []byte{tokenID})
	if err != nil {
		return nil, err
	}
	if len(resp) < 6 {
		return nil, fmt.Errorf("%w: getMfgToken response too short (%d bytes)", ErrProtocolMismatch, len(resp))
	}
	return resp[6:], nil
}

// LaunchStandaloneBootloader implements EZSP launchStandaloneBootloader
// (0x8F): response shape [..., status@5].
func (e *EZSPSession) LaunchStandaloneBootloader(mode uint8) (status uint8, err error) {
	resp, err := e.send(ezspCmdLaunchStandaloneBootloader, []byte{mode})
	if err != nil {
		return 0, err
	}
	if len(resp) < 6 {
		return 0, fmt.Errorf("%w: launchStandaloneBootloader response too short (%d bytes)", ErrProtocolMismatch, len(resp))
	}
	return resp[5], nil
}
