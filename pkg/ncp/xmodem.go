package ncp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// XMODEM-CRC constants (spec §3 "XMODEM Block", §9).
const (
	xmodemSOH        = 0x01
	xmodemEOT        = 0x04
	xmodemACK        = 0x06
	xmodemNAK        = 0x15
	xmodemCAN        = 0x18
	xmodemReady      = 'C'
	xmodemBlockSize  = 128
	xmodemPad        = 0x1A
	xmodemMaxRetries = 10
)

// xmodemReadyBudget, xmodemReadySettle, and xmodemInterBlockGap are
// vars rather than consts so tests can shrink them instead of waiting
// out the real timing budget.
var (
	xmodemReadyBudget   = 10 * time.Second
	xmodemReadySettle   = 5 * time.Second
	xmodemInterBlockGap = 1 * time.Millisecond
)

// xmodemState names the states of the sender state machine (spec §9).
type xmodemState int

const (
	xmodemWaitC xmodemState = iota
	xmodemSendBlock
	xmodemWaitAck
	xmodemSendEOT
	xmodemWaitEOTAck
	xmodemDone
	xmodemError
)

// XMODEMProgress is invoked after each block is acknowledged, mirroring
// the original utility's progress dots (SPEC_FULL.md "Supplemented
// features"). Optional; nil disables progress reporting.
type XMODEMProgress func(blocksSent, blocksTotal int)

// xmodemSend reads data and transmits it to the bootloader's
// XMODEM-CRC receiver, blocking as a synchronous state machine (spec
// §9). serial is a raw byte channel already positioned at the
// bootloader's ASCII menu, past the "upload GBL" selection.
func xmodemSend(serial *SerialPort, data []byte, progress XMODEMProgress) error {
	blocks := splitBlocks(data)

	if err := waitForReady(serial); err != nil {
		return err
	}

	state := xmodemSendBlock
	blockNum := uint8(1)
	idx := 0
	retries := 0

	for {
		switch state {
		case xmodemSendBlock:
			if idx >= len(blocks) {
				state = xmodemSendEOT
				continue
			}
			frame := buildXmodemBlock(blockNum, blocks[idx])
			if err := serial.Write(frame); err != nil {
				return err
			}
			time.Sleep(xmodemInterBlockGap)
			state = xmodemWaitAck

		case xmodemWaitAck:
			b, err := serial.ReadByte()
			if err != nil {
				b = 0 // treat a timed-out read like any other garbled reply
			}
			switch b {
			case xmodemACK:
				idx++
				blockNum++
				retries = 0
				if progress != nil {
					progress(idx, len(blocks))
				}
				state = xmodemSendBlock
			case xmodemCAN:
				return fmt.Errorf("%w: receiver cancelled transfer", ErrUploadFailed)
			default:
				// NAK or garbled reply: resend the same block (idx,
				// blockNum unchanged) up to the retry limit.
				retries++
				if retries > xmodemMaxRetries {
					state = xmodemError
					continue
				}
				state = xmodemSendBlock
			}

		case xmodemSendEOT:
			if err := serial.Write([]byte{xmodemEOT}); err != nil {
				return err
			}
			state = xmodemWaitEOTAck

		case xmodemWaitEOTAck:
			b, err := serial.ReadByte()
			if err != nil || b != xmodemACK {
				retries++
				if retries > xmodemMaxRetries {
					state = xmodemError
					continue
				}
				state = xmodemSendEOT
				continue
			}
			state = xmodemDone

		case xmodemDone:
			log.Debug().Int("blocks", len(blocks)).Msg("XMODEM transfer complete")
			return nil

		case xmodemError:
			return fmt.Errorf("%w: block %d exceeded %d retries", ErrUploadFailed, blockNum, xmodemMaxRetries)
		}
	}
}

// waitForReady implements spec §4.6 step 4: wait up to 10s for the
// receiver's 'C', then keep reading 'C' bytes until more than 5s have
// elapsed since the budget started, before beginning transfer. This
// preserves the source's documented-but-unexplained behavior (spec
// §9 Open Questions) rather than starting on the first 'C' seen.
func waitForReady(serial *SerialPort) error {
	start := time.Now()
	seenC := false
	for time.Since(start) < xmodemReadyBudget {
		b, err := serial.ReadByte()
		if err != nil {
			continue
		}
		if b == xmodemReady {
			seenC = true
			if time.Since(start) > xmodemReadySettle {
				return nil
			}
		}
	}
	if seenC {
		return nil
	}
	return ErrTimeout
}

// splitBlocks pads data into 128-byte blocks, padding the final block
// with 0x1A (spec §3 "XMODEM Block").
func splitBlocks(data []byte) [][]byte {
	var blocks [][]byte
	for i := 0; i < len(data); i += xmodemBlockSize {
		end := i + xmodemBlockSize
		if end > len(data) {
			block := make([]byte, xmodemBlockSize)
			copy(block, data[i:])
			for j := len(data) - i; j < xmodemBlockSize; j++ {
				block[j] = xmodemPad
			}
			blocks = append(blocks, block)
		} else {
			blocks = append(blocks, data[i:end])
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, make([]byte, xmodemBlockSize))
		for i := range blocks[0] {
			blocks[0][i] = xmodemPad
		}
	}
	return blocks
}

// buildXmodemBlock builds one SOH block: SOH, block#, ~block#, 128
// data bytes, CRC-16/XMODEM big-endian (spec §3).
func buildXmodemBlock(blockNum uint8, data []byte) []byte {
	frame := make([]byte, 0, 3+xmodemBlockSize+2)
	frame = append(frame, xmodemSOH, blockNum, ^blockNum)
	frame = append(frame, data...)
	crc := xmodemCRC(data)
	frame = append(frame, byte(crc>>8), byte(crc&0xFF))
	return frame
}

// xmodemCRC computes CRC-16/XMODEM: poly 0x1021, init 0x0000.
func xmodemCRC(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
