package ncp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// readTimeout is the per-read deadline used by every framer (spec §4.1,
// §7 Timeout).
const readTimeout = 3 * time.Second

// serialBackend is the slice of go.bug.st/serial.Port that SerialPort
// needs. Narrowing to an interface here (rather than holding
// serial.Port directly) lets tests substitute a fake transport without
// a real device attached.
type serialBackend interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// SerialPort is a blocking, full-duplex byte channel to the NCP. It
// carries no protocol knowledge of its own — the ASH, HDLC-Lite, and
// bootloader layers each read and write raw bytes through it.
type SerialPort struct {
	port serialBackend
	baud int
}

// OpenSerial opens portPath at baud, 8N1, no hardware flow control.
// Software XON/XOFF flow control is not enabled: go.bug.st/serial
// exposes no knob for it, and no layer above filters or acts on
// XON/XOFF bytes.
func OpenSerial(portPath string, baud int) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPort, portPath, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrPort, err)
	}

	log.Debug().Str("port", portPath).Int("baud", baud).Msg("serial port opened")

	return &SerialPort{port: port, baud: baud}, nil
}

// Write sends raw bytes.
func (s *SerialPort) Write(data []byte) error {
	_, err := s.port.Write(data)
	if err != nil {
		return fmt.Errorf("%w: write: %v", ErrPort, err)
	}
	return nil
}

// ReadByte reads a single byte, blocking up to readTimeout. It returns
// ErrTimeout if the read timeout elapses with nothing to return —
// go.bug.st/serial signals this with a zero-length, nil-error read.
func (s *SerialPort) ReadByte() (byte, error) {
	buf := [1]byte{}
	n, err := s.port.Read(buf[:])
	if err != nil {
		return 0, fmt.Errorf("%w: read: %v", ErrPort, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

// FlushInput discards any buffered input in the OS driver.
func (s *SerialPort) FlushInput() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: flush input: %v", ErrPort, err)
	}
	return nil
}

// ReadLine reads bytes up to and including the next '\n', within a
// single readTimeout budget. Returns a nil slice (not an error) if the
// deadline elapses before any byte arrives — used by the bootloader's
// ASCII menu (spec §4.6 steps 2-3) where a blank/missing line is a
// meaningful signal, not a failure.
func (s *SerialPort) ReadLine() ([]byte, error) {
	deadline := time.Now().Add(readTimeout)
	var line []byte
	for time.Now().Before(deadline) {
		b, err := s.ReadByte()
		if err != nil {
			if len(line) == 0 {
				return nil, nil
			}
			return line, nil
		}
		line = append(line, b)
		if b == '\n' {
			return line, nil
		}
	}
	return line, nil
}

// Close closes the underlying port. Every successful Open is paired
// with exactly one Close by the caller (spec §5).
func (s *SerialPort) Close() error {
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrPort, err)
	}
	return nil
}
