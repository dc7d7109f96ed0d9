package ncp

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const vendorElelabs = "Elelabs"

// bootloaderBaud is the fixed baud rate the Gecko bootloader's ASCII
// menu speaks (spec §4.6 step 4).
const bootloaderBaud = 115200

// restartSettleDelay is the pause after triggering a reboot before the
// next probe (spec §4.6 "Restart into bootloader"/"Restart into
// normal mode"). It is a var, not a const, so tests can shrink it
// instead of sleeping for real.
var restartSettleDelay = 2 * time.Second

// xmodemPostUploadSettle is the pause after the XMODEM transfer
// completes before the bootloader's reboot menu selection is sent
// (spec §4.6 "Firmware upload"). A var for the same reason as
// restartSettleDelay.
var xmodemPostUploadSettle = 4 * time.Second

// Controller is the Mode Controller (spec §4.6): it probes, classifies,
// transitions, and drives the XMODEM-CRC firmware transfer against an
// NCP radio module over one serial port. It is strictly sequential
// (spec §5) — it never holds more than one open session on the port at
// a time, and every opened session is closed on every exit path.
type Controller struct {
	port string
	baud int

	logRaw    bool
	logPacket bool

	// openSerial is a seam for tests to substitute a scripted transport
	// in place of a real device; production code always leaves it at
	// its NewController-assigned default of OpenSerial.
	openSerial func(portPath string, baud int) (*SerialPort, error)
}

// Option configures verbosity, mapped from spec §6's --dlevel knob.
type Option func(*Controller)

// WithVerbosity sets the logging verbosity level (spec §6 "Logging
// verbosity levels"). The zerolog global level should be set by the
// caller separately; this only toggles the two additional on-the-wire
// logging knobs RAW and PACKET need beyond DEBUG/INFO.
func WithVerbosity(raw, packet bool) Option {
	return func(c *Controller) {
		c.logRaw = raw
		c.logPacket = packet
	}
}

// NewController creates a Mode Controller for port at baud.
func NewController(port string, baud int, opts ...Option) *Controller {
	c := &Controller{port: port, baud: baud, openSerial: OpenSerial}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe implements spec §4.6 "Probe protocol": try EZSP, then Spinel,
// then the bootloader's ASCII menu, returning the first mode that
// responds (spec §3 invariant: only one mode is valid per probe).
func (c *Controller) Probe() (ProbeResult, error) {
	serial, err := c.openSerial(c.port, c.baud)
	if err != nil {
		return ProbeResult{Mode: ModeError}, err
	}
	defer serial.Close()

	if result, ok := c.tryEzsp(serial); ok {
		return result, nil
	}

	if result, ok := c.trySpinel(serial); ok {
		return result, nil
	}

	return c.tryBootloader(serial)
}

// tryEzsp attempts EZSP classification (spec §4.6 step 2).
func (c *Controller) tryEzsp(serial *SerialPort) (ProbeResult, bool) {
	ash := NewASHSession(serial, c.logRaw, c.logPacket)
	ezsp := NewEZSPSession(ash, c.logPacket)

	if _, err := ezsp.NegotiateVersion(); err != nil {
		log.Debug().Err(err).Msg("EZSP classification failed")
		return ProbeResult{}, false
	}

	result := ProbeResult{Mode: ModeZigbee}

	if status, data, err := ezsp.GetValue(ezspValueVersionInfo); err == nil && status == 0 && len(data) >= 5 {
		fw := fmt.Sprintf("%d.%d.%d-%d", data[2], data[3], data[4], data[0])
		log.Info().Str("firmware", fw).Msg("Zigbee (EZSP) adapter detected")
	}

	if mfg, err := ezsp.GetMfgToken(ezspMfgString); err == nil && asciiTrim(mfg) == vendorElelabs {
		if board, err := ezsp.GetMfgToken(ezspMfgBoardName); err == nil {
			result.BoardName = asciiTrim(board)
			result.HasBoard = true
			log.Info().Str("board", result.BoardName).Msg("Elelabs Zigbee adapter detected")
		}
	}

	return result, true
}

// trySpinel attempts Spinel classification (spec §4.6 step 3).
func (c *Controller) trySpinel(serial *SerialPort) (ProbeResult, bool) {
	hdlc := NewHDLCSession(serial, c.logRaw)
	spinel := NewSpinelSession(hdlc, c.logPacket)

	if err := spinel.Init(); err != nil {
		log.Debug().Err(err).Msg("Spinel classification failed")
		return ProbeResult{}, false
	}

	result := ProbeResult{Mode: ModeThread}

	if data, err := spinel.GetProperty(spinelPropNCPVersion); err == nil {
		log.Info().Str("firmware", asciiTrim(data)).Msg("Thread (Spinel) adapter detected")
	}

	if data, err := spinel.GetProperty(spinelPropMfgString); err == nil && asciiTrim(data) == vendorElelabs {
		if board, err := spinel.GetProperty(spinelPropMfgBoardName); err == nil {
			result.BoardName = asciiTrim(board)
			result.HasBoard = true
			log.Info().Str("board", result.BoardName).Msg("Elelabs Thread adapter detected")
		}
	}

	return result, true
}

// tryBootloader attempts bootloader classification (spec §4.6 step 4):
// if the configured baud isn't 115200, reopen at 115200 first, since
// the bootloader menu is fixed at that rate.
func (c *Controller) tryBootloader(serial *SerialPort) (ProbeResult, error) {
	if c.baud != bootloaderBaud {
		if err := serial.Close(); err != nil {
			return ProbeResult{Mode: ModeError}, err
		}
		reopened, err := c.openSerial(c.port, bootloaderBaud)
		if err != nil {
			return ProbeResult{Mode: ModeError}, err
		}
		defer reopened.Close()
		serial = reopened
	}

	if err := serial.Write([]byte{0x0D}); err != nil {
		return ProbeResult{Mode: ModeError}, err
	}

	first, _ := serial.ReadLine()
	if len(first) == 0 {
		log.Info().Msg("no response in Zigbee, Thread, or bootloader mode")
		return ProbeResult{Mode: ModeError}, nil
	}

	second, _ := serial.ReadLine()
	banner := strings.TrimRight(string(second), "\r\n")
	if banner != "" {
		log.Info().Str("banner", banner).Msg("bootloader adapter detected")
	}

	return ProbeResult{Mode: ModeBootloader}, nil
}

// RestartTo implements spec §4.6 "Restart into bootloader"/"Restart
// into normal mode".
func (c *Controller) RestartTo(target RestartTarget) error {
	current, err := c.Probe()
	if err != nil {
		return err
	}

	switch target {
	case TargetBootloader:
		return c.restartToBootloader(current)
	case TargetNormal:
		return c.restartToNormal(current)
	default:
		return fmt.Errorf("unknown restart target %d", target)
	}
}

func (c *Controller) restartToBootloader(current ProbeResult) error {
	switch current.Mode {
	case ModeBootloader:
		log.Info().Msg("already in bootloader mode")
		return nil
	case ModeZigbee:
		if err := c.launchBootloaderFromZigbee(); err != nil {
			return err
		}
	case ModeThread:
		// HasBoard is only set when Probe read back vendor string
		// "Elelabs" (spec §4.6); a non-Elelabs Thread device has no
		// known in-band bootloader entry.
		if !current.HasBoard {
			return ErrNotSupported
		}
		if err := c.launchBootloaderFromThread(); err != nil {
			return err
		}
	default:
		return ErrBootloaderEntryFailed
	}

	time.Sleep(restartSettleDelay)
	after, err := c.Probe()
	if err != nil {
		return err
	}
	if after.Mode != ModeBootloader {
		return ErrBootloaderEntryFailed
	}
	return nil
}

func (c *Controller) launchBootloaderFromZigbee() error {
	serial, err := c.openSerial(c.port, c.baud)
	if err != nil {
		return err
	}
	defer serial.Close()

	ash := NewASHSession(serial, c.logRaw, c.logPacket)
	ezsp := NewEZSPSession(ash, c.logPacket)
	if _, err := ezsp.NegotiateVersion(); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntryFailed, err)
	}
	status, err := ezsp.LaunchStandaloneBootloader(ezspBootloaderNormalMode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntryFailed, err)
	}
	if status != 0 {
		return fmt.Errorf("%w: status 0x%02X", ErrBootloaderEntryFailed, status)
	}
	return nil
}

func (c *Controller) launchBootloaderFromThread() error {
	serial, err := c.openSerial(c.port, c.baud)
	if err != nil {
		return err
	}
	defer serial.Close()

	hdlc := NewHDLCSession(serial, c.logRaw)
	spinel := NewSpinelSession(hdlc, c.logPacket)
	if err := spinel.Init(); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntryFailed, err)
	}
	if err := spinel.LaunchBootloader(); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntryFailed, err)
	}
	return nil
}

func (c *Controller) restartToNormal(current ProbeResult) error {
	if current.Mode == ModeZigbee || current.Mode == ModeThread {
		log.Info().Msg("already in normal mode")
		return nil
	}
	if current.Mode != ModeBootloader {
		return ErrBootloaderEntryFailed
	}

	serial, err := c.openSerial(c.port, bootloaderBaud)
	if err != nil {
		return err
	}
	if err := serial.Write([]byte{'2'}); err != nil {
		_ = serial.Close()
		return err
	}
	if err := serial.Close(); err != nil {
		return err
	}

	time.Sleep(restartSettleDelay)
	after, err := c.Probe()
	if err != nil {
		return err
	}
	if after.Mode != ModeZigbee && after.Mode != ModeThread {
		return ErrBootloaderEntryFailed
	}
	return nil
}

// Flash implements spec §4.6 "Firmware upload".
func (c *Controller) Flash(imagePath string, progress XMODEMProgress) error {
	if !hasSuffix(imagePath, ".gbl") && !hasSuffix(imagePath, ".ebl") {
		return ErrInvalidImage
	}

	if err := c.RestartTo(TargetBootloader); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntryFailed, err)
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPort, err)
	}

	serial, err := c.openSerial(c.port, bootloaderBaud)
	if err != nil {
		return err
	}
	defer serial.Close()

	if err := serial.Write([]byte{0x0A}); err != nil {
		return err
	}
	if err := serial.Write([]byte{'1'}); err != nil {
		return err
	}
	_, _ = serial.ReadLine() // "BL > 1"
	_, _ = serial.ReadLine() // "begin upload"

	log.Info().Msg("entering XMODEM-CRC upload, do not interrupt")

	if err := xmodemSend(serial, data, progress); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	log.Info().Msg("firmware upload complete, rebooting")
	time.Sleep(xmodemPostUploadSettle)
	if err := serial.Write([]byte{'2'}); err != nil {
		return err
	}
	if err := serial.Close(); err != nil {
		return err
	}

	time.Sleep(restartSettleDelay)
	if _, err := c.Probe(); err != nil {
		log.Warn().Err(err).Msg("post-flash probe failed (best-effort)")
	}
	return nil
}

// BoardResolver maps a board name and desired protocol to a firmware
// image path (spec §6: "mapping table is external").
type BoardResolver func(boardName string, protocol AdapterMode) (string, error)

// Update implements spec §6 "update": probe, resolve the board name +
// desired protocol to a firmware path via resolve, then Flash.
func (c *Controller) Update(protocol AdapterMode, resolve BoardResolver, progress XMODEMProgress) error {
	result, err := c.Probe()
	if err != nil {
		return err
	}

	if result.Mode == ModeBootloader {
		return fmt.Errorf("%w: device is in bootloader mode, use restart or flash", ErrBootloaderEntryFailed)
	}
	if result.Mode != ModeZigbee && result.Mode != ModeThread {
		return ErrUnknownBoard
	}
	if !result.HasBoard {
		return fmt.Errorf("%w: no Elelabs product detected", ErrUnknownBoard)
	}

	path, err := resolve(result.BoardName, protocol)
	if err != nil {
		return err
	}

	return c.Flash(path, progress)
}

func asciiTrim(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
