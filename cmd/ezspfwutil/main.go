package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/urmzd/ezspfwutil/pkg/ncp"
)

// eleProduct maps an Elelabs board name to its Zigbee and Thread
// firmware image paths (SPEC_FULL.md "Supplemented features", recovered
// from original_source/Elelabs_EzspFwUtility.py's ele_update table).
type eleProduct struct {
	zigbee string
	thread string
}

var eleProductTable = map[string]eleProduct{
	"ELR023":  {zigbee: "firmware/ELR023-ELU013-ncp-uart-hw-v6.7.8.gbl", thread: "firmware/ELR023-ELU013-ot-rcp-v2.0.2.gbl"},
	"ELU013":  {zigbee: "firmware/ELR023-ELU013-ncp-uart-hw-v6.7.8.gbl", thread: "firmware/ELR023-ELU013-ot-rcp-v2.0.2.gbl"},
	"ELU0143": {zigbee: "firmware/ELU0143-ncp-uart-hw-v6.7.8.gbl", thread: "firmware/ELU0143-ot-rcp-v2.0.2.gbl"},
	"ELU0141": {zigbee: "firmware/ELU0141-ELU0142-ncp-uart-hw-v6.7.8.gbl", thread: "firmware/ELU0141-ELU0142-ot-rcp-v2.0.2.gbl"},
	"ELU0142": {zigbee: "firmware/ELU0141-ELU0142-ncp-uart-hw-v6.7.8.gbl", thread: "firmware/ELU0141-ELU0142-ot-rcp-v2.0.2.gbl"},
}

// unsupportedEleBoards are board names the original utility recognizes
// but refuses to auto-update (Elelabs_EzspFwUtility.py logs a critical
// "contact Elelabs" message and never calls flash() for these). They
// are deliberately absent from eleProductTable; resolveEleProduct
// reports them explicitly rather than falling through to the generic
// unknown-board error.
var unsupportedEleBoards = map[string]bool{
	"ELR022":  true,
	"ELU012":  true,
	"EZBPIS":  true,
	"EZBUSBA": true,
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "probe":
		err = runProbe(os.Args[2:])
	case "restart":
		err = runRestart(os.Args[2:])
	case "flash":
		err = runFlash(os.Args[2:])
	case "ele_update":
		err = runEleUpdate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ezspfwutil <probe|restart|flash|ele_update> [flags]")
}

// commonFlags adds --port, --baudrate, --dlevel to fs and returns
// accessors (spec §6 "CLI surface").
func commonFlags(fs *flag.FlagSet) (port *string, baud *int, dlevel *string) {
	port = fs.String("port", "", "serial port device path (required)")
	baud = fs.Int("baudrate", 115200, "serial baud rate")
	dlevel = fs.String("dlevel", "INFO", "logging verbosity: RAW, PACKET, DEBUG, or INFO")
	return
}

// applyLevel sets the zerolog global level and returns the RAW/PACKET
// toggles consumed by ncp.WithVerbosity (spec §6 "Logging verbosity
// levels").
func applyLevel(dlevel string) (raw, packet bool) {
	switch strings.ToUpper(dlevel) {
	case "RAW":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return true, true
	case "PACKET":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return false, true
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return false, false
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return false, false
	}
}

func requirePort(port string) error {
	if port == "" {
		return fmt.Errorf("--port is required")
	}
	return nil
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	port, baud, dlevel := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePort(*port); err != nil {
		return err
	}
	raw, packet := applyLevel(*dlevel)

	c := ncp.NewController(*port, *baud, ncp.WithVerbosity(raw, packet))
	result, err := c.Probe()
	if err != nil {
		return err
	}

	log.Info().Str("mode", result.Mode.String()).Str("board", result.BoardName).Msg("probe complete")
	return nil
}

func runRestart(args []string) error {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	port, baud, dlevel := commonFlags(fs)
	mode := fs.String("mode", "", "restart target: btl (bootloader) or nrml (normal)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePort(*port); err != nil {
		return err
	}
	raw, packet := applyLevel(*dlevel)

	var target ncp.RestartTarget
	switch *mode {
	case "btl":
		target = ncp.TargetBootloader
	case "nrml":
		target = ncp.TargetNormal
	default:
		return fmt.Errorf("--mode must be btl or nrml")
	}

	c := ncp.NewController(*port, *baud, ncp.WithVerbosity(raw, packet))
	if err := c.RestartTo(target); err != nil {
		return err
	}

	log.Info().Msg("restart complete")
	return nil
}

func runFlash(args []string) error {
	fs := flag.NewFlagSet("flash", flag.ExitOnError)
	port, baud, dlevel := commonFlags(fs)
	file := fs.String("file", "", "path to .gbl or .ebl firmware image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePort(*port); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	raw, packet := applyLevel(*dlevel)

	c := ncp.NewController(*port, *baud, ncp.WithVerbosity(raw, packet))
	return c.Flash(*file, progressDots)
}

func runEleUpdate(args []string) error {
	fs := flag.NewFlagSet("ele_update", flag.ExitOnError)
	port, baud, dlevel := commonFlags(fs)
	version := fs.String("version", "", "desired protocol: zigbee or thread")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requirePort(*port); err != nil {
		return err
	}

	var protocol ncp.AdapterMode
	switch *version {
	case "zigbee":
		protocol = ncp.ModeZigbee
	case "thread":
		protocol = ncp.ModeThread
	default:
		return fmt.Errorf("--version must be zigbee or thread")
	}
	raw, packet := applyLevel(*dlevel)

	c := ncp.NewController(*port, *baud, ncp.WithVerbosity(raw, packet))
	return c.Update(protocol, resolveEleProduct, progressDots)
}

// resolveEleProduct is the default ncp.BoardResolver, grounded on the
// ele_update product table above.
func resolveEleProduct(boardName string, protocol ncp.AdapterMode) (string, error) {
	if unsupportedEleBoards[boardName] {
		log.Error().Str("board", boardName).Msg("board not supported for automatic update, contact Elelabs at info@elelabs.com")
		return "", fmt.Errorf("%w: %s", ncp.ErrNotSupported, boardName)
	}
	product, ok := eleProductTable[boardName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ncp.ErrUnknownBoard, boardName)
	}
	if protocol == ncp.ModeThread {
		return product.thread, nil
	}
	return product.zigbee, nil
}

// progressDots prints a dot every 20 blocks and a newline every 100,
// matching the original utility's console feedback (SPEC_FULL.md
// "Supplemented features").
func progressDots(sent, total int) {
	if sent%20 != 0 {
		return
	}
	fmt.Fprint(os.Stderr, ".")
	if sent%100 == 0 {
		fmt.Fprintln(os.Stderr)
	}
}
