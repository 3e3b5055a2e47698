// cramctl creates a compressed RAM disk device and drives it from an
// interactive console.
//
// Usage:
//
//	cramctl [flags]
//
// Flags:
//
//	-s, --size        Device size, e.g. 64M or 1G
//	-a, --algorithm   Compression algorithm (lz4, zstd)
//	-b, --backing     Path to a backing file for writeback
//	-d, --dedup       Enable content deduplication
//	-c, --config      Config file (HuJSON)
//	    --save-config Write the effective config to the global path and exit
//	-v, --verbose     Log engine activity to stderr
//
// Commands (in REPL):
//
//	write <sector> <text>        Write a page filled from text
//	fill <sector> <pages> <byte> Fill pages with one byte value
//	rand <sector> <pages>        Write random pages
//	read <sector> [bytes]        Read and hex-dump
//	discard <sector> <pages>     Discard pages
//	set <attr> <value...>        Write a control attribute
//	get <attr>                   Read a control attribute
//	stats                        Human-readable counters
//	writeback huge|idle [...]    Trigger writeback
//	reset                        Reset the device
//	help                         Show this help
//	exit / quit / q              Exit
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/cramdisk/pkg/backing"
	"github.com/calvinalkan/cramdisk/pkg/cramdisk"
	"github.com/calvinalkan/cramdisk/pkg/dedup"
)

// Config holds the device defaults loaded from the config file.
type Config struct {
	Size      string `json:"size,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	Backing   string `json:"backing,omitempty"`
	Dedup     bool   `json:"dedup,omitempty"`
}

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cramctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("cramctl", pflag.ContinueOnError)

	var (
		size       = flags.StringP("size", "s", "", "device size, e.g. 64M")
		algorithm  = flags.StringP("algorithm", "a", "", "compression algorithm")
		backingArg = flags.StringP("backing", "b", "", "backing file path")
		dedupOn    = flags.BoolP("dedup", "d", false, "enable deduplication")
		configPath = flags.StringP("config", "c", "", "config file path")
		saveConfig = flags.Bool("save-config", false, "save effective config and exit")
		verbose    = flags.BoolP("verbose", "v", false, "log engine activity")
	)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}

		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// CLI overrides win over the config file.
	if *size != "" {
		cfg.Size = *size
	}

	if *algorithm != "" {
		cfg.Algorithm = *algorithm
	}

	if *backingArg != "" {
		cfg.Backing = *backingArg
	}

	if *dedupOn {
		cfg.Dedup = true
	}

	if cfg.Algorithm == "" {
		cfg.Algorithm = "lz4"
	}

	if *saveConfig {
		return writeConfig(cfg)
	}

	if cfg.Size == "" {
		return fmt.Errorf("%w: --size is required (e.g. --size 64M)", errUsage)
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return fmt.Errorf("parsing --size: %w", err)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetOutput(io.Discard)
	}

	opts := cramdisk.Options{
		Algorithm: cfg.Algorithm,
		Logger:    log,
	}

	if cfg.Dedup {
		opts.Dedup = dedup.New()
	}

	dev, err := cramdisk.New(opts)
	if err != nil {
		return err
	}
	defer func() { _ = cramdisk.Destroy(dev) }()

	if cfg.Backing != "" {
		bd, berr := backing.OpenFile(cfg.Backing)
		if berr != nil {
			return berr
		}

		if aerr := dev.AttachBacking(bd); aerr != nil {
			return aerr
		}
	}

	if err := dev.SetDisksize(int64(sizeBytes)); err != nil {
		return err
	}

	fmt.Printf("device %d: %s, %s%s\n",
		dev.ID(), humanize.IBytes(sizeBytes), cfg.Algorithm,
		map[bool]string{true: ", dedup", false: ""}[cfg.Dedup])

	return repl(dev)
}

// globalConfigPath returns $XDG_CONFIG_HOME/cramctl/config.json or the
// home-directory equivalent.
func globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cramctl", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "cramctl", "config.json")
}

// loadConfig reads the config file at path, or the global one when
// path is empty. A missing global file is not an error; a missing
// explicit path is.
func loadConfig(path string) (Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = globalConfigPath()
	}

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// writeConfig saves cfg atomically to the global config path.
func writeConfig(cfg Config) error {
	path := globalConfigPath()
	if path == "" {
		return errors.New("cannot determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(path, strings.NewReader(string(data)+"\n")); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}

	fmt.Println("saved", path)

	return nil
}

// repl drives the device from an interactive line editor.
func repl(dev *cramdisk.Device) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("cram> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()

				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		if fields[0] == "exit" || fields[0] == "quit" || fields[0] == "q" {
			return nil
		}

		if err := dispatch(dev, fields); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func dispatch(dev *cramdisk.Device, fields []string) error {
	switch fields[0] {
	case "help":
		printHelp()

		return nil

	case "write":
		if len(fields) < 3 {
			return fmt.Errorf("%w: write <sector> <text>", errUsage)
		}

		sector, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}

		page := make([]byte, cramdisk.PageSize)
		text := strings.Join(fields[2:], " ")

		for off := 0; off < len(page); off += len(text) {
			copy(page[off:], text)
		}

		_, err = dev.WriteAt(page, int64(sector)<<cramdisk.SectorShift)

		return err

	case "fill":
		if len(fields) != 4 {
			return fmt.Errorf("%w: fill <sector> <pages> <byte>", errUsage)
		}

		sector, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}

		pages, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}

		val, err := strconv.ParseUint(fields[3], 0, 8)
		if err != nil {
			return err
		}

		buf := make([]byte, pages*cramdisk.PageSize)
		for i := range buf {
			buf[i] = byte(val)
		}

		_, err = dev.WriteAt(buf, int64(sector)<<cramdisk.SectorShift)

		return err

	case "rand":
		if len(fields) != 3 {
			return fmt.Errorf("%w: rand <sector> <pages>", errUsage)
		}

		sector, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}

		pages, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}

		buf := make([]byte, pages*cramdisk.PageSize)
		if _, err := rand.Read(buf); err != nil {
			return err
		}

		_, err = dev.WriteAt(buf, int64(sector)<<cramdisk.SectorShift)

		return err

	case "read":
		if len(fields) < 2 || len(fields) > 3 {
			return fmt.Errorf("%w: read <sector> [bytes]", errUsage)
		}

		sector, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}

		n := cramdisk.PageSize
		if len(fields) == 3 {
			n, err = strconv.Atoi(fields[2])
			if err != nil {
				return err
			}
		}

		buf := make([]byte, n)
		if _, err := dev.ReadAt(buf, int64(sector)<<cramdisk.SectorShift); err != nil {
			return err
		}

		dumpLen := min(len(buf), 256)
		fmt.Print(hex.Dump(buf[:dumpLen]))

		if dumpLen < len(buf) {
			fmt.Printf("... (%d more bytes)\n", len(buf)-dumpLen)
		}

		return nil

	case "discard":
		if len(fields) != 3 {
			return fmt.Errorf("%w: discard <sector> <pages>", errUsage)
		}

		sector, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return err
		}

		pages, err := strconv.Atoi(fields[2])
		if err != nil {
			return err
		}

		return dev.Discard(int64(sector)<<cramdisk.SectorShift, int64(pages)<<cramdisk.PageShift)

	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("%w: set <attr> <value...>", errUsage)
		}

		return dev.Set(fields[1], strings.Join(fields[2:], " "))

	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("%w: get <attr>", errUsage)
		}

		val, err := dev.Get(fields[1])
		if err != nil {
			return err
		}

		fmt.Println(val)

		return nil

	case "writeback":
		if len(fields) < 2 {
			return fmt.Errorf("%w: writeback huge|idle [max [min]]", errUsage)
		}

		return dev.Set("writeback", strings.Join(fields[1:], " "))

	case "stats":
		printStats(dev)

		return nil

	case "reset":
		return dev.Reset()

	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

func printStats(dev *cramdisk.Device) {
	st := dev.Snapshot()

	fmt.Printf("stored        %s in %s (%d pages)\n",
		humanize.IBytes(uint64(st.OrigDataSize)),
		humanize.IBytes(uint64(st.ComprDataSize)),
		st.OrigDataSize>>cramdisk.PageShift)
	fmt.Printf("pool          %s used, max %s\n",
		humanize.IBytes(uint64(st.MemUsedTotal)),
		humanize.IBytes(uint64(st.MemUsedMax)))
	fmt.Printf("same/huge     %d / %d pages\n", st.SamePages, st.HugePages)

	if st.DupDataSize > 0 {
		fmt.Printf("dedup saved   %s\n", humanize.IBytes(uint64(st.DupDataSize)))
	}

	fmt.Printf("io            %d invalid, %d failed reads, %d failed writes\n",
		st.InvalidIO, st.FailedReads, st.FailedWrites)
	fmt.Printf("backing       %d pages, %d reads, %d writes\n",
		st.BDCount, st.BDReads, st.BDWrites)
}

func printHelp() {
	fmt.Print(`commands:
  write <sector> <text>        write a page filled from text
  fill <sector> <pages> <byte> fill pages with one byte value
  rand <sector> <pages>        write random pages
  read <sector> [bytes]        read and hex-dump
  discard <sector> <pages>     discard pages
  set <attr> <value...>        write a control attribute
  get <attr>                   read a control attribute
  writeback huge|idle [...]    trigger writeback
  stats                        human-readable counters
  reset                        reset the device
  exit                         quit
`)
}
