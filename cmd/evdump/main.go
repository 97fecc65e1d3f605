// Command evdump inspects Linux event devices. It prints the
// capability snapshot a guest would see from an attached virtio input
// device and can trace live events.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/virtm/vinput/internal/evdev"
	"github.com/virtm/vinput/internal/reactor"
)

type manifest struct {
	Devices []deviceEntry `yaml:"devices"`
}

type deviceEntry struct {
	Path   string `yaml:"path"`
	Serial string `yaml:"serial"`
}

func main() {
	manifestPath := flag.String("manifest", "", "YAML manifest listing devices to inspect")
	trace := flag.Bool("trace", false, "stream live events until interrupted")
	grab := flag.Bool("grab", false, "grab devices exclusively while tracing")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	entries, err := collectEntries(*manifestPath, flag.Args())
	if err != nil {
		slog.Error("evdump", "err", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "usage: evdump [flags] /dev/input/eventN ...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	devices := make([]*evdev.Device, 0, len(entries))
	defer func() {
		for _, d := range devices {
			d.Close()
		}
	}()

	for _, entry := range entries {
		dev, err := evdev.Open(entry.Path)
		if err != nil {
			slog.Error("open device", "path", entry.Path, "err", err)
			os.Exit(1)
		}
		devices = append(devices, dev)

		caps, err := dev.Capabilities()
		if err != nil {
			slog.Error("query capabilities", "path", entry.Path, "err", err)
			os.Exit(1)
		}
		printCapabilities(entry, caps)
	}

	if !*trace {
		return
	}
	if err := traceEvents(devices, *grab); err != nil {
		slog.Error("trace", "err", err)
		os.Exit(1)
	}
}

func collectEntries(manifestPath string, args []string) ([]deviceEntry, error) {
	var entries []deviceEntry
	if manifestPath != "" {
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		var m manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
		}
		for _, d := range m.Devices {
			if d.Path == "" {
				return nil, fmt.Errorf("manifest %s: device entry without path", manifestPath)
			}
			entries = append(entries, d)
		}
	}
	for _, path := range args {
		entries = append(entries, deviceEntry{Path: path})
	}
	return entries, nil
}

func printCapabilities(entry deviceEntry, caps evdev.Capabilities) {
	fmt.Printf("%s: %q\n", entry.Path, caps.Name)
	if entry.Serial != "" {
		fmt.Printf("  serial:  %s\n", entry.Serial)
	}
	fmt.Printf("  ids:     bus %#04x vendor %#04x product %#04x version %#04x\n",
		caps.ID.BusType, caps.ID.Vendor, caps.ID.Product, caps.ID.Version)
	if props := caps.Props.Bits(); len(props) > 0 {
		fmt.Printf("  props:   %v\n", props)
	}

	types := make([]int, 0, len(caps.Codes))
	for t := range caps.Codes {
		types = append(types, int(t))
	}
	sort.Ints(types)
	for _, t := range types {
		evType := uint16(t)
		codes := caps.Codes[evType].Bits()
		if evType == evdev.EV_ABS {
			for _, axis := range codes {
				info := caps.Abs[axis]
				fmt.Printf("  %s axis %d: min %d max %d fuzz %d flat %d res %d\n",
					evdev.TypeName(evType), axis, info.Min, info.Max, info.Fuzz, info.Flat, info.Resolution)
			}
			continue
		}
		if len(codes) > 16 {
			fmt.Printf("  %s: %d codes\n", evdev.TypeName(evType), len(codes))
		} else {
			fmt.Printf("  %s: codes %v\n", evdev.TypeName(evType), codes)
		}
	}
}

func traceEvents(devices []*evdev.Device, grab bool) error {
	if !grab && term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Info("tracing without -grab, traced keystrokes still reach this terminal")
	}

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	for _, dev := range devices {
		if grab {
			if err := dev.Grab(); err != nil {
				return fmt.Errorf("grab %s: %w", dev.Path(), err)
			}
		}
		dev := dev
		buf := make([]evdev.Event, 64)
		_, err := r.Register(dev.Fd(), func() {
			n, err := dev.ReadEvents(buf)
			if err != nil {
				slog.Error("read events", "path", dev.Path(), "err", err)
				return
			}
			for _, ev := range buf[:n] {
				if ev.IsSyn() {
					fmt.Printf("%s: ---- SYN ----\n", dev.Path())
					continue
				}
				fmt.Printf("%s: %s code %d value %d\n",
					dev.Path(), evdev.TypeName(ev.Type), ev.Code, ev.Value)
			}
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", dev.Path(), err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, unix.SIGTERM)
	<-stop
	return nil
}
