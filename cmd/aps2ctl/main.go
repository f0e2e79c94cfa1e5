// aps2ctl runs one-shot operations against an APS2 board, using the same
// configuration file as aps2srv
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
	"github.jpl.nasa.gov/bdube/apsctl/comm"
	"github.jpl.nasa.gov/bdube/apsctl/config"
	"github.jpl.nasa.gov/bdube/apsctl/seqfile"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	confPath = flag.String("conf", "aps2srv.yml", "configuration file")
	force    = flag.Bool("force", false, "init: reprogram and recalibrate even if the board is already running")
	listen   = flag.String("listen", ":2000", "emulate: address to accept links on")
	enable   = flag.String("enable", "", "run: comma separated channels (0-3) to enable, in addition to those enabled in the state cache")
)

func usage() {
	str := `aps2ctl runs one operation against an APS2 board and exits

Usage:
	aps2ctl [flags] <command> [args]

Commands:
	init          program (if a bitfile is configured), set up the PLL, VCXO, DACs, and synchronize
	sync          test PLL synchronization
	dacs          calibrate the DAC interfaces
	status        print the board status
	load <file>   load a FITS sequence file
	run           start output on the channels enabled in the state cache or by -enable
	stop          stop output
	emulate       serve a simulated board on -listen for aps2srv or aps2ctl to connect to
	version       print the version

Flags:`
	fmt.Fprintln(flag.CommandLine.Output(), str)
	flag.PrintDefaults()
}

func spinner(msg string) *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	return s
}

// withSpinner runs f behind a spinner showing msg
func withSpinner(msg string, f func() error) error {
	s := spinner(msg)
	if err := s.Start(); err != nil {
		// not a terminal, or similar; run without the decoration
		return f()
	}
	err := f()
	if err != nil {
		s.StopFailMessage(err.Error())
		s.StopFail()
		return err
	}
	s.Stop()
	return nil
}

// connect opens the board and restores the channel model from the state
// cache aps2srv keeps, if there is one
func connect(c config.Config) *aps2.Device {
	d, err := c.NewDevice()
	if err != nil {
		log.Fatal(err)
	}
	if err := d.Connect(); err != nil {
		log.Fatalf("connecting to %s: %v", c.Serial, err)
	}
	if c.StateDir != "" {
		err := d.LoadStateFile(c.StateDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("state cache not restored: %v", err)
		}
	}
	return d
}

// enableChannels enables each channel in a comma separated list
func enableChannels(d *aps2.Device, list string) error {
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		ch, err := strconv.Atoi(f)
		if err != nil {
			return fmt.Errorf("channel %q: %w", f, err)
		}
		if err := d.SetChannelEnabled(ch, true); err != nil {
			return err
		}
	}
	return nil
}

func status(d *aps2.Device) error {
	v, err := d.BitfileVersion()
	if err != nil {
		return err
	}
	locked, err := d.PLLLocked()
	if err != nil {
		return err
	}
	src, err := d.TriggerSource()
	if err != nil {
		return err
	}
	interval, err := d.TriggerInterval()
	if err != nil {
		return err
	}
	fmt.Printf("serial:           %s\n", d.Serial)
	fmt.Printf("state:            %s\n", d.State())
	fmt.Printf("bitfile version:  %#x\n", v)
	fmt.Printf("PLL locked:       %v\n", locked)
	fmt.Printf("trigger source:   %s\n", src)
	fmt.Printf("trigger interval: %gs\n", interval)
	for ch := 0; ch < aps2.NumChannels; ch++ {
		c, err := d.Channel(ch)
		if err != nil {
			return err
		}
		fmt.Printf("channel %d:        enabled=%v offset=%g scale=%g samples=%d\n",
			ch+1, c.Enabled, c.Offset, c.Scale, len(c.Waveform))
	}
	return nil
}

func emulate(addr string) error {
	m := aps2.NewMockBoard()
	if err := m.Connect(); err != nil {
		return err
	}
	em := comm.NewEmulator(m)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Println("emulating an APS2 at", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		log.Println("link from", conn.RemoteAddr())
		if err := em.Serve(conn); err != nil {
			log.Println("link closed:", err)
		}
		conn.Close()
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()
	defer glog.Flush()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd := strings.ToLower(args[0])
	switch cmd {
	case "version":
		fmt.Printf("aps2ctl version %v\n", Version)
		return
	case "emulate":
		log.Fatal(emulate(*listen))
	}

	c, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	d := connect(c)
	defer d.Disconnect()
	ctx := context.Background()

	switch cmd {
	case "init":
		var o aps2.InitOptions
		o, err = c.InitOptions(*force)
		if err == nil {
			err = withSpinner("initializing "+c.Serial, func() error { return d.Init(ctx, o) })
		}
	case "sync":
		err = withSpinner("testing PLL sync", func() error { return d.TestPLLSync(ctx) })
	case "dacs":
		err = withSpinner("calibrating DACs", func() error { return d.SetupDACs(ctx) })
	case "status":
		err = status(d)
	case "load":
		if len(args) < 2 {
			log.Fatal("load requires a sequence file")
		}
		err = withSpinner("loading "+args[1], func() error {
			seq, err := seqfile.Load(args[1])
			if err != nil {
				return err
			}
			return d.LoadSequence(seq)
		})
	case "run":
		err = enableChannels(d, *enable)
		if err == nil {
			err = d.Run()
		}
	case "stop":
		err = withSpinner("stopping", func() error { return d.Stop(ctx) })
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		d.Disconnect()
		glog.Flush()
		log.Fatal(err)
	}
}
