// Package config loads the configuration of the APS2 programs and builds
// devices from it
package config

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
	"github.jpl.nasa.gov/bdube/apsctl/comm"
)

// ErrUnknownTransport is generated when the transport kind is not one of tcp, serial, usb, or mock
var ErrUnknownTransport = errors.New("unknown transport kind")

// Transport describes how to reach the board
type Transport struct {
	// Kind is one of tcp, serial, usb, or mock
	Kind string `koanf:"kind" yaml:"kind"`

	// Addr is the host:port of a network board
	Addr string `koanf:"addr" yaml:"addr"`

	// Port and Baud configure a serial link
	Port string `koanf:"port" yaml:"port"`
	Baud int    `koanf:"baud" yaml:"baud"`

	// VID and PID identify a USB board
	VID uint16 `koanf:"vid" yaml:"vid"`
	PID uint16 `koanf:"pid" yaml:"pid"`

	// Rate limits requests per second; zero is unlimited
	Rate float64 `koanf:"rate" yaml:"rate"`

	// Timeout bounds each request
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Config is the configuration of one board and the programs that drive it
type Config struct {
	// Addr is the address the HTTP server listens on
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial names the board
	Serial string `koanf:"serial" yaml:"serial"`

	Transport Transport `koanf:"transport" yaml:"transport"`

	Sync aps2.SyncConfig `koanf:"sync" yaml:"sync"`

	VerifyChecksums bool          `koanf:"verifyChecksums" yaml:"verifyChecksums"`
	StopHold        time.Duration `koanf:"stopHold" yaml:"stopHold"`
	SampleRate      int           `koanf:"sampleRate" yaml:"sampleRate"`

	// StateDir holds the state cache files; empty disables the cache
	StateDir string `koanf:"stateDir" yaml:"stateDir"`

	// Sequence is a sequence file loaded at startup, if not empty
	Sequence string `koanf:"sequence" yaml:"sequence"`

	// Bitfile is programmed by init, if not empty
	Bitfile string `koanf:"bitfile" yaml:"bitfile"`

	// BitfileVersion is the version the bitfile reports; negative skips the check
	BitfileVersion int `koanf:"bitfileVersion" yaml:"bitfileVersion"`
}

// Default returns the configuration used when no file is present
func Default() Config {
	opts := aps2.DefaultOptions()
	return Config{
		Addr:   ":8000",
		Serial: "A2-01",
		Transport: Transport{
			Kind:    "tcp",
			Addr:    "192.168.2.2:2000",
			Baud:    115200,
			Timeout: comm.DefaultTimeout,
		},
		Sync:           opts.Sync,
		StopHold:       opts.StopHold,
		SampleRate:     opts.DefaultSampleRate,
		StateDir:       ".",
		BitfileVersion: -1,
	}
}

// Load reads the file at path over the defaults.  A missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
			return Config{}, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// Options returns the device options of c
func (c Config) Options() aps2.Options {
	opts := aps2.DefaultOptions()
	opts.Sync = c.Sync
	opts.VerifyChecksums = c.VerifyChecksums
	opts.StopHold = c.StopHold
	if c.SampleRate != 0 {
		opts.DefaultSampleRate = c.SampleRate
	}
	return opts
}

// NewTransport builds the transport described by c.  The mock transport
// is an aps2.MockBoard.
func (c Config) NewTransport() (aps2.Transport, error) {
	t := c.Transport
	var link *comm.Link
	switch strings.ToLower(t.Kind) {
	case "tcp":
		link = comm.NewTCP(t.Addr)
	case "serial":
		link = comm.NewSerial(t.Port, t.Baud)
	case "usb":
		link = comm.NewUSB(t.VID, t.PID)
	case "mock":
		return aps2.NewMockBoard(), nil
	default:
		return nil, fmt.Errorf("%q: %w", t.Kind, ErrUnknownTransport)
	}
	if t.Timeout > 0 {
		link.Timeout = t.Timeout
	}
	link.SetRate(t.Rate)
	return link, nil
}

// NewDevice builds a disconnected device from c
func (c Config) NewDevice() (*aps2.Device, error) {
	t, err := c.NewTransport()
	if err != nil {
		return nil, err
	}
	return aps2.New(c.Serial, t, c.Options()), nil
}

// InitOptions reads the bitfile, if one is configured
func (c Config) InitOptions(force bool) (aps2.InitOptions, error) {
	o := aps2.InitOptions{ForceReload: force}
	if c.Bitfile == "" {
		return o, nil
	}
	data, err := ioutil.ReadFile(c.Bitfile)
	if err != nil {
		return o, err
	}
	o.Bitfile = &aps2.Bitfile{Name: c.Bitfile, Data: data, ExpectedVersion: c.BitfileVersion}
	return o, nil
}
