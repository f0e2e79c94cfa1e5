package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.jpl.nasa.gov/bdube/apsctl/config"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "aps2srv.yml"
)

func root() {
	str := `aps2srv drives a BBN APS2 arbitrary waveform generator and exposes an HTTP interface to it
This enables a server-client architecture, and the clients can leverage the
excellent HTTP libraries for any programming language.

Usage:
	aps2srv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `aps2srv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

mkconf writes the default configuration to aps2srv.yml.  conf prints the
configuration in effect.

transport.kind selects how the board is reached:
	> tcp     transport.addr is host:port of the board
	> serial  transport.port and transport.baud
	> usb     transport.vid and transport.pid
	> mock    an in-memory board, for trying out clients

The board is served under /<serial>.  GET /<serial>/endpoints lists the routes.
On start the state cache cache_<serial>.yml in stateDir is restored, if
present, and the sequence file, if configured, is loaded.  The state cache
is written on SIGINT or SIGTERM.

glog flags (-v, -logtostderr, ...) control the device log.`
	fmt.Println(str)
}

func mkconf() {
	c := mustLoad()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := config.Write(f, c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	if err := config.Write(os.Stdout, mustLoad()); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("aps2srv version %v\n", Version)
}

func mustLoad() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	return c
}

func run() {
	c := mustLoad()
	app, err := Setup(c)
	if err != nil {
		log.Fatal(err)
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		app.Close()
		os.Exit(0)
	}()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, app.Mux))
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		root()
		return
	}
	switch strings.ToLower(args[0]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
