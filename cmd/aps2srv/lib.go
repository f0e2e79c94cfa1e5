package main

import (
	"log"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/golang/glog"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
	"github.jpl.nasa.gov/bdube/apsctl/config"
	"github.jpl.nasa.gov/bdube/apsctl/generichttp/awg"
	"github.jpl.nasa.gov/bdube/apsctl/seqfile"
	"github.jpl.nasa.gov/bdube/apsctl/server/middleware/locker"
)

// App is a connected board and the router serving it
type App struct {
	Device *aps2.Device
	Mux    chi.Router
	cfg    config.Config
}

// subMuxPath converts "a2-01" or "/a2-01/" to "/a2-01"
func subMuxPath(s string) string {
	return "/" + strings.Trim(s, "/")
}

// Setup connects to the board described by c, restores its state cache,
// loads the configured sequence, and builds the router
func Setup(c config.Config) (*App, error) {
	d, err := c.NewDevice()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(c.Transport.Kind, "mock") {
		log.Println("using a mock board")
	}
	if err := d.Connect(); err != nil {
		return nil, err
	}
	if c.StateDir != "" {
		if err := d.LoadStateFile(c.StateDir); err != nil {
			glog.Warningf("state cache not restored: %v", err)
		}
	}
	if c.Sequence != "" {
		seq, err := seqfile.Load(c.Sequence)
		if err != nil {
			return nil, err
		}
		if err := d.LoadSequence(seq); err != nil {
			return nil, err
		}
		log.Println("loaded sequence", c.Sequence)
	}
	initOpts, err := c.InitOptions(false)
	if err != nil {
		return nil, err
	}

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	httper := awg.NewHTTPAWG(d, initOpts)
	lock := locker.New()
	locker.Inject(httper, lock)
	sub := chi.NewRouter()
	sub.Use(lock.Check)
	httper.RT().Bind(sub)
	root.Mount(subMuxPath(c.Serial), sub)
	return &App{Device: d, Mux: root, cfg: c}, nil
}

// Close writes the state cache and disconnects from the board
func (a *App) Close() {
	if a.cfg.StateDir != "" {
		path, err := a.Device.SaveStateFile(a.cfg.StateDir)
		if err != nil {
			log.Println("error writing state cache", err)
		} else {
			log.Println("wrote state cache", path)
		}
	}
	if err := a.Device.Disconnect(); err != nil {
		log.Println("error disconnecting", err)
	}
	glog.Flush()
}
