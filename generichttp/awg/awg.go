// Package awg provides an HTTP interface to APS2 arbitrary waveform generators
package awg

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"io"
	"net/http"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
	"github.jpl.nasa.gov/bdube/apsctl/generichttp"
	"github.jpl.nasa.gov/bdube/apsctl/seqfile"
	"github.jpl.nasa.gov/bdube/apsctl/server"
)

// AWG is the set of device operations exposed over HTTP.  *aps2.Device satisfies it.
type AWG interface {
	Connect() error
	Disconnect() error
	State() aps2.State
	Init(ctx context.Context, o aps2.InitOptions) error
	TestPLLSync(ctx context.Context) error
	SetupDACs(ctx context.Context) error
	Reset() (aps2.StatusRegisters, error)
	BitfileVersion() (uint32, error)
	PLLLocked() (bool, error)

	SetSampleRate(ctx context.Context, freq int) error
	SampleRate() (int, error)
	SetTriggerInterval(secs float64) error
	TriggerInterval() (float64, error)
	SetTriggerSource(src aps2.TriggerSource) error
	TriggerSource() (aps2.TriggerSource, error)
	Run() error
	Stop(ctx context.Context) error

	SetChannelEnabled(ch int, enabled bool) error
	ChannelEnabled(ch int) (bool, error)
	SetChannelOffset(ch int, offset float64) error
	ChannelOffset(ch int) (float64, error)
	SetChannelScale(ch int, scale float64) error
	ChannelScale(ch int) (float64, error)
	SetWaveform(ch int, samples []int16) error
	Waveform(ch int) ([]int16, error)
	SetLinkList(ch int, bank aps2.LLBank) error
	LinkList(ch int) (aps2.LLBank, error)
	SetRunMode(ch int, mode aps2.RunMode) error
	SetRepeatMode(ch int, mode aps2.RepeatMode) error
	SetTriggerDelay(ch int, delay uint16) error
	SetMiniLLRepeat(n uint16) error
	ClearChannelData() error
	LoadSequence(seq aps2.SequenceLoader) error
	VerifyChecksums() error

	SaveState(w io.Writer) error
	LoadState(r io.Reader) error
}

// classify marks errors caused by bad input as client errors
func classify(err error) error {
	if errors.Is(err, aps2.ErrOutOfRange) || errors.Is(err, aps2.ErrInvalidConfiguration) {
		return generichttp.BadRequest(err)
	}
	return err
}

// HTTPAWG holds the route table of one AWG
type HTTPAWG struct {
	RouteTable server.RouteTable
}

// RT satisfies server.HTTPer
func (h HTTPAWG) RT() server.RouteTable {
	return h.RouteTable
}

// NewHTTPAWG returns the routes of d.  Init options other than ForceReload
// are taken from base.
func NewHTTPAWG(d AWG, base aps2.InitOptions) HTTPAWG {
	rt := server.RouteTable{}
	get := func(path string, h http.HandlerFunc) { rt[server.MethodPath{Method: http.MethodGet, Path: path}] = h }
	post := func(path string, h http.HandlerFunc) { rt[server.MethodPath{Method: http.MethodPost, Path: path}] = h }

	get("/state", generichttp.GetString(func() (string, error) { return d.State().String(), nil }))
	post("/connect", generichttp.Action(func(*http.Request) error { return d.Connect() }))
	post("/disconnect", generichttp.Action(func(*http.Request) error { return d.Disconnect() }))
	post("/init", Init(d, base))
	post("/sync", generichttp.Action(func(r *http.Request) error { return d.TestPLLSync(r.Context()) }))
	post("/dacs", generichttp.Action(func(r *http.Request) error { return d.SetupDACs(r.Context()) }))
	post("/reset", Reset(d))
	get("/version", generichttp.GetInt(func() (int, error) {
		v, err := d.BitfileVersion()
		return int(v), err
	}))
	get("/pll-locked", generichttp.GetBool(d.PLLLocked))

	get("/sample-rate", generichttp.GetInt(d.SampleRate))
	post("/sample-rate", SetSampleRate(d))
	get("/trigger-interval", generichttp.GetFloat(d.TriggerInterval))
	post("/trigger-interval", generichttp.SetFloat(func(f float64) error { return classify(d.SetTriggerInterval(f)) }))
	get("/trigger-source", generichttp.GetString(func() (string, error) {
		src, err := d.TriggerSource()
		return src.String(), err
	}))
	post("/trigger-source", generichttp.SetString(func(s string) error {
		src, err := aps2.ParseTriggerSource(s)
		if err != nil {
			return classify(err)
		}
		return d.SetTriggerSource(src)
	}))
	post("/run", generichttp.Action(func(*http.Request) error { return d.Run() }))
	post("/stop", generichttp.Action(func(r *http.Request) error { return d.Stop(r.Context()) }))
	post("/mini-ll-repeat", generichttp.SetInt(func(n int) error {
		if n < 0 || n > 0xFFFF {
			return generichttp.BadRequest(aps2.ErrOutOfRange)
		}
		return d.SetMiniLLRepeat(uint16(n))
	}))
	post("/clear", generichttp.Action(func(*http.Request) error { return d.ClearChannelData() }))
	post("/checksums/verify", generichttp.Action(func(*http.Request) error { return d.VerifyChecksums() }))
	post("/load-sequence", LoadSequence(d))
	get("/state-cache", GetStateCache(d))
	post("/state-cache", generichttp.Action(func(r *http.Request) error {
		defer r.Body.Close()
		return classify(d.LoadState(r.Body))
	}))

	get("/channel/{ch}/enabled", channelBool(d.ChannelEnabled))
	post("/channel/{ch}/enabled", setChannelBool(d.SetChannelEnabled))
	get("/channel/{ch}/offset", channelFloat(d.ChannelOffset))
	post("/channel/{ch}/offset", setChannelFloat(d.SetChannelOffset))
	get("/channel/{ch}/scale", channelFloat(d.ChannelScale))
	post("/channel/{ch}/scale", setChannelFloat(d.SetChannelScale))
	get("/channel/{ch}/waveform", GetWaveform(d))
	post("/channel/{ch}/waveform", SetWaveform(d))
	get("/channel/{ch}/link-list", GetLinkList(d))
	post("/channel/{ch}/link-list", SetLinkList(d))
	post("/channel/{ch}/run-mode", setChannelString(func(ch int, s string) error {
		m, err := aps2.ParseRunMode(s)
		if err != nil {
			return err
		}
		return d.SetRunMode(ch, m)
	}))
	post("/channel/{ch}/repeat-mode", setChannelString(func(ch int, s string) error {
		m, err := aps2.ParseRepeatMode(s)
		if err != nil {
			return err
		}
		return d.SetRepeatMode(ch, m)
	}))
	post("/channel/{ch}/trigger-delay", setChannelInt(func(ch, delay int) error {
		if delay < 0 || delay > 0xFFFF {
			return aps2.ErrOutOfRange
		}
		return d.SetTriggerDelay(ch, uint16(delay))
	}))
	return HTTPAWG{RouteTable: rt}
}

// Init runs the initialization sequence.  The body is optional and may
// hold {"bool": force}.
func Init(d AWG, base aps2.InitOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b server.BoolT
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&b); err != nil && err != io.EOF {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		o := base
		o.ForceReload = b.Bool
		if err := d.Init(r.Context(), o); err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Reset hard resets the board and replies with its status registers
func Reset(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := d.Reset()
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: st.String()}
		hp.EncodeAndRespond(w, r)
	}
}

// SetSampleRate parses {"int": MHz} and reprograms the PLL
func SetSampleRate(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in server.IntT
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.SetSampleRate(r.Context(), in.Int); err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetWaveform replies with the samples of a channel as a JSON array
func GetWaveform(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		wf, err := d.Waveform(ch)
		if err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		if wf == nil {
			wf = []int16{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wf)
	}
}

// SetWaveform parses a JSON array of int16 samples and loads it into a channel
func SetWaveform(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		var wf []int16
		if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.SetWaveform(ch, wf); err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetLinkList replies with the link list of a channel
func GetLinkList(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		bank, err := d.LinkList(ch)
		if err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bank)
	}
}

// SetLinkList parses a link list and stores it in a channel
func SetLinkList(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		var bank aps2.LLBank
		if err := json.NewDecoder(r.Body).Decode(&bank); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.SetLinkList(ch, bank); err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// LoadSequence loads the sequence file named by {"filename": path}
func LoadSequence(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input struct {
			Filename string `json:"filename"`
		}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		seq, err := seqfile.Load(input.Filename)
		if err != nil {
			generichttp.Error(w, generichttp.BadRequest(err))
			return
		}
		if err := d.LoadSequence(seq); err != nil {
			generichttp.Error(w, classify(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetStateCache replies with the YAML state cache of the device
func GetStateCache(d AWG) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		if err := d.SaveState(w); err != nil {
			generichttp.Error(w, err)
		}
	}
}

func channelBool(fcn func(int) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.GetBool(func() (bool, error) {
			b, err := fcn(ch)
			return b, classify(err)
		})(w, r)
	}
}

func setChannelBool(fcn func(int, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.SetBool(func(b bool) error { return classify(fcn(ch, b)) })(w, r)
	}
}

func channelFloat(fcn func(int) (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.GetFloat(func() (float64, error) {
			f, err := fcn(ch)
			return f, classify(err)
		})(w, r)
	}
}

func setChannelFloat(fcn func(int, float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.SetFloat(func(f float64) error { return classify(fcn(ch, f)) })(w, r)
	}
}

func setChannelInt(fcn func(int, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.SetInt(func(i int) error { return classify(fcn(ch, i)) })(w, r)
	}
}

func setChannelString(fcn func(int, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := generichttp.Channel(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.SetString(func(s string) error { return classify(fcn(ch, s)) })(w, r)
	}
}
