package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leggler/PV-Aggregator/internal/measurement"
	"github.com/leggler/PV-Aggregator/internal/model"
)

// Device is the capability set the engine needs from an inverter connection.
type Device interface {
	Connect() error
	Disconnect() error
	ReadValue(reg measurement.Register) (int64, error)
	IsConnected() bool
}

// NamedDevice pairs a configured name with its handle.
type NamedDevice struct {
	Name   string
	Device Device
}

// EngineOptions tunes the reading engine.
type EngineOptions struct {
	// ReconnectDelay is the pause between disconnect and connect after a
	// failed read.
	ReconnectDelay time.Duration
	// MaxWorkers bounds how many devices are read in parallel. Values below
	// 2 read devices one after another.
	MaxWorkers int
}

// Engine reads every (device, kind) pair once per round. A failed read falls
// back to the pair's last known good value and reconnects the device; it
// never affects other pairs.
type Engine struct {
	devices []NamedDevice
	kinds   measurement.Set
	opts    EngineOptions
	log     zerolog.Logger

	// lkg[d][k] is written only by the goroutine reading device d.
	lkg      [][]int64
	failures atomic.Uint64

	sleep func(time.Duration)
}

// NewEngine builds an engine over a fixed device list and kind set.
func NewEngine(devices []NamedDevice, kinds measurement.Set, opts EngineOptions, log zerolog.Logger) *Engine {
	lkg := make([][]int64, len(devices))
	for i := range lkg {
		lkg[i] = make([]int64, len(kinds))
	}
	return &Engine{
		devices: devices,
		kinds:   kinds,
		opts:    opts,
		log:     log,
		lkg:     lkg,
		sleep:   time.Sleep,
	}
}

// Devices returns the device names in configuration order.
func (e *Engine) Devices() []string {
	out := make([]string, len(e.devices))
	for i, d := range e.devices {
		out[i] = d.Name
	}
	return out
}

// ConnectAll attempts the initial connection of every device. Failures are
// logged; the first failed read will reconnect.
func (e *Engine) ConnectAll() {
	for _, d := range e.devices {
		if err := d.Device.Connect(); err != nil {
			e.log.Error().Err(err).Str("inverter", d.Name).Msg("could not connect")
			continue
		}
		e.log.Info().Str("inverter", d.Name).Msg("connected")
	}
}

// Seed restores last known good values. Entries for unknown devices or
// measurements are ignored. It must be called before the first round and
// returns the number of values applied.
func (e *Engine) Seed(values []model.LastGood) int {
	n := 0
	for _, v := range values {
		k, ok := e.kinds.Lookup(v.Measurement)
		if !ok {
			continue
		}
		for d, dev := range e.devices {
			if dev.Name == v.Device {
				e.lkg[d][k] = v.Value
				n++
				break
			}
		}
	}
	return n
}

// LastGood returns the last known good value of a pair.
func (e *Engine) LastGood(device, kind int) int64 {
	return e.lkg[device][kind]
}

// FailedReadings returns the process-wide count of failed reads.
func (e *Engine) FailedReadings() uint64 {
	return e.failures.Load()
}

// ReadRound reads all pairs and returns one entry per device in
// configuration order.
func (e *Engine) ReadRound() []model.DeviceRound {
	out := make([]model.DeviceRound, len(e.devices))
	if e.opts.MaxWorkers < 2 || len(e.devices) < 2 {
		for i := range e.devices {
			out[i] = e.readDevice(i)
		}
		return out
	}

	sem := make(chan struct{}, e.opts.MaxWorkers)
	var wg sync.WaitGroup
	for i := range e.devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = e.readDevice(i)
		}(i)
	}
	wg.Wait()
	return out
}

func (e *Engine) readDevice(i int) model.DeviceRound {
	dev := e.devices[i]
	r := model.DeviceRound{
		Name:   dev.Name,
		Values: make([]int64, len(e.kinds)),
		Fresh:  make([]bool, len(e.kinds)),
	}

	for k, kind := range e.kinds {
		raw, err := dev.Device.ReadValue(kind.Register)
		if err != nil {
			n := e.failures.Add(1)
			e.log.Error().Err(err).
				Str("inverter", dev.Name).
				Str("measurement", kind.Name).
				Uint64("failed_readings", n).
				Msg("read failed, using last known value")
			r.Values[k] = e.lkg[i][k]
			e.reconnect(dev)
			continue
		}

		v := kind.Scale(raw)
		e.lkg[i][k] = v
		r.Values[k] = v
		r.Fresh[k] = true
		e.log.Debug().
			Str("inverter", dev.Name).
			Str("measurement", kind.Name).
			Int64("value", v).
			Msg("read")
	}

	r.Connected = dev.Device.IsConnected()
	return r
}

// reconnect closes and reopens the device. Errors are logged and swallowed.
func (e *Engine) reconnect(d NamedDevice) {
	if err := d.Device.Disconnect(); err != nil {
		e.log.Warn().Err(err).Str("inverter", d.Name).Msg("disconnect before reconnect failed")
	}
	if e.opts.ReconnectDelay > 0 {
		e.sleep(e.opts.ReconnectDelay)
	}
	if err := d.Device.Connect(); err != nil {
		e.log.Error().Err(err).Str("inverter", d.Name).Msg("reconnection failed")
		return
	}
	e.log.Info().Str("inverter", d.Name).Msg("reconnected")
}

// Close disconnects every device once. Errors are logged.
func (e *Engine) Close() {
	for _, d := range e.devices {
		if err := d.Device.Disconnect(); err != nil {
			e.log.Error().Err(err).Str("inverter", d.Name).Msg("error disconnecting")
			continue
		}
		e.log.Info().Str("inverter", d.Name).Msg("disconnected")
	}
}
