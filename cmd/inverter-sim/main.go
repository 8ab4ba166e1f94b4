package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/leggler/PV-Aggregator/internal/logger"
	"github.com/leggler/PV-Aggregator/internal/measurement"
	"github.com/leggler/PV-Aggregator/internal/modbus"
)

// row is one simulated reading: active power in W and the energy counter
// in 0.01 kWh.
type row struct {
	power int32
	yield uint32
}

type simulator struct {
	mem          *modbus.Memory
	server       *modbus.Server
	rows         []row
	updatePeriod time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	rowIndex int
	current  row
}

func main() {
	fs := pflag.NewFlagSet("inverter-sim", pflag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:1502", "Modbus TCP listen address")
	csvFile := fs.String("csv", "", "CSV with active_power and accumulated_energy_yield columns, replayed in a loop")
	power := fs.Int32("power", 3000, "Active power in W when no CSV is given")
	yield := fs.Uint32("yield", 1234500, "Initial energy counter in 0.01 kWh when no CSV is given")
	interval := fs.Duration("interval", time.Second, "Update interval")
	level := fs.String("log-level", "info", "Log level")
	_ = fs.Parse(os.Args[1:])

	log, closer, err := logger.New(logger.Config{Level: *level}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inverter-sim: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	var rows []row
	if *csvFile != "" {
		if rows, err = loadCSV(*csvFile); err != nil {
			log.Fatal().Err(err).Msg("load csv")
		}
	} else {
		rows = []row{{power: *power, yield: *yield}}
	}

	sim, err := newSimulator(*listen, rows, *interval, log)
	if err != nil {
		log.Fatal().Err(err).Msg("create simulator")
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim.Start(ctx)
	log.Info().Msg("shutting down simulator")
}

func newSimulator(listen string, rows []row, period time.Duration, log zerolog.Logger) (*simulator, error) {
	if period <= 0 {
		return nil, errors.New("update interval must be positive")
	}
	mem := modbus.NewMemory()
	server := modbus.NewServer(mem, modbus.Identity{
		VendorName:         "Huawei",
		ProductCode:        "SUN2000",
		MajorMinorRevision: "sim",
	}, log)
	if err := server.Listen(listen); err != nil {
		return nil, fmt.Errorf("start modbus server: %w", err)
	}

	sim := &simulator{
		mem:          mem,
		server:       server,
		rows:         rows,
		updatePeriod: period,
		log:          log,
	}
	sim.applyRow(0)
	return sim, nil
}

func loadCSV(path string) ([]row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one data row")
	}

	powerCol, yieldCol := -1, -1
	for i, h := range records[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case measurement.ActivePower.Name:
			powerCol = i
		case measurement.AccumulatedEnergyYield.Name:
			yieldCol = i
		}
	}
	if powerCol < 0 || yieldCol < 0 {
		return nil, fmt.Errorf("csv header needs %s and %s", measurement.ActivePower.Name, measurement.AccumulatedEnergyYield.Name)
	}

	rows := make([]row, 0, len(records)-1)
	for n, record := range records[1:] {
		if len(record) != len(records[0]) {
			return nil, errors.New("csv record length mismatch")
		}
		p, err := strconv.ParseInt(strings.TrimSpace(record[powerCol]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid active power: %w", n+1, err)
		}
		y, err := strconv.ParseUint(strings.TrimSpace(record[yieldCol]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid energy yield: %w", n+1, err)
		}
		rows = append(rows, row{power: int32(p), yield: uint32(y)})
	}
	return rows, nil
}

// Start replays the rows until ctx is done. With a single row the energy
// counter keeps growing from the configured power.
func (s *simulator) Start(ctx context.Context) {
	ticker := time.NewTicker(s.updatePeriod)
	defer ticker.Stop()

	s.log.Info().Str("listen", s.server.Addr().String()).Int("rows", len(s.rows)).Msg("SUN2000 simulator listening")

	for {
		select {
		case <-ticker.C:
			s.nextRow()
		case <-ctx.Done():
			return
		}
	}
}

func (s *simulator) nextRow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) == 1 {
		s.current.yield += energyDelta(s.current.power, s.updatePeriod)
		s.writeLocked(s.current)
		return
	}
	s.rowIndex = (s.rowIndex + 1) % len(s.rows)
	s.current = s.rows[s.rowIndex]
	s.writeLocked(s.current)
}

func (s *simulator) applyRow(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = s.rows[index]
	s.writeLocked(s.current)
}

func (s *simulator) writeLocked(r row) {
	if err := s.mem.SetInt32(measurement.ActivePower.Register.Address, r.power); err != nil {
		s.log.Error().Err(err).Msg("set active power")
	}
	if err := s.mem.SetUint32(measurement.AccumulatedEnergyYield.Register.Address, r.yield); err != nil {
		s.log.Error().Err(err).Msg("set energy yield")
	}
	s.log.Debug().Int32("active_power", r.power).Uint32("yield", r.yield).Msg("registers updated")
}

// energyDelta converts power over a period into 0.01 kWh steps.
func energyDelta(power int32, period time.Duration) uint32 {
	if power <= 0 {
		return 0
	}
	return uint32(math.Round(float64(power) * period.Hours() * 100 / 1000))
}

func (s *simulator) Close() {
	s.server.Close()
}
