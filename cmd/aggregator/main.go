package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/leggler/PV-Aggregator/internal/collector"
	"github.com/leggler/PV-Aggregator/internal/config"
	"github.com/leggler/PV-Aggregator/internal/db"
	"github.com/leggler/PV-Aggregator/internal/inverter"
	"github.com/leggler/PV-Aggregator/internal/logger"
	"github.com/leggler/PV-Aggregator/internal/measurement"
	"github.com/leggler/PV-Aggregator/internal/modbus"
	"github.com/leggler/PV-Aggregator/internal/registers"
	"github.com/leggler/PV-Aggregator/internal/status"
)

const listenRetryWait = time.Second

func main() {
	fs := pflag.NewFlagSet("pv-aggregator", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := run(fs); err != nil {
		fmt.Fprintf(os.Stderr, "pv-aggregator: %v\n", err)
		os.Exit(1)
	}
}

func run(fs *pflag.FlagSet) error {
	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.FilePath(),
	}, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	healthMode, err := collector.ParseHealthMode(cfg.Server.HealthMode)
	if err != nil {
		return err
	}

	devices, err := buildDevices(cfg, logger.Component(log, "inverter"))
	if err != nil {
		return err
	}

	kinds := measurement.Default()
	engine := collector.NewEngine(devices, kinds, collector.EngineOptions{
		ReconnectDelay: *cfg.Poll.ReconnectDelay,
		MaxWorkers:     cfg.Poll.MaxWorkers,
	}, logger.Component(log, "engine"))
	defer engine.Close()

	table := registers.NewTable(len(kinds))
	mgr := &collector.Manager{
		Engine:     engine,
		Kinds:      kinds,
		Table:      table,
		Interval:   cfg.Poll.Interval,
		HealthMode: healthMode,
		Log:        logger.Component(log, "scheduler"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.State.Enabled {
		closeState := openState(ctx, cfg.State, engine, mgr, logger.Component(log, "state"))
		defer closeState()
	}

	report := status.NewReport(string(healthMode))
	mgr.AddHandler(report.Update)

	srv := modbus.NewServer(table, cfg.Server.Identity, logger.Component(log, "modbus"))
	if err := srv.ListenWithRetry(ctx, cfg.Server.Listen, uint64(*cfg.Server.ListenRetries), listenRetryWait); err != nil {
		return err
	}
	log.Info().
		Str("listen", srv.Addr().String()).
		Int("registers", table.Len()).
		Strs("inverters", engine.Devices()).
		Str("health_mode", string(healthMode)).
		Msg("modbus server started")

	engine.ConnectAll()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		return nil
	})
	if cfg.Status.Enabled {
		statusSrv := status.NewServer(cfg.Status.Listen, status.Handler(report, table), logger.Component(log, "status"))
		g.Go(func() error {
			return statusSrv.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("shutting down gracefully")
	return err
}

func buildDevices(cfg *config.Config, log zerolog.Logger) ([]collector.NamedDevice, error) {
	devices := make([]collector.NamedDevice, 0, len(cfg.Inverters))
	for _, e := range cfg.Inverters {
		inv, err := inverter.New(e.Name, inverter.Options{
			Protocol:     cfg.Inverter.Protocol,
			Address:      e.Address,
			Port:         cfg.Inverter.Port,
			UnitID:       cfg.Inverter.Unit(),
			Timeout:      cfg.Inverter.Timeout,
			ConnectDelay: *cfg.Inverter.ConnectDelay,
			BaudRate:     cfg.Inverter.BaudRate,
			DataBits:     cfg.Inverter.DataBits,
			StopBits:     cfg.Inverter.StopBits,
			Parity:       cfg.Inverter.Parity,
		}, log)
		if err != nil {
			return nil, err
		}
		devices = append(devices, collector.NamedDevice{Name: inv.Name(), Device: inv})
	}
	return devices, nil
}

// openState seeds the engine from the store and registers the writer. A
// store that cannot be opened is logged and the aggregator runs without it.
func openState(ctx context.Context, cfg config.State, engine *collector.Engine, mgr *collector.Manager, log zerolog.Logger) func() {
	store, err := db.Open(cfg.DBPath, log)
	if err != nil {
		log.Error().Err(err).Msg("state store init failed (continuing without state)")
		return func() {}
	}

	values, err := store.Load(ctx)
	if err != nil {
		log.Error().Err(err).Msg("loading last known values failed")
	} else {
		log.Info().Int("values", engine.Seed(values)).Msg("restored last known values")
	}

	writer := db.NewWriter(store, cfg.QueueSize, cfg.CacheTTL, log)
	mgr.AddHandler(writer.Handle)
	return func() {
		writer.Close()
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing state store")
		}
	}
}
