package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/CristiGvl/thermalctl/api"
	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/notify"
	"github.com/CristiGvl/thermalctl/internal/platform"
	"github.com/CristiGvl/thermalctl/internal/power"
	"github.com/CristiGvl/thermalctl/internal/temps"
	"github.com/CristiGvl/thermalctl/internal/thermal"
	"github.com/CristiGvl/thermalctl/internal/thermalfile"
	"github.com/CristiGvl/thermalctl/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the thermal control loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(os.Stderr, settings)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, log, settings)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&settings.IIORoot, "iio-root", settings.IIORoot, "directory holding iio:device* energy nodes")
	f.StringVar(&settings.PowerSource, "power-source", settings.PowerSource, "energy counter source (iio, rapl or none)")
	f.StringVar(&settings.Bind, "bind", settings.Bind, "IP address to bind the admin server to")
	f.StringVar(&settings.Port, "port", settings.Port, "admin server port, empty disables it")
	f.StringVar(&settings.EventSource, "event-source", settings.EventSource, "kernel thermal events to sweep on (uevent, genl or none)")
	f.BoolVar(&settings.ThrottlingDisabled, "throttling-disabled", settings.ThrottlingDisabled, "start with all throttling cleared")
	f.BoolVar(&settings.PowerLinkDisabled, "power-link-disabled", settings.PowerLinkDisabled, "ignore power rails bound to cooling devices")
	f.BoolVar(&settings.PowerHintsEnabled, "power-hints", settings.PowerHintsEnabled, "forward severity hints to the hint sink")
	f.StringSliceVar(&settings.KafkaBrokers, "kafka-brokers", settings.KafkaBrokers, "brokers receiving severity change events")
	f.StringVar(&settings.KafkaTopic, "kafka-topic", settings.KafkaTopic, "topic for severity change events")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context, log zerolog.Logger, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := platform.ValidateSupport(); err != nil {
		return err
	}

	cfg, err := config.Load(s.ConfigPath, config.Options{PowerLinkDisabled: s.PowerLinkDisabled, Logger: log})
	if err != nil {
		return err
	}
	log.Info().
		Int("sensors", len(cfg.SensorNames)).
		Int("cdevs", len(cfg.CdevNames)).
		Int("rails", len(cfg.RailNames)).
		Msg("thermal config loaded")

	registry := notify.NewRegistry(log)
	defer registry.Close()
	if len(s.KafkaBrokers) > 0 {
		sink, err := notify.NewKafkaSink(s.KafkaBrokers, s.KafkaTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		if _, err := registry.Register(sink, ""); err != nil {
			return err
		}
		log.Info().Strs("brokers", s.KafkaBrokers).Str("topic", s.KafkaTopic).Msg("kafka export enabled")
	}

	opts := thermal.Options{
		SysfsRoot:          s.SysfsRoot,
		Energy:             energySource(log, s),
		Source:             eventSource(log, s),
		Notifier:           registry,
		ThrottlingDisabled: s.ThrottlingDisabled,
	}
	if s.PowerHintsEnabled {
		opts.Hints = notify.NewLogHints(log)
	}

	helper, err := thermal.New(log, cfg, opts)
	if err != nil {
		return fmt.Errorf("init thermal helper: %w", err)
	}

	errc := make(chan error, 1)
	var server *api.Server
	if s.Port != "" {
		server = api.NewServer(log, helper, temps.NewReader())
		go func() {
			if err := server.Start(s.Address()); err != nil {
				errc <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- helper.Run(loopCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errc:
		log.Error().Err(runErr).Msg("admin server failed")
	}
	cancel()

	if server != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown")
		}
	}
	return errors.Join(runErr, <-done)
}

// energySource opens the configured energy counters. A missing source is
// logged and only fails startup later if the descriptor declares rails.
func energySource(log zerolog.Logger, s config.Settings) power.EnergySource {
	var (
		src power.EnergySource
		err error
	)
	switch s.PowerSource {
	case "iio":
		var iio *power.IIOSource
		if iio, err = power.NewIIOSource(afero.NewOsFs(), s.IIORoot); err == nil {
			src = iio
		}
	case "rapl":
		var rapl *power.RAPLSource
		if rapl, err = power.NewRAPLSource(s.SysfsRoot); err == nil {
			src = rapl
			log.Info().Strs("rails", rapl.Rails()).Msg("rapl energy source opened")
		}
	default:
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("source", s.PowerSource).Msg("energy source unavailable")
	}
	return src
}

func eventSource(log zerolog.Logger, s config.Settings) watcher.Source {
	var (
		src watcher.Source
		err error
	)
	switch s.EventSource {
	case "uevent":
		var u *watcher.UeventSource
		if u, err = watcher.NewUeventSource(); err == nil {
			src = u
		}
	case "genl":
		var g *watcher.GenlSource
		if g, err = watcher.NewGenlSource(zoneResolver(afero.NewOsFs(), s.SysfsRoot)); err == nil {
			src = g
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("source", s.EventSource).Msg("thermal event socket unavailable, falling back to polling")
	}
	if src == nil {
		return watcher.NewTimerSource()
	}
	log.Info().Str("source", s.EventSource).Msg("listening for thermal events")
	return src
}

// zoneResolver names a thermal zone id by the type of its sysfs zone, which
// is the sensor name of a physical sensor
func zoneResolver(fs afero.Fs, root string) watcher.ZoneResolver {
	return func(id int) (string, bool) {
		typ, err := thermalfile.ZoneTypeByID(fs, root, id)
		return typ, err == nil
	}
}
