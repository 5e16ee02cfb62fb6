package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/temps"
	"github.com/CristiGvl/thermalctl/internal/thermalfile"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the thermal descriptor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig(cmd.OutOrStdout(), settings)
	},
}

var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "List thermal zones and host temperature sensors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return listSensors(ctx, cmd.OutOrStdout(), afero.NewOsFs(), settings.SysfsRoot, temps.NewReader())
	},
}

var cdevsCmd = &cobra.Command{
	Use:   "cdevs",
	Short: "List cooling devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCoolingDevices(cmd.OutOrStdout(), afero.NewOsFs(), settings.SysfsRoot)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd, sensorsCmd, cdevsCmd)
}

func validateConfig(w io.Writer, s config.Settings) error {
	cfg, err := config.Load(s.ConfigPath, config.Options{PowerLinkDisabled: s.PowerLinkDisabled, Logger: zerolog.Nop()})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SENSOR\tTYPE\tKIND\tTHROTTLING")
	for _, name := range cfg.SensorNames {
		info := cfg.Sensors[name]
		kind := "physical"
		if info.Virtual != nil {
			kind = "virtual"
		}
		throttling := "-"
		if info.Throttling != nil {
			throttling = fmt.Sprintf("%d cdevs", len(info.Throttling.BindedCdevs))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, info.Type, kind, throttling)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s: %d sensors, %d cooling devices, %d power rails\n",
		s.ConfigPath, len(cfg.SensorNames), len(cfg.CdevNames), len(cfg.RailNames))
	return err
}

func listSensors(ctx context.Context, w io.Writer, fs afero.Fs, root string, reader temps.Reader) error {
	zones, err := thermalfile.ThermalZones(root)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tTYPE\tTEMP\tPOLICY")
	for _, typ := range slices.Sorted(maps.Keys(zones)) {
		dir := zones[typ]
		temp, err := afero.ReadFile(fs, thermalfile.TempPath(dir))
		value := "-"
		if err == nil {
			value = string(bytes.TrimSpace(temp))
		}
		policy, err := thermalfile.ReadPolicy(fs, dir)
		if err != nil {
			policy = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", filepath.Base(dir), typ, value, policy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	host, err := reader.Sensors(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SENSOR\tTYPE\tCELSIUS")
	for _, s := range host {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\n", s.Name, s.Type, s.Temperature)
	}
	return tw.Flush()
}

func listCoolingDevices(w io.Writer, fs afero.Fs, root string) error {
	cdevs, err := thermalfile.CoolingDevices(root)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tTYPE\tSTATE\tMAX")
	for _, typ := range slices.Sorted(maps.Keys(cdevs)) {
		dir := cdevs[typ]
		state := "-"
		if data, err := afero.ReadFile(fs, thermalfile.StatePath(dir)); err == nil {
			state = string(bytes.TrimSpace(data))
		}
		maxState := "-"
		if n, err := thermalfile.ReadMaxState(fs, dir); err == nil {
			maxState = fmt.Sprint(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", filepath.Base(dir), typ, state, maxState)
	}
	return tw.Flush()
}
