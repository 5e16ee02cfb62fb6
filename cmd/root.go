package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CristiGvl/thermalctl/internal/config"
)

var settings = config.DefaultSettings()

var rootCmd = &cobra.Command{
	Use:   "thermalctl",
	Short: "Thermal management daemon",
	Long: "thermalctl reads temperature sensors, maps them onto throttling severities " +
		"and drives cooling devices from a JSON thermal descriptor.",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&settings.ConfigPath, "config", "c", settings.ConfigPath, "thermal descriptor JSON file")
	f.StringVar(&settings.SysfsRoot, "sysfs", settings.SysfsRoot, "sysfs mount point")
	f.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&settings.LogFormat, "log-format", settings.LogFormat, "log format (json or console)")
}

// newLogger builds the process logger from the log flags. Console output is
// used when asked for or when stderr is a terminal.
func newLogger(w io.Writer, s config.Settings) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if s.LogFormat == "console" || isTerminal(w) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
