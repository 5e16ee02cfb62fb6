package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Settings holds the daemon runtime options
type Settings struct {
	ConfigPath         string   // thermal descriptor JSON file
	SysfsRoot          string   // usually /sys
	IIORoot            string   // directory holding iio:device* energy nodes
	PowerSource        string   // iio, rapl or none
	Bind               string   // HTTP bind address
	Port               string   // HTTP port, empty disables the admin server
	LogLevel           string   // zerolog level name
	LogFormat          string   // json or console
	EventSource        string   // uevent, genl or none
	ThrottlingDisabled bool     // start in all-clear mode
	PowerLinkDisabled  bool     // ignore power rail links of bound cooling devices
	PowerHintsEnabled  bool     // forward severity hints to the hint sink
	KafkaBrokers       []string // optional notification export
	KafkaTopic         string
}

// DefaultSettings returns settings seeded from THERMALCTL_* environment variables
func DefaultSettings() Settings {
	return Settings{
		ConfigPath:         getEnv("THERMALCTL_CONFIG", "/etc/thermalctl/thermal_info_config.json"),
		SysfsRoot:          getEnv("THERMALCTL_SYSFS", "/sys"),
		IIORoot:            getEnv("THERMALCTL_IIO_ROOT", "/sys/bus/iio/devices"),
		PowerSource:        getEnv("THERMALCTL_POWER_SOURCE", "iio"),
		Bind:               getEnv("THERMALCTL_BIND", "127.0.0.1"),
		Port:               getEnv("THERMALCTL_PORT", "8086"),
		LogLevel:           getEnv("THERMALCTL_LOG_LEVEL", "info"),
		LogFormat:          getEnv("THERMALCTL_LOG_FORMAT", "json"),
		EventSource:        getEnv("THERMALCTL_EVENT_SOURCE", "uevent"),
		ThrottlingDisabled: getEnvBool("THERMALCTL_THROTTLING_DISABLED", false),
		PowerLinkDisabled:  getEnvBool("THERMALCTL_POWER_LINK_DISABLED", false),
		PowerHintsEnabled:  getEnvBool("THERMALCTL_POWER_HINTS", false),
		KafkaBrokers:       splitList(os.Getenv("THERMALCTL_KAFKA_BROKERS")),
		KafkaTopic:         getEnv("THERMALCTL_KAFKA_TOPIC", "thermal.events"),
	}
}

// Validate checks the settings for values the daemon cannot start with
func (s Settings) Validate() error {
	var errs []error
	if s.ConfigPath == "" {
		errs = append(errs, errors.New("config path is required"))
	}
	if s.SysfsRoot == "" {
		errs = append(errs, errors.New("sysfs root is required"))
	}
	switch s.PowerSource {
	case "iio", "rapl", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown power source %q (want iio, rapl or none)", s.PowerSource))
	}
	switch s.EventSource {
	case "uevent", "genl", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown event source %q (want uevent, genl or none)", s.EventSource))
	}
	switch s.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", s.LogFormat))
	}
	if s.Port != "" {
		if p, err := strconv.Atoi(s.Port); err != nil || p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("invalid port %q", s.Port))
		}
	}
	if len(s.KafkaBrokers) > 0 && s.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// Address returns the HTTP listen address
func (s Settings) Address() string {
	return net.JoinHostPort(s.Bind, s.Port)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
