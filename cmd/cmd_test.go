package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/watcher"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    zerolog.Level
		console bool
		wantErr bool
	}{
		{"json info", "info", "json", zerolog.InfoLevel, false, false},
		{"upper case", "DEBUG", "json", zerolog.DebugLevel, false, false},
		{"console", "warn", "console", zerolog.WarnLevel, true, false},
		{"empty level", "", "json", zerolog.InfoLevel, false, false},
		{"bad level", "loud", "json", zerolog.NoLevel, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := newLogger(&buf, config.Settings{LogLevel: tt.level, LogFormat: tt.format})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if log.GetLevel() != tt.want {
				t.Errorf("level = %v, want %v", log.GetLevel(), tt.want)
			}
			log.WithLevel(tt.want).Msg("hello")
			isJSON := strings.HasPrefix(buf.String(), "{")
			if isJSON == tt.console {
				t.Errorf("console = %v, output %q", tt.console, buf.String())
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	var buf bytes.Buffer
	s := config.Settings{ConfigPath: filepath.Join("..", "internal", "config", "testdata", "thermal_info_config.json")}
	if err := validateConfig(&buf, s); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"SENSOR", "sensors", "cooling devices", "power rails"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	s.ConfigPath = filepath.Join(t.TempDir(), "missing.json")
	if err := validateConfig(&buf, s); err == nil {
		t.Error("expected error for missing descriptor")
	}
}

func TestRunDaemonRejectsSettings(t *testing.T) {
	s := config.DefaultSettings()
	s.PowerSource = "battery"
	err := runDaemon(context.Background(), zerolog.Nop(), s)
	if err == nil || !strings.Contains(err.Error(), "unknown power source") {
		t.Fatalf("err = %v", err)
	}

	s = config.DefaultSettings()
	s.ConfigPath = filepath.Join(t.TempDir(), "missing.json")
	s.Port = ""
	err = runDaemon(context.Background(), zerolog.Nop(), s)
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want load failure", err)
	}
}

func TestZoneResolver(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/sys/class/thermal/thermal_zone2/type", []byte("skin\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolve := zoneResolver(fs, "/sys")
	if name, ok := resolve(2); !ok || name != "skin" {
		t.Errorf("resolve(2) = %q, %v", name, ok)
	}
	if _, ok := resolve(5); ok {
		t.Error("missing zone should not resolve")
	}
}

func TestEventSourceNone(t *testing.T) {
	s := config.DefaultSettings()
	s.EventSource = "none"
	src := eventSource(zerolog.Nop(), s)
	defer src.Close()
	if _, ok := src.(*watcher.TimerSource); !ok {
		t.Errorf("source = %T, want a timer source", src)
	}
}
