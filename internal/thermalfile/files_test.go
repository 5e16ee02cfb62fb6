package thermalfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestFilesReadWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/sys/cdev0/cur_state", []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files := New(fs)
	if err := files.Register("fan", "/sys/cdev0/cur_state"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := files.Write("fan", "3"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := files.Read("fan")
	if err != nil || got != "3" {
		t.Fatalf("Read = %q, %v", got, err)
	}

	if _, err := files.Read("missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unregistered read error = %v", err)
	}
	if err := files.Write("missing", "1"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("unregistered write error = %v", err)
	}
	if err := files.Register("ghost", "/sys/ghost"); err == nil {
		t.Error("registering a missing node should fail")
	}
	if names := files.Names(); len(names) != 1 || names[0] != "fan" {
		t.Errorf("names = %v", names)
	}
}

func TestCdevHelpers(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/sys/class/thermal/cooling_device0"
	_ = afero.WriteFile(fs, filepath.Join(dir, "max_state"), []byte("3\n"), 0o644)
	_ = afero.WriteFile(fs, filepath.Join(dir, "state2power_table"), []byte("3000 2000 1000 500\n"), 0o644)

	maxState, err := ReadMaxState(fs, dir)
	if err != nil || maxState != 3 {
		t.Fatalf("ReadMaxState = %d, %v", maxState, err)
	}
	table, err := ReadState2Power(fs, dir)
	if err != nil || len(table) != 4 || table[3] != 500 {
		t.Fatalf("ReadState2Power = %v, %v", table, err)
	}

	table, err = ReadState2Power(fs, "/sys/class/thermal/cooling_device9")
	if err != nil || table != nil {
		t.Errorf("missing table = %v, %v", table, err)
	}
	if _, err := ReadMaxState(fs, "/sys/class/thermal/cooling_device9"); err == nil {
		t.Error("missing max_state should fail")
	}
}

func TestTripPoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	zone := "/sys/class/thermal/thermal_zone0"
	_ = afero.WriteFile(fs, filepath.Join(zone, "policy"), []byte("user_space\n"), 0o644)

	policy, err := ReadPolicy(fs, zone)
	if err != nil || policy != UserSpacePolicy {
		t.Fatalf("ReadPolicy = %q, %v", policy, err)
	}
	if err := WriteTripPoint(fs, zone, 60000, 5000); err != nil {
		t.Fatalf("WriteTripPoint: %v", err)
	}
	got, _ := afero.ReadFile(fs, filepath.Join(zone, "trip_point_0_temp"))
	if string(got) != "60000" {
		t.Errorf("trip temp = %q", got)
	}
	got, _ = afero.ReadFile(fs, filepath.Join(zone, "trip_point_0_hyst"))
	if string(got) != "5000" {
		t.Errorf("trip hyst = %q", got)
	}
}

func writeNodes(t *testing.T, dir string, nodes map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, v := range nodes {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(v+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscovery(t *testing.T) {
	root := t.TempDir()
	class := filepath.Join(root, "class", "thermal")
	writeNodes(t, filepath.Join(class, "thermal_zone0"), map[string]string{
		"type": "cpu0", "policy": "step_wise", "temp": "45000", "mode": "enabled", "passive": "0",
	})
	writeNodes(t, filepath.Join(class, "thermal_zone1"), map[string]string{
		"type": "skin", "policy": "user_space", "temp": "31000", "mode": "enabled", "passive": "0",
	})
	writeNodes(t, filepath.Join(class, "cooling_device0"), map[string]string{
		"type": "fan0", "max_state": "4", "cur_state": "0",
	})

	zones, err := ThermalZones(root)
	if err != nil {
		t.Fatalf("ThermalZones: %v", err)
	}
	if zones["skin"] != filepath.Join(class, "thermal_zone1") {
		t.Errorf("zones = %v", zones)
	}
	if TempPath(zones["cpu0"]) != filepath.Join(class, "thermal_zone0", "temp") {
		t.Errorf("temp path = %s", TempPath(zones["cpu0"]))
	}

	cdevs, err := CoolingDevices(root)
	if err != nil {
		t.Fatalf("CoolingDevices: %v", err)
	}
	if StatePath(cdevs["fan0"]) != filepath.Join(class, "cooling_device0", "cur_state") {
		t.Errorf("cdevs = %v", cdevs)
	}
}

func TestZoneTypeByID(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/sys/class/thermal/thermal_zone3/type", []byte("cpu0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/sys/class/thermal/thermal_zone4/type", []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		id      int
		want    string
		wantErr bool
	}{
		{"known zone", 3, "cpu0", false},
		{"empty type", 4, "", true},
		{"missing zone", 9, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ZoneTypeByID(fs, "/sys", tt.id)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ZoneTypeByID(%d) = %q, %v", tt.id, got, err)
			}
		})
	}
}
