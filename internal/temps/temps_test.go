package temps

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"coretemp_core_0", "CPU"},
		{"k10temp_tctl", "CPU"},
		{"amdgpu_edge", "GPU"},
		{"BAT0", "BATTERY"},
		{"acpitz", "SKIN"},
		{"iwlwifi_1", "WIFI"},
		{"nvme_composite", "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := Classify(tt.key); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.key, got, tt.want)
			}
		})
	}
}
