package watcher

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type waitResult struct {
	msgs   [][]byte
	kernel bool
}

type fakeSource struct {
	mu       sync.Mutex
	results  []waitResult
	timeouts []time.Duration
	wakes    int
	closed   bool
}

func (s *fakeSource) Wait(timeout time.Duration) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = append(s.timeouts, timeout)
	if len(s.results) == 0 {
		return nil, false, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.msgs, r.kernel, nil
}

func (s *fakeSource) Wake() {
	s.mu.Lock()
	s.wakes++
	s.mu.Unlock()
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func uevent(fields ...string) []byte {
	var b []byte
	for _, f := range fields {
		b = append(b, f...)
		b = append(b, 0)
	}
	return b
}

func TestParseUevent(t *testing.T) {
	monitored := func(n string) bool { return n == "cpu0" }
	tests := []struct {
		name string
		msg  []byte
		want []string
	}{
		{"thermal", uevent("change@/devices/virtual/thermal/thermal_zone0", "ACTION=change", "SUBSYSTEM=thermal", "NAME=cpu0", "TEMP=51000"), []string{"cpu0"}},
		{"unmonitored", uevent("SUBSYSTEM=thermal", "NAME=gpu0"), nil},
		{"other subsystem", uevent("SUBSYSTEM=power_supply", "NAME=cpu0"), nil},
		{"name before subsystem", uevent("NAME=cpu0", "SUBSYSTEM=thermal"), nil},
		{"no name", uevent("SUBSYSTEM=thermal", "TEMP=1"), nil},
		{"devname only", uevent("SUBSYSTEM=thermal", "DEVNAME=cpu0"), nil},
		{"devname before name", uevent("SUBSYSTEM=thermal", "DEVNAME=gpu0", "NAME=cpu0"), []string{"cpu0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseUevent(tt.msg, monitored); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatcherStep(t *testing.T) {
	src := &fakeSource{}
	var calls []map[string]bool
	w := New(zerolog.Nop(), src, func(changed map[string]bool) time.Duration {
		calls = append(calls, changed)
		return 10 * time.Second
	})
	clock := time.Unix(1000, 0)
	w.now = func() time.Time { return clock }
	w.Monitor("cpu0")

	w.step()
	if len(calls) != 1 || calls[0] != nil {
		t.Fatalf("first sweep should run immediately with no events, got %v", calls)
	}
	if len(src.timeouts) != 0 {
		t.Fatal("first sweep should not wait")
	}

	clock = clock.Add(4 * time.Second)
	src.results = []waitResult{{msgs: [][]byte{uevent("SUBSYSTEM=thermal", "NAME=cpu0")}, kernel: true}}
	w.step()
	if len(calls) != 2 || !calls[1]["cpu0"] {
		t.Fatalf("uevent sweep = %v", calls)
	}
	if src.timeouts[0] != 6*time.Second {
		t.Errorf("waited %v, want the remaining 6s", src.timeouts[0])
	}

	src.results = []waitResult{{msgs: [][]byte{uevent("SUBSYSTEM=thermal", "NAME=gpu0")}, kernel: true}}
	w.step()
	if len(calls) != 2 {
		t.Fatal("uevent for an unmonitored sensor should not sweep")
	}

	w.step()
	if len(calls) != 3 || calls[2] != nil {
		t.Fatalf("timed sweep = %v", calls)
	}

	clock = clock.Add(11 * time.Second)
	waits := len(src.timeouts)
	w.step()
	if len(src.timeouts) != waits || len(calls) != 4 {
		t.Error("an overdue sweep should run without waiting")
	}
}

func TestWatcherRunStops(t *testing.T) {
	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	sweeps := 0
	w := New(zerolog.Nop(), src, func(map[string]bool) time.Duration {
		sweeps++
		if sweeps == 3 {
			cancel()
		}
		return 0
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if !src.closed {
		t.Error("source should be closed")
	}
}

func TestTimerSourceWake(t *testing.T) {
	s := NewTimerSource()
	s.Wake()
	start := time.Now()
	if _, kernel, err := s.Wait(time.Minute); kernel || err != nil {
		t.Fatalf("Wait = %v, %v", kernel, err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("Wake did not interrupt Wait")
	}
}
