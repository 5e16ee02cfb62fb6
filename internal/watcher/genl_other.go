//go:build !linux

package watcher

import (
	"errors"
	"time"
)

// GenlSource is unavailable outside Linux
type GenlSource struct{}

// NewGenlSource always fails outside Linux
func NewGenlSource(ZoneResolver) (*GenlSource, error) {
	return nil, errors.New("thermal generic netlink events are only supported on linux")
}

// Wait never returns kernel messages
func (s *GenlSource) Wait(timeout time.Duration) ([][]byte, bool, error) {
	time.Sleep(timeout)
	return nil, false, nil
}

// Parse never matches a sensor
func (s *GenlSource) Parse([]byte, func(string) bool) []string { return nil }

// Wake is a no-op
func (s *GenlSource) Wake() {}

// Close is a no-op
func (s *GenlSource) Close() error { return nil }
