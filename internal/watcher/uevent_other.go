//go:build !linux

package watcher

import (
	"errors"
	"time"
)

// UeventSource is unavailable outside Linux
type UeventSource struct{}

// NewUeventSource always fails outside Linux
func NewUeventSource() (*UeventSource, error) {
	return nil, errors.New("kernel uevents are only supported on linux")
}

// Wait never returns kernel messages
func (s *UeventSource) Wait(timeout time.Duration) ([][]byte, bool, error) {
	time.Sleep(timeout)
	return nil, false, nil
}

// Wake is a no-op
func (s *UeventSource) Wake() {}

// Close is a no-op
func (s *UeventSource) Close() error { return nil }
