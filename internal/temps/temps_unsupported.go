//go:build !linux

package temps

import (
	"context"
	"fmt"
)

// UnsupportedReader is a fallback for unsupported platforms
type UnsupportedReader struct{}

func newPlatformReader() Reader {
	return &UnsupportedReader{}
}

// Sensors returns an error for unsupported platforms
func (r *UnsupportedReader) Sensors(ctx context.Context) ([]Sensor, error) {
	return nil, fmt.Errorf("temperature monitoring not supported on this platform")
}
