package thermalfile

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrNotRegistered is returned when a name has no registered node
var ErrNotRegistered = errors.New("file not registered")

// Files maps logical sensor and cooling device names to kernel nodes
type Files struct {
	fs    afero.Fs
	mu    sync.RWMutex
	paths map[string]string
}

// New creates a Files registry backed by fs
func New(fs afero.Fs) *Files {
	return &Files{fs: fs, paths: make(map[string]string)}
}

// Fs returns the filesystem the registry reads from
func (f *Files) Fs() afero.Fs {
	return f.fs
}

// Register binds name to path. The node must exist.
func (f *Files) Register(name, path string) error {
	if _, err := f.fs.Stat(path); err != nil {
		return fmt.Errorf("register %s at %s: %w", name, path, err)
	}
	f.mu.Lock()
	f.paths[name] = path
	f.mu.Unlock()
	return nil
}

// Path returns the node registered for name
func (f *Files) Path(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.paths[name]
	return p, ok
}

// Names returns the registered names in sorted order
func (f *Files) Names() []string {
	f.mu.RLock()
	names := make([]string, 0, len(f.paths))
	for n := range f.paths {
		names = append(names, n)
	}
	f.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Read returns the trimmed content of the node registered for name
func (f *Files) Read(name string) (string, error) {
	p, ok := f.Path(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	data, err := afero.ReadFile(f.fs, p)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write stores value in the node registered for name
func (f *Files) Write(name, value string) error {
	p, ok := f.Path(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	file, err := f.fs.OpenFile(p, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer file.Close()
	if _, err := file.WriteString(value); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
