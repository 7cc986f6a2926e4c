// Package discovery enumerates candidate serial device paths for the
// orchestrator to attempt sessions against. It is deliberately trivial
// glue over the filesystem.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPermission is returned when a device directory exists but cannot be
// read by this process.
var ErrPermission = errors.New("discovery: permission denied (try running elevated)")

// Discover enumerates /dev/serial/*/* (the by-id and by-path symlink
// farms udev maintains), falling back to a flat /dev/ttyUSB* glob if
// /dev/serial is absent or empty.
func Discover() ([]string, error) {
	paths, err := discoverSerialDir("/dev/serial")
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		return paths, nil
	}
	return discoverGlob("/dev/ttyUSB*")
}

func discoverSerialDir(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermission, root)
		}
		return nil, fmt.Errorf("discovery: %w", err)
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(root, e.Name())
		subEntries, err := os.ReadDir(sub)
		if err != nil {
			if os.IsPermission(err) {
				return nil, fmt.Errorf("%w: %s", ErrPermission, sub)
			}
			continue
		}
		for _, se := range subEntries {
			out = append(out, filepath.Join(sub, se.Name()))
		}
	}
	return out, nil
}

func discoverGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	return matches, nil
}
