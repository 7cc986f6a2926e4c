// Package output writes the per-run INI-style summary file: one section
// per device serial with iteration/pass counters, plus an optional
// "<serial> read value counts" section enumerating every distinct reading.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"discoharness.dev/aggregator"
)

const (
	iterationsKey = "iterations completed this run"
	passingKey    = "passing iterations"
	passPctKey    = "Pass %"

	// CountsSectionSuffix names the auxiliary per-device section mapping
	// each observed reading to its count.
	CountsSectionSuffix = " read value counts"
)

// File is the run's summary file. It is created once, with every device
// section present but zeroed, then rewritten in full on every iteration.
type File struct {
	mu     sync.Mutex
	path   string
	lower  float64
	upper  float64
}

// New creates output/<timestamp>.txt (directories included) with one
// zeroed section per serial, and returns a File that rewrites it on every
// subsequent Write. The filename truncates the run's start time to the
// minute, with ':' and 'T' substituted out to keep it filesystem-safe.
func New(serials []string, lower, upper float64, now time.Time) (*File, error) {
	if err := os.MkdirAll("output", 0o755); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	stamp := now.Format("2006-01-02T15:04")
	stamp = strings.NewReplacer(":", "_", "T", ".").Replace(stamp)
	path := filepath.Join("output", stamp+".txt")

	f := &File{path: path, lower: lower, upper: upper}
	cfg := ini.Empty()
	for _, serial := range serials {
		sec, err := cfg.NewSection(serial)
		if err != nil {
			return nil, fmt.Errorf("output: %w", err)
		}
		sec.NewKey(iterationsKey, "0")
		sec.NewKey(passingKey, "0")
		sec.NewKey(passPctKey, "0")
	}
	if err := cfg.SaveTo(path); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	return f, nil
}

// Write rebuilds the file from scratch against snapshot, the full
// aggregator state, and saves it atomically via a temp-file rename so a
// reader never observes a half-written file.
func (f *File) Write(snapshot map[string]map[float64]uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := ini.Empty()
	devices := make([]string, 0, len(snapshot))
	for d := range snapshot {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	for _, device := range devices {
		histogram := snapshot[device]
		stats := aggregator.ComputeStats(histogram, f.lower, f.upper)

		sec, err := cfg.NewSection(device)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		sec.NewKey(iterationsKey, strconv.FormatUint(stats.Iterations, 10))
		sec.NewKey(passingKey, strconv.FormatUint(stats.Passing, 10))
		sec.NewKey(passPctKey, strconv.FormatUint(stats.PassPercent, 10))

		values := make([]float64, 0, len(histogram))
		for v := range histogram {
			values = append(values, v)
		}
		sort.Float64s(values)
		if len(values) == 0 {
			continue
		}
		countsSec, err := cfg.NewSection(device + CountsSectionSuffix)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		for _, v := range values {
			countsSec.NewKey(strconv.FormatFloat(v, 'f', -1, 64), strconv.FormatUint(histogram[v], 10))
		}
	}

	tmp := f.path + ".tmp"
	if err := cfg.SaveTo(tmp); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	return nil
}

// Path reports the summary file's location, for logging.
func (f *File) Path() string { return f.path }
