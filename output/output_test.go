package output

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/ini.v1"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })
}

func TestNewDerivesFilenameFromStartTime(t *testing.T) {
	chdirTemp(t)
	now := time.Date(2024, 3, 7, 14, 30, 59, 0, time.UTC)
	f, err := New([]string{"SN-1"}, 35.8, 36.2, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := filepath.Join("output", "2024-03-07.14_30.txt")
	if f.Path() != want {
		t.Fatalf("got %q, want %q", f.Path(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected the summary file to exist: %v", err)
	}
}

func TestNewSeedsZeroedSectionPerDevice(t *testing.T) {
	chdirTemp(t)
	f, err := New([]string{"SN-1", "SN-2"}, 35.8, 36.2, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg, err := ini.Load(f.Path())
	if err != nil {
		t.Fatalf("ini.Load: %v", err)
	}
	for _, serial := range []string{"SN-1", "SN-2"} {
		sec, err := cfg.GetSection(serial)
		if err != nil {
			t.Fatalf("missing section %q: %v", serial, err)
		}
		for _, key := range []string{"iterations completed this run", "passing iterations", "Pass %"} {
			if got := sec.Key(key).String(); got != "0" {
				t.Fatalf("section %q key %q: got %q, want 0", serial, key, got)
			}
		}
	}
}

func TestWriteRecordsStatsAndValueCounts(t *testing.T) {
	chdirTemp(t)
	f, err := New([]string{"SN-1"}, 35.8, 36.2, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snapshot := map[string]map[float64]uint64{
		"SN-1": {35.9: 3, 36.0: 5, 36.3: 2},
	}
	if err := f.Write(snapshot); err != nil {
		t.Fatalf("Write: %v", err)
	}

	cfg, err := ini.Load(f.Path())
	if err != nil {
		t.Fatalf("ini.Load: %v", err)
	}
	sec, err := cfg.GetSection("SN-1")
	if err != nil {
		t.Fatalf("missing device section: %v", err)
	}
	if got := sec.Key("iterations completed this run").String(); got != "10" {
		t.Fatalf("iterations: got %q, want 10", got)
	}
	if got := sec.Key("passing iterations").String(); got != "8" {
		t.Fatalf("passing: got %q, want 8", got)
	}
	if got := sec.Key("Pass %").String(); got != "80" {
		t.Fatalf("pass percent: got %q, want 80", got)
	}

	counts, err := cfg.GetSection("SN-1" + CountsSectionSuffix)
	if err != nil {
		t.Fatalf("missing counts section: %v", err)
	}
	if got := counts.Key("36").String(); got != "5" {
		t.Fatalf("count for 36: got %q, want 5", got)
	}
	if got := counts.Key("36.3").String(); got != "2" {
		t.Fatalf("count for 36.3: got %q, want 2", got)
	}
}

func TestWriteRewritesInFull(t *testing.T) {
	chdirTemp(t)
	f, err := New([]string{"SN-1"}, 35.8, 36.2, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := f.Write(map[string]map[float64]uint64{"SN-1": {36.0: 1}}); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := f.Write(map[string]map[float64]uint64{"SN-1": {36.0: 2}}); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	cfg, err := ini.Load(f.Path())
	if err != nil {
		t.Fatalf("ini.Load: %v", err)
	}
	if got := cfg.Section("SN-1").Key("iterations completed this run").String(); got != "2" {
		t.Fatalf("iterations after rewrite: got %q, want 2", got)
	}
	if _, err := os.Stat(f.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected no temp file left behind after Write")
	}
}
