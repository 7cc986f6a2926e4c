package orchestrator

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"discoharness.dev/aggregator"
	"discoharness.dev/fixture"
	"discoharness.dev/gpio"
	"discoharness.dev/output"
	"discoharness.dev/runswitch"
	"discoharness.dev/session"
	"discoharness.dev/wacp"
)

// --- minimal fake fixture wiring, the same shape fixture_test.go uses ---

type fakeOutput struct {
	mu   sync.Mutex
	high bool
}

func (o *fakeOutput) String() string   { return "fake-out" }
func (o *fakeOutput) Name() string     { return "fake-out" }
func (o *fakeOutput) Number() int      { return 0 }
func (o *fakeOutput) Function() string { return "" }
func (o *fakeOutput) Halt() error      { return nil }
func (o *fakeOutput) Out(l pgpio.Level) error {
	o.mu.Lock()
	o.high = l == pgpio.High
	o.mu.Unlock()
	return nil
}
func (o *fakeOutput) PWM(pgpio.Duty, physic.Frequency) error { return nil }

type fakeInput struct{ level int32 }

func newFakeInput(high bool) *fakeInput {
	i := &fakeInput{}
	if high {
		i.level = 1
	}
	return i
}

func (i *fakeInput) String() string                  { return "fake-in" }
func (i *fakeInput) Name() string                    { return "fake-in" }
func (i *fakeInput) Number() int                     { return 0 }
func (i *fakeInput) Function() string                { return "" }
func (i *fakeInput) Halt() error                     { return nil }
func (i *fakeInput) In(pgpio.Pull, pgpio.Edge) error { return nil }
func (i *fakeInput) Pull() pgpio.Pull                { return pgpio.PullNoChange }
func (i *fakeInput) DefaultPull() pgpio.Pull         { return pgpio.PullNoChange }
func (i *fakeInput) WaitForEdge(time.Duration) bool  { return false }
func (i *fakeInput) Read() pgpio.Level {
	if atomic.LoadInt32(&i.level) == 1 {
		return pgpio.High
	}
	return pgpio.Low
}
func (i *fakeInput) set(high bool) {
	v := int32(0)
	if high {
		v = 1
	}
	atomic.StoreInt32(&i.level, v)
}

// instantFixture builds a Fixture whose limits are already asserted at
// both ends, so GotoLimit returns immediately via the tie-break path
// without any simulated travel delay. The orchestrator tests care about
// the iteration loop, not motion timing, which fixture's own tests cover.
func instantFixture(t *testing.T) *fixture.Fixture {
	t.Helper()
	mk := func(high bool) *gpio.Input {
		in, err := gpio.NewInputForTesting(newFakeInput(high))
		if err != nil {
			t.Fatalf("NewInputForTesting: %v", err)
		}
		return in
	}
	enable, _ := gpio.NewOutputForTesting(&fakeOutput{})
	direction, _ := gpio.NewOutputForTesting(&fakeOutput{})
	piston, _ := gpio.NewOutputForTesting(&fakeOutput{})
	upper := mk(true)
	upperNC := mk(false)
	lower := mk(true)
	lowerNC := mk(false)

	f, err := fixture.NewForTesting(enable, direction, piston, upper, upperNC, lower, lowerNC, runswitch.New(), nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("fixture.NewForTesting: %v", err)
	}
	return f
}

type fakeDevice struct {
	mu             sync.Mutex
	reading        []byte
	serialResponse []byte
	pending        []byte
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case bytesEqual(p, wacp.RequestTemp):
		d.pending = d.reading
	case bytesEqual(p, wacp.RequestSerial):
		d.pending = d.serialResponse
	default:
		d.pending = nil
	}
	return len(p), nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return 0, nil
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *fakeDevice) Close() error { return nil }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newTestSession(t *testing.T, serial string) *session.Session {
	t.Helper()
	var field [16]byte
	copy(field[:], serial)
	dev := &fakeDevice{
		reading:        wacp.BuildTemperatureFrame([4]byte{0x43, 0x97, 0x14, 0x7B}, 0x0001),
		serialResponse: wacp.BuildSerialFrame(field),
	}
	s, err := session.OpenForTesting(dev, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}
	return s
}

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

func TestResolveSerialsPassesThroughKnownDevices(t *testing.T) {
	s := newTestSession(t, "SN-1")
	assignments, err := ResolveSerials([]*session.Session{s}, false, nil)
	if err != nil {
		t.Fatalf("ResolveSerials: %v", err)
	}
	if len(assignments) != 1 || assignments[0].Serial != "SN-1" {
		t.Fatalf("unexpected assignments: %+v", assignments)
	}
}

func TestResolveSerialsFailsOnUnknownWithoutManual(t *testing.T) {
	dev := &fakeDevice{}
	s, err := session.OpenForTesting(dev, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}
	if _, err := ResolveSerials([]*session.Session{s}, false, nil); err == nil {
		t.Fatal("expected ResolveSerials to fail for an unresolved device without --manual")
	}
}

func TestResolveSerialsUsesManualAssignForUnknown(t *testing.T) {
	dev := &fakeDevice{}
	s, err := session.OpenForTesting(dev, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}
	assignments, err := ResolveSerials([]*session.Session{s}, true, func() string { return "OPERATOR-1" })
	if err != nil {
		t.Fatalf("ResolveSerials: %v", err)
	}
	if assignments[0].Serial != "OPERATOR-1" {
		t.Fatalf("got %q, want OPERATOR-1", assignments[0].Serial)
	}
}

func TestRunFoldsOneReadingPerDeviceEachIteration(t *testing.T) {
	chdirTemp(t)

	s := newTestSession(t, "SN-1")
	assignments := []Assignment{{Session: s, Serial: "SN-1"}}
	agg := aggregator.New(Serials(assignments))
	out, err := output.New(Serials(assignments), aggregator.DefaultLowerBound, aggregator.DefaultUpperBound, time.Now())
	if err != nil {
		t.Fatalf("output.New: %v", err)
	}

	orch := New(instantFixture(t), assignments, agg, out, zerolog.Nop(), 3)
	if err := orch.Run(nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := agg.Snapshot()
	var total uint64
	for _, n := range snap["SN-1"] {
		total += n
	}
	if total != 3 {
		t.Fatalf("expected 3 folded readings, got %d", total)
	}
}

func TestRunHaltsOnUnsafeFrameVersion(t *testing.T) {
	chdirTemp(t)

	frame := wacp.BuildTemperatureFrame([4]byte{0x43, 0x97, 0x14, 0x7B}, 0x0001)
	frame[28], frame[29] = 0x00, 0xCE
	var field [16]byte
	copy(field[:], "SN-1")
	dev := &fakeDevice{reading: frame, serialResponse: wacp.BuildSerialFrame(field)}
	s, err := session.OpenForTesting(dev, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}

	assignments := []Assignment{{Session: s, Serial: "SN-1"}}
	agg := aggregator.New(Serials(assignments))
	out, err := output.New(Serials(assignments), aggregator.DefaultLowerBound, aggregator.DefaultUpperBound, time.Now())
	if err != nil {
		t.Fatalf("output.New: %v", err)
	}

	orch := New(instantFixture(t), assignments, agg, out, zerolog.Nop(), 3)
	err = orch.Run(nil)
	if !errors.Is(err, wacp.ErrUnsafeVersion) {
		t.Fatalf("expected Run to halt with ErrUnsafeVersion, got %v", err)
	}
}

func TestRunStopsAtClosedQuit(t *testing.T) {
	chdirTemp(t)

	s := newTestSession(t, "SN-1")
	assignments := []Assignment{{Session: s, Serial: "SN-1"}}
	agg := aggregator.New(Serials(assignments))
	out, err := output.New(Serials(assignments), aggregator.DefaultLowerBound, aggregator.DefaultUpperBound, time.Now())
	if err != nil {
		t.Fatalf("output.New: %v", err)
	}

	quit := make(chan struct{})
	close(quit)
	orch := New(instantFixture(t), assignments, agg, out, zerolog.Nop(), 1000)
	if err := orch.Run(quit); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := agg.Snapshot()
	if len(snap["SN-1"]) != 0 {
		t.Fatalf("expected no readings once quit was already closed, got %v", snap["SN-1"])
	}
}
