// Package gpio provides typed access to the small set of digital
// input/output lines the fixture needs, plus an edge-triggered interrupt
// primitive, on top of periph's host-agnostic pin registry.
package gpio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Addr identifies a GPIO line by its BCM pin number.
type Addr int

// Fixture wiring, BCM numbering. Each limit switch has a normally-closed
// companion line so a single line's drift can't report a false limit.
const (
	MotorEnable    Addr = 22
	MotorDirection Addr = 27
	Piston         Addr = 25
	RunSwitch      Addr = 10
	UpperLimit     Addr = 23
	UpperLimitNC   Addr = 5
	LowerLimit     Addr = 24
	LowerLimitNC   Addr = 6
)

// ErrUnavailable is returned when a pin cannot be acquired, e.g. because
// the process lacks permission to open the GPIO character device.
var ErrUnavailable = errors.New("gpio: pin unavailable (try running elevated)")

var initOnce struct {
	sync.Once
	err error
}

func ensureHost() error {
	initOnce.Do(func() {
		_, initOnce.err = host.Init()
	})
	return initOnce.err
}

func resolve(addr Addr) (gpio.PinIO, error) {
	if err := ensureHost(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", addr))
	if pin == nil {
		return nil, fmt.Errorf("%w: GPIO%d not found", ErrUnavailable, addr)
	}
	return pin, nil
}

// Output is a digital output line. It tracks the level it last asserted,
// since periph's PinOut has no readback.
type Output struct {
	pin  gpio.PinOut
	low  bool
	name string
}

// AcquireOutputLow acquires addr as an output and immediately drives it low.
func AcquireOutputLow(addr Addr) (*Output, error) {
	pin, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	return newOutputLow(pin)
}

// newOutputLow wraps an already-resolved pin. Split out from
// AcquireOutputLow so tests can drive it with a fake gpio.PinIO instead of
// real hardware.
func newOutputLow(pin gpio.PinOut) (*Output, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Output{pin: pin, low: true, name: pin.Name()}, nil
}

func (o *Output) SetHigh() {
	if err := o.pin.Out(gpio.High); err == nil {
		o.low = false
	}
}

func (o *Output) SetLow() {
	if err := o.pin.Out(gpio.Low); err == nil {
		o.low = true
	}
}

func (o *Output) IsSetLow() bool { return o.low }

func (o *Output) String() string { return o.name }

// Input is a digital input line, pulled down by default so a disconnected
// or NC line reads a stable low rather than floating.
type Input struct {
	pin  gpio.PinIn
	name string
}

// AcquireInputPulldown acquires addr as a pulled-down input.
func AcquireInputPulldown(addr Addr) (*Input, error) {
	pin, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	in, ok := pin.(gpio.PinIn)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an input", ErrUnavailable, pin.Name())
	}
	return newInputPulldown(in)
}

func newInputPulldown(in gpio.PinIn) (*Input, error) {
	if err := in.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Input{pin: in, name: in.Name()}, nil
}

func (i *Input) IsHigh() bool { return i.pin.Read() == gpio.High }
func (i *Input) IsLow() bool  { return i.pin.Read() == gpio.Low }

func (i *Input) String() string { return i.name }

// EdgeCallback is invoked from a dedicated goroutine whenever the watched
// pin settles on a new level.
type EdgeCallback func(level gpio.Level)

// RegisterEdgeInterrupt arms addr for edge detection and runs callback on
// a background goroutine until the returned stop func is called: a pull-up
// input armed for edges, polled with WaitForEdge in a loop.
func RegisterEdgeInterrupt(addr Addr, bothEdges bool, callback EdgeCallback) (stop func(), err error) {
	pin, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	in, ok := pin.(gpio.PinIn)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an input", ErrUnavailable, pin.Name())
	}
	return newEdgeWatcher(in, bothEdges, callback)
}

func newEdgeWatcher(in gpio.PinIn, bothEdges bool, callback EdgeCallback) (stop func(), err error) {
	edge := gpio.FallingEdge
	if bothEdges {
		edge = gpio.BothEdges
	}
	if err := in.In(gpio.PullUp, edge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			// A bounded wait keeps the loop responsive to stop() even on
			// platforms whose driver can't deliver edges promptly.
			if in.WaitForEdge(100 * time.Millisecond) {
				callback(in.Read())
			}
		}
	}()
	return func() { close(done) }, nil
}

// NewOutputForTesting wraps an arbitrary gpio.PinOut (typically a fake) as
// an Output, bypassing pin acquisition. For use by other packages' tests
// that need a Fixture wired to fake hardware.
func NewOutputForTesting(pin gpio.PinOut) (*Output, error) { return newOutputLow(pin) }

// NewInputForTesting wraps an arbitrary gpio.PinIn as an Input, bypassing
// pin acquisition.
func NewInputForTesting(pin gpio.PinIn) (*Input, error) { return newInputPulldown(pin) }

// NewEdgeWatcherForTesting arms an arbitrary gpio.PinIn for edge detection,
// bypassing pin acquisition.
func NewEdgeWatcherForTesting(pin gpio.PinIn, bothEdges bool, callback EdgeCallback) (stop func(), err error) {
	return newEdgeWatcher(pin, bothEdges, callback)
}

// Level re-exports periph's gpio.Level so callers don't need to import
// periph.io/x/conn/v3/gpio directly just to compare against High/Low.
type Level = gpio.Level

const (
	High = gpio.High
	Low  = gpio.Low
)
