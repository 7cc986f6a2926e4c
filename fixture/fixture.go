// Package fixture drives the mechanical rig: a motor with two directions,
// redundant limit switches at each end of travel, and a piston that presses
// the device under test's measurement button. Motion is preemptible at
// every poll tick by a runswitch.Guard.
package fixture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"discoharness.dev/gpio"
	"discoharness.dev/runswitch"
)

// Direction is the two travel directions the arm can move.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// State is the fixture's coarse motion state.
type State int

const (
	Uncalibrated State = iota
	Idle
	MovingUp
	MovingDown
	Pressing
	Paused
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Idle:
		return "idle"
	case MovingUp:
		return "moving-up"
	case MovingDown:
		return "moving-down"
	case Pressing:
		return "pressing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

const (
	// PollDelay is how often motion loops re-check the guard and limit
	// switches, and the contractual bound on how quickly motion must stop
	// after the guard blocks.
	PollDelay = 10 * time.Millisecond
	// CalibrationCeiling bounds each calibration phase to 3s of polling.
	CalibrationCeiling = 300
	// UnseatDuration is how long phase (a) backs off the top limit before
	// seeking back up to it, when calibration finds the arm already home.
	UnseatDuration = 500 * time.Millisecond
	// PushButtonDuration is how long the piston is held asserted.
	PushButtonDuration = 250 * time.Millisecond
	// travelSafetyFactor keeps a learned seek from ever driving into the
	// physical stop once travel distance is known.
	travelSafetyFactor = 0.95
)

// ErrGpioUnavailable is returned from New when any required pin, or the
// run-switch interrupt, cannot be acquired.
var ErrGpioUnavailable = gpio.ErrUnavailable

// ErrCalibrationFailed is returned from New when a calibration phase
// exhausts CalibrationCeiling polls without reaching its target limit.
var ErrCalibrationFailed = errors.New("fixture: calibration timed out")

// Fixture owns the arm's motor and limit-switch lines plus the learned
// travel distance between them.
type Fixture struct {
	motorEnable    *gpio.Output
	motorDirection *gpio.Output
	piston         *gpio.Output
	upperLimit     *gpio.Input
	upperLimitNC   *gpio.Input
	lowerLimit     *gpio.Input
	lowerLimitNC   *gpio.Input

	guard *runswitch.Guard
	stop  func()
	log   zerolog.Logger

	mu             sync.Mutex
	state          State
	travelDistance int
}

// New acquires all fixture pins, arms the run-switch interrupt, and
// self-calibrates travel distance. Any pin acquisition failure is
// ErrGpioUnavailable; a calibration timeout is ErrCalibrationFailed.
func New(log zerolog.Logger) (*Fixture, error) {
	enable, err := gpio.AcquireOutputLow(gpio.MotorEnable)
	if err != nil {
		return nil, err
	}
	direction, err := gpio.AcquireOutputLow(gpio.MotorDirection)
	if err != nil {
		return nil, err
	}
	piston, err := gpio.AcquireOutputLow(gpio.Piston)
	if err != nil {
		return nil, err
	}
	upper, err := gpio.AcquireInputPulldown(gpio.UpperLimit)
	if err != nil {
		return nil, err
	}
	upperNC, err := gpio.AcquireInputPulldown(gpio.UpperLimitNC)
	if err != nil {
		return nil, err
	}
	lower, err := gpio.AcquireInputPulldown(gpio.LowerLimit)
	if err != nil {
		return nil, err
	}
	lowerNC, err := gpio.AcquireInputPulldown(gpio.LowerLimitNC)
	if err != nil {
		return nil, err
	}

	guard := runswitch.New()
	stop, err := gpio.RegisterEdgeInterrupt(gpio.RunSwitch, true, func(level gpio.Level) {
		if level == gpio.Low {
			guard.Block()
		} else {
			guard.Allow()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("run-switch interrupt: %w", err)
	}

	f := newFixture(enable, direction, piston, upper, upperNC, lower, lowerNC, guard, stop, log)
	if err := f.calibrate(nil); err != nil {
		stop()
		return nil, err
	}
	return f, nil
}

func newFixture(enable, direction, piston *gpio.Output, upper, upperNC, lower, lowerNC *gpio.Input, guard *runswitch.Guard, stop func(), log zerolog.Logger) *Fixture {
	return &Fixture{
		motorEnable:    enable,
		motorDirection: direction,
		piston:         piston,
		upperLimit:     upper,
		upperLimitNC:   upperNC,
		lowerLimit:     lower,
		lowerLimitNC:   lowerNC,
		guard:          guard,
		stop:           stop,
		log:            log,
		state:          Uncalibrated,
	}
}

// upperAsserted and lowerAsserted require agreement between the active-high
// sensor and its normally-closed companion, guarding against a single
// line's drift reporting a false limit.
func (f *Fixture) upperAsserted() bool { return f.upperLimit.IsHigh() && f.upperLimitNC.IsLow() }
func (f *Fixture) lowerAsserted() bool { return f.lowerLimit.IsHigh() && f.lowerLimitNC.IsLow() }

func (f *Fixture) targetAsserted(dir Direction) bool {
	if dir == Up {
		return f.upperAsserted()
	}
	return f.lowerAsserted()
}

func (f *Fixture) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// State reports the fixture's current coarse motion state.
func (f *Fixture) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// calibrate learns travelDistance by timing seeks to each limit: reset to
// top, unseating first if already home; measure the down seek; measure the
// up seek. travelDistance is the smaller of the two.
func (f *Fixture) calibrate(quit <-chan struct{}) error {
	if f.upperAsserted() {
		f.motorDirection.SetLow()
		f.motorEnable.SetHigh()
		sleepOrQuit(UnseatDuration, quit)
		f.motorEnable.SetLow()
	}
	if _, reached := f.seek(Up, CalibrationCeiling, quit); !reached {
		return fmt.Errorf("%w: reset to top", ErrCalibrationFailed)
	}

	downPolls, reached := f.seek(Down, CalibrationCeiling, quit)
	if !reached {
		return fmt.Errorf("%w: measuring down travel", ErrCalibrationFailed)
	}
	upPolls, reached := f.seek(Up, CalibrationCeiling, quit)
	if !reached {
		return fmt.Errorf("%w: measuring up travel", ErrCalibrationFailed)
	}

	travel := downPolls
	if upPolls < travel {
		travel = upPolls
	}
	f.mu.Lock()
	f.travelDistance = travel
	f.state = Idle
	f.mu.Unlock()
	f.log.Debug().Int("travel_distance", travel).Msg("fixture calibrated")
	return nil
}

// GotoLimit drives the fixture to direction's terminal limit, bounded by
// the learned travel distance scaled by the safety factor. It reports
// whether the limit was reached; a false result is a FixtureStuck warning
// condition the caller should log but treat as non-fatal.
func (f *Fixture) GotoLimit(dir Direction, quit <-chan struct{}) bool {
	f.mu.Lock()
	ceiling := int(float64(f.travelDistance) * travelSafetyFactor)
	f.mu.Unlock()

	if dir == Up {
		f.setState(MovingUp)
	} else {
		f.setState(MovingDown)
	}
	_, reached := f.seek(dir, ceiling, quit)
	f.setState(Idle)
	return reached
}

// seek is the motion primitive shared by calibration and normal seeks:
// short-circuit if already at the target, wait for the guard, then drive
// the motor, polling every PollDelay for the limit or a guard transition,
// for up to ceiling ticks. The tie-break runs before the guard wait: it
// never energises the motor, so a blocked guard must not stall it.
func (f *Fixture) seek(dir Direction, ceiling int, quit <-chan struct{}) (polls int, reached bool) {
	if f.targetAsserted(dir) {
		return 0, true
	}
	if !f.guard.WaitAllowed(quit) {
		return 0, false
	}

	if dir == Up {
		f.motorDirection.SetHigh()
	} else {
		f.motorDirection.SetLow()
	}
	f.motorEnable.SetHigh()

	for polls = 0; polls < ceiling; polls++ {
		select {
		case <-quit:
			f.motorEnable.SetLow()
			return polls, false
		default:
		}

		if !f.guard.Allowed() {
			f.motorEnable.SetLow()
			f.setState(Paused)
			if !f.guard.WaitAllowed(quit) {
				return polls, false
			}
			if dir == Up {
				f.setState(MovingUp)
			} else {
				f.setState(MovingDown)
			}
			f.motorEnable.SetHigh()
		}

		if f.targetAsserted(dir) {
			f.motorEnable.SetLow()
			return polls, true
		}
		time.Sleep(PollDelay)
	}
	f.motorEnable.SetLow()
	return polls, f.targetAsserted(dir)
}

// PushButton asserts the piston for PushButtonDuration then releases it.
func (f *Fixture) PushButton(quit <-chan struct{}) {
	f.setState(Pressing)
	f.piston.SetHigh()
	sleepOrQuit(PushButtonDuration, quit)
	f.piston.SetLow()
	f.setState(Idle)
}

// Close homes the arm to the upper limit and tears down the run-switch
// interrupt. Always called before process exit so the rig is left in a
// known position.
func (f *Fixture) Close() error {
	f.seek(Up, CalibrationCeiling, nil)
	f.setState(Idle)
	if f.stop != nil {
		f.stop()
	}
	return nil
}

// NewForTesting builds a Fixture from already-constructed gpio handles and
// guard, bypassing pin acquisition and interrupt registration, and runs
// calibration against them. stop may be nil. For use by other packages'
// tests that wire the fixture to fake hardware.
func NewForTesting(enable, direction, piston *gpio.Output, upper, upperNC, lower, lowerNC *gpio.Input, guard *runswitch.Guard, stop func(), log zerolog.Logger, quit <-chan struct{}) (*Fixture, error) {
	f := newFixture(enable, direction, piston, upper, upperNC, lower, lowerNC, guard, stop, log)
	if err := f.calibrate(quit); err != nil {
		return nil, err
	}
	return f, nil
}

func sleepOrQuit(d time.Duration, quit <-chan struct{}) {
	if quit == nil {
		time.Sleep(d)
		return
	}
	select {
	case <-time.After(d):
	case <-quit:
	}
}
