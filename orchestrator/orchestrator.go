// Package orchestrator drives one endurance run: per iteration it cycles
// the fixture, fans a temperature request out across every open device
// session, folds the results into the aggregator, and persists a snapshot
// before moving to the next iteration.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"discoharness.dev/aggregator"
	"discoharness.dev/fixture"
	"discoharness.dev/output"
	"discoharness.dev/session"
	"discoharness.dev/wacp"
)

// ErrUnknownSerial marks one or more opened sessions whose handshake
// didn't yield a usable serial, with manual assignment unavailable.
var ErrUnknownSerial = errors.New("orchestrator: device reported no serial")

// ManualAssign is consulted once per unresolved session when manual
// assignment is enabled (the --manual flag), standing in for an operator
// typing a serial at a prompt.
type ManualAssign func() string

// OpenSessions dials every candidate path concurrently, one goroutine per
// path, and returns every session that opened successfully. A failed open
// is logged and the device is simply absent from the result: losing one
// device is non-fatal for the run as a whole.
func OpenSessions(paths []string, log zerolog.Logger) []*session.Session {
	type result struct {
		s    *session.Session
		err  error
		path string
	}
	results := make(chan result, len(paths))
	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			s, err := session.Open(path, log)
			results <- result{s: s, err: err, path: path}
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var sessions []*session.Session
	for r := range results {
		if r.err != nil {
			log.Warn().Err(r.err).Str("path", r.path).Msg("orchestrator: session open failed, dropping device")
			continue
		}
		sessions = append(sessions, r.s)
	}
	return sessions
}

// Assignment pairs an opened session with the serial it is keyed under in
// the aggregator and output file: either its own decoded serial, or one
// supplied by ManualAssign.
type Assignment struct {
	Session *session.Session
	Serial  string
}

// ResolveSerials pairs every session with its effective serial. A session
// whose handshake didn't produce one (session.Serial() == "unknown") is
// unresolved; with manual disabled any unresolved device makes the whole
// run fail fast rather than silently mislabel readings.
func ResolveSerials(sessions []*session.Session, manual bool, assign ManualAssign) ([]Assignment, error) {
	assignments := make([]Assignment, len(sessions))
	var unresolved int
	for i, s := range sessions {
		serial := s.Serial()
		if serial == "unknown" {
			unresolved++
			if manual {
				serial = assign()
			}
		}
		assignments[i] = Assignment{Session: s, Serial: serial}
	}
	if unresolved > 0 && !manual {
		return nil, fmt.Errorf("%w: %d of %d device(s)", ErrUnknownSerial, unresolved, len(sessions))
	}
	return assignments, nil
}

// Serials extracts the serial half of each assignment, in the same
// order, for constructing the aggregator and output file.
func Serials(assignments []Assignment) []string {
	out := make([]string, len(assignments))
	for i, a := range assignments {
		out[i] = a.Serial
	}
	return out
}

// Orchestrator ties the fixture, the resolved device sessions, the
// aggregator, and the output file together for one run.
type Orchestrator struct {
	fixture     *fixture.Fixture
	assignments []Assignment
	agg         *aggregator.Aggregator
	out         *output.File
	log         zerolog.Logger
	iterations  int
}

// New builds an Orchestrator for a run of iterations cycles.
func New(fx *fixture.Fixture, assignments []Assignment, agg *aggregator.Aggregator, out *output.File, log zerolog.Logger, iterations int) *Orchestrator {
	return &Orchestrator{
		fixture:     fx,
		assignments: assignments,
		agg:         agg,
		out:         out,
		log:         log,
		iterations:  iterations,
	}
}

// Run executes the per-iteration loop: check for termination, cycle the
// fixture, fan a read out across every session, fold results into the
// aggregator, and persist. It
// returns nil as soon as quit closes, having finished whichever motion
// primitive was already underway; there is no mid-motion cancellation
// beyond the run-switch itself. A read failing with wacp.ErrUnsafeVersion
// aborts the whole run instead of recording a sentinel.
func (o *Orchestrator) Run(quit <-chan struct{}) error {
	for i := 0; i < o.iterations; i++ {
		if quitClosed(quit) {
			return nil
		}

		if !o.fixture.GotoLimit(fixture.Up, nil) {
			o.log.Warn().Int("iteration", i).Msg("orchestrator: fixture stuck short of upper limit")
		}
		if quitClosed(quit) {
			return nil
		}
		if !o.fixture.GotoLimit(fixture.Down, nil) {
			o.log.Warn().Int("iteration", i).Msg("orchestrator: fixture stuck short of lower limit")
		}
		if quitClosed(quit) {
			return nil
		}
		o.fixture.PushButton(nil)

		var wg sync.WaitGroup
		fatal := make(chan error, len(o.assignments))
		for _, a := range o.assignments {
			wg.Add(1)
			go func(a Assignment) {
				defer wg.Done()
				v, err := a.Session.ReadTemperature()
				if err != nil {
					if errors.Is(err, wacp.ErrUnsafeVersion) {
						fatal <- err
						return
					}
					o.log.Warn().Err(err).Str("device", a.Serial).Msg("orchestrator: read failed, recording sentinel")
					o.agg.Add(a.Serial, aggregator.ReadFailureSentinel)
					return
				}
				o.agg.Add(a.Serial, v)
			}(a)
		}
		wg.Wait()
		select {
		case err := <-fatal:
			return fmt.Errorf("orchestrator: halting run: %w", err)
		default:
		}

		if err := o.out.Write(o.agg.Snapshot()); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
	}
	return nil
}

func quitClosed(quit <-chan struct{}) bool {
	select {
	case <-quit:
		return true
	default:
		return false
	}
}
