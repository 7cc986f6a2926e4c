// command discotest drives the endurance-test rig end to end: it opens
// the fixture, discovers and opens device sessions, cycles the fixture
// and folds one reading per device into a histogram every iteration, and
// persists the running summary until the requested iteration count is
// reached or the operator interrupts.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"discoharness.dev/aggregator"
	"discoharness.dev/discovery"
	"discoharness.dev/fixture"
	"discoharness.dev/internal/logging"
	"discoharness.dev/orchestrator"
	"discoharness.dev/output"
)

const (
	defaultIterations = 10
	// debugIterations is the implicit large iteration count --debug
	// requests when --iterations isn't also given.
	debugIterations = 100_000
)

var (
	debugFlag      = flag.Bool("debug", false, "verbose logging and a large default iteration count")
	manualFlag     = flag.Bool("manual", false, "prompt the operator for a serial when a device reports none")
	iterationsFlag = flag.Int("iterations", 0, "override the iteration count (0 = prompt, or --debug's default)")
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "discotest: positional arguments are not accepted")
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "discotest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, closeLog, err := logging.New(*debugFlag, time.Now())
	if err != nil {
		return err
	}
	defer closeLog()
	log.Info().Bool("debug", *debugFlag).Bool("manual", *manualFlag).Msg("discotest starting")

	quit := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		log.Warn().Msg("termination requested: finishing current motion, then homing and exiting")
		close(quit)
	}()

	fx, err := openFixtureWithRetry(log)
	if err != nil {
		return fmt.Errorf("fixture init: %w", err)
	}
	defer func() {
		log.Info().Msg("homing fixture before exit")
		if err := fx.Close(); err != nil {
			log.Error().Err(err).Msg("error homing fixture")
		}
	}()

	paths, err := discovery.Discover()
	if err != nil {
		return fmt.Errorf("discovering serial devices: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no candidate serial devices found under /dev/serial or /dev/ttyUSB*")
	}
	log.Debug().Strs("paths", paths).Msg("candidate serial devices")

	sessions := orchestrator.OpenSessions(paths, log)
	if len(sessions) == 0 {
		return fmt.Errorf("no device session opened successfully out of %d candidate(s)", len(paths))
	}

	assignments, err := orchestrator.ResolveSerials(sessions, *manualFlag, func() string {
		return promptManualSerial(log)
	})
	if err != nil {
		return err
	}

	iterations := *iterationsFlag
	if iterations <= 0 {
		if *debugFlag {
			iterations = debugIterations
		} else {
			iterations = promptIterations(log)
		}
	}

	serials := orchestrator.Serials(assignments)
	agg := aggregator.New(serials)
	out, err := output.New(serials, aggregator.DefaultLowerBound, aggregator.DefaultUpperBound, time.Now())
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	log.Info().Str("path", out.Path()).Int("devices", len(serials)).Int("iterations", iterations).Msg("run configured")

	orch := orchestrator.New(fx, assignments, agg, out, log, iterations)
	if err := orch.Run(quit); err != nil {
		return err
	}
	log.Info().Msg("run complete")
	return nil
}

// openFixtureWithRetry lets the operator retry a failed fixture init,
// since a transient GPIO contention or a limit switch not yet settled is
// common on a freshly powered rig. Typing "override" stops retrying and
// surfaces the underlying error as fatal rather than proceeding without a
// fixture.
func openFixtureWithRetry(log zerolog.Logger) (*fixture.Fixture, error) {
	stdin := bufio.NewScanner(os.Stdin)
	for {
		fx, err := fixture.New(log)
		if err == nil {
			return fx, nil
		}
		log.Error().Err(err).Msg("fixture initialisation failed")
		fmt.Fprint(os.Stderr, "Fixture initialisation failed! Press enter to try again, or type \"override\" to give up: ")
		if !stdin.Scan() {
			return nil, err
		}
		if strings.Contains(strings.TrimSpace(stdin.Text()), "override") {
			return nil, err
		}
	}
}

// promptManualSerial asks the operator to assign a serial to a device
// that reported none, re-prompting until a non-empty one is entered.
func promptManualSerial(log zerolog.Logger) string {
	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "Device reported no serial. Enter a serial to assign: ")
		if !stdin.Scan() {
			return "unknown"
		}
		serial := strings.TrimSpace(stdin.Text())
		if serial != "" {
			return serial
		}
		log.Warn().Msg("empty serial entered, please try again")
	}
}

// promptIterations asks the operator for an iteration count when neither
// --iterations nor --debug supplied one.
func promptIterations(log zerolog.Logger) int {
	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprintf(os.Stderr, "Iteration count [%d]: ", defaultIterations)
		if !stdin.Scan() {
			return defaultIterations
		}
		text := strings.TrimSpace(stdin.Text())
		if text == "" {
			return defaultIterations
		}
		n, err := strconv.Atoi(text)
		if err != nil || n <= 0 {
			log.Warn().Str("input", text).Msg("iteration count cannot be parsed, please try again")
			continue
		}
		return n
	}
}
