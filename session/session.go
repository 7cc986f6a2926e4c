// Package session owns one serial port talking WACP to a single disco: it
// performs the rendezvous handshake once at open, then answers repeated
// temperature requests for the rest of the run.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"discoharness.dev/wacp"
)

const (
	// BaudRate and ReadTimeout are the disco's fixed serial parameters.
	BaudRate    = 115200
	ReadTimeout = 500 * time.Millisecond

	// maxFrame comfortably bounds the largest response (147 bytes) plus
	// any protocol noise without growing unbounded on a misbehaving port.
	maxFrame = 4096

	// maxReadTemperatureRetries bounds the "calculation incomplete" retry
	// loop.
	maxReadTemperatureRetries = 4
)

// ErrOpenFailed wraps any I/O failure during port-open or handshake.
var ErrOpenFailed = errors.New("session: open failed")

type flusher interface {
	Flush() error
}

// Session is single-threaded: exactly one worker goroutine owns it for the
// duration of a run. The mutex exists to make that contract explicit and
// catch accidental concurrent use rather than to support it.
type Session struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	serial string
	log    zerolog.Logger
}

// Open dials path at the disco's fixed baud/timeout, performs the two-part
// rendezvous handshake discarding both replies, then requests and decodes
// the device serial. Any I/O failure yields a nil Session; a successfully
// opened port whose serial can't be decoded still yields a Session, with
// Serial() reporting "unknown".
func Open(path string, log zerolog.Logger) (*Session, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        BaudRate,
		ReadTimeout: ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}
	s, err := newSession(port, log)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// OpenForTesting performs the same handshake against an already-open
// io.ReadWriteCloser, bypassing real port dialing. For use by other
// packages' tests wired to a fake WACP-speaking device.
func OpenForTesting(port io.ReadWriteCloser, log zerolog.Logger) (*Session, error) {
	return newSession(port, log)
}

func newSession(port io.ReadWriteCloser, log zerolog.Logger) (*Session, error) {
	if _, err := port.Write(wacp.InitPt1); err != nil {
		return nil, fmt.Errorf("%w: init pt1: %v", ErrOpenFailed, err)
	}
	readAvailable(port)
	if _, err := port.Write(wacp.InitPt2); err != nil {
		return nil, fmt.Errorf("%w: init pt2: %v", ErrOpenFailed, err)
	}
	readAvailable(port)

	if _, err := port.Write(wacp.RequestSerial); err != nil {
		return nil, fmt.Errorf("%w: request_serial: %v", ErrOpenFailed, err)
	}
	resp := readAvailable(port)
	id := wacp.DecodeSerial(resp, log)
	if id == wacp.InvalidSerial || id == "" {
		id = "unknown"
	}
	return &Session{port: port, serial: id, log: log}, nil
}

// Serial returns the cached device identifier; successive calls are
// guaranteed to return the identical string, since it is set once at Open.
func (s *Session) Serial() string { return s.serial }

// ReadTemperature requests a reading and decodes it, retrying while the
// disco reports "calculation incomplete" (status 0x80), making at most
// maxReadTemperatureRetries attempts in all. A non-nil error wrapping
// wacp.ErrUnsafeVersion means the caller should treat this as fatal; any
// other non-nil error means the reading should be discarded for this
// iteration only.
func (s *Session) ReadTemperature() (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxReadTemperatureRetries; attempt++ {
		if _, err := s.port.Write(wacp.RequestTemp); err != nil {
			return 0, fmt.Errorf("session %s: write request_temp: %w", s.serial, err)
		}
		if f, ok := s.port.(flusher); ok {
			_ = f.Flush()
		}
		time.Sleep(ReadTimeout)
		resp := readAvailable(s.port)

		celsius, err := wacp.DecodeTemperature(resp, s.log)
		if err == nil {
			return celsius, nil
		}
		if errors.Is(err, wacp.ErrIncomplete) {
			lastErr = err
			s.log.Debug().Str("serial", s.serial).Int("attempt", attempt).Msg("session: measurement incomplete, retrying")
			continue
		}
		return 0, err
	}
	return 0, fmt.Errorf("session %s: calculation incomplete after %d attempts: %w", s.serial, maxReadTemperatureRetries, lastErr)
}

// Close releases the underlying port.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// readAvailable reads whatever arrives before the port's read timeout
// elapses: a zero-length read or any error ends the accumulation.
func readAvailable(r io.Reader) []byte {
	chunk := make([]byte, maxFrame)
	var out []byte
	for len(out) < maxFrame {
		n, err := r.Read(chunk)
		if n > 0 {
			out = append(out, chunk[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return out
}
