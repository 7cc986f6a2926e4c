// Package logging builds the dual-sink leveled logger every long-running
// run of this program uses: a file under logs/ kept at debug (or trace in
// --debug mode) alongside a console sink kept at info (also trace in
// --debug mode), so the operator's terminal stays readable while the file
// keeps everything.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// levelWriter filters entries below min before handing them to w. It
// implements zerolog.LevelWriter so zerolog.MultiLevelWriter routes each
// entry through WriteLevel instead of an unconditional Write, giving each
// sink its own minimum level from a single logger.
type levelWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (lw levelWriter) Write(p []byte) (int, error) { return lw.w.Write(p) }

func (lw levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// New creates logs/<YYYY-MM-DD_HH.MM>.log and wires it alongside a console
// writer over stdout. File level is debug (trace if debugMode); console
// level is info (trace if debugMode). The returned closer flushes and
// closes the log file and should be deferred by the caller.
func New(debugMode bool, now time.Time) (zerolog.Logger, func() error, error) {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("logging: %w", err)
	}
	name := filepath.Join("logs", now.Format("2006-01-02_15.04")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("logging: %w", err)
	}

	fileLevel := zerolog.DebugLevel
	consoleLevel := zerolog.InfoLevel
	if debugMode {
		fileLevel = zerolog.TraceLevel
		consoleLevel = zerolog.TraceLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	writer := zerolog.MultiLevelWriter(
		levelWriter{w: f, min: fileLevel},
		levelWriter{w: console, min: consoleLevel},
	)

	minLevel := fileLevel
	if consoleLevel < minLevel {
		minLevel = consoleLevel
	}
	log := zerolog.New(writer).Level(minLevel).With().Timestamp().Logger()
	return log, f.Close, nil
}
