// Package corelog provides the daemon's structured logging facade.
//
// It wraps github.com/joeycumines/logiface with the stumpy JSON backend,
// following the shape of common/logging packages seen across the pack
// (a package-level default logger, a small Level enum, named
// sub-loggers via Clone()). Every component logs through a *Logger
// obtained from this package; nothing in this module calls fmt.Println
// or the log stdlib package directly.
package corelog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout this module.
type Logger = logiface.Logger[*stumpy.Event]

// Level mirrors logiface.Level, narrowed to the subset this daemon uses.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel parses the --log-level flag's textual form.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("corelog: invalid level: %q", s)
}

func (l Level) toLogiface() logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

var (
	mu      sync.RWMutex
	root    *Logger
	initted bool
)

// Init installs the process-wide root logger. Safe to call once at
// startup; defaults to writing LevelInfo-and-above JSON lines to os.Stderr
// if never called (mirrors a nop/default root the way most of the pack's
// logging packages do).
func Init(level Level, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	root = stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
			_, err := w.Write(append(e.Bytes(), '\n'))
			return err
		})),
		stumpy.L.WithLevel(level.toLogiface()),
	)
	initted = true
}

// Root returns the process-wide root logger, lazily defaulting to
// LevelInfo/stderr if Init was never called.
func Root() *Logger {
	mu.RLock()
	r := root
	ok := initted
	mu.RUnlock()
	if ok {
		return r
	}
	Init(LevelInfo, os.Stderr)
	return Root()
}

// Named returns a child logger tagged with a "module" field, the
// convention every component in this daemon uses to identify its log
// lines (activity, clients, alarm, suspend, clock, ipc, diag).
func Named(module string) *Logger {
	return Root().Clone().Str("module", module).Logger()
}
