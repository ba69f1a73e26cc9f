// Package slog is the leveled logger used across signet. Every package
// declares its own printers with
//
//	var log, chk = slog.New(os.Stderr)
//
// and guards error returns with chk.E(err), which prints the error with the
// source location of the failure and reports whether it was non-nil.
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

// LevelNames are the strings accepted by SetLogLevelString, indexed by level.
var LevelNames = []string{"off", "fatal", "error", "warn", "info", "debug", "trace"}

type (
	// Ln prints lists of interfaces with spaces in between
	Ln func(a ...interface{})
	// F prints like fmt.Println surrounded by log details
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice
	S func(a ...interface{})
	// C accepts a function so that the extra computation can be avoided if it is
	// not being viewed
	C func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Err is a pass-through function that uses fmt.Errorf to construct an error
	// and returns the error after printing it to the log
	Err func(format string, a ...interface{}) error

	// LevelPrinter is the set of printers for one level.
	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}
	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...interface{}) string
	}
)

var (
	currentLevel atomic.Int32
	// NoTimestamp suppresses the timestamp prefix, tests use it to keep output
	// compact.
	NoTimestamp atomic.Bool
	// LevelSpecs specifies the id, string name and color-printing function
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
)

func init() {
	currentLevel.Store(Info)
	switch strings.ToUpper(os.Getenv("GODEBUG")) {
	case "1", "TRUE", "ON", "DEBUG":
		SetLogLevel(Debug)
	case "TRACE":
		SetLogLevel(Trace)
	case "INFO":
		SetLogLevel(Info)
	case "WARN":
		SetLogLevel(Warn)
	case "ERROR":
		SetLogLevel(Error)
	case "FATAL":
		SetLogLevel(Fatal)
	case "0", "OFF", "FALSE":
		SetLogLevel(Off)
	}
}

// Log is a set of log printers for the various Level items.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

// Check is the set of error checkers, one per level.
type Check struct {
	F, E, W, I, D, T Chk
}

func JoinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func enabled(l int32) bool { return currentLevel.Load() >= l }

func print(writer io.Writer, l int32, text string) {
	var ts string
	if !NoTimestamp.Load() {
		ts = time.Now().Format("15:04:05.000 ")
	}
	fmt.Fprintf(writer,
		"%s%s %s %s\n",
		ts,
		LevelSpecs[l].Colorizer(LevelSpecs[l].Name),
		text,
		GetLoc(3),
	)
}

func GetPrinter(l int32, writer io.Writer) LevelPrinter {
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if !enabled(l) {
				return
			}
			print(writer, l, JoinStrings(a...))
		},
		F: func(format string, a ...interface{}) {
			if !enabled(l) {
				return
			}
			print(writer, l, fmt.Sprintf(format, a...))
		},
		S: func(a ...interface{}) {
			if !enabled(l) {
				return
			}
			print(writer, l, spew.Sdump(a...))
		},
		C: func(closure func() string) {
			if !enabled(l) {
				return
			}
			print(writer, l, closure())
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if enabled(l) {
				print(writer, l, e.Error())
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			if enabled(l) {
				print(writer, l, fmt.Sprintf(format, a...))
			}
			return fmt.Errorf(format, a...)
		},
	}
}

func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: GetPrinter(Fatal, writer),
		E: GetPrinter(Error, writer),
		W: GetPrinter(Warn, writer),
		I: GetPrinter(Info, writer),
		D: GetPrinter(Debug, writer),
		T: GetPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

func SetLogLevel(l int) {
	if l < Off {
		l = Off
	}
	if l > Trace {
		l = Trace
	}
	currentLevel.Store(int32(l))
}

// SetLogLevelString sets the level from its name, which can be truncated down
// to its first letter as these are unique. Unknown names leave the level alone.
func SetLogLevelString(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	for i, n := range LevelNames {
		if strings.HasPrefix(n, name) {
			SetLogLevel(i)
			return
		}
	}
}

func GetLogLevel() (l int) {
	return int(currentLevel.Load())
}

func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	output = color.Bit24(0, 128, 255, false).Sprint(
		file, ":", line,
	)
	return
}
