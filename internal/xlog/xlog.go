// Package xlog provides the small set of purpose-named, colorized loggers
// used across the bridge, the way the teacher's utils.DebugLog and
// utils.ReassemblyLog split logging by concern rather than using one
// global logger.
package xlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/mgutz/ansi"
)

var (
	debugColor = ansi.ColorFunc("cyan")
	infoColor  = ansi.ColorFunc("green")
	warnColor  = ansi.ColorFunc("yellow")
	errColor   = ansi.ColorFunc("red+b")
)

// Logger is a named, leveled logger writing to a shared destination.
type Logger struct {
	name    string
	mu      sync.Mutex
	out     *log.Logger
	verbose bool
}

// New creates a named logger writing to w (os.Stderr if w is nil).
func New(name string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{name: name, out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// SetVerbose toggles whether Debugf output is emitted.
func (l *Logger) SetVerbose(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = v
}

func (l *Logger) printf(tag, color string, colorFn func(string) string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] %s", colorFn(tag), l.name, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.mu.Lock()
	v := l.verbose
	l.mu.Unlock()
	if !v {
		return
	}
	l.printf("DEBUG", "cyan", debugColor, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.printf("INFO", "green", infoColor, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.printf("WARN", "yellow", warnColor, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.printf("ERROR", "red", errColor, format, args...)
}

// VerboseEnabled reports whether Debugf/Dump output is currently active,
// letting a caller skip expensive diagnostics (e.g. a syscall) entirely.
func (l *Logger) VerboseEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// Dump spews a value at debug verbosity, mirroring the teacher's
// spew.Dump(...) calls on assembly-timeout diagnostics.
func (l *Logger) Dump(label string, v interface{}) {
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("[%s] %s:\n%s", l.name, label, spew.Sdump(v))
}

// The per-concern loggers used throughout the bridge.
var (
	Link      = New("link", nil)
	PPP       = New("ppp", nil)
	TCP       = New("tcp", nil)
	Proxy     = New("proxy", nil)
	Forwarder = New("fwd", nil)
	Bridge    = New("bridge", nil)
)

// SetVerboseAll toggles debug verbosity on every package logger.
func SetVerboseAll(v bool) {
	for _, l := range []*Logger{Link, PPP, TCP, Proxy, Forwarder, Bridge} {
		l.SetVerbose(v)
	}
}
