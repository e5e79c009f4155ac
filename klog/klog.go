// Package klog is the kernel's structured logging facade.
//
// It uses a package-level, swappable global logger design: logging is a
// cross-cutting infrastructure concern, every kernel package shares one
// logger, and the default is a no-op so the kernel never allocates or
// blocks on logging unless a caller opts in with SetLogger.
//
// The logger itself is backed by github.com/joeycumines/logiface, with
// github.com/joeycumines/logiface-slog adapting it onto the standard
// library's log/slog.
package klog

import (
	"log/slog"
	"sync"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
	"github.com/kavionic/pados/kpanic"
)

// Logger is the narrow interface the kernel logs through. Satisfied by
// NopLogger and by the logiface-backed adapter NewSlogLogger returns.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

var global struct {
	sync.RWMutex
	logger Logger
}

func init() {
	global.logger = NopLogger{}
	kpanic.OnPanic(func(msg string) {
		L().Errorf("PANIC: %s", msg)
	})
}

// SetLogger installs the process-wide kernel logger.
func SetLogger(l Logger) {
	global.Lock()
	defer global.Unlock()
	if l == nil {
		l = NopLogger{}
	}
	global.logger = l
}

// L returns the currently installed kernel logger.
func L() Logger {
	global.RLock()
	defer global.RUnlock()
	return global.logger
}

// NopLogger discards everything. It is the default fallback logger.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}

// slogBacked adapts a *logiface.Logger[*islog.Event] to Logger.
type slogBacked struct {
	logger *logiface.Logger[*islog.Event]
}

// NewSlogLogger builds a klog.Logger backed by the given slog.Handler via
// logiface-slog (islog.L.New(islog.L.WithSlogHandler(handler))).
func NewSlogLogger(handler slog.Handler) Logger {
	return slogBacked{logger: islog.L.New(islog.L.WithSlogHandler(handler))}
}

func (s slogBacked) Debugf(format string, args ...any) {
	s.logger.Debug().Logf(format, args...)
}

func (s slogBacked) Infof(format string, args ...any) {
	s.logger.Info().Logf(format, args...)
}

func (s slogBacked) Warnf(format string, args ...any) {
	s.logger.Warning().Logf(format, args...)
}

func (s slogBacked) Errorf(format string, args ...any) {
	s.logger.Err().Logf(format, args...)
}
