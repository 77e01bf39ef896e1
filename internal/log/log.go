// Package log provides the module-scoped logger used across the mesh engine,
// modeled on the log.NewModuleLogger(log.Common) convention the components
// were written against.
package log

import (
	"sync"

	"go.uber.org/zap"
)

// Module names passed to NewModuleLogger, one per component.
const (
	Common       = "common"
	Packet       = "packet"
	Peer         = "peer"
	Fragment     = "fragment"
	Security     = "security"
	Noise        = "noise"
	StoreForward = "storeforward"
	Channel      = "channel"
	Handler      = "handler"
	Gossip       = "gossip"
	Relay        = "relay"
	Dispatch     = "dispatch"
	Transport    = "transport"
	Core         = "core"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func rootLogger() *zap.Logger {
	baseOnce.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// SetBase overrides the root zap.Logger used by every module logger. Intended
// for hosts that want JSON logs on stdout, a custom sink, or silence in tests.
func SetBase(l *zap.Logger) {
	base = l
	baseOnce.Do(func() {})
}

// Logger is the key/value structured logger every component calls, matching
// the teacher's logger.Error("msg", "key", val, ...) convention.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewModuleLogger returns a Logger scoped to the named component.
func NewModuleLogger(module string) *Logger {
	return &Logger{sugar: rootLogger().Sugar().With("module", module)}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
