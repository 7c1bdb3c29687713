package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Init installs z as the process logger.
func Init(z *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	global = z
}

// Logger returns the process logger. Before Init or Setup it returns a
// no-op logger so library code can log unconditionally.
func Logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop().Sugar()
	}
	return global
}

// Setup builds a console logger writing to stderr at the given level and
// installs it. It returns a cleanup func that flushes buffered entries.
func Setup(levelName string) (func(), error) {
	if err := SetLevel(levelName); err != nil {
		return func() {}, err
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z0700")
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	z := zap.New(core, zap.AddCaller())
	zap.ReplaceGlobals(z)
	Init(z.Sugar())

	return func() { _ = z.Sync() }, nil
}

// SetLevel changes the level of a logger created by Setup.
func SetLevel(levelName string) error {
	name := strings.ToLower(strings.TrimSpace(levelName))
	if name == "" {
		name = "info"
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	level.SetLevel(lvl)
	return nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
