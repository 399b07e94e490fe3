package core

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

var (
	root *log.Logger
	// root with one extra frame for the printf helpers below
	helper *log.Logger
)

func getLogger() *log.Logger {
	once.Do(func() {
		root = log.NewWithOptions(os.Stderr, log.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          "Crude 🎞️ ",
			Level:           log.InfoLevel,
		})
		helper = root.With()
		helper.SetCallerOffset(1)
	})
	return helper
}

// Logger returns the process logger for components that prefer structured
// key/value logging over the printf helpers. Callers are reported as the
// code calling its methods.
func Logger() *log.Logger {
	getLogger()
	return root
}

// SetLogOutput redirects every logger handed out after the call.
func SetLogOutput(w io.Writer) {
	getLogger().SetOutput(w)
	root.SetOutput(w)
}

// SetLogLevel accepts "debug", "info", "warn", "error" and "fatal".
func SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, ErrConfiguration)
	}
	getLogger().SetLevel(lvl)
	root.SetLevel(lvl)
	return nil
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Errorf(msg, args...)
}

func LogFatal(msg string, args ...interface{}) {
	getLogger().Fatalf(msg, args...)
}
