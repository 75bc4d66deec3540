package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Diagnostics go through the pterm default logger on stderr. Chat lines
// and peer notices are the console renderer's job and never pass
// through here, so lowering the level keeps the conversation readable.

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess marks a completed step such as a relay registration.
func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug shows handshake and envelope traces.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

var levels = map[string]pterm.LogLevel{
	"debug":   pterm.LogLevelDebug,
	"info":    pterm.LogLevelInfo,
	"warn":    pterm.LogLevelWarn,
	"warning": pterm.LogLevelWarn,
	"error":   pterm.LogLevelError,
}

// SetLevel applies the --log-level / log_level setting. An empty name
// keeps the current level.
func SetLevel(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	lvl, ok := levels[name]
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	pterm.DefaultLogger.Level = lvl
	return nil
}
