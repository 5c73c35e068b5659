// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package opkit

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that produces no output. Packages use it as the
// default for their package-level log variable until UseLogger is called.
var Disabled = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system:
// "trace", "debug", "info", "warn", "error", "critical", "off". Or the string
// can specify a different verbosity for individual subsystems, separating
// subsystem=level pairs with commas, e.g. "POOL=trace,BNDL=debug".
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, backendFlags(utc)...),
		DefaultLevel: slog.LevelDebug,
		Levels:       make(map[string]slog.Level),
	}

	if debugLevel == "" {
		return lm, nil
	}

	// When the specified string doesn't have any delimiters, treat it as the
	// log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level [%v] is invalid", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Split the specified string into subsystem/level pairs and validate.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return nil, fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%v]", logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("the specified debug level has an invalid format [%v]", logLevelPair)
		}
		subsys, logLevel := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level [%v] is invalid", logLevel)
		}
		lm.Levels[subsys] = lvl
	}

	return lm, nil
}

func backendFlags(utc bool) []slog.BackendOption {
	if utc {
		return []slog.BackendOption{slog.WithFlags(slog.LUTC)}
	}
	return nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// Logger creates a new Logger for the subsystem with the given name, using the
// level registered for the subsystem, or DefaultLevel if none was registered.
func (lm *LoggerMaker) Logger(name string) Logger {
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lm.bestLevel(name))
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// bestLevel takes a hierarchical list of logger names, least important to most
// important, and returns the best log level found in the Levels map, else the
// default.
func (lm *LoggerMaker) bestLevel(lvls ...string) slog.Level {
	lvl := lm.DefaultLevel
	for _, l := range lvls {
		lev, found := lm.Levels[l]
		if found {
			lvl = lev
		}
	}
	return lvl
}

// StdOutLogger creates a Logger with the provided name and level, printing to
// standard out.
func StdOutLogger(name string, lvl slog.Level, utc bool) Logger {
	backend := slog.NewBackend(os.Stdout, backendFlags(utc)...)
	logger := backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
