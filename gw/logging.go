// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package gw

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Logger is a logger. Every subsystem constructor accepts one; all logging
// takes place through it.
type Logger interface {
	slog.Logger
	// SubLogger creates a logger for a child subsystem, named
	// "parent[name]".
	SubLogger(name string) Logger
}

// logger wraps a slog.Logger with what it needs to spawn subloggers.
type logger struct {
	slog.Logger
	name    string
	levels  map[string]slog.Level
	backend *slog.Backend
}

// SubLogger creates a new Logger for the subsystem "name[sub]". The explicit
// level for the combined name is used when configured, otherwise the parent's
// level is inherited.
func (lgr *logger) SubLogger(name string) Logger {
	combined := fmt.Sprintf("%s[%s]", lgr.name, name)
	sub := lgr.backend.Logger(combined)
	if lvl, found := lgr.levels[combined]; found {
		sub.SetLevel(lvl)
	} else {
		sub.SetLevel(lgr.Logger.Level())
	}
	return &logger{
		Logger:  sub,
		name:    combined,
		levels:  lgr.levels,
		backend: lgr.backend,
	}
}

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system
// ("trace", "debug", "info", "warn", "error", "critical") or the verbosity for
// individual subsystems ("WEB=debug,CHAIN=trace").
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, backendOpts(utc)...),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelDebug,
	}

	// When the specified string doesn't have any delimiters, treat it as the
	// log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level %q is invalid", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Split the specified string into subsystem/level pairs and validate.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return nil, fmt.Errorf("the specified debug level contains an invalid subsystem/level pair %q", logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("the specified debug level has an invalid format %q", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("the specified debug level %q is invalid", logLevel)
		}
		lm.Levels[subsysID] = lvl
	}
	return lm, nil
}

func backendOpts(utc bool) []slog.BackendOption {
	if utc {
		return []slog.BackendOption{slog.WithFlags(slog.LUTC)}
	}
	return nil
}

// SetLevelsFromMap sets all logger levels from the levels map, but only
// creates entries for the subsystems that do not already have an explicitly
// configured level.
func (lm *LoggerMaker) SetLevelsFromMap(levels map[string]slog.Level) {
	for name, lvl := range levels {
		if _, found := lm.Levels[name]; !found {
			lm.Levels[name] = lvl
		}
	}
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	} else if explicit, found := lm.Levels[name]; found {
		lvl = explicit
	}
	l := lm.Backend.Logger(name)
	l.SetLevel(lvl)
	return &logger{
		Logger:  l,
		name:    name,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// StdOutLogger returns a Logger with the provided name that writes to stdout
// at the provided level. Intended for tests and tools.
func StdOutLogger(name string, lvl slog.Level, utc bool) Logger {
	backend := slog.NewBackend(stdout{}, backendOpts(utc)...)
	l := backend.Logger(name)
	l.SetLevel(lvl)
	return &logger{
		Logger:  l,
		name:    name,
		levels:  make(map[string]slog.Level),
		backend: backend,
	}
}

type stdout struct{}

func (stdout) Write(p []byte) (int, error) {
	return fmt.Print(string(p))
}
