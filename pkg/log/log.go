// Package log provides structured logging for relaymesh using zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger
)

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	// Component tags every line emitted by this process with its role
	// (discovery, publisher, subscriber, broker) and, when Level is left
	// empty, picks that role's own default verbosity instead of a single
	// blanket default: Discovery and Broker are control-plane processes
	// worth seeing at InfoLevel, while Publisher and Subscriber drive a
	// per-tick data-plane loop that is noisy at Info and default to Warn.
	Component  string
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// componentDefaultLevel is the fallback level used when Level is left
// unset for a given component.
var componentDefaultLevel = map[string]Level{
	"discovery":  InfoLevel,
	"broker":     InfoLevel,
	"publisher":  WarnLevel,
	"subscriber": WarnLevel,
}

// Init initializes the global logger.
func Init(cfg Config) {
	cfgLevel := cfg.Level
	if cfgLevel == "" {
		if def, ok := componentDefaultLevel[cfg.Component]; ok {
			cfgLevel = def
		} else {
			cfgLevel = InfoLevel
		}
	}

	var level zerolog.Level
	switch cfgLevel {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	if cfg.Component != "" {
		base = base.With().Str("component", cfg.Component).Logger()
	}
	Logger = base
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTopic creates a child logger tagged with a topic.
func WithTopic(topic string) zerolog.Logger {
	return Logger.With().Str("topic", topic).Logger()
}

// WithPubID creates a child logger tagged with a publisher id.
func WithPubID(id string) zerolog.Logger {
	return Logger.With().Str("pub_id", id).Logger()
}

// WithSubID creates a child logger tagged with a subscriber id.
func WithSubID(id string) zerolog.Logger {
	return Logger.With().Str("sub_id", id).Logger()
}

// WithMode creates a child logger tagged with the dissemination mode.
func WithMode(mode string) zerolog.Logger {
	return Logger.With().Str("mode", mode).Logger()
}

// Helper functions for common logging patterns.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
