package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

// Component loggers. They discard everything until Init is called so that
// library users who never configure logging get no output.
var (
	Root   = zerolog.Nop()
	Store  = zerolog.Nop()
	Engine = zerolog.Nop()
	Remote = zerolog.Nop()
)

// Options for Logger
type Options struct {
	// Enable Debug loglevel, default Info
	LogLevel zerolog.Level
	Type     LoggerType
	// Out receives the log lines, os.Stderr when nil.
	Out io.Writer
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

func Init(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	switch opts.Type {
	case ConsoleLogger:
		Root = zerolog.New(newConsoleWriter(out)).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(out).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}
	Store = Root.With().Str(componentField, "store").Logger()
	Engine = Root.With().Str(componentField, "engine").Logger()
	Remote = Root.With().Str(componentField, "remote").Logger()
}

const componentField = "component"

// newConsoleWriter prints one line per event: time, level, component, the
// message and then the remaining fields as key=value.
//
//	12:04:05.123 DEBUG [store] scan started db=default tx=...
func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			componentField,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{componentField},
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("%-5s", i))
		},
		FormatPartValueByName: func(i interface{}, name string) string {
			if name == componentField && i != nil {
				return fmt.Sprintf("[%s]", i)
			}
			return ""
		},
	}
}
