// Package zerolog adapts rs/zerolog to the logger.Logger interface.
package zerolog

import (
	"os"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// New builds a console logger with the given level ("trace".."error").
// With jsonFormat set, plain JSON lines are emitted instead of the colored
// console layout.
func New(level string, jsonFormat bool) (*Adapter, error) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logMode, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(logMode)

	if jsonFormat {
		logger := log.Output(os.Stdout).With().Timestamp().Logger()
		return &Adapter{&logger}, nil
	}

	output := zerolog.ConsoleWriter{
		Out:             os.Stdout,
		TimeFormat:      time.RFC3339,
		FormatLevel:     formatLevel,
		FormatTimestamp: formatTimestamp,
	}

	logger := log.Output(output).With().Timestamp().Logger()
	return &Adapter{&logger}, nil
}

func formatLevel(i interface{}) string {
	levelStr, ok := i.(string)
	if !ok {
		return term.Whitef("[???]")
	}

	switch levelStr {
	case zerolog.LevelTraceValue:
		return term.Cyanf("[TRC]")
	case zerolog.LevelDebugValue:
		return term.Cyanf("[DBG]")
	case zerolog.LevelInfoValue:
		return term.Greenf("[INF]")
	case zerolog.LevelWarnValue:
		return term.Yellowf("[WRN]")
	case zerolog.LevelErrorValue:
		return term.Redf("[ERR]")
	case zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		return term.Redf("[FTL]")
	default:
		return term.Whitef("[%s]", strings.ToUpper(levelStr))
	}
}

func formatTimestamp(i interface{}) string {
	strTime, ok := i.(string)
	if !ok {
		return term.Cyanf("[%v]", i)
	}

	ts, err := time.ParseInLocation(time.RFC3339, strTime, time.Local)
	if err == nil {
		strTime = ts.In(time.Local).Format("2006-01-02 15:04:05")
	}
	return term.Cyanf("[%s]", strTime)
}
