// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

// New returns a logger writing to w at level. Format "json" emits one JSON
// object per line; anything else uses a human-readable console layout with
// coloured levels. An unknown level falls back to info.
func New(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{
			Out:         w,
			TimeFormat:  "2006-01-02T15:04:05",
			FormatLevel: formatLevel,
		}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func formatLevel(i interface{}) string {
	raw, _ := i.(string)
	label := strings.ToUpper(raw)
	if label == "" {
		label = "???"
	}
	switch raw {
	case zerolog.LevelTraceValue, zerolog.LevelDebugValue:
		label = color.MagentaString("%-5s", label)
	case zerolog.LevelInfoValue:
		label = color.BlueString("%-5s", label)
	case zerolog.LevelWarnValue:
		label = color.YellowString("%-5s", label)
	case zerolog.LevelErrorValue:
		label = color.RedString("%-5s", label)
	case zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		label = color.HiRedString("%-5s", label)
	default:
		label = fmt.Sprintf("%-5s", label)
	}
	return "| " + label + " |"
}

// Since returns a duration field value in milliseconds for request logs.
func Since(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
