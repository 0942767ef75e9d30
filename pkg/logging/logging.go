package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// consoleTimeFormat はコンソール出力時のタイムスタンプ形式。
const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
}

// New は指定レベルのロガーを生成する。
// prettyがtrueの場合は人間向けのコンソール形式、falseの場合はJSON形式で標準出力に書き込む。
func New(level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, pretty)
}

// NewWithWriter は出力先を指定してロガーを生成する。
func NewWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(out).
		Level(ParseLevel(level, zerolog.InfoLevel)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel はログレベル文字列を解釈する。
// 空文字列や未知の値の場合はfallbackを返す。
func ParseLevel(s string, fallback zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return fallback
	}
}

