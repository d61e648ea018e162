package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

var GLogger *Logger

// Logger writes human readable progress lines to the console and, when a debug
// writer is given, every debug line to it with the time elapsed since the previous one.
type Logger struct {
	console *slog.Logger
	debug   *slog.Logger
	all     *slog.Logger

	writers []io.Writer

	mu             sync.Mutex
	debugStartTime time.Time
}

type LoggerOptions struct {
	Level slog.Level
	// "text" or "json"
	Format string
}

func NewLogger(consoleWriter io.Writer, debugWriter io.Writer, options LoggerOptions) (*Logger, error) {
	if consoleWriter == nil {
		consoleWriter = os.Stdout
	}
	consoleHandler, err := newHandler(consoleWriter, options.Format, options.Level)
	if err != nil {
		return nil, err
	}
	result := &Logger{
		console: slog.New(consoleHandler),
		writers: []io.Writer{consoleWriter},
	}
	handlers := []slog.Handler{consoleHandler}
	if debugWriter != nil {
		debugHandler, err := newHandler(debugWriter, options.Format, slog.LevelDebug)
		if err != nil {
			return nil, err
		}
		result.debug = slog.New(debugHandler)
		result.writers = append(result.writers, debugWriter)
		handlers = append(handlers, debugHandler)
	}
	result.all = slog.New(slogmulti.Fanout(handlers...))
	return result, nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	handlerOptions := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, handlerOptions), nil
	case "json":
		return slog.NewJSONHandler(w, handlerOptions), nil
	}
	return nil, fmt.Errorf("unknown log format \"%s\", expected \"text\" or \"json\"", format)
}

func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level \"%s\": %w", s, err)
	}
	return level, nil
}

// Slog returns the fan-out logger, so structured records reach both the console and the debug file.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.all == nil {
		return slog.Default()
	}
	return l.all
}

func (l *Logger) ConsolePrintf(format string, v ...any) {
	if l == nil {
		return
	}
	l.all.Info(fmt.Sprintf(format, v...))
}

func (l *Logger) ConsoleFatal(v ...any) {
	if l == nil {
		fmt.Fprintln(os.Stderr, v...)
		os.Exit(1)
	}
	l.all.Log(context.Background(), slog.LevelError, fmt.Sprint(v...))
	l.Close()
	os.Exit(1)
}

func (l *Logger) DebugPrintf(format string, v ...any) {
	if l == nil || l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, v...)
	if !l.debugStartTime.IsZero() {
		l.debug.Debug(msg, slog.Float64("elapsed_secs", time.Since(l.debugStartTime).Seconds()))
	} else {
		l.debug.Debug(msg)
	}
	l.debugStartTime = time.Now()
}

func (l *Logger) Close() {
	if l == nil {
		return
	}
	for _, w := range l.writers {
		if f, ok := w.(*os.File); ok && f != os.Stdout && f != os.Stderr {
			f.Close()
		}
	}
}
