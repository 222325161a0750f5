package logger

import (
	"io"
	"log/slog"
	"os"
)

type Options struct {
	Debug bool
	JSON  bool
	Out   io.Writer // defaults to stdout
}

// Setup builds the process logger: text for the console, JSON when
// shipped to a collector.
func Setup(opts Options) *slog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	return slog.New(handler)
}
