package rlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// createHandler builds the slog.Handler for the requested format. "color"
// degrades to plain text when output isn't a terminal, matching how the
// rest of this module never assumes an interactive console.
func createHandler(format string, output io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(output, opts)
	case "color":
		if isTerminal(output) {
			return newColorHandler(output, opts)
		}
		return slog.NewTextHandler(output, opts)
	case "text":
		return slog.NewTextHandler(output, opts)
	default:
		if isTerminal(output) {
			return newColorHandler(output, opts)
		}
		return slog.NewTextHandler(output, opts)
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// colorHandler is a minimal slog.Handler that prints level-colorized
// single-line records; it is not meant to be a complete reimplementation
// of slog.TextHandler, only a readable console format for operators.
type colorHandler struct {
	output io.Writer
	opts   *slog.HandlerOptions
	attrs  []slog.Attr
	group  string
}

func newColorHandler(output io.Writer, opts *slog.HandlerOptions) *colorHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &colorHandler{output: output, opts: opts}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	fmt.Fprintf(&buf, "time=%s level=%s msg=%q",
		r.Time.Format("15:04:05.000"), colorizeLevel(r.Level), r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&buf, " %s=%v", h.prefixed(a.Key), a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&buf, " %s=%v", h.prefixed(a.Key), a.Value)
		return true
	})

	_, err := fmt.Fprintln(h.output, buf.String())
	return err
}

func (h *colorHandler) prefixed(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &colorHandler{output: h.output, opts: h.opts, group: h.group}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	next := &colorHandler{output: h.output, opts: h.opts, attrs: h.attrs}
	if h.group == "" {
		next.group = name
	} else {
		next.group = h.group + "." + name
	}
	return next
}

func colorizeLevel(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return color.CyanString("DEBUG")
	case level < slog.LevelWarn:
		return color.GreenString("INFO")
	case level < slog.LevelError:
		return color.YellowString("WARN")
	default:
		return color.RedString("ERROR")
	}
}
