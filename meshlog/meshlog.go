// Package meshlog provides the structured, leveled logging every component
// in this module uses instead of ad-hoc fmt/log calls: a log/slog logger
// backed by a terminal handler that colorizes level tags on a tty and falls
// back to plain logfmt otherwise, with optional file rotation.
package meshlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

var levelColor = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgHiBlack),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed, color.Bold),
}

var levelTag = map[slog.Level]string{
	slog.LevelDebug: "DBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "EROR",
}

// Options configures New.
type Options struct {
	// Level is the minimum level logged; defaults to slog.LevelInfo.
	Level slog.Level
	// Writer overrides the destination; defaults to stderr made
	// colorable via go-colorable when it is a terminal.
	Writer io.Writer
	// RotateFile, if set, sends output through a lumberjack.Logger
	// rotating at this path instead of Writer.
	RotateFile string
}

// New builds a component logger. name is attached to every record as the
// "component" field (e.g. "runtime", "mana", "auction") so multi-component
// log streams can be filtered without string parsing.
func New(name string, opts Options) *slog.Logger {
	var w io.Writer
	colorize := false
	switch {
	case opts.RotateFile != "":
		w = &lumberjack.Logger{Filename: opts.RotateFile, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
	case opts.Writer != nil:
		w = opts.Writer
	default:
		w = colorable.NewColorableStderr()
		colorize = isatty.IsTerminal(os.Stderr.Fd())
	}

	handler := &terminalHandler{w: w, level: opts.Level, colorize: colorize}
	return slog.New(handler).With("component", name)
}

// terminalHandler implements slog.Handler with a single-line-per-record
// style: "LVL[time] msg key=val key=val ...", colorizing the level tag
// when attached to a terminal.
type terminalHandler struct {
	mu       sync.Mutex
	w        io.Writer
	level    slog.Level
	colorize bool
	attrs    []slog.Attr
	group    string
}

// Enabled implements slog.Handler.
func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	tag := levelTag[r.Level]
	if tag == "" {
		tag = r.Level.String()
	}
	if h.colorize {
		if c, ok := levelColor[r.Level]; ok {
			tag = c.Sprint(tag)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s] %s", tag, r.Time.Format("01-02|15:04:05.000"), r.Message)

	fields := make(map[string]string)
	for _, a := range h.attrs {
		fields[h.qualify(a.Key)] = fmt.Sprint(a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[h.qualify(a.Key)] = fmt.Sprint(a.Value.Any())
		return true
	})
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, fields[k])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *terminalHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// WithAttrs implements slog.Handler.
func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &terminalHandler{w: h.w, level: h.level, colorize: h.colorize, group: h.group}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

// WithGroup implements slog.Handler.
func (h *terminalHandler) WithGroup(name string) slog.Handler {
	next := &terminalHandler{w: h.w, level: h.level, colorize: h.colorize, attrs: h.attrs}
	if h.group == "" {
		next.group = name
	} else {
		next.group = h.group + "." + name
	}
	return next
}
