// Package console renders log records as short status lines for humans.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	debugStyle = lipgloss.NewStyle().Faint(true)
	nameStyle  = lipgloss.NewStyle().Bold(true)
	attrStyle  = lipgloss.NewStyle().Faint(true)
)

// ShouldUseColor reports whether output to f should carry ANSI colours.
// NO_COLOR disables colour, CLICOLOR=0 too, CLICOLOR_FORCE enables it,
// otherwise colour is used only on a terminal.
func ShouldUseColor(f *os.File) bool {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if _, exists := os.LookupEnv("CLICOLOR_FORCE"); exists {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

// HandlerOptions configures a Handler
type HandlerOptions struct {
	Level slog.Leveler
	Color bool

	// Verbose also prints the run id attached to every run's records
	Verbose bool
}

// Handler is a slog.Handler printing one status line per record:
//
//	✔ server: started pid=4242
//	! build: task is already running pid=17
//	✖ lint: lint exited with code 2
type Handler struct {
	mu   *sync.Mutex
	w    io.Writer
	opts HandlerOptions

	task   string
	attrs  []slog.Attr
	prefix string
}

// NewHandler creates a handler writing to w
func NewHandler(w io.Writer, opts *HandlerOptions) *Handler {
	h := &Handler{mu: &sync.Mutex{}, w: w}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	task := h.task
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && a.Key == "task" {
			task = a.Value.String()
			return true
		}
		attrs = append(attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
		return true
	})

	var b strings.Builder
	b.WriteString(h.render(symbolStyle(r.Level), symbol(r.Level)))
	b.WriteByte(' ')
	if task != "" {
		b.WriteString(h.render(nameStyle, task))
		b.WriteString(": ")
	}
	b.WriteString(r.Message)

	var fields []string
	for _, a := range attrs {
		if a.Key == "run" && !h.opts.Verbose {
			continue
		}
		fields = append(fields, a.Key+"="+formatValue(a.Value))
	}
	if len(fields) > 0 {
		b.WriteByte(' ')
		b.WriteString(h.render(attrStyle, strings.Join(fields, " ")))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix == "" && a.Key == "task" {
			h2.task = a.Value.String()
			continue
		}
		h2.attrs = append(h2.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func (h *Handler) render(style lipgloss.Style, s string) string {
	if !h.opts.Color {
		return s
	}
	return style.Render(s)
}

func symbol(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "✖"
	case level >= slog.LevelWarn:
		return "!"
	case level >= slog.LevelInfo:
		return "✔"
	default:
		return "·"
	}
}

func symbolStyle(level slog.Level) lipgloss.Style {
	switch {
	case level >= slog.LevelError:
		return errorStyle
	case level >= slog.LevelWarn:
		return warnStyle
	case level >= slog.LevelInfo:
		return okStyle
	default:
		return debugStyle
	}
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	var s string
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
