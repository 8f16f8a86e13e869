package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records as terse single lines for terminals.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// ParseMode maps a --log-format value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "cli":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}

// New constructs a logger targeting w. If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{writer: w, level: level, mu: &sync.Mutex{}})
}

// NewCLI constructs a logger that emits human-readable records.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// LevelForVerbosity maps the count of -v flags onto a level. Without -v only
// warnings and errors are shown.
func LevelForVerbosity(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// cliHandler prints "LEVEL hh:mm:ss [component] message key=value ...".
type cliHandler struct {
	writer io.Writer
	level  slog.Leveler
	mu     *sync.Mutex

	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder

	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	fmt.Fprintf(&b, "%-5s %s ", strings.ToUpper(record.Level.String()), timestamp.Format(time.TimeOnly))
	if h.component != "" {
		b.WriteString("[" + h.component + "] ")
	}
	b.WriteString(record.Message)

	for _, attr := range h.attrs {
		writeAttr(&b, h.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, h.groups, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, attr := range attrs {
		// The component is rendered as a prefix rather than a trailing pair.
		if attr.Key == "component" && len(h.groups) == 0 {
			clone.component = attr.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, attr)
	}
	return clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *cliHandler) clone() *cliHandler {
	return &cliHandler{
		writer:    h.writer,
		level:     h.level,
		mu:        h.mu,
		component: h.component,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
	}
}

func writeAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, child := range value.Group() {
			writeAttr(b, nested, child)
		}
		return
	}
	if attr.Key == "" {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		s := value.String()
		if strings.ContainsAny(s, " \t\"") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return strconv.Quote(err.Error())
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}
