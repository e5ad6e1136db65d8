// Package logging configures slog for the node. Subsystem loggers carry
// a "component" attribute; a directive string of the form
// "info,engine=debug,trigger=warn" sets the default level and
// per-component overrides.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ComponentKey is the attribute every subsystem logger sets.
const ComponentKey = "component"

// Directive holds a parsed level directive.
type Directive struct {
	Default   slog.Level
	Overrides map[string]slog.Level
}

// ParseDirective parses "info,engine=debug" style directives. The first
// bare token is the default level; "name=level" tokens override single
// components. An empty string means info.
func ParseDirective(s string) (Directive, error) {
	d := Directive{Default: slog.LevelInfo, Overrides: map[string]slog.Level{}}
	if s == "" {
		return d, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if name, lvl, ok := strings.Cut(tok, "="); ok {
			level, err := parseLevel(lvl)
			if err != nil {
				return d, fmt.Errorf("directive %q: %w", tok, err)
			}
			d.Overrides[strings.TrimSpace(name)] = level
			continue
		}
		level, err := parseLevel(tok)
		if err != nil {
			return d, fmt.Errorf("directive %q: %w", tok, err)
		}
		d.Default = level
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

// LevelFor returns the effective minimum level for a component.
func (d Directive) LevelFor(component string) slog.Level {
	if lvl, ok := d.Overrides[component]; ok {
		return lvl
	}
	return d.Default
}

// handler filters by the component attribute accumulated via WithAttrs
// before delegating to the wrapped handler.
type handler struct {
	inner     slog.Handler
	directive Directive
	component string
}

// NewHandler wraps inner with directive-based component filtering.
func NewHandler(inner slog.Handler, d Directive) slog.Handler {
	return &handler{inner: inner, directive: d}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.directive.LevelFor(h.component)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == ComponentKey {
			next.component = a.Value.String()
		}
	}
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}

// New builds the root logger. Pass the raw directive string; parse
// errors fall back to info with a warning on the resulting logger.
func New(w io.Writer, directive string, json bool) *slog.Logger {
	d, err := ParseDirective(directive)
	var inner slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if json {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(NewHandler(inner, d))
	if err != nil {
		logger.Warn("invalid log directive, using info", "directive", directive, "error", err)
	}
	return logger
}

// Component returns a child logger tagged for one subsystem.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(ComponentKey, name)
}
