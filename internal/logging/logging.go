// Package logging builds the process slog.Logger on top of charmbracelet/log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Config selects the level, format and decoration of log lines.
type Config struct {
	Level string
	// Format is text, json or logfmt. Unknown values fall back to text.
	Format string
	Prefix string
	Caller bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

var formatters = map[string]log.Formatter{
	"json":   log.JSONFormatter,
	"logfmt": log.LogfmtFormatter,
	"text":   log.TextFormatter,
}

func styles() *log.Styles {
	s := log.DefaultStyles()
	info := lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	warn := lipgloss.AdaptiveColor{Light: "#EE6FF8", Dark: "#EE6FF8"}
	fail := lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF6B6B"}
	debug := lipgloss.AdaptiveColor{Light: "#7E57C2", Dark: "#7E57C2"}

	level := func(label string, c lipgloss.AdaptiveColor) lipgloss.Style {
		return lipgloss.NewStyle().SetString(label).Bold(true).MaxWidth(5).Foreground(c)
	}
	s.Levels[log.DebugLevel] = level("DEBUG", debug)
	s.Levels[log.InfoLevel] = level("INFO", info)
	s.Levels[log.WarnLevel] = level("WARN", warn)
	s.Levels[log.ErrorLevel] = level("ERROR", fail)

	s.Keys["error"] = lipgloss.NewStyle().Foreground(fail)
	s.Values["error"] = lipgloss.NewStyle().Bold(true)
	s.Keys["component"] = lipgloss.NewStyle().Foreground(debug)
	s.Keys["transaction_id"] = lipgloss.NewStyle().Foreground(info)
	s.Values["transaction_id"] = lipgloss.NewStyle().Bold(true)
	s.Keys["provider"] = lipgloss.NewStyle().Foreground(warn)
	return s
}

// New returns a slog.Logger writing through a charm log handler.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	formatter, ok := formatters[strings.ToLower(cfg.Format)]
	if !ok {
		formatter = log.TextFormatter
	}
	level, err := log.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = log.InfoLevel
	}

	handler := log.NewWithOptions(out, log.Options{
		ReportCaller:    cfg.Caller,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Prefix:          cfg.Prefix,
		Formatter:       formatter,
	})
	if formatter == log.TextFormatter {
		handler.SetStyles(styles())
	}
	return slog.New(handler)
}

// Setup builds the logger and installs it as the slog default.
func Setup(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}
