package journal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"

	"git.unix.lgbt/diamondburned/castwatch/castwatch"
)

// HumanWriter is a journaler that writes events as logfmt-style lines meant
// for a person watching stderr. Failure events are logged at the error level.
type HumanWriter struct {
	logger *slog.Logger
}

var _ castwatch.Journaler = (*HumanWriter)(nil)

// NewHumanWriter creates a new human-readable journaler writing into w.
func NewHumanWriter(w io.Writer) *HumanWriter {
	return &HumanWriter{
		logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// Write implements castwatch.Journaler.
func (h *HumanWriter) Write(ev castwatch.Event) error {
	level := slog.LevelInfo
	if castwatch.IsFailure(ev) {
		level = slog.LevelError
	}

	h.logger.LogAttrs(context.Background(), level, ev.Type(), eventAttrs(ev)...)
	return nil
}

// eventAttrs flattens an event into attributes named after its JSON fields,
// so that both the journal file and the log use the same names.
func eventAttrs(ev castwatch.Event) []slog.Attr {
	b, err := json.Marshal(ev)
	if err != nil {
		return []slog.Attr{slog.Any("event", ev)}
	}

	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return []slog.Attr{slog.Any("event", ev)}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}

	return attrs
}
