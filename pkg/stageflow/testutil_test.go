package stageflow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Shared stage tables.

// editorStages is document -> selection -> layout, with layout also
// requiring document directly.
func editorStages() []StageDescriptor {
	return []StageDescriptor{
		Stage("document"),
		Stage("selection", "document"),
		Stage("layout", "document", "selection"),
	}
}

// fanInStages is a; b<-a; c; d<-b,c.
func fanInStages() []StageDescriptor {
	return []StageDescriptor{
		Stage("a"),
		Stage("b", "a"),
		Stage("c"),
		Stage("d", "b", "c"),
	}
}

// recorder collects "event" strings from listeners in invocation order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// listener returns a Listener recording its event name.
func (r *recorder) listener() Listener {
	return func(e Event) error {
		r.add(e.Name)
		return nil
	}
}

// watchAll registers recording listeners on all three phases of every stage.
func (r *recorder) watchAll(f *Flow) {
	for _, s := range f.StageNames() {
		f.Before(s, r.listener())
		f.On(s, r.listener())
		f.After(s, r.listener())
	}
}

// watchMain registers recording listeners on the main phase of every stage.
func (r *recorder) watchMain(f *Flow) {
	for _, s := range f.StageNames() {
		f.On(s, r.listener())
	}
}

func mustNew(t *testing.T, stages []StageDescriptor, opts ...Option) *Flow {
	t.Helper()
	f, err := New(stages, opts...)
	require.NoError(t, err)
	return f
}

// testLogHandler captures log records for testing.
type testLogHandler struct {
	mu    *sync.Mutex
	buf   *bytes.Buffer
	level slog.Level
	attrs []slog.Attr
}

func newTestLogHandler() *testLogHandler {
	return &testLogHandler{
		mu:    &sync.Mutex{},
		buf:   &bytes.Buffer{},
		level: slog.LevelDebug,
	}
}

func (h *testLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, a := range h.attrs {
		data[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newH := *h
	newH.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &newH
}

func (h *testLogHandler) WithGroup(string) slog.Handler {
	return h
}

func (h *testLogHandler) getRecords() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	var records []map[string]any
	for _, line := range bytes.Split(h.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err == nil {
			records = append(records, m)
		}
	}
	return records
}

// recordsWithMsg filters captured records by message.
func (h *testLogHandler) recordsWithMsg(msg string) []map[string]any {
	var out []map[string]any
	for _, r := range h.getRecords() {
		if r["msg"] == msg {
			out = append(out, r)
		}
	}
	return out
}
