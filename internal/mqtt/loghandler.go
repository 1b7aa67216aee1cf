package mqtt

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
)

// Publisher is the subset of [Client] the log handler needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// LogHandler is an [slog.Handler] that passes every record to an inner
// handler and additionally publishes records at or above a threshold
// as single JSON objects to a bus topic. Until a publisher is attached
// it behaves exactly like the inner handler. Publish failures are
// dropped silently so that a broken broker cannot feed back into the
// log.
type LogHandler struct {
	inner slog.Handler
	sink  *logSink
	ops   []logOp
}

// logSink is shared by every handler derived through WithAttrs and
// WithGroup so that Attach reaches all of them.
type logSink struct {
	level slog.Leveler
	pub   atomic.Pointer[publisherRef]
}

type publisherRef struct {
	p     Publisher
	topic string
}

// logOp replays one WithAttrs or WithGroup call onto the JSON encoder.
type logOp struct {
	group string
	attrs []slog.Attr
}

// NewLogHandler wraps inner. Records at level or above are forwarded
// once a publisher is attached.
func NewLogHandler(inner slog.Handler, level slog.Leveler) *LogHandler {
	return &LogHandler{
		inner: inner,
		sink:  &logSink{level: level},
	}
}

// Attach starts forwarding to topic through pub. Passing a nil pub
// stops forwarding.
func (h *LogHandler) Attach(pub Publisher, topic string) {
	if pub == nil {
		h.sink.pub.Store(nil)
		return
	}
	h.sink.pub.Store(&publisherRef{p: pub, topic: topic})
}

// Enabled implements [slog.Handler].
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || h.forwards(level)
}

func (h *LogHandler) forwards(level slog.Level) bool {
	return h.sink.pub.Load() != nil && level >= h.sink.level.Level()
}

// Handle implements [slog.Handler].
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}

	ref := h.sink.pub.Load()
	if ref == nil || r.Level < h.sink.level.Level() {
		return err
	}

	payload, encErr := h.encode(ctx, r)
	if encErr != nil {
		return err
	}
	_ = ref.p.Publish(context.WithoutCancel(ctx), ref.topic, payload, false)
	return err
}

func (h *LogHandler) encode(ctx context.Context, r slog.Record) ([]byte, error) {
	var buf bytes.Buffer
	var enc slog.Handler = slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	for _, op := range h.ops {
		if op.group != "" {
			enc = enc.WithGroup(op.group)
		} else {
			enc = enc.WithAttrs(op.attrs)
		}
	}
	if err := enc.Handle(ctx, r); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WithAttrs implements [slog.Handler].
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(h.inner.WithAttrs(attrs), logOp{attrs: attrs})
}

// WithGroup implements [slog.Handler].
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(h.inner.WithGroup(name), logOp{group: name})
}

func (h *LogHandler) with(inner slog.Handler, op logOp) *LogHandler {
	ops := make([]logOp, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &LogHandler{
		inner: inner,
		sink:  h.sink,
		ops:   append(ops, op),
	}
}
