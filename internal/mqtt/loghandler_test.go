package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type published struct {
	topic   string
	payload []byte
	retain  bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: payload, retain: retain})
	return nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func newTestLogHandler(buf *bytes.Buffer) *LogHandler {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	return NewLogHandler(inner, slog.LevelWarn)
}

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("payload %q is not JSON: %v", payload, err)
	}
	return m
}

func TestLogHandler_ForwardsWarnAndAbove(t *testing.T) {
	var buf bytes.Buffer
	h := newTestLogHandler(&buf)
	pub := &fakePublisher{}
	h.Attach(pub, "agent/log")
	logger := slog.New(h)

	logger.Info("cycle complete")
	logger.Warn("endpoint read failed", "endpoint", "user/setting/batt")
	logger.Error("control command failed", "command", "season-on")

	msgs := pub.messages()
	if len(msgs) != 2 {
		t.Fatalf("forwarded %d records, want 2", len(msgs))
	}
	if msgs[0].topic != "agent/log" || msgs[0].retain {
		t.Errorf("forwarded to %q retain=%v, want agent/log unretained", msgs[0].topic, msgs[0].retain)
	}

	rec := decode(t, msgs[0].payload)
	if rec["level"] != "WARN" || rec["msg"] != "endpoint read failed" || rec["endpoint"] != "user/setting/batt" {
		t.Errorf("forwarded record = %v", rec)
	}
	if rec := decode(t, msgs[1].payload); rec["level"] != "ERROR" {
		t.Errorf("second record level = %v, want ERROR", rec["level"])
	}

	// The console handler still sees everything at its own level.
	for _, want := range []string{"cycle complete", "endpoint read failed", "control command failed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("inner handler missing %q: %s", want, buf.String())
		}
	}
}

func TestLogHandler_NoPublisherAttached(t *testing.T) {
	var buf bytes.Buffer
	h := newTestLogHandler(&buf)
	slog.New(h).Error("before connect")

	if !strings.Contains(buf.String(), "before connect") {
		t.Errorf("inner handler missing record: %s", buf.String())
	}

	pub := &fakePublisher{}
	h.Attach(pub, "agent/log")
	h.Attach(nil, "")
	slog.New(h).Error("after detach")
	if len(pub.messages()) != 0 {
		t.Errorf("detached handler forwarded %d records", len(pub.messages()))
	}
}

func TestLogHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := newTestLogHandler(&buf)
	pub := &fakePublisher{}

	logger := slog.New(h).With("component", "mirror").WithGroup("cycle")
	// Attaching after deriving still reaches the derived handler.
	h.Attach(pub, "agent/log")
	logger.Warn("publishes failed", "failed", 3)

	msgs := pub.messages()
	if len(msgs) != 1 {
		t.Fatalf("forwarded %d records, want 1", len(msgs))
	}
	rec := decode(t, msgs[0].payload)
	if rec["component"] != "mirror" {
		t.Errorf("component = %v, want mirror", rec["component"])
	}
	group, ok := rec["cycle"].(map[string]any)
	if !ok || group["failed"] != float64(3) {
		t.Errorf("cycle group = %v, want failed=3", rec["cycle"])
	}
}

func TestLogHandler_PublishErrorSwallowed(t *testing.T) {
	var buf bytes.Buffer
	h := newTestLogHandler(&buf)
	h.Attach(&fakePublisher{err: errors.New("connection down")}, "agent/log")

	r := slog.NewRecord(time.Now(), slog.LevelError, "boom", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Errorf("Handle() error = %v, want nil", err)
	}
}

func TestLogHandler_Enabled(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})
	h := NewLogHandler(inner, slog.LevelWarn)
	ctx := context.Background()

	if h.Enabled(ctx, slog.LevelWarn) {
		t.Error("warn should be disabled before a publisher is attached")
	}
	h.Attach(&fakePublisher{}, "agent/log")
	if !h.Enabled(ctx, slog.LevelWarn) {
		t.Error("warn should be enabled once forwarding")
	}
	if h.Enabled(ctx, slog.LevelInfo) {
		t.Error("info should stay disabled")
	}
}
