package mqtt

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestDefaultMessageHandler_TextPayload(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	h := defaultMessageHandler(logger)
	h("ess/set/unknown", []byte("On"))

	output := buf.String()
	if !strings.Contains(output, "topic=ess/set/unknown") {
		t.Errorf("expected topic in log output, got: %s", output)
	}
	if !strings.Contains(output, "payload=On") {
		t.Errorf("expected payload in log output, got: %s", output)
	}
	if !strings.Contains(output, "payload_size=2") {
		t.Errorf("expected payload_size=2 in log output, got: %s", output)
	}
}

func TestDefaultMessageHandler_BinaryPayload(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	h := defaultMessageHandler(logger)
	// Invalid UTF-8 should be summarized, not echoed.
	h("some/topic", []byte{0xff, 0xfe, 0x00})

	output := buf.String()
	if strings.Contains(output, "payload=") {
		t.Errorf("binary payload should not be logged, got: %s", output)
	}
	if !strings.Contains(output, "payload_size=3") {
		t.Errorf("expected payload_size=3 in log output, got: %s", output)
	}
}

func TestDefaultMessageHandler_LargePayload(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	h := defaultMessageHandler(logger)
	h("some/topic", []byte(strings.Repeat("x", maxLoggedPayload+1)))

	if strings.Contains(buf.String(), "payload=x") {
		t.Errorf("oversized payload should not be echoed")
	}
}

func TestDefaultMessageHandler_DebugDisabled(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	h := defaultMessageHandler(logger)
	h("some/topic", []byte("data"))

	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got: %s", buf.String())
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
