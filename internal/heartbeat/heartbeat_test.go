package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type message struct {
	topic   string
	payload string
	retain  bool
}

type fakePublisher struct {
	messages []message
	subs     []string
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func (p *fakePublisher) Subscriptions() []string { return p.subs }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
}

func TestBeat(t *testing.T) {
	pub := &fakePublisher{subs: []string{"ess/set/wintermode", "ess/set/alpha"}}
	r := New(pub, "/house/agents/Ess2Mqtt", quietLogger(), WithClock(fixedClock))

	if err := r.Beat(context.Background()); err != nil {
		t.Fatalf("Beat() error: %v", err)
	}
	if len(pub.messages) != 2 {
		t.Fatalf("Beat() published %d messages, want 2", len(pub.messages))
	}

	hb := pub.messages[0]
	if hb.topic != "/house/agents/Ess2Mqtt/heartbeat" {
		t.Errorf("heartbeat topic = %q", hb.topic)
	}
	if hb.payload != "2024-03-09 14:05:07" {
		t.Errorf("heartbeat payload = %q, want %q", hb.payload, "2024-03-09 14:05:07")
	}

	subs := pub.messages[1]
	if subs.topic != "/house/agents/Ess2Mqtt/subscriptions" {
		t.Errorf("subscriptions topic = %q", subs.topic)
	}
	want := `{"subscriptions":["ess/set/alpha","ess/set/wintermode"]}`
	if subs.payload != want {
		t.Errorf("subscriptions payload = %s, want %s", subs.payload, want)
	}
	if pub.subs[0] != "ess/set/wintermode" {
		t.Error("Beat() reordered the publisher's subscription slice")
	}
}

func TestBeat_NoSubscriptions(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, "agent", quietLogger(), WithClock(fixedClock))

	if err := r.Beat(context.Background()); err != nil {
		t.Fatalf("Beat() error: %v", err)
	}
	if got := pub.messages[1].payload; got != `{"subscriptions":[]}` {
		t.Errorf("empty catalog payload = %s", got)
	}
}

func TestBeat_SubscriptionsDisabled(t *testing.T) {
	pub := &fakePublisher{subs: []string{"a"}}
	r := New(pub, "agent", quietLogger(), WithClock(fixedClock), WithSubscriptions(false))

	if err := r.Beat(context.Background()); err != nil {
		t.Fatalf("Beat() error: %v", err)
	}
	if len(pub.messages) != 1 || pub.messages[0].topic != "agent/heartbeat" {
		t.Errorf("messages = %+v, want only the heartbeat", pub.messages)
	}
}

func TestBeat_PublishError(t *testing.T) {
	boom := errors.New("not connected")
	r := New(&fakePublisher{err: boom}, "agent", quietLogger())

	if err := r.Beat(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Beat() error = %v, want %v", err, boom)
	}
}
