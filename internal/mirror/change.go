// Package mirror runs the telemetry cycle: read the device, correct the
// home document, flatten everything and publish the values that changed
// since the previous cycle.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

// Sink publishes one metric value. *mqtt.Client satisfies it.
type Sink interface {
	PublishMetric(ctx context.Context, key, value string) error
}

// ChangePublisher remembers the last value published for every key and
// publishes a key only when its value differs from that. It is not safe
// for concurrent use; the scheduler goroutine owns it.
type ChangePublisher struct {
	sink   Sink
	last   map[string]string
	logger *slog.Logger
}

// NewChangePublisher creates a ChangePublisher with an empty table.
func NewChangePublisher(sink Sink, logger *slog.Logger) *ChangePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangePublisher{
		sink:   sink,
		last:   make(map[string]string),
		logger: logger,
	}
}

// PublishIfChanged publishes value under key when key has not been seen
// or its last published value differs (exact string comparison, so "1"
// and "1.0" differ). The table is updated only after the sink accepts
// the value, so a failed publish is retried on the next cycle. Reports
// whether a publish happened.
func (p *ChangePublisher) PublishIfChanged(ctx context.Context, key, value string) (bool, error) {
	if prev, seen := p.last[key]; seen && prev == value {
		return false, nil
	}

	if err := p.sink.PublishMetric(ctx, key, value); err != nil {
		return false, fmt.Errorf("publish %s: %w", key, err)
	}
	p.last[key] = value

	p.logger.Log(ctx, slog.Level(-8), "metric changed", // config.LevelTrace
		"key", key,
		"value", value,
	)
	return true, nil
}

// Last returns the last published value for key.
func (p *ChangePublisher) Last(key string) (string, bool) {
	v, ok := p.last[key]
	return v, ok
}

// Len returns the number of keys tracked. It never decreases.
func (p *ChangePublisher) Len() int {
	return len(p.last)
}
