package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/ess2mqtt/internal/ess"
	"github.com/nugget/ess2mqtt/internal/flatten"
)

// DeviceReader reads one endpoint document. *ess.Client satisfies it.
type DeviceReader interface {
	Read(ctx context.Context, ep ess.Endpoint) (ess.Document, error)
}

// CycleResult summarizes one telemetry cycle.
type CycleResult struct {
	Skipped   bool // primary document lacked direction or statistics
	Metrics   int  // flattened metrics examined
	Published int  // metrics whose value changed and were published
	Failed    int  // publishes the sink rejected
	Errors    int  // secondary endpoints that could not be read
	Dropped   int  // metrics whose key repeated an earlier one
}

// Pipeline reads the configured endpoints and feeds their flattened
// metrics through a ChangePublisher. The first endpoint is the primary
// home telemetry document and gates the whole cycle.
type Pipeline struct {
	reader    DeviceReader
	changes   *ChangePublisher
	endpoints []ess.Endpoint
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. endpoints must be non-empty; the
// first entry is the primary document.
func NewPipeline(reader DeviceReader, changes *ChangePublisher, endpoints []ess.Endpoint, logger *slog.Logger) *Pipeline {
	if len(endpoints) == 0 {
		panic("mirror: pipeline needs at least one endpoint")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		reader:    reader,
		changes:   changes,
		endpoints: endpoints,
		logger:    logger,
	}
}

// Cycle runs one poll. A failed read of the primary endpoint aborts the
// cycle with an error and nothing is published. A primary document
// without direction and statistics sections skips the cycle without
// error. Failed secondary reads contribute no metrics. When two leaves
// flatten to the same key (a literal "a/b" next to a nested a.b) the
// first in flatten order wins and the rest are dropped, so the key
// keeps a single value across cycles.
func (p *Pipeline) Cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	primary := p.endpoints[0]
	raw, err := p.reader.Read(ctx, primary)
	if err != nil {
		return res, fmt.Errorf("read primary endpoint: %w", err)
	}

	home, ok := ess.CorrectPowerDirection(raw)
	if !ok {
		p.logger.Warn("primary document incomplete, skipping cycle",
			"endpoint", primary.Path,
		)
		res.Skipped = true
		return res, nil
	}

	metrics := flatten.Flatten(home, primary.Namespace)
	for _, ep := range p.endpoints[1:] {
		doc, err := p.reader.Read(ctx, ep)
		if err != nil {
			p.logger.Warn("endpoint read failed",
				"endpoint", ep.Path,
				"error", err,
			)
			res.Errors++
			doc = ess.Document{}
		}
		metrics = append(metrics, flatten.Flatten(doc, ep.Namespace)...)
	}
	metrics = p.dedupe(metrics, &res)
	res.Metrics = len(metrics)

	for _, m := range metrics {
		published, err := p.changes.PublishIfChanged(ctx, m.Key, m.Value)
		if err != nil {
			res.Failed++
			p.logger.Debug("metric publish failed", "key", m.Key, "error", err)
			continue
		}
		if published {
			res.Published++
		}
	}

	if res.Failed > 0 {
		p.logger.Warn("metric publishes failed",
			"failed", res.Failed,
			"metrics", res.Metrics,
		)
	}

	p.logger.Debug("telemetry cycle complete",
		"metrics", res.Metrics,
		"published", res.Published,
		"endpoint_errors", res.Errors,
		"dropped", res.Dropped,
		"tracked", p.changes.Len(),
	)
	return res, nil
}

func (p *Pipeline) dedupe(metrics []flatten.Metric, res *CycleResult) []flatten.Metric {
	seen := make(map[string]struct{}, len(metrics))
	out := metrics[:0]
	for _, m := range metrics {
		if _, dup := seen[m.Key]; dup {
			res.Dropped++
			p.logger.Warn("duplicate metric key dropped", "key", m.Key, "value", m.Value)
			continue
		}
		seen[m.Key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Run adapts Cycle to a scheduler task.
func (p *Pipeline) Run(ctx context.Context) error {
	_, err := p.Cycle(ctx)
	return err
}
