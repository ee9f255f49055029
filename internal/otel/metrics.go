package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the asking-pipeline metric instruments.
type Metrics struct {
	AskDuration        metric.Float64Histogram
	LLMCallDuration    metric.Float64Histogram
	RetrievalDuration  metric.Float64Histogram
	DryRunDuration     metric.Float64Histogram
	CorrectionAttempts metric.Int64Counter
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	ActiveAsks         metric.Int64UpDownCounter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AskDuration, err = meter.Float64Histogram("finch.ask.duration",
		metric.WithDescription("End-to-end asking task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("finch.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RetrievalDuration, err = meter.Float64Histogram("finch.retrieval.duration",
		metric.WithDescription("Context retrieval fan-out duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DryRunDuration, err = meter.Float64Histogram("finch.dryrun.duration",
		metric.WithDescription("Query engine dry-run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CorrectionAttempts, err = meter.Int64Counter("finch.sql.corrections",
		metric.WithDescription("SQL correction attempts issued"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("finch.cache.hits",
		metric.WithDescription("Result cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("finch.cache.misses",
		metric.WithDescription("Result cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAsks, err = meter.Int64UpDownCounter("finch.ask.active",
		metric.WithDescription("Asking tasks currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("finch.gateway.rate_limit_rejects",
		metric.WithDescription("Gateway requests rejected by rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
