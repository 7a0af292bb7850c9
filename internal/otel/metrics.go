package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Parley metrics instruments.
type Metrics struct {
	PassDuration       metric.Float64Histogram
	ReviewDuration     metric.Float64Histogram
	MessagesPublished  metric.Int64Counter
	MessagesAcked      metric.Int64Counter
	MessagesDeadletter metric.Int64Counter
	Quarantined        metric.Int64Counter
	ReviewerFailures   metric.Int64Counter
	DecisionsTotal     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PassDuration, err = meter.Float64Histogram("parley.pass.duration",
		metric.WithDescription("Coordination pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewDuration, err = meter.Float64Histogram("parley.review.duration",
		metric.WithDescription("Reviewer execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPublished, err = meter.Int64Counter("parley.messages.published",
		metric.WithDescription("Envelopes published to mailboxes"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesAcked, err = meter.Int64Counter("parley.messages.acked",
		metric.WithDescription("Envelopes acknowledged after processing"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDeadletter, err = meter.Int64Counter("parley.messages.deadletter",
		metric.WithDescription("Envelopes moved to the deadletter queue"),
	)
	if err != nil {
		return nil, err
	}

	m.Quarantined, err = meter.Int64Counter("parley.messages.quarantined",
		metric.WithDescription("Envelopes rejected by admission checks"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewerFailures, err = meter.Int64Counter("parley.reviewer.failures",
		metric.WithDescription("Reviewer executions that did not produce a usable verdict"),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionsTotal, err = meter.Int64Counter("parley.decisions",
		metric.WithDescription("Final task decisions recorded"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
