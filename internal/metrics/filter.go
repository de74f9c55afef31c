// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attributeVariant     = "variant"
	attributeHeaderValue = "header_value"
	attributeMatched     = "matched"
	attributeTrigger     = "trigger"
	attributeReason      = "reason"
	attributeDirection   = "direction"
	attributePhase       = "phase"
)

// Filter records the metrics of one filter configuration. Implementations are safe for concurrent use.
type Filter interface {
	// ExchangeStarted is called when an exchange is created.
	ExchangeStarted(variant string)
	// ExchangeEnded is called once per exchange, when it ends.
	ExchangeEnded(variant string)
	// RecordDecision records an applied routing decision.
	RecordDecision(variant, headerValue string, matched bool, trigger string)
	// RecordMissedDecision records an exchange that reached the upstream without a decision.
	RecordMissedDecision(variant string)
	// RecordExtractFailure records why a body produced no routing key.
	RecordExtractFailure(reason string)
	// RecordTruncation records a body that exceeded its buffer limit.
	RecordTruncation(direction string)
	// RecordBodySize records the total size of a body in bytes.
	RecordBodySize(direction string, size int)
	// RecordLifecycleViolation records an out of order callback.
	RecordLifecycleViolation(phase string)
	// RecordLogFailure records a stage line that could not be written.
	RecordLogFailure()
	// RecordHeaderSetFailure records a routing header the host refused.
	RecordHeaderSetFailure()
}

type filter struct {
	active              metric.Int64UpDownCounter
	decisions           metric.Int64Counter
	missed              metric.Int64Counter
	extractFailures     metric.Int64Counter
	truncations         metric.Int64Counter
	bodySize            metric.Int64Histogram
	lifecycleViolations metric.Int64Counter
	logFailures         metric.Int64Counter
	headerSetFailures   metric.Int64Counter
}

// NewFilter creates the filter instruments on meter.
func NewFilter(meter metric.Meter) Filter {
	return &filter{
		active: mustUpDownCounter(meter, "body_router.exchanges.active",
			metric.WithDescription("Number of exchanges in flight."), metric.WithUnit("{exchange}")),
		decisions: mustCounter(meter, "body_router.decisions",
			metric.WithDescription("Number of routing headers applied."), metric.WithUnit("{decision}")),
		missed: mustCounter(meter, "body_router.decisions.missed",
			metric.WithDescription("Number of exchanges that reached the upstream without a routing header."), metric.WithUnit("{exchange}")),
		extractFailures: mustCounter(meter, "body_router.extract.failures",
			metric.WithDescription("Number of bodies that produced no routing key."), metric.WithUnit("{body}")),
		truncations: mustCounter(meter, "body_router.body.truncations",
			metric.WithDescription("Number of bodies larger than their buffer limit."), metric.WithUnit("{body}")),
		bodySize: mustHistogram(meter, "body_router.body.size",
			metric.WithDescription("Size of bodies seen by the filter."), metric.WithUnit("By"),
			metric.WithExplicitBucketBoundaries(0, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216)),
		lifecycleViolations: mustCounter(meter, "body_router.lifecycle.violations",
			metric.WithDescription("Number of callbacks received out of order."), metric.WithUnit("{callback}")),
		logFailures: mustCounter(meter, "body_router.log.failures",
			metric.WithDescription("Number of stage lines that could not be written."), metric.WithUnit("{line}")),
		headerSetFailures: mustCounter(meter, "body_router.header.set.failures",
			metric.WithDescription("Number of routing headers refused by the host."), metric.WithUnit("{header}")),
	}
}

// ExchangeStarted implements [Filter.ExchangeStarted].
func (f *filter) ExchangeStarted(variant string) {
	f.active.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attributeVariant, variant)))
}

// ExchangeEnded implements [Filter.ExchangeEnded].
func (f *filter) ExchangeEnded(variant string) {
	f.active.Add(context.Background(), -1, metric.WithAttributes(attribute.String(attributeVariant, variant)))
}

// RecordDecision implements [Filter.RecordDecision].
func (f *filter) RecordDecision(variant, headerValue string, matched bool, trigger string) {
	f.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attributeVariant, variant),
		attribute.String(attributeHeaderValue, headerValue),
		attribute.Bool(attributeMatched, matched),
		attribute.String(attributeTrigger, trigger),
	))
}

// RecordMissedDecision implements [Filter.RecordMissedDecision].
func (f *filter) RecordMissedDecision(variant string) {
	f.missed.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attributeVariant, variant)))
}

// RecordExtractFailure implements [Filter.RecordExtractFailure].
func (f *filter) RecordExtractFailure(reason string) {
	f.extractFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attributeReason, reason)))
}

// RecordTruncation implements [Filter.RecordTruncation].
func (f *filter) RecordTruncation(direction string) {
	f.truncations.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attributeDirection, direction)))
}

// RecordBodySize implements [Filter.RecordBodySize].
func (f *filter) RecordBodySize(direction string, size int) {
	f.bodySize.Record(context.Background(), int64(size), metric.WithAttributes(attribute.String(attributeDirection, direction)))
}

// RecordLifecycleViolation implements [Filter.RecordLifecycleViolation].
func (f *filter) RecordLifecycleViolation(phase string) {
	f.lifecycleViolations.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attributePhase, phase)))
}

// RecordLogFailure implements [Filter.RecordLogFailure].
func (f *filter) RecordLogFailure() { f.logFailures.Add(context.Background(), 1) }

// RecordHeaderSetFailure implements [Filter.RecordHeaderSetFailure].
func (f *filter) RecordHeaderSetFailure() { f.headerSetFailures.Add(context.Background(), 1) }

func mustCounter(meter metric.Meter, name string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := meter.Int64Counter(name, opts...)
	if err != nil {
		panic(err) // Only fails on an invalid instrument name.
	}
	return c
}

func mustUpDownCounter(meter metric.Meter, name string, opts ...metric.Int64UpDownCounterOption) metric.Int64UpDownCounter {
	c, err := meter.Int64UpDownCounter(name, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func mustHistogram(meter metric.Meter, name string, opts ...metric.Int64HistogramOption) metric.Int64Histogram {
	h, err := meter.Int64Histogram(name, opts...)
	if err != nil {
		panic(err)
	}
	return h
}
