// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package exchange implements the per request state machine shared by the
// Envoy dynamic module and the ext_proc server.
//
// An Exchange receives the lifecycle callbacks of one HTTP request/response
// pair in order. In the routing variant it buffers the request body until a
// routing key can be extracted, sets the routing header once, and lets the
// stream continue. In the passthrough variant it only logs every stage.
package exchange

import (
	"log/slog"
	"mime"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/envoyproxy/body-router/internal/bodybuffer"
	"github.com/envoyproxy/body-router/internal/filterconfig"
	"github.com/envoyproxy/body-router/internal/headermutator"
	"github.com/envoyproxy/body-router/internal/metrics"
	"github.com/envoyproxy/body-router/internal/routingkey"
	"github.com/envoyproxy/body-router/internal/stagelog"
)

// responseDecodeLimit bounds the encoded response prefix kept for decoded previews.
const responseDecodeLimit = 64 << 10

// Host is the view of the proxy an Exchange needs during a callback.
// It must only be used during the callback it was passed to.
type Host interface {
	headermutator.HeaderSetter
	// GetRequestHeader returns the first value of a request header.
	GetRequestHeader(key string) (string, bool)
	// GetRequestHeaders returns all request headers.
	GetRequestHeaders() map[string][]string
	// GetRequestTrailers returns all request trailers.
	GetRequestTrailers() map[string][]string
	// GetResponseHeader returns the first value of a response header.
	GetResponseHeader(key string) (string, bool)
	// GetResponseHeaders returns all response headers.
	GetResponseHeaders() map[string][]string
	// GetResponseTrailers returns all response trailers.
	GetResponseTrailers() map[string][]string
}

// Shared is the read-only state shared by every exchange of one filter configuration.
type Shared struct {
	Variant   Variant
	Config    *filterconfig.Config
	Extractor *routingkey.Extractor
	// Policies holds the current routing policy. It changes when the routing map file is reloaded.
	Policies *headermutator.Policies
	Stages   *stagelog.Logger
	Logger   *slog.Logger
	Metrics  metrics.Filter
	// DebugLogEnabled gates the debug lines of Logger.
	DebugLogEnabled bool
}

// NewShared returns the shared state of a filter configuration.
func NewShared(variant Variant, cfg *filterconfig.Config, logger *slog.Logger, m metrics.Filter, debugLogEnabled bool) *Shared {
	return &Shared{
		Variant:         variant,
		Config:          cfg,
		Extractor:       routingkey.NewExtractor(cfg.RoutingField),
		Policies:        headermutator.NewPolicies(cfg.Policy(nil)),
		Stages:          stagelog.New(logger.Handler(), cfg.LogPrefix, cfg.PreviewBytes, m.RecordLogFailure),
		Logger:          logger.With(slog.String("variant", string(variant))),
		Metrics:         m,
		DebugLogEnabled: debugLogEnabled,
	}
}

// Exchange is the state of one request/response pair.
// It is driven by a single goroutine at a time and is not safe for concurrent use.
type Exchange struct {
	shared  *Shared
	policy  *headermutator.Policy
	id      string
	phase   Phase
	ended   bool
	verbose bool

	buffers *bodybuffer.Buffers
	applier headermutator.Applier
	// decided is true once no further decision attempt will be made.
	decided bool
	trigger string
	missed  bool

	responseEncoding string
}

// New creates an Exchange. It snapshots the current routing policy.
func New(shared *Shared) *Exchange {
	e := &Exchange{
		shared:  shared,
		policy:  shared.Policies.Load(),
		verbose: shared.Variant == VariantPassthrough || shared.Config.Debug,
	}
	requestLimit, responseLimit := 0, 0
	if shared.Variant == VariantRouting {
		requestLimit = shared.Config.MaxBodyBytes
	}
	if shared.Config.DecodeResponsePreview {
		responseLimit = responseDecodeLimit
	}
	e.buffers = bodybuffer.NewBuffers(requestLimit, responseLimit)
	shared.Metrics.ExchangeStarted(string(shared.Variant))
	if shared.Variant == VariantPassthrough {
		shared.Stages.Log("", stagelog.StageFilterCreated, `""`)
	}
	return e
}

// ID returns the correlation id, empty until the first callback.
func (e *Exchange) ID() string { return e.id }

// Phase returns the current phase.
func (e *Exchange) Phase() Phase { return e.phase }

// Decision returns the applied routing decision.
func (e *Exchange) Decision() (headermutator.Decision, bool) { return e.applier.Decision() }

// Trigger returns what triggered the applied decision, empty if none.
func (e *Exchange) Trigger() string { return e.trigger }

// Missed reports whether the exchange reached the upstream without a routing decision.
func (e *Exchange) Missed() bool { return e.missed }

// RequestBuffer returns the request body accumulator.
func (e *Exchange) RequestBuffer() *bodybuffer.Accumulator { return e.buffers.Get(bodybuffer.Request) }

// RequestHeaders handles the request headers.
func (e *Exchange) RequestHeaders(h Host, endOfStream bool) Signal {
	if !e.enter(PhaseRequestHeaders) {
		return Continue
	}
	if id, ok := h.GetRequestHeader("x-request-id"); ok && id != "" {
		e.id = id
	}
	e.ensureID()
	if e.verbose {
		e.shared.Stages.Headers(e.id, stagelog.StageRequestHeaders, h.GetRequestHeaders,
			slog.Bool("end_of_stream", endOfStream))
	}
	if e.shared.Variant != VariantRouting {
		return Continue
	}
	if cl, ok := h.GetRequestHeader("content-length"); ok {
		if n, err := strconv.Atoi(cl); err == nil {
			e.RequestBuffer().Reserve(n)
		}
	}

	switch {
	case endOfStream:
		// No body will follow.
		e.decide(h, e.policy.Decide("", false), TriggerRequestHeaders)
	case e.shared.Config.SkipNonJSON && !isJSON(h):
		e.decide(h, e.policy.Decide("", false), TriggerRequestHeaders)
	}
	if e.decided {
		return Continue
	}
	return Pause
}

// RequestBody handles one request body chunk.
func (e *Exchange) RequestBody(h Host, chunk []byte, endOfStream bool) Signal {
	if !e.enter(PhaseRequestBody) {
		return Continue
	}
	e.ensureID()
	acc := e.RequestBuffer()
	wasTruncated := acc.Truncated()
	acc.Append(chunk, endOfStream)
	if e.verbose {
		e.shared.Stages.Body(e.id, stagelog.StageRequestBody, chunk,
			slog.Bool("end_of_stream", endOfStream), slog.Int("bytes", len(chunk)), slog.Bool("truncated", acc.Truncated()))
	}
	if e.shared.Variant != VariantRouting || e.decided {
		return Continue
	}
	if acc.Truncated() && !wasTruncated {
		e.shared.Metrics.RecordTruncation(bodybuffer.Request.String())
	}

	switch {
	case acc.Truncated():
		// Bytes past the limit will never be inspected, so there is no reason to wait for them.
		e.attempt(h, routingkey.Partial, TriggerTruncated, true)
	case endOfStream:
		e.attempt(h, routingkey.Strict, TriggerEndOfStream, true)
	case e.shared.Config.EarlyDecisionBytes > 0 && acc.Len() >= e.shared.Config.EarlyDecisionBytes:
		e.attempt(h, routingkey.Partial, TriggerEarly, false)
	}
	if e.decided {
		return Continue
	}
	return Pause
}

// RequestTrailers handles the request trailers. They end the request stream,
// so an undecided routing exchange gets its final decision here.
func (e *Exchange) RequestTrailers(h Host) Signal {
	if !e.enter(PhaseRequestTrailers) {
		return Continue
	}
	e.ensureID()
	e.RequestBuffer().Append(nil, true)
	if e.verbose {
		e.shared.Stages.Headers(e.id, stagelog.StageRequestTrailers, h.GetRequestTrailers)
	}
	if e.shared.Variant == VariantRouting && !e.decided {
		e.attempt(h, routingkey.Strict, TriggerRequestTrailers, true)
	}
	return Continue
}

// ResponseHeaders handles the response headers.
func (e *Exchange) ResponseHeaders(h Host, endOfStream bool) Signal {
	if !e.enter(PhaseResponseHeaders) {
		return Continue
	}
	e.ensureID()
	e.checkMissed()
	if e.shared.Config.DecodeResponsePreview {
		e.responseEncoding, _ = h.GetResponseHeader("content-encoding")
	}
	if e.verbose {
		e.shared.Stages.Headers(e.id, stagelog.StageResponseHeaders, h.GetResponseHeaders,
			slog.Bool("end_of_stream", endOfStream))
	}
	return Continue
}

// ResponseBody handles one response body chunk.
func (e *Exchange) ResponseBody(_ Host, chunk []byte, endOfStream bool) Signal {
	if !e.enter(PhaseResponseBody) {
		return Continue
	}
	e.ensureID()
	acc := e.buffers.Get(bodybuffer.Response)
	wasTruncated := acc.Truncated()
	acc.Append(chunk, endOfStream)
	if e.shared.Config.DecodeResponsePreview && acc.Truncated() && !wasTruncated {
		e.shared.Metrics.RecordTruncation(bodybuffer.Response.String())
	}
	if e.verbose {
		attrs := []slog.Attr{slog.Bool("end_of_stream", endOfStream), slog.Int("bytes", len(chunk))}
		if preview, ok := e.decodedResponsePreview(endOfStream); ok {
			e.shared.Stages.Log(e.id, stagelog.StageResponseBody, preview, append(attrs, slog.String("decoded", e.responseEncoding))...)
		} else {
			e.shared.Stages.Body(e.id, stagelog.StageResponseBody, chunk, attrs...)
		}
	}
	return Continue
}

// ResponseTrailers handles the response trailers.
func (e *Exchange) ResponseTrailers(h Host) Signal {
	if !e.enter(PhaseResponseTrailers) {
		return Continue
	}
	e.ensureID()
	e.buffers.Get(bodybuffer.Response).Append(nil, true)
	if e.verbose {
		e.shared.Stages.Headers(e.id, stagelog.StageResponseTrailers, h.GetResponseTrailers)
	}
	return Continue
}

// End releases the exchange. It is safe to call more than once.
func (e *Exchange) End() {
	if e.ended {
		return
	}
	e.ended = true
	e.phase = PhaseEnd
	e.checkMissed()

	for _, d := range []bodybuffer.Direction{bodybuffer.Request, bodybuffer.Response} {
		if total := e.buffers.Get(d).Total(); total > 0 {
			e.shared.Metrics.RecordBodySize(d.String(), total)
		}
	}
	e.buffers.Release()
	e.shared.Metrics.ExchangeEnded(string(e.shared.Variant))
	if e.shared.Variant == VariantPassthrough {
		e.shared.Stages.Log(e.id, stagelog.StageFilterDestroyed, `""`)
	}
}

// enter moves the exchange to phase p. It returns false, counting a lifecycle
// violation, when p would move the exchange backward or repeat a phase that
// cannot repeat, or when the exchange has ended.
func (e *Exchange) enter(p Phase) bool {
	if e.ended || p < e.phase || (p == e.phase && !p.repeatable()) {
		e.shared.Metrics.RecordLifecycleViolation(p.String())
		if e.shared.DebugLogEnabled {
			e.shared.Logger.Debug("ignoring out of order callback",
				slog.String("id", e.id), slog.String("phase", p.String()), slog.String("current", e.phase.String()))
		}
		return false
	}
	e.phase = p
	return true
}

func (e *Exchange) ensureID() {
	if e.id == "" {
		e.id = uuid.NewString()
	}
}

// attempt extracts the routing key from the request buffer and decides on it.
// A terminal attempt always decides, falling back to the default value.
func (e *Exchange) attempt(h Host, mode routingkey.Mode, trigger string, terminal bool) {
	key, err := e.shared.Extractor.Extract(e.RequestBuffer().Bytes(), mode)
	if err != nil {
		if e.shared.DebugLogEnabled {
			e.shared.Logger.Debug("no routing key",
				slog.String("id", e.id), slog.String("trigger", trigger), slog.String("reason", routingkey.Reason(err)))
		}
		if !terminal {
			return
		}
		e.shared.Metrics.RecordExtractFailure(routingkey.Reason(err))
		e.decide(h, e.policy.Decide("", false), trigger)
		return
	}
	e.decide(h, e.policy.Decide(key, true), trigger)
}

// decide applies d. After this no further decision is attempted, even if the host refused the header.
func (e *Exchange) decide(h Host, d headermutator.Decision, trigger string) {
	e.decided = true
	applied, err := e.applier.Apply(h, d)
	if err != nil {
		e.shared.Metrics.RecordHeaderSetFailure()
		e.shared.Logger.Warn("failed to set the routing header",
			slog.String("id", e.id), slog.String("header", d.Name), slog.String("error", err.Error()))
		return
	}
	if !applied {
		return
	}
	e.trigger = trigger
	e.shared.Metrics.RecordDecision(string(e.shared.Variant), d.Value, d.Matched, trigger)
	e.shared.Stages.Log(e.id, stagelog.StageRouteDecision, strconv.Quote(d.Name+": "+d.Value),
		slog.String("key", d.Key), slog.Bool("matched", d.Matched), slog.String("trigger", trigger))
}

// checkMissed records, once, a routing exchange that reached the response without a decision.
func (e *Exchange) checkMissed() {
	if e.shared.Variant != VariantRouting || e.applier.Applied() || e.missed {
		return
	}
	e.missed = true
	e.shared.Metrics.RecordMissedDecision(string(e.shared.Variant))
	e.shared.Logger.Warn("no routing decision was made before the request left the filter",
		slog.String("id", e.id), slog.String("phase", e.phase.String()))
}

func (e *Exchange) decodedResponsePreview(endOfStream bool) (string, bool) {
	if !endOfStream || !e.shared.Config.DecodeResponsePreview || e.responseEncoding == "" {
		return "", false
	}
	limit := e.shared.Stages.PreviewBytes()
	out, err := stagelog.DecodePreview(e.responseEncoding, e.buffers.Get(bodybuffer.Response).Bytes(), limit)
	if err != nil {
		if e.shared.DebugLogEnabled {
			e.shared.Logger.Debug("failed to decode the response preview", slog.String("id", e.id), slog.String("error", err.Error()))
		}
		return "", false
	}
	return stagelog.Preview(out, limit), true
}

// isJSON reports whether the request is JSON, or does not say what it is.
func isJSON(h Host) bool {
	ct, ok := h.GetRequestHeader("content-type")
	if !ok || strings.TrimSpace(ct) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
