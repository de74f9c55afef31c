// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package exchange

// Phase is the lifecycle position of an exchange. Phases only move forward.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseRequestHeaders
	PhaseRequestBody
	PhaseRequestTrailers
	PhaseResponseHeaders
	PhaseResponseBody
	PhaseResponseTrailers
	PhaseEnd
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseRequestHeaders:
		return "request_headers"
	case PhaseRequestBody:
		return "request_body"
	case PhaseRequestTrailers:
		return "request_trailers"
	case PhaseResponseHeaders:
		return "response_headers"
	case PhaseResponseBody:
		return "response_body"
	case PhaseResponseTrailers:
		return "response_trailers"
	case PhaseEnd:
		return "end"
	default:
		return "unknown"
	}
}

// repeatable reports whether the phase may be entered several times in a row.
func (p Phase) repeatable() bool {
	return p == PhaseRequestBody || p == PhaseResponseBody
}

// Variant selects the behavior of the filter.
type Variant string

const (
	// VariantRouting sets the routing header from the request body.
	VariantRouting Variant = "body_based_routing"
	// VariantPassthrough only logs every stage.
	VariantPassthrough Variant = "logging_passthrough"
)

// Signal tells the host whether to keep processing the stream.
type Signal int

const (
	// Continue lets the stream proceed.
	Continue Signal = iota
	// Pause holds the stream. On body callbacks the host keeps buffering the body.
	Pause
)

// Triggers of a routing decision, as recorded in metrics.
const (
	TriggerRequestHeaders  = "request_headers"
	TriggerEarly           = "early"
	TriggerEndOfStream     = "end_of_stream"
	TriggerTruncated       = "truncated"
	TriggerRequestTrailers = "request_trailers"
)
