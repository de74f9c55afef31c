// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package bodybuffer accumulates HTTP body chunks per direction of an exchange.
package bodybuffer

// Direction is the direction of travel of a body.
type Direction int

const (
	// Request is the downstream to upstream direction.
	Request Direction = iota
	// Response is the upstream to downstream direction.
	Response
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// Accumulator is a bounded, append-only body buffer.
//
// Once the limit is reached the already buffered prefix is kept and further
// bytes are only counted. Once end of stream is observed the buffer is frozen.
// An Accumulator is owned by a single exchange and is not safe for concurrent use.
type Accumulator struct {
	buf       []byte
	limit     int
	total     int
	truncated bool
	frozen    bool
}

// NewAccumulator returns an Accumulator that keeps at most limit bytes.
// A non-positive limit keeps nothing and only counts bytes.
func NewAccumulator(limit int) *Accumulator {
	return &Accumulator{limit: max(limit, 0)}
}

// Reserve grows the backing storage to hold n bytes, capped at the limit.
// This is typically called with the content-length of the body.
func (a *Accumulator) Reserve(n int) {
	if a.frozen || n <= 0 {
		return
	}
	n = min(n, a.limit)
	if n > cap(a.buf) {
		grown := make([]byte, len(a.buf), n)
		copy(grown, a.buf)
		a.buf = grown
	}
}

// Append copies chunk into the buffer and returns the number of bytes kept.
// Chunks arriving after the buffer is frozen are dropped.
func (a *Accumulator) Append(chunk []byte, endOfStream bool) int {
	if a.frozen {
		return 0
	}
	a.total += len(chunk)
	kept := len(chunk)
	if room := a.limit - len(a.buf); kept > room {
		kept = room
		a.truncated = true
	}
	if kept > 0 {
		a.buf = append(a.buf, chunk[:kept]...)
	}
	if endOfStream {
		a.frozen = true
	}
	return kept
}

// Bytes returns the buffered prefix. The caller must not modify it.
func (a *Accumulator) Bytes() []byte { return a.buf }

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int { return len(a.buf) }

// Total returns the number of bytes observed, including the ones dropped by truncation.
func (a *Accumulator) Total() int { return a.total }

// Truncated reports whether any byte was dropped because of the limit.
func (a *Accumulator) Truncated() bool { return a.truncated }

// Frozen reports whether end of stream was observed or the buffer was released.
func (a *Accumulator) Frozen() bool { return a.frozen }

// Release drops the buffered bytes and freezes the buffer. Counters are kept.
func (a *Accumulator) Release() {
	a.buf = nil
	a.frozen = true
}

// Buffers holds the request and response accumulators of one exchange.
type Buffers struct {
	request, response *Accumulator
}

// NewBuffers returns Buffers with the given per-direction limits.
func NewBuffers(requestLimit, responseLimit int) *Buffers {
	return &Buffers{
		request:  NewAccumulator(requestLimit),
		response: NewAccumulator(responseLimit),
	}
}

// Get returns the accumulator for the direction.
func (b *Buffers) Get(d Direction) *Accumulator {
	if d == Response {
		return b.response
	}
	return b.request
}

// Append appends chunk to the buffer of the direction. See [Accumulator.Append].
func (b *Buffers) Append(d Direction, chunk []byte, endOfStream bool) int {
	return b.Get(d).Append(chunk, endOfStream)
}

// Release releases both directions.
func (b *Buffers) Release() {
	b.request.Release()
	b.response.Release()
}
