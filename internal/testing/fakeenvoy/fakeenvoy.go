// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package fakeenvoy provides an in-memory [sdk.EnvoyHTTPFilter] for tests.
package fakeenvoy

import (
	"bytes"
	"maps"

	"github.com/envoyproxy/body-router/internal/dynamicmodule/sdk"
)

// Filter is an in-memory Envoy filter. Tests set the fields before invoking an event
// hook and inspect them afterward.
type Filter struct {
	RequestHeaders   map[string][]string
	RequestTrailers  map[string][]string
	ResponseHeaders  map[string][]string
	ResponseTrailers map[string][]string

	// RequestChunk is the request body chunk of the current event.
	RequestChunk []byte
	// ResponseChunk is the response body chunk of the current event.
	ResponseChunk []byte

	// FailSetRequestHeader makes SetRequestHeader refuse every header.
	FailSetRequestHeader bool

	SetRequestHeaderCalls int
	ClearRouteCacheCalls  int
}

var _ sdk.EnvoyHTTPFilter = (*Filter)(nil)

// New returns a Filter with the given request headers.
func New(requestHeaders map[string][]string) *Filter {
	f := &Filter{RequestHeaders: map[string][]string{}}
	maps.Copy(f.RequestHeaders, requestHeaders)
	return f
}

// GetRequestHeader implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetRequestHeader(key string) (string, bool) {
	return first(f.RequestHeaders, key)
}

// GetRequestHeaders implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetRequestHeaders() map[string][]string { return f.RequestHeaders }

// SetRequestHeader implements [sdk.EnvoyHTTPFilter].
func (f *Filter) SetRequestHeader(key string, value []byte) bool {
	f.SetRequestHeaderCalls++
	if f.FailSetRequestHeader {
		return false
	}
	if f.RequestHeaders == nil {
		f.RequestHeaders = map[string][]string{}
	}
	f.RequestHeaders[key] = []string{string(value)}
	return true
}

// GetRequestTrailers implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetRequestTrailers() map[string][]string { return f.RequestTrailers }

// GetResponseHeader implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetResponseHeader(key string) (string, bool) {
	return first(f.ResponseHeaders, key)
}

// GetResponseHeaders implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetResponseHeaders() map[string][]string { return f.ResponseHeaders }

// GetResponseTrailers implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetResponseTrailers() map[string][]string { return f.ResponseTrailers }

// GetReceivedRequestBody implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetReceivedRequestBody() (sdk.BodyReader, bool) {
	if len(f.RequestChunk) == 0 {
		return nil, false
	}
	return NewBodyReader(f.RequestChunk), true
}

// GetReceivedResponseBody implements [sdk.EnvoyHTTPFilter].
func (f *Filter) GetReceivedResponseBody() (sdk.BodyReader, bool) {
	if len(f.ResponseChunk) == 0 {
		return nil, false
	}
	return NewBodyReader(f.ResponseChunk), true
}

// ClearRouteCache implements [sdk.EnvoyHTTPFilter].
func (f *Filter) ClearRouteCache() { f.ClearRouteCacheCalls++ }

// RouteHeader returns the first value of a request header.
func (f *Filter) RouteHeader(name string) (string, bool) { return first(f.RequestHeaders, name) }

func first(headers map[string][]string, key string) (string, bool) {
	if vs := headers[key]; len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

// bodyReader implements [sdk.BodyReader] over a byte slice.
type bodyReader struct {
	*bytes.Reader
	size int
}

// NewBodyReader returns an [sdk.BodyReader] reading b.
func NewBodyReader(b []byte) sdk.BodyReader {
	return &bodyReader{Reader: bytes.NewReader(b), size: len(b)}
}

// Len implements [sdk.BodyReader].
func (b *bodyReader) Len() int { return b.size }
