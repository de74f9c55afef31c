// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package sdk is a minimal Go binding of the Envoy dynamic modules ABI for HTTP filters.
//
// The ABI itself lives in a file built only with the "envoy" and "cgo" tags, so the
// rest of the repository, including its tests, builds without Envoy headers.
package sdk

import "io"

// NewHTTPFilterConfig is a function that creates a new HTTPFilterConfig that corresponds to each filter configuration in the Envoy filter chain.
// This is a global variable that should be set in the init function in the program once.
//
// The function is only called by the main thread, so it does not need to be thread-safe.
// Returning nil makes Envoy reject the filter configuration.
var NewHTTPFilterConfig func(name string, config []byte) HTTPFilterConfig

// HTTPFilterConfig is an interface that represents a single http filter in the Envoy filter chain.
// It is used to create HTTPFilter(s) that correspond to each Http request.
//
// This is only created once per module configuration via the NewHTTPFilterConfig function.
// If the config also implements Destroy(), it is called when Envoy destroys the configuration.
type HTTPFilterConfig interface {
	// NewFilter is called for each new Http request.
	// Note that this must be concurrency-safe as it can be called concurrently for multiple requests.
	NewFilter(e EnvoyHTTPFilter) HTTPFilter
}

// EnvoyHTTPFilter is an interface that represents the underlying Envoy filter.
// This is passed to each event hook of the HTTPFilter.
//
// **WARNING**: This must not outlive each event hook since there's no guarantee that the EnvoyHTTPFilter will be valid after the event hook is returned.
type EnvoyHTTPFilter interface {
	// GetRequestHeader gets the first value of the request header. Returns the value and true if the header is found.
	GetRequestHeader(key string) (string, bool)
	// GetRequestHeaders gets all the request headers.
	GetRequestHeaders() map[string][]string
	// SetRequestHeader sets the request header. Returns true if the header is set successfully.
	SetRequestHeader(key string, value []byte) bool
	// GetRequestTrailers gets all the request trailers.
	GetRequestTrailers() map[string][]string
	// GetResponseHeader gets the first value of the response header. Returns the value and true if the header is found.
	GetResponseHeader(key string) (string, bool)
	// GetResponseHeaders gets all the response headers.
	GetResponseHeaders() map[string][]string
	// GetResponseTrailers gets all the response trailers.
	GetResponseTrailers() map[string][]string

	// GetReceivedRequestBody gets the request body chunk of the current event. Returns the reader and true if the chunk is not empty.
	GetReceivedRequestBody() (BodyReader, bool)
	// GetReceivedResponseBody gets the response body chunk of the current event. Returns the reader and true if the chunk is not empty.
	GetReceivedResponseBody() (BodyReader, bool)

	// ClearRouteCache clears the route cache for the current request.
	ClearRouteCache()
}

// BodyReader reads a body held by Envoy.
type BodyReader interface {
	// Len returns the length of the body in bytes, regardless of how much has been read.
	Len() int
	io.Reader
	io.WriterTo
}

// HTTPFilter is an interface that represents each Http request.
//
// This is created for each new Http request and is destroyed when the request is completed.
type HTTPFilter interface {
	// RequestHeaders is called when the request headers are received.
	RequestHeaders(e EnvoyHTTPFilter, endOfStream bool) RequestHeadersStatus
	// RequestBody is called when a request body chunk is received.
	RequestBody(e EnvoyHTTPFilter, endOfStream bool) RequestBodyStatus
	// RequestTrailers is called when the request trailers are received.
	RequestTrailers(e EnvoyHTTPFilter) RequestTrailersStatus
	// ResponseHeaders is called when the response headers are received.
	ResponseHeaders(e EnvoyHTTPFilter, endOfStream bool) ResponseHeadersStatus
	// ResponseBody is called when a response body chunk is received.
	ResponseBody(e EnvoyHTTPFilter, endOfStream bool) ResponseBodyStatus
	// ResponseTrailers is called when the response trailers are received.
	ResponseTrailers(e EnvoyHTTPFilter) ResponseTrailersStatus
	// OnStreamComplete is called when the stream is complete, before OnDestroy.
	OnStreamComplete()
	// OnDestroy is called when the filter is being destroyed.
	OnDestroy()
}

// NoopHTTPFilter is a no-op implementation of the HTTPFilter interface.
type NoopHTTPFilter struct{}

func (f NoopHTTPFilter) RequestHeaders(EnvoyHTTPFilter, bool) RequestHeadersStatus {
	return RequestHeadersStatusContinue
}

func (f NoopHTTPFilter) RequestBody(EnvoyHTTPFilter, bool) RequestBodyStatus {
	return RequestBodyStatusContinue
}

func (f NoopHTTPFilter) RequestTrailers(EnvoyHTTPFilter) RequestTrailersStatus {
	return RequestTrailersStatusContinue
}

func (f NoopHTTPFilter) ResponseHeaders(EnvoyHTTPFilter, bool) ResponseHeadersStatus {
	return ResponseHeadersStatusContinue
}

func (f NoopHTTPFilter) ResponseBody(EnvoyHTTPFilter, bool) ResponseBodyStatus {
	return ResponseBodyStatusContinue
}

func (f NoopHTTPFilter) ResponseTrailers(EnvoyHTTPFilter) ResponseTrailersStatus {
	return ResponseTrailersStatusContinue
}

func (f NoopHTTPFilter) OnStreamComplete() {}

func (f NoopHTTPFilter) OnDestroy() {}

// RequestHeadersStatus is the return value of the HTTPFilter.RequestHeaders.
type RequestHeadersStatus int

const (
	// RequestHeadersStatusContinue is returned when the operation should continue.
	RequestHeadersStatusContinue                  RequestHeadersStatus = 0
	RequestHeadersStatusStopIteration             RequestHeadersStatus = 1
	RequestHeadersStatusStopAllIterationAndBuffer RequestHeadersStatus = 3
)

// RequestBodyStatus is the return value of the HTTPFilter.RequestBody event.
type RequestBodyStatus int

const (
	RequestBodyStatusContinue               RequestBodyStatus = 0
	RequestBodyStatusStopIterationAndBuffer RequestBodyStatus = 1
)

// RequestTrailersStatus is the return value of the HTTPFilter.RequestTrailers event.
type RequestTrailersStatus int

const (
	RequestTrailersStatusContinue      RequestTrailersStatus = 0
	RequestTrailersStatusStopIteration RequestTrailersStatus = 1
)

// ResponseHeadersStatus is the return value of the HTTPFilter.ResponseHeaders event.
type ResponseHeadersStatus int

const (
	ResponseHeadersStatusContinue                  ResponseHeadersStatus = 0
	ResponseHeadersStatusStopIteration             ResponseHeadersStatus = 1
	ResponseHeadersStatusStopAllIterationAndBuffer ResponseHeadersStatus = 3
)

// ResponseBodyStatus is the return value of the HTTPFilter.ResponseBody event.
type ResponseBodyStatus int

const (
	ResponseBodyStatusContinue               ResponseBodyStatus = 0
	ResponseBodyStatusStopIterationAndBuffer ResponseBodyStatus = 1
)

// ResponseTrailersStatus is the return value of the HTTPFilter.ResponseTrailers event.
type ResponseTrailersStatus int

const (
	ResponseTrailersStatusContinue      ResponseTrailersStatus = 0
	ResponseTrailersStatusStopIteration ResponseTrailersStatus = 1
)
