// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

//go:build envoy && cgo

package sdk

// Following is a distillation of the Envoy ABI for dynamic modules:
// https://github.com/envoyproxy/envoy/blob/v1.37.0/source/extensions/dynamic_modules/abi.h
//
// Pointers crossing the boundary are declared as uintptr_t instead of *char, since
// the Go runtime refuses Go pointers passed to C. Only the callbacks this module
// calls are declared.

/*
#include <stdbool.h>
#include <stddef.h>
#include <stdint.h>

typedef enum {
    envoy_dynamic_module_type_http_header_type_RequestHeader = 0,
    envoy_dynamic_module_type_http_header_type_RequestTrailer = 1,
    envoy_dynamic_module_type_http_header_type_ResponseHeader = 2,
    envoy_dynamic_module_type_http_header_type_ResponseTrailer = 3,
} envoy_dynamic_module_type_http_header_type;

typedef struct {
    uintptr_t ptr;
    size_t length;
} envoy_dynamic_module_type_envoy_buffer;

typedef struct {
    uintptr_t ptr;
    size_t length;
} envoy_dynamic_module_type_module_buffer;

typedef enum {
    envoy_dynamic_module_type_http_body_type_ReceivedRequestBody,
    envoy_dynamic_module_type_http_body_type_BufferedRequestBody,
    envoy_dynamic_module_type_http_body_type_ReceivedResponseBody,
    envoy_dynamic_module_type_http_body_type_BufferedResponseBody,
} envoy_dynamic_module_type_http_body_type;

typedef struct {
    uintptr_t key_ptr;
    size_t key_length;
    uintptr_t value_ptr;
    size_t value_length;
} envoy_dynamic_module_type_envoy_http_header;

#cgo noescape envoy_dynamic_module_callback_http_get_header
#cgo nocallback envoy_dynamic_module_callback_http_get_header
bool envoy_dynamic_module_callback_http_get_header(
    uintptr_t filter_envoy_ptr,
    int header_type,
    envoy_dynamic_module_type_module_buffer key,
    envoy_dynamic_module_type_envoy_buffer* result_buffer,
    size_t index,
    size_t* optional_size);

#cgo noescape envoy_dynamic_module_callback_http_set_header
#cgo nocallback envoy_dynamic_module_callback_http_set_header
bool envoy_dynamic_module_callback_http_set_header(
    uintptr_t filter_envoy_ptr,
    int header_type,
    envoy_dynamic_module_type_module_buffer key,
    envoy_dynamic_module_type_module_buffer value);

#cgo noescape envoy_dynamic_module_callback_http_get_headers_size
#cgo nocallback envoy_dynamic_module_callback_http_get_headers_size
size_t envoy_dynamic_module_callback_http_get_headers_size(
    uintptr_t filter_envoy_ptr,
    int header_type);

#cgo noescape envoy_dynamic_module_callback_http_get_headers
#cgo nocallback envoy_dynamic_module_callback_http_get_headers
bool envoy_dynamic_module_callback_http_get_headers(
    uintptr_t filter_envoy_ptr,
    int header_type,
    envoy_dynamic_module_type_envoy_http_header* result_headers);

#cgo noescape envoy_dynamic_module_callback_http_get_body_chunks
#cgo nocallback envoy_dynamic_module_callback_http_get_body_chunks
bool envoy_dynamic_module_callback_http_get_body_chunks(
    uintptr_t filter_envoy_ptr,
    int body_type,
    envoy_dynamic_module_type_envoy_buffer* result_buffer_vector);

#cgo noescape envoy_dynamic_module_callback_http_get_body_chunks_size
#cgo nocallback envoy_dynamic_module_callback_http_get_body_chunks_size
size_t envoy_dynamic_module_callback_http_get_body_chunks_size(
    uintptr_t filter_envoy_ptr,
    int body_type);

#cgo noescape envoy_dynamic_module_callback_http_clear_route_cache
#cgo nocallback envoy_dynamic_module_callback_http_clear_route_cache
void envoy_dynamic_module_callback_http_clear_route_cache(
	uintptr_t filter_envoy_ptr);

#cgo noescape envoy_dynamic_module_callback_log
#cgo nocallback envoy_dynamic_module_callback_log
void envoy_dynamic_module_callback_log(uintptr_t level, uintptr_t message_ptr, size_t message_length);

#cgo noescape envoy_dynamic_module_callback_log_enabled
#cgo nocallback envoy_dynamic_module_callback_log_enabled
bool envoy_dynamic_module_callback_log_enabled(uintptr_t level);
*/
import "C"

import (
	"io"
	"log/slog"
	"runtime"
	"unsafe"
)

var version = append([]byte("4dae397a7c9ff0238d318d57ea656ce8b3fbff595787dcd7ee2ff5b79c9fe10f"), 0)

func init() {
	logFunc = func(slevel slog.Level, message string) {
		var level logLevel
		switch {
		case slevel >= slog.LevelError:
			level = logLevelError
		case slevel >= slog.LevelWarn:
			level = logLevelWarn
		case slevel >= slog.LevelInfo:
			level = logLevelInfo
		default:
			level = logLevelDebug
		}
		messagePtr := uintptr(unsafe.Pointer(unsafe.StringData(message)))
		C.envoy_dynamic_module_callback_log(
			C.uintptr_t(level),
			C.uintptr_t(messagePtr),
			C.size_t(len(message)),
		)
		runtime.KeepAlive(message)
	}
	switch {
	case bool(C.envoy_dynamic_module_callback_log_enabled(C.uintptr_t(logLevelTrace))):
		logLevelEnabledOnEnvoy = slog.LevelDebug
	case bool(C.envoy_dynamic_module_callback_log_enabled(C.uintptr_t(logLevelDebug))):
		logLevelEnabledOnEnvoy = slog.LevelDebug
	case bool(C.envoy_dynamic_module_callback_log_enabled(C.uintptr_t(logLevelInfo))):
		logLevelEnabledOnEnvoy = slog.LevelInfo
	case bool(C.envoy_dynamic_module_callback_log_enabled(C.uintptr_t(logLevelWarn))):
		logLevelEnabledOnEnvoy = slog.LevelWarn
	case bool(C.envoy_dynamic_module_callback_log_enabled(C.uintptr_t(logLevelError))):
		logLevelEnabledOnEnvoy = slog.LevelError
	default:
		logLevelEnabledOnEnvoy = slog.Level(100) // Disable all logging
	}
}

type logLevel int

const (
	logLevelTrace logLevel = iota
	logLevelDebug
	logLevelInfo
	logLevelWarn
	logLevelError
)

// headerType mirrors envoy_dynamic_module_type_http_header_type.
type headerType int

const (
	headerTypeRequestHeader   headerType = 0
	headerTypeRequestTrailer  headerType = 1
	headerTypeResponseHeader  headerType = 2
	headerTypeResponseTrailer headerType = 3
)

//export envoy_dynamic_module_on_program_init
func envoy_dynamic_module_on_program_init() uintptr {
	return uintptr(unsafe.Pointer(&version[0]))
}

//export envoy_dynamic_module_on_http_filter_config_new
func envoy_dynamic_module_on_http_filter_config_new(
	_ uintptr,
	namePtr *C.char,
	nameSize C.size_t,
	configPtr *C.char,
	configSize C.size_t,
) uintptr {
	name := C.GoStringN(namePtr, C.int(nameSize))
	config := C.GoBytes(unsafe.Pointer(configPtr), C.int(configSize))
	filterConfig := NewHTTPFilterConfig(name, config)
	if filterConfig == nil {
		return 0
	}
	// Pin the filter config to the memory manager.
	pinnedFilterConfig := memManager.pinHTTPFilterConfig(filterConfig)
	return uintptr(unsafe.Pointer(pinnedFilterConfig))
}

//export envoy_dynamic_module_on_http_filter_config_destroy
func envoy_dynamic_module_on_http_filter_config_destroy(ptr uintptr) {
	pinnedFilterConfig := unwrapPinnedHTTPFilterConfig(ptr)
	if d, ok := pinnedFilterConfig.obj.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	memManager.unpinHTTPFilterConfig(pinnedFilterConfig)
}

//export envoy_dynamic_module_on_http_filter_new
func envoy_dynamic_module_on_http_filter_new(
	filterConfigPtr uintptr,
	_ uintptr,
) uintptr {
	pinnedFilterConfig := unwrapPinnedHTTPFilterConfig(filterConfigPtr)
	// The filter itself is created lazily on the first event, where the Envoy filter pointer is available.
	pinned := memManager.pinHTTPFilter(&pinnedHTTPFilterItem{
		config: pinnedFilterConfig.obj,
	})
	return uintptr(unsafe.Pointer(pinned))
}

//export envoy_dynamic_module_on_http_filter_destroy
func envoy_dynamic_module_on_http_filter_destroy(
	filterPtr uintptr,
) {
	pinned := unwrapPinnedHTTPFilter(filterPtr)
	if f := pinned.obj.filter; f != nil {
		f.OnDestroy()
	}
	memManager.unpinHTTPFilter(pinned)
}

// filterFor returns the filter of the pinned item, creating it if needed.
// Returns nil when the config declined to create one.
func filterFor(filterEnvoyPtr, filterModulePtr uintptr) HTTPFilter {
	pinned := unwrapPinnedHTTPFilter(filterModulePtr)
	if pinned.obj.filter == nil {
		pinned.obj.filter = pinned.obj.config.NewFilter(envoyFilter{raw: filterEnvoyPtr})
	}
	return pinned.obj.filter
}

//export envoy_dynamic_module_on_http_filter_request_headers
func envoy_dynamic_module_on_http_filter_request_headers(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	endOfStream bool,
) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f := filterFor(filterEnvoyPtr, filterModulePtr)
	if f == nil {
		return uintptr(RequestHeadersStatusContinue)
	}
	return uintptr(f.RequestHeaders(envoyFilter{raw: filterEnvoyPtr}, endOfStream))
}

//export envoy_dynamic_module_on_http_filter_request_body
func envoy_dynamic_module_on_http_filter_request_body(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	endOfStream bool,
) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f := filterFor(filterEnvoyPtr, filterModulePtr)
	if f == nil {
		return uintptr(RequestBodyStatusContinue)
	}
	return uintptr(f.RequestBody(envoyFilter{raw: filterEnvoyPtr}, endOfStream))
}

//export envoy_dynamic_module_on_http_filter_request_trailers
func envoy_dynamic_module_on_http_filter_request_trailers(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f := filterFor(filterEnvoyPtr, filterModulePtr)
	if f == nil {
		return uintptr(RequestTrailersStatusContinue)
	}
	return uintptr(f.RequestTrailers(envoyFilter{raw: filterEnvoyPtr}))
}

//export envoy_dynamic_module_on_http_filter_response_headers
func envoy_dynamic_module_on_http_filter_response_headers(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	endOfStream bool,
) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f := filterFor(filterEnvoyPtr, filterModulePtr)
	if f == nil {
		return uintptr(ResponseHeadersStatusContinue)
	}
	return uintptr(f.ResponseHeaders(envoyFilter{raw: filterEnvoyPtr}, endOfStream))
}

//export envoy_dynamic_module_on_http_filter_response_body
func envoy_dynamic_module_on_http_filter_response_body(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	endOfStream bool,
) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f := filterFor(filterEnvoyPtr, filterModulePtr)
	if f == nil {
		return uintptr(ResponseBodyStatusContinue)
	}
	return uintptr(f.ResponseBody(envoyFilter{raw: filterEnvoyPtr}, endOfStream))
}

//export envoy_dynamic_module_on_http_filter_response_trailers
func envoy_dynamic_module_on_http_filter_response_trailers(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
) uintptr {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	f := filterFor(filterEnvoyPtr, filterModulePtr)
	if f == nil {
		return uintptr(ResponseTrailersStatusContinue)
	}
	return uintptr(f.ResponseTrailers(envoyFilter{raw: filterEnvoyPtr}))
}

//export envoy_dynamic_module_on_http_filter_stream_complete
func envoy_dynamic_module_on_http_filter_stream_complete(
	_ uintptr,
	filterModulePtr uintptr,
) {
	// No filter means no event was ever delivered, so there is nothing to complete.
	if f := unwrapPinnedHTTPFilter(filterModulePtr).obj.filter; f != nil {
		f.OnStreamComplete()
	}
}

// The following event hooks must be exported for Envoy to load the module,
// but the filters of this module never trigger them.

//export envoy_dynamic_module_on_http_filter_http_callout_done
func envoy_dynamic_module_on_http_filter_http_callout_done(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	calloutID C.uint32_t,
	result C.uint32_t,
	headersPtr uintptr,
	headersSize C.size_t,
	bodyVectorPtr uintptr,
	bodyVectorSize C.size_t,
) {
}

//export envoy_dynamic_module_on_http_filter_scheduled
func envoy_dynamic_module_on_http_filter_scheduled(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	eventID uint64,
) {
}

//export envoy_dynamic_module_on_http_filter_http_stream_headers
func envoy_dynamic_module_on_http_filter_http_stream_headers(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	streamID uint64,
	headersPtr uintptr,
	headersSize uint64,
	endStream bool,
) {
}

//export envoy_dynamic_module_on_http_filter_http_stream_data
func envoy_dynamic_module_on_http_filter_http_stream_data(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	streamID uint64,
	dataPtr uintptr,
	dataCount uint64,
	endStream bool,
) {
}

//export envoy_dynamic_module_on_http_filter_http_stream_trailers
func envoy_dynamic_module_on_http_filter_http_stream_trailers(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	streamID uint64,
	trailersPtr uintptr,
	trailersSize uint64,
) {
}

//export envoy_dynamic_module_on_http_filter_http_stream_complete
func envoy_dynamic_module_on_http_filter_http_stream_complete(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	streamID uint64,
) {
}

//export envoy_dynamic_module_on_http_filter_http_stream_reset
func envoy_dynamic_module_on_http_filter_http_stream_reset(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
	streamID uint64,
	reason uint32,
) {
}

//export envoy_dynamic_module_on_http_filter_config_scheduled
func envoy_dynamic_module_on_http_filter_config_scheduled(
	filterConfigEnvoyPtr uintptr,
	filterConfigPtr uintptr,
	eventID uint64,
) {
}

//export envoy_dynamic_module_on_http_filter_downstream_above_write_buffer_high_watermark
func envoy_dynamic_module_on_http_filter_downstream_above_write_buffer_high_watermark(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
) {
}

//export envoy_dynamic_module_on_http_filter_downstream_below_write_buffer_low_watermark
func envoy_dynamic_module_on_http_filter_downstream_below_write_buffer_low_watermark(
	filterEnvoyPtr uintptr,
	filterModulePtr uintptr,
) {
}

// envoyFilter implements [EnvoyHTTPFilter].
type envoyFilter struct{ raw uintptr }

// GetRequestHeader implements [EnvoyHTTPFilter].
func (e envoyFilter) GetRequestHeader(key string) (string, bool) {
	return e.getHeader(headerTypeRequestHeader, key)
}

// GetResponseHeader implements [EnvoyHTTPFilter].
func (e envoyFilter) GetResponseHeader(key string) (string, bool) {
	return e.getHeader(headerTypeResponseHeader, key)
}

// GetRequestHeaders implements [EnvoyHTTPFilter].
func (e envoyFilter) GetRequestHeaders() map[string][]string {
	return e.getHeaders(headerTypeRequestHeader)
}

// GetRequestTrailers implements [EnvoyHTTPFilter].
func (e envoyFilter) GetRequestTrailers() map[string][]string {
	return e.getHeaders(headerTypeRequestTrailer)
}

// GetResponseHeaders implements [EnvoyHTTPFilter].
func (e envoyFilter) GetResponseHeaders() map[string][]string {
	return e.getHeaders(headerTypeResponseHeader)
}

// GetResponseTrailers implements [EnvoyHTTPFilter].
func (e envoyFilter) GetResponseTrailers() map[string][]string {
	return e.getHeaders(headerTypeResponseTrailer)
}

// SetRequestHeader implements [EnvoyHTTPFilter].
func (e envoyFilter) SetRequestHeader(key string, value []byte) bool {
	keyBuf := C.envoy_dynamic_module_type_module_buffer{
		ptr:    C.uintptr_t(uintptr(unsafe.Pointer(unsafe.StringData(key)))),
		length: C.size_t(len(key)),
	}
	valueBuf := C.envoy_dynamic_module_type_module_buffer{
		ptr:    C.uintptr_t(uintptr(unsafe.Pointer(unsafe.SliceData(value)))),
		length: C.size_t(len(value)),
	}

	ret := C.envoy_dynamic_module_callback_http_set_header(
		C.uintptr_t(e.raw),
		C.int(headerTypeRequestHeader),
		keyBuf,
		valueBuf,
	)

	runtime.KeepAlive(key)
	runtime.KeepAlive(value)
	return bool(ret)
}

// GetReceivedRequestBody implements [EnvoyHTTPFilter].
func (e envoyFilter) GetReceivedRequestBody() (BodyReader, bool) {
	return e.getBody(C.int(C.envoy_dynamic_module_type_http_body_type_ReceivedRequestBody))
}

// GetReceivedResponseBody implements [EnvoyHTTPFilter].
func (e envoyFilter) GetReceivedResponseBody() (BodyReader, bool) {
	return e.getBody(C.int(C.envoy_dynamic_module_type_http_body_type_ReceivedResponseBody))
}

// ClearRouteCache implements [EnvoyHTTPFilter].
func (e envoyFilter) ClearRouteCache() {
	C.envoy_dynamic_module_callback_http_clear_route_cache(
		C.uintptr_t(e.raw),
	)
}

func (e envoyFilter) getHeader(typ headerType, key string) (string, bool) {
	keyBuf := C.envoy_dynamic_module_type_module_buffer{
		ptr:    C.uintptr_t(uintptr(unsafe.Pointer(unsafe.StringData(key)))),
		length: C.size_t(len(key)),
	}
	var resultBuf C.envoy_dynamic_module_type_envoy_buffer

	ret := C.envoy_dynamic_module_callback_http_get_header(
		C.uintptr_t(e.raw),
		C.int(typ),
		keyBuf,
		&resultBuf,
		0,
		nil,
	)
	runtime.KeepAlive(key)
	if !ret {
		return "", false
	}
	result := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(resultBuf.ptr))), resultBuf.length)
	return string(result), true
}

func (e envoyFilter) getHeaders(typ headerType) map[string][]string {
	count := C.envoy_dynamic_module_callback_http_get_headers_size(
		C.uintptr_t(e.raw),
		C.int(typ),
	)
	if count == 0 {
		return nil
	}
	raw := make([]C.envoy_dynamic_module_type_envoy_http_header, count)
	ret := C.envoy_dynamic_module_callback_http_get_headers(
		C.uintptr_t(e.raw),
		C.int(typ),
		&raw[0],
	)
	if !ret {
		return nil
	}
	// The count is the number of (key, value) pairs, so this might be larger than the number of unique names.
	headers := make(map[string][]string, count)
	for i := range count {
		// Copy the Envoy owned data to Go strings.
		key := string(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raw[i].key_ptr))), raw[i].key_length))
		value := string(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raw[i].value_ptr))), raw[i].value_length))
		headers[key] = append(headers[key], value)
	}
	return headers
}

func (e envoyFilter) getBody(bodyType C.int) (BodyReader, bool) {
	vectorSize := C.envoy_dynamic_module_callback_http_get_body_chunks_size(
		C.uintptr_t(e.raw),
		bodyType,
	)
	if vectorSize == 0 {
		return nil, false
	}

	chunks := make([]envoySlice, vectorSize)
	ret := C.envoy_dynamic_module_callback_http_get_body_chunks(
		C.uintptr_t(e.raw),
		bodyType,
		(*C.envoy_dynamic_module_type_envoy_buffer)(unsafe.Pointer(&chunks[0])),
	)
	if !ret {
		return nil, false
	}
	return &bodyReader{chunks: chunks}, true
}

type envoySlice struct {
	data   uintptr
	length C.size_t
}

// bodyReader implements [BodyReader] over the chunks of a body held by Envoy.
type bodyReader struct {
	chunks        []envoySlice
	index, offset int
}

// Read implements [io.Reader].
func (b *bodyReader) Read(p []byte) (n int, err error) {
	for n < len(p) && b.index < len(b.chunks) {
		chunk := b.chunks[b.index]
		chunkData := unsafe.Slice((*byte)(unsafe.Pointer(chunk.data)), chunk.length)

		copied := copy(p[n:], chunkData[b.offset:])
		n += copied
		b.offset += copied

		if b.offset >= int(chunk.length) {
			b.index++
			b.offset = 0
		}
	}

	if n == 0 && b.index >= len(b.chunks) {
		return 0, io.EOF
	}
	return n, nil
}

// WriteTo implements [io.WriterTo].
func (b *bodyReader) WriteTo(w io.Writer) (n int64, err error) {
	for b.index < len(b.chunks) {
		chunk := b.chunks[b.index]
		data := unsafe.Slice((*byte)(unsafe.Pointer(chunk.data)), chunk.length)[b.offset:]
		m, err := w.Write(data)
		n += int64(m)
		if err != nil {
			b.offset += m
			return n, err
		}
		b.index++
		b.offset = 0
	}
	return n, nil
}

// Len implements [BodyReader].
//
// This returns the length of the body in bytes, regardless of how much has been read.
func (b *bodyReader) Len() int {
	total := 0
	for _, chunk := range b.chunks {
		total += int(chunk.length)
	}
	return total
}
