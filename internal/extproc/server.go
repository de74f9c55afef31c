// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package extproc serves the body routing filters as an Envoy external processor.
//
// Each Process stream is one exchange. Envoy must send the request body in
// BUFFERED mode: a request header mutation carried on a body response is only
// honored while Envoy still holds the request headers.
package extproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/envoyproxy/body-router/internal/exchange"
)

// Server implements the external process server.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer
	logger *slog.Logger
	shared *exchange.Shared
}

// NewServer creates a new external processor server running exchanges that share shared.
func NewServer(logger *slog.Logger, shared *exchange.Shared) *Server {
	return &Server{logger: logger, shared: shared}
}

// Process implements [extprocv3.ExternalProcessorServer].
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	x := exchange.New(s.shared)
	defer x.End()
	h := &streamHost{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		} else if err != nil {
			s.logger.Error("cannot receive stream request", slog.String("error", err.Error()))
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		resp, err := s.processMsg(x, h, req)
		if err != nil {
			s.logger.Error("cannot process request", slog.String("error", err.Error()))
			return status.Errorf(codes.InvalidArgument, "cannot process request: %v", err)
		}
		if err := stream.Send(resp); err != nil {
			s.logger.Error("cannot send response", slog.String("error", err.Error()))
			return status.Errorf(codes.Unknown, "cannot send response: %v", err)
		}
	}
}

// processMsg feeds one message to the exchange. The signal returned by the exchange is
// not used: in BUFFERED mode Envoy already holds the request until it gets the response.
func (s *Server) processMsg(x *exchange.Exchange, h *streamHost, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch value := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		h.requestHeaders = headerMap(value.RequestHeaders.GetHeaders())
		x.RequestHeaders(h, value.RequestHeaders.GetEndOfStream())
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{Response: h.takeCommonResponse()},
		}}, nil
	case *extprocv3.ProcessingRequest_RequestBody:
		x.RequestBody(h, value.RequestBody.GetBody(), value.RequestBody.GetEndOfStream())
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: &extprocv3.BodyResponse{Response: h.takeCommonResponse()},
		}}, nil
	case *extprocv3.ProcessingRequest_RequestTrailers:
		h.requestTrailers = headerMap(value.RequestTrailers.GetTrailers())
		x.RequestTrailers(h)
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extprocv3.TrailersResponse{},
		}}, nil
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		h.responseHeaders = headerMap(value.ResponseHeaders.GetHeaders())
		x.ResponseHeaders(h, value.ResponseHeaders.GetEndOfStream())
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{},
		}}, nil
	case *extprocv3.ProcessingRequest_ResponseBody:
		x.ResponseBody(h, value.ResponseBody.GetBody(), value.ResponseBody.GetEndOfStream())
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{},
		}}, nil
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		h.responseTrailers = headerMap(value.ResponseTrailers.GetTrailers())
		x.ResponseTrailers(h)
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{},
		}}, nil
	default:
		return nil, fmt.Errorf("unknown request type: %T", value)
	}
}

// Check implements [grpc_health_v1.HealthServer].
func (s *Server) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// Watch implements [grpc_health_v1.HealthServer].
func (s *Server) Watch(*grpc_health_v1.HealthCheckRequest, grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}

// streamHost implements [exchange.Host] over the messages of one stream.
// Request header writes are collected and sent back on the next response.
type streamHost struct {
	requestHeaders, requestTrailers   map[string][]string
	responseHeaders, responseTrailers map[string][]string

	setHeaders      []*corev3.HeaderValueOption
	clearRouteCache bool
}

// SetRequestHeader implements [exchange.Host].
func (h *streamHost) SetRequestHeader(key string, value []byte) bool {
	h.setHeaders = append(h.setHeaders, &corev3.HeaderValueOption{
		Header:       &corev3.HeaderValue{Key: key, RawValue: value},
		AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
	})
	if h.requestHeaders == nil {
		h.requestHeaders = map[string][]string{}
	}
	h.requestHeaders[key] = []string{string(value)}
	return true
}

// ClearRouteCache implements [exchange.Host].
func (h *streamHost) ClearRouteCache() { h.clearRouteCache = true }

// GetRequestHeader implements [exchange.Host].
func (h *streamHost) GetRequestHeader(key string) (string, bool) { return first(h.requestHeaders, key) }

// GetRequestHeaders implements [exchange.Host].
func (h *streamHost) GetRequestHeaders() map[string][]string { return h.requestHeaders }

// GetRequestTrailers implements [exchange.Host].
func (h *streamHost) GetRequestTrailers() map[string][]string { return h.requestTrailers }

// GetResponseHeader implements [exchange.Host].
func (h *streamHost) GetResponseHeader(key string) (string, bool) { return first(h.responseHeaders, key) }

// GetResponseHeaders implements [exchange.Host].
func (h *streamHost) GetResponseHeaders() map[string][]string { return h.responseHeaders }

// GetResponseTrailers implements [exchange.Host].
func (h *streamHost) GetResponseTrailers() map[string][]string { return h.responseTrailers }

// takeCommonResponse returns the pending header mutation, or nil when there is none.
func (h *streamHost) takeCommonResponse() *extprocv3.CommonResponse {
	if len(h.setHeaders) == 0 && !h.clearRouteCache {
		return nil
	}
	resp := &extprocv3.CommonResponse{ClearRouteCache: h.clearRouteCache}
	if len(h.setHeaders) > 0 {
		resp.HeaderMutation = &extprocv3.HeaderMutation{SetHeaders: h.setHeaders}
	}
	h.setHeaders, h.clearRouteCache = nil, false
	return resp
}

func first(headers map[string][]string, key string) (string, bool) {
	if vs := headers[key]; len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

// headerMap converts Envoy headers. Envoy sets either Value or RawValue.
func headerMap(hm *corev3.HeaderMap) map[string][]string {
	out := make(map[string][]string, len(hm.GetHeaders()))
	for _, h := range hm.GetHeaders() {
		v := h.GetValue()
		if len(h.GetRawValue()) > 0 {
			v = string(h.GetRawValue())
		}
		out[h.GetKey()] = append(out[h.GetKey()], v)
	}
	return out
}
