// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package dynamicmodule

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/envoyproxy/body-router/internal/dynamicmodule/sdk"
	"github.com/envoyproxy/body-router/internal/exchange"
	"github.com/envoyproxy/body-router/internal/filterconfig"
)

type (
	// filterConfig implements [sdk.HTTPFilterConfig] for both variants.
	filterConfig struct {
		shared *exchange.Shared
		logger *slog.Logger
		// cancel stops the routing map watcher, nil when there is none.
		cancel context.CancelFunc
	}
	// filter implements [sdk.HTTPFilter] on top of an [exchange.Exchange].
	filter struct {
		x      *exchange.Exchange
		logger *slog.Logger
	}
)

// NewBodyBasedRoutingFilterConfig creates the configuration of the filter that sets the
// routing header from the request body.
func NewBodyBasedRoutingFilterConfig(env *Env, config []byte) sdk.HTTPFilterConfig {
	return newFilterConfig(env, exchange.VariantRouting, config)
}

// NewLoggingPassthroughFilterConfig creates the configuration of the filter that logs
// every stage and never modifies the stream.
func NewLoggingPassthroughFilterConfig(env *Env, config []byte) sdk.HTTPFilterConfig {
	return newFilterConfig(env, exchange.VariantPassthrough, config)
}

func newFilterConfig(env *Env, variant exchange.Variant, raw []byte) *filterConfig {
	logger := env.Logger.With(slog.String("component", string(variant)))
	cfg, err := filterconfig.Parse(raw)
	if err != nil {
		logger.Error("invalid filter config, using the defaults", slog.String("error", err.Error()))
		cfg = filterconfig.Default()
	}
	f := &filterConfig{
		shared: exchange.NewShared(variant, cfg, env.Logger, env.Metrics, env.DebugLogEnabled),
		logger: logger,
	}
	if variant == exchange.VariantRouting && cfg.RoutingMapFile != "" {
		ctx, cancel := context.WithCancel(context.Background())
		if err = filterconfig.StartRoutingMapWatcher(ctx, cfg.RoutingMapFile, f, logger, cfg.RoutingMapFilePoll.Duration); err != nil {
			cancel()
			logger.Error("failed to watch the routing map file, using routing_map",
				slog.String("path", cfg.RoutingMapFile), slog.String("error", err.Error()))
		} else {
			f.cancel = cancel
		}
	}
	logger.Info("filter config created",
		slog.String("header_name", cfg.HeaderName),
		slog.String("routing_field", cfg.RoutingField),
		slog.Int("routes", f.shared.Policies.Load().Table.Len()),
		slog.Int("max_body_bytes", cfg.MaxBodyBytes))
	return f
}

// LoadRoutingMap implements [filterconfig.RoutingMapReceiver].
func (f *filterConfig) LoadRoutingMap(_ context.Context, routes map[string]string) error {
	f.shared.Policies.Store(f.shared.Config.Policy(routes))
	return nil
}

// Destroy is called by the SDK when Envoy destroys the filter configuration.
func (f *filterConfig) Destroy() {
	if f.cancel != nil {
		f.cancel()
	}
}

// NewFilter implements [sdk.HTTPFilterConfig].
func (f *filterConfig) NewFilter(sdk.EnvoyHTTPFilter) sdk.HTTPFilter {
	return &filter{x: exchange.New(f.shared), logger: f.logger}
}

// RequestHeaders implements [sdk.HTTPFilter].
func (f *filter) RequestHeaders(e sdk.EnvoyHTTPFilter, endOfStream bool) sdk.RequestHeadersStatus {
	if f.x.RequestHeaders(e, endOfStream) == exchange.Pause {
		return sdk.RequestHeadersStatusStopIteration
	}
	return sdk.RequestHeadersStatusContinue
}

// RequestBody implements [sdk.HTTPFilter].
func (f *filter) RequestBody(e sdk.EnvoyHTTPFilter, endOfStream bool) sdk.RequestBodyStatus {
	if f.x.RequestBody(e, f.read(e.GetReceivedRequestBody()), endOfStream) == exchange.Pause {
		return sdk.RequestBodyStatusStopIterationAndBuffer
	}
	return sdk.RequestBodyStatusContinue
}

// RequestTrailers implements [sdk.HTTPFilter].
func (f *filter) RequestTrailers(e sdk.EnvoyHTTPFilter) sdk.RequestTrailersStatus {
	f.x.RequestTrailers(e)
	return sdk.RequestTrailersStatusContinue
}

// ResponseHeaders implements [sdk.HTTPFilter].
func (f *filter) ResponseHeaders(e sdk.EnvoyHTTPFilter, endOfStream bool) sdk.ResponseHeadersStatus {
	f.x.ResponseHeaders(e, endOfStream)
	return sdk.ResponseHeadersStatusContinue
}

// ResponseBody implements [sdk.HTTPFilter].
func (f *filter) ResponseBody(e sdk.EnvoyHTTPFilter, endOfStream bool) sdk.ResponseBodyStatus {
	f.x.ResponseBody(e, f.read(e.GetReceivedResponseBody()), endOfStream)
	return sdk.ResponseBodyStatusContinue
}

// ResponseTrailers implements [sdk.HTTPFilter].
func (f *filter) ResponseTrailers(e sdk.EnvoyHTTPFilter) sdk.ResponseTrailersStatus {
	f.x.ResponseTrailers(e)
	return sdk.ResponseTrailersStatusContinue
}

// OnStreamComplete implements [sdk.HTTPFilter].
func (f *filter) OnStreamComplete() { f.x.End() }

// OnDestroy implements [sdk.HTTPFilter].
func (f *filter) OnDestroy() { f.x.End() }

// read copies the received body chunk out of Envoy.
func (f *filter) read(r sdk.BodyReader, ok bool) []byte {
	if !ok {
		return nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, r.Len()))
	if _, err := r.WriteTo(buf); err != nil {
		f.logger.Warn("failed to read the body chunk", slog.String("id", f.x.ID()), slog.String("error", err.Error()))
	}
	return buf.Bytes()
}
