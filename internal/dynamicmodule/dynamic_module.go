// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package dynamicmodule binds the body routing filters to the Envoy dynamic module SDK.
package dynamicmodule

import (
	"log/slog"

	"github.com/envoyproxy/body-router/internal/dynamicmodule/sdk"
	"github.com/envoyproxy/body-router/internal/exchange"
	"github.com/envoyproxy/body-router/internal/metrics"
)

// Filter names, as set in the filter_name of the Envoy dynamic module filter configuration.
const (
	BodyBasedRoutingFilterName   = string(exchange.VariantRouting)
	LoggingPassthroughFilterName = string(exchange.VariantPassthrough)
)

// Env holds the environment configuration for the dynamic module that is process-wide.
type Env struct {
	Logger          *slog.Logger
	DebugLogEnabled bool
	Metrics         metrics.Filter
}

// NewHTTPFilterConfig creates the filter configuration for the named filter.
// It returns nil for an unknown name, which makes Envoy reject the configuration.
func NewHTTPFilterConfig(env *Env, name string, config []byte) sdk.HTTPFilterConfig {
	switch name {
	case BodyBasedRoutingFilterName:
		return NewBodyBasedRoutingFilterConfig(env, config)
	case LoggingPassthroughFilterName:
		return NewLoggingPassthroughFilterConfig(env, config)
	default:
		env.Logger.Error("unknown filter name", slog.String("name", name))
		return nil
	}
}
