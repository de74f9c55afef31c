// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/envoyproxy/body-router/internal/admin"
	"github.com/envoyproxy/body-router/internal/dynamicmodule"
	"github.com/envoyproxy/body-router/internal/dynamicmodule/sdk"
	"github.com/envoyproxy/body-router/internal/metrics"
	"github.com/envoyproxy/body-router/internal/version"
)

func main() {} // This must be present to make a shared library.

// envAdminAddress optionally sets the address of the admin server serving /metrics.
const envAdminAddress = "BODY_ROUTER_DYNAMIC_MODULE_ADMIN_ADDRESS"

// Set the sdk.NewHTTPFilterConfig function to create the filter configurations.
func init() {
	env, err := initializeEnv(context.Background(), sdk.NewSlogLogger(), os.Getenv(envAdminAddress))
	if err != nil {
		panic("failed to create env config: " + err.Error())
	}
	sdk.NewHTTPFilterConfig = func(name string, config []byte) sdk.HTTPFilterConfig {
		return dynamicmodule.NewHTTPFilterConfig(env, name, config)
	}
}

// initializeEnv creates the process-wide environment and starts the admin server when
// adminAddress is set and metrics are exported to Prometheus.
func initializeEnv(ctx context.Context, logger *slog.Logger, adminAddress string) (*dynamicmodule.Env, error) {
	m, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if registry := m.Registry(); registry != nil && adminAddress != "" {
		if _, err = admin.Start(ctx, logger, adminAddress, registry); err != nil {
			return nil, fmt.Errorf("failed to start admin server: %w", err)
		}
	}
	logger.Info("body router dynamic module loaded", slog.String("version", version.Version))
	return &dynamicmodule.Env{
		Logger:          logger,
		DebugLogEnabled: logger.Enabled(ctx, slog.LevelDebug),
		Metrics:         metrics.NewFilter(m.Meter()),
	}, nil
}
