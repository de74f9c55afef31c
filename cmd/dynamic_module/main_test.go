// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/body-router/internal/dynamicmodule"
	"github.com/envoyproxy/body-router/internal/testing/fakeenvoy"
)

func TestInitializeEnv(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	var buf bytes.Buffer
	env, err := initializeEnv(t.Context(), slog.New(slog.NewTextHandler(&buf, nil)), "127.0.0.1:0")
	require.NoError(t, err)
	require.False(t, env.DebugLogEnabled)
	require.Contains(t, buf.String(), "body router dynamic module loaded")

	require.Nil(t, dynamicmodule.NewHTTPFilterConfig(env, "unknown", nil))
	cfg := dynamicmodule.NewHTTPFilterConfig(env, dynamicmodule.BodyBasedRoutingFilterName, nil)
	require.NotNil(t, cfg)
	e := fakeenvoy.New(nil)
	f := cfg.NewFilter(e)
	f.RequestHeaders(e, true)
	v, ok := e.RouteHeader("x-route-to")
	require.True(t, ok)
	require.Equal(t, "echo1", v)
	f.OnDestroy()
}

func TestInitializeEnv_prometheus(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "prometheus")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	var buf bytes.Buffer
	env, err := initializeEnv(ctx, slog.New(slog.NewTextHandler(&buf, nil)), addr)
	require.NoError(t, err)
	env.Metrics.RecordLogFailure()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	require.Contains(t, string(body), "body_router_log_failures_total")
}
