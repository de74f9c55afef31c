// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/body-router/internal/exchange"
	"github.com/envoyproxy/body-router/internal/filterconfig"
	"github.com/envoyproxy/body-router/internal/metrics"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func Test_doMain(t *testing.T) {
	configPath := writeFile(t, "config.yaml", `
routing_map:
  echo2: cluster_echo2
default_header_value: cluster_echo1
`)
	bodyPath := writeFile(t, "body.json", `{"method": "echo2", "data": "test"}`)

	tests := []struct {
		name   string
		args   []string
		expOut string
	}{
		{
			name:   "version",
			args:   []string{"version"},
			expOut: "Body Router CLI: dev\n",
		},
		{
			name: "decide matched",
			args: []string{"decide", "--config", configPath, "--body-file", bodyPath, "--chunk-size", "7"},
			expOut: `chunks: 5
decided: true
header: x-route-to
key: echo2
matched: true
phase: request_body
trigger: end_of_stream
truncated: false
value: cluster_echo2
`,
		},
		{
			name: "decide default",
			args: []string{"decide", "--config", configPath, "--body", `{"method": "anything", "data": "test"}`},
			expOut: `chunks: 1
decided: true
header: x-route-to
key: anything
matched: false
phase: request_body
trigger: end_of_stream
truncated: false
value: cluster_echo1
`,
		},
		{
			name: "decide empty body",
			args: []string{"decide", "--config", configPath},
			expOut: `chunks: 0
decided: true
header: x-route-to
matched: false
phase: request_headers
trigger: request_headers
truncated: false
value: cluster_echo1
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			require.NoError(t, doMain(out, &bytes.Buffer{}, tt.args))
			require.Equal(t, tt.expOut, out.String())
		})
	}
}

func Test_doMain_verbose(t *testing.T) {
	stderr := &bytes.Buffer{}
	require.NoError(t, doMain(&bytes.Buffer{}, stderr, []string{"decide", "-v", "--request-id", "r1", "--body", `{"method":"echo2"}`}))
	require.Contains(t, stderr.String(), "id=r1 stage=request_headers")
	require.Contains(t, stderr.String(), "id=r1 stage=request_body")
	require.Contains(t, stderr.String(), "id=r1 stage=route_decision")
}

func TestValidate(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "header_name: x-cluster\nmatch_mode: contains\n")
		out := &bytes.Buffer{}
		require.NoError(t, doMain(out, &bytes.Buffer{}, []string{"validate", path}))

		var got filterconfig.Config
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
		expected := filterconfig.Default()
		expected.HeaderName = "x-cluster"
		expected.MatchMode = "contains"
		require.Equal(t, *expected, got)
	})
	t.Run("invalid", func(t *testing.T) {
		path := writeFile(t, "config.yaml", "header_name: X-Cluster\n")
		err := doMain(&bytes.Buffer{}, &bytes.Buffer{}, []string{"validate", path})
		require.ErrorContains(t, err, "invalid filter config")
	})
}

func TestReplay(t *testing.T) {
	cfg := filterconfig.Default()
	cfg.MaxBodyBytes = 20
	shared := exchange.NewShared(exchange.VariantRouting, cfg, slog.New(slog.DiscardHandler),
		metrics.NewFilter(noop.NewMeterProvider().Meter("test")), false)

	t.Run("truncated", func(t *testing.T) {
		body := []byte(`{"method":"echo2","params":{"a":"bbbbbbbbbbbbbbbbbbbb"}}`)
		d := replay(shared, newReplayHost("application/json", "", len(body)), body, 4)
		require.True(t, d.Truncated)
		require.Equal(t, "truncated", d.Trigger)
		require.Equal(t, "echo2", d.Value)
		require.Equal(t, 6, d.Chunks)
	})
	t.Run("chunking does not change the decision", func(t *testing.T) {
		body := []byte(`{"method":"echo2"}`)
		whole := replay(shared, newReplayHost("application/json", "", len(body)), body, 0)
		for _, size := range []int{1, 3, 6} {
			chunked := replay(shared, newReplayHost("application/json", "", len(body)), body, size)
			require.Equal(t, whole.Value, chunked.Value)
			require.Equal(t, whole.Key, chunked.Key)
		}
	})
}
