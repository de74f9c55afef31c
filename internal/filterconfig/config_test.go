// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filterconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/body-router/internal/headermutator"
)

func TestParse(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		for _, in := range []string{"", "  \n"} {
			cfg, err := Parse([]byte(in))
			require.NoError(t, err)
			require.Equal(t, Default(), cfg)
		}
	})
	t.Run("json", func(t *testing.T) {
		cfg, err := Parse([]byte(`{"header_name":"x-backend","routing_map":{"a":"backend-a"},"match_mode":"contains","debug":true}`))
		require.NoError(t, err)
		require.Equal(t, "x-backend", cfg.HeaderName)
		require.Equal(t, map[string]string{"a": "backend-a"}, cfg.RoutingMap)
		require.Equal(t, headermutator.MatchContains, cfg.MatchMode)
		require.True(t, cfg.Debug)
		// Untouched fields keep their default.
		require.Equal(t, DefaultMaxBodyBytes, cfg.MaxBodyBytes)
		require.Equal(t, DefaultLogPrefix, cfg.LogPrefix)
	})
	t.Run("yaml", func(t *testing.T) {
		cfg, err := Parse([]byte(`
max_body_bytes: 4096
early_decision_bytes: 512
routing_field: params.name
routing_map_file: /etc/routes.yaml
routing_map_file_poll: 30s
`))
		require.NoError(t, err)
		require.Equal(t, 4096, cfg.MaxBodyBytes)
		require.Equal(t, 512, cfg.EarlyDecisionBytes)
		require.Equal(t, "params.name", cfg.RoutingField)
		require.Equal(t, "/etc/routes.yaml", cfg.RoutingMapFile)
		require.Equal(t, 30*time.Second, cfg.RoutingMapFilePoll.Duration)
		require.Equal(t, Default().RoutingMap, cfg.RoutingMap)
	})
	t.Run("empty routing map is kept", func(t *testing.T) {
		cfg, err := Parse([]byte(`routing_map: {}`))
		require.NoError(t, err)
		require.Empty(t, cfg.RoutingMap)
		require.NotNil(t, cfg.RoutingMap)
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := Parse([]byte(`{"header":"x"}`))
		require.ErrorContains(t, err, "failed to parse filter config")
	})
	t.Run("not an object", func(t *testing.T) {
		_, err := Parse([]byte(`[1, 2]`))
		require.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		expErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "negative max", mutate: func(c *Config) { c.MaxBodyBytes = -1 }, expErr: "max_body_bytes must not be negative"},
		{name: "negative early", mutate: func(c *Config) { c.EarlyDecisionBytes = -1 }, expErr: "early_decision_bytes must not be negative"},
		{name: "early above max", mutate: func(c *Config) { c.EarlyDecisionBytes = c.MaxBodyBytes + 1 }, expErr: "must not exceed max_body_bytes"},
		{name: "negative preview", mutate: func(c *Config) { c.PreviewBytes = -5 }, expErr: "preview_bytes must not be negative"},
		{name: "empty header", mutate: func(c *Config) { c.HeaderName = "" }, expErr: "header_name must not be empty"},
		{name: "pseudo header", mutate: func(c *Config) { c.HeaderName = ":path" }, expErr: "pseudo-header"},
		{name: "upper case header", mutate: func(c *Config) { c.HeaderName = "X-Route-To" }, expErr: "lower case"},
		{name: "invalid header", mutate: func(c *Config) { c.HeaderName = "x route" }, expErr: "not a valid header name"},
		{name: "match mode", mutate: func(c *Config) { c.MatchMode = "regex" }, expErr: "match_mode must be"},
		{name: "routing field", mutate: func(c *Config) { c.RoutingField = " " }, expErr: "routing_field must not be empty"},
		{name: "poll", mutate: func(c *Config) {
			c.RoutingMapFile = "routes.yaml"
			c.RoutingMapFilePoll.Duration = 0
		}, expErr: "routing_map_file_poll must be positive"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.expErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.expErr)
		})
	}

	t.Run("all errors are reported", func(t *testing.T) {
		cfg := Default()
		cfg.MaxBodyBytes = -1
		cfg.RoutingField = ""
		err := cfg.Validate()
		require.ErrorContains(t, err, "max_body_bytes")
		require.ErrorContains(t, err, "routing_field")
	})
	t.Run("parse validates", func(t *testing.T) {
		_, err := Parse([]byte(`match_mode: prefix`))
		require.ErrorContains(t, err, "invalid filter config")
	})
}

func TestConfig_Policy(t *testing.T) {
	cfg := Default()
	p := cfg.Policy(nil)
	require.Equal(t, "x-route-to", p.HeaderName)
	require.Equal(t, "echo1", p.DefaultValue)
	require.Equal(t, headermutator.Decision{Name: "x-route-to", Value: "echo2", Key: "echo2", Matched: true}, p.Decide("echo2", true))

	p = cfg.Policy(map[string]string{"other": "backend"})
	require.False(t, p.Decide("echo2", true).Matched)
	require.True(t, p.Decide("other", true).Matched)
}

func TestDefault_MatchMode(t *testing.T) {
	cfg := Default()
	require.Equal(t, headermutator.MatchExact, cfg.MatchMode)
	d := cfg.Policy(nil).Decide("echo2_v2", true)
	require.False(t, d.Matched)
	require.Equal(t, "echo1", d.Value)

	cfg, err := Parse([]byte(`match_mode: contains`))
	require.NoError(t, err)
	d = cfg.Policy(nil).Decide("echo2_v2", true)
	require.True(t, d.Matched)
	require.Equal(t, "echo2", d.Value)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("header_name: x-target\n"), 0o600))
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "x-target", cfg.HeaderName)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read filter config")
}

func TestLoadRoutingMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("echo2: cluster-b\nechoes: cluster-c\n"), 0o600))
	routes, err := LoadRoutingMap(path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"echo2": "cluster-b", "echoes": "cluster-c"}, routes)

	require.NoError(t, os.WriteFile(path, []byte("echo2: [a, b]\n"), 0o600))
	_, err = LoadRoutingMap(path)
	require.ErrorContains(t, err, "failed to parse routing map")
}
