// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	registry := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_total"})
	registry.MustRegister(c)
	c.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	addr, err := Start(ctx, slog.New(slog.NewTextHandler(&buf, nil)), "127.0.0.1:0", registry)
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "admin_test_total 1")

	cancel()
	require.Eventually(t, func() bool {
		_, err := client.Get("http://" + addr.String() + "/metrics")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStart_listenError(t *testing.T) {
	_, err := Start(t.Context(), slog.New(slog.DiscardHandler), "not-an-address", prometheus.NewRegistry())
	require.ErrorContains(t, err, "failed to listen for admin")
}
