// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"go.opentelemetry.io/otel/metric/noop"
	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/body-router/internal/exchange"
	"github.com/envoyproxy/body-router/internal/filterconfig"
	"github.com/envoyproxy/body-router/internal/metrics"
)

// decision is the printed outcome of a replay.
type decision struct {
	Header    string `json:"header"`
	Value     string `json:"value,omitempty"`
	Key       string `json:"key,omitempty"`
	Matched   bool   `json:"matched"`
	Trigger   string `json:"trigger,omitempty"`
	Decided   bool   `json:"decided"`
	Truncated bool   `json:"truncated"`
	Chunks    int    `json:"chunks"`
	// Phase is the phase in which the request was released upstream.
	Phase string `json:"phase"`
}

func decide(c cmdDecide, stdout, stderr io.Writer) error {
	cfg := filterconfig.Default()
	if c.Config != "" {
		var err error
		if cfg, err = filterconfig.LoadFile(c.Config); err != nil {
			return err
		}
	}
	body := []byte(c.Body)
	if c.BodyFile != "" {
		var err error
		if body, err = os.ReadFile(c.BodyFile); err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
	}

	level := slog.LevelWarn
	if c.Verbose {
		level = slog.LevelDebug
		cfg.Debug = true
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	shared := exchange.NewShared(exchange.VariantRouting, cfg, logger,
		metrics.NewFilter(noop.NewMeterProvider().Meter("bodyrouter")), logger.Enabled(context.Background(), slog.LevelDebug))

	h := newReplayHost(c.ContentType, c.RequestID, len(body))
	d := replay(shared, h, body, c.ChunkSize)

	out, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	_, err = stdout.Write(out)
	return err
}

// replay drives one exchange with body split in chunks of chunkSize bytes, and
// stops at the first callback that releases the request.
func replay(shared *exchange.Shared, h *replayHost, body []byte, chunkSize int) decision {
	x := exchange.New(shared)
	defer x.End()

	d := decision{Header: shared.Config.HeaderName}
	released := x.RequestHeaders(h, len(body) == 0) == exchange.Continue
	if chunkSize <= 0 {
		chunkSize = max(len(body), 1)
	}
	for off := 0; !released && off < len(body); off += chunkSize {
		end := min(off+chunkSize, len(body))
		d.Chunks++
		released = x.RequestBody(h, body[off:end], end == len(body)) == exchange.Continue
	}

	d.Phase = x.Phase().String()
	d.Truncated = x.RequestBuffer().Truncated()
	d.Trigger = x.Trigger()
	if applied, ok := x.Decision(); ok {
		d.Decided = true
		d.Value = applied.Value
		d.Key = applied.Key
		d.Matched = applied.Matched
	}
	return d
}

// replayHost implements [exchange.Host] for a request that never reaches an upstream.
type replayHost struct {
	requestHeaders map[string][]string
}

func newReplayHost(contentType, requestID string, contentLength int) *replayHost {
	h := &replayHost{requestHeaders: map[string][]string{
		":method":        {"POST"},
		":path":          {"/"},
		"content-length": {strconv.Itoa(contentLength)},
	}}
	if contentType != "" {
		h.requestHeaders["content-type"] = []string{contentType}
	}
	if requestID != "" {
		h.requestHeaders["x-request-id"] = []string{requestID}
	}
	return h
}

func (h *replayHost) SetRequestHeader(key string, value []byte) bool {
	h.requestHeaders[key] = []string{string(value)}
	return true
}

func (h *replayHost) ClearRouteCache() {}

func (h *replayHost) GetRequestHeader(key string) (string, bool) {
	if vs := h.requestHeaders[key]; len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

func (h *replayHost) GetRequestHeaders() map[string][]string { return h.requestHeaders }

func (h *replayHost) GetRequestTrailers() map[string][]string { return nil }

func (h *replayHost) GetResponseHeader(string) (string, bool) { return "", false }

func (h *replayHost) GetResponseHeaders() map[string][]string { return nil }

func (h *replayHost) GetResponseTrailers() map[string][]string { return nil }
