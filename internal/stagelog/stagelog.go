// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package stagelog emits one log line per lifecycle stage of an exchange.
//
// Every line starts with
//
//	[<prefix>] id=<correlation id> stage=<stage> preview=<bounded preview>
//
// followed by optional attributes rendered by the slog handler.
package stagelog

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Stage names a lifecycle stage.
type Stage string

const (
	StageFilterCreated    Stage = "filter_created"
	StageRequestHeaders   Stage = "request_headers"
	StageRequestBody      Stage = "request_body"
	StageRequestTrailers  Stage = "request_trailers"
	StageRouteDecision    Stage = "route_decision"
	StageResponseHeaders  Stage = "response_headers"
	StageResponseBody     Stage = "response_body"
	StageResponseTrailers Stage = "response_trailers"
	StageFilterDestroyed  Stage = "filter_destroyed"
)

// Logger writes stage lines to a slog.Handler at Info level.
//
// Logging never fails the caller: handler errors and panics are swallowed
// and reported to onFailure.
type Logger struct {
	handler      slog.Handler
	prefix       string
	previewBytes int
	onFailure    func()
}

// New returns a Logger. onFailure may be nil.
func New(handler slog.Handler, prefix string, previewBytes int, onFailure func()) *Logger {
	if onFailure == nil {
		onFailure = func() {}
	}
	return &Logger{handler: handler, prefix: prefix, previewBytes: previewBytes, onFailure: onFailure}
}

// PreviewBytes returns the preview bound.
func (l *Logger) PreviewBytes() int { return l.previewBytes }

// Log emits a line with an already rendered preview.
func (l *Logger) Log(id string, stage Stage, preview string, attrs ...slog.Attr) {
	l.emit(id, stage, func() string { return preview }, attrs)
}

// Body emits a line previewing body.
func (l *Logger) Body(id string, stage Stage, body []byte, attrs ...slog.Attr) {
	l.emit(id, stage, func() string { return Preview(body, l.previewBytes) }, attrs)
}

// Headers emits a line previewing the headers returned by get.
// get is not called when the line is disabled.
func (l *Logger) Headers(id string, stage Stage, get func() map[string][]string, attrs ...slog.Attr) {
	l.emit(id, stage, func() string { return HeaderPreview(get(), l.previewBytes) }, attrs)
}

func (l *Logger) emit(id string, stage Stage, preview func() string, attrs []slog.Attr) {
	defer func() {
		if recover() != nil {
			l.onFailure()
		}
	}()
	ctx := context.Background()
	if !l.handler.Enabled(ctx, slog.LevelInfo) {
		return
	}
	r := slog.NewRecord(time.Now(), slog.LevelInfo, l.format(id, stage, preview()), 0)
	r.AddAttrs(attrs...)
	if err := l.handler.Handle(ctx, r); err != nil {
		l.onFailure()
	}
}

func (l *Logger) format(id string, stage Stage, preview string) string {
	if id == "" {
		id = "-"
	}
	var b strings.Builder
	b.Grow(len(l.prefix) + len(id) + len(stage) + len(preview) + 26)
	b.WriteByte('[')
	b.WriteString(l.prefix)
	b.WriteString("] id=")
	b.WriteString(id)
	b.WriteString(" stage=")
	b.WriteString(string(stage))
	b.WriteString(" preview=")
	b.WriteString(preview)
	return b.String()
}
