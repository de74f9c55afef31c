// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filterconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// RoutingMapReceiver receives routing map updates.
type RoutingMapReceiver interface {
	// LoadRoutingMap replaces the routing map.
	LoadRoutingMap(ctx context.Context, routes map[string]string) error
}

type routingMapWatcher struct {
	lastMod time.Time
	path    string
	rcv     RoutingMapReceiver
	l       *slog.Logger
}

// StartRoutingMapWatcher loads the routing map file at path into rcv, then checks it
// every tick and reloads it when its modification time advances. The watcher stops
// when ctx is done.
func StartRoutingMapWatcher(ctx context.Context, path string, rcv RoutingMapReceiver, l *slog.Logger, tick time.Duration) error {
	rw := &routingMapWatcher{rcv: rcv, l: l, path: path}

	if err := rw.load(ctx); err != nil {
		return fmt.Errorf("failed to load initial routing map: %w", err)
	}

	l.Info("start watching the routing map file", slog.String("path", path), slog.String("interval", tick.String()))
	go rw.watch(ctx, tick)
	return nil
}

// watch periodically checks the file for changes and calls the receiver.
func (rw *routingMapWatcher) watch(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rw.l.Info("stop watching the routing map file", slog.String("path", rw.path))
			return
		case <-ticker.C:
			perTickCtx, cancel := context.WithTimeout(ctx, tick)
			if err := rw.load(perTickCtx); err != nil {
				rw.l.Error("failed to update routing map", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (rw *routingMapWatcher) load(ctx context.Context) error {
	stat, err := os.Stat(rw.path)
	if err != nil {
		return err
	}
	if stat.ModTime().Sub(rw.lastMod) <= 0 {
		return nil
	}
	rw.l.Info("loading a new routing map", slog.String("path", rw.path))
	// A broken file is not retried until it is written again.
	rw.lastMod = stat.ModTime()
	routes, err := LoadRoutingMap(rw.path)
	if err != nil {
		return err
	}
	if err = rw.rcv.LoadRoutingMap(ctx, routes); err != nil {
		return fmt.Errorf("failed to load routing map: %w", err)
	}
	rw.l.Info("routing map loaded", slog.String("path", rw.path), slog.Int("routes", len(routes)))
	return nil
}
