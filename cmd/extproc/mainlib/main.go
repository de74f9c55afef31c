// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mainlib runs the body router as an Envoy external processor.
package mainlib

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/envoyproxy/body-router/internal/admin"
	"github.com/envoyproxy/body-router/internal/exchange"
	"github.com/envoyproxy/body-router/internal/extproc"
	"github.com/envoyproxy/body-router/internal/filterconfig"
	"github.com/envoyproxy/body-router/internal/metrics"
	"github.com/envoyproxy/body-router/internal/version"
)

// flags holds the parsed command line flags.
type flags struct {
	configPath  string
	extProcAddr string
	adminAddr   string
	logLevel    slog.Level
	variant     exchange.Variant
}

// parseAndValidateFlags parses and validates the flags passed to the external processor.
func parseAndValidateFlags(args []string) (flags, error) {
	var (
		f  flags
		fs = flag.NewFlagSet("body-router-extproc", flag.ContinueOnError)
	)
	fs.SetOutput(io.Discard)
	configPathPtr := fs.String("configPath", "", "path to the filter configuration file. Optional, defaults apply when empty.")
	extProcAddrPtr := fs.String("extProcAddr", ":1063",
		"gRPC address for the external processor. For example, :1063 or unix:///tmp/ext_proc.sock")
	adminAddrPtr := fs.String("adminAddr", ":1064", "HTTP address for the admin server serving /metrics. Empty disables it.")
	logLevelPtr := fs.String("logLevel", "info", "log level for the external processor. One of 'debug', 'info', 'warn', or 'error'.")
	variantPtr := fs.String("variant", string(exchange.VariantRouting),
		"filter variant. One of 'body_based_routing' or 'logging_passthrough'.")

	if err := fs.Parse(args); err != nil {
		return flags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevelPtr)); err != nil {
		return flags{}, fmt.Errorf("failed to unmarshal log level: %w", err)
	}
	variant := exchange.Variant(*variantPtr)
	switch variant {
	case exchange.VariantRouting, exchange.VariantPassthrough:
	default:
		return flags{}, fmt.Errorf("unknown variant: %q", *variantPtr)
	}
	if *extProcAddrPtr == "" {
		return flags{}, errors.New("extProcAddr must be provided")
	}

	f.configPath = *configPathPtr
	f.extProcAddr = *extProcAddrPtr
	f.adminAddr = *adminAddrPtr
	f.logLevel = level
	f.variant = variant
	return f, nil
}

// Main is the entrypoint for the external processor program. It returns when ctx is done.
func Main(ctx context.Context, args []string, stderr io.Writer) error {
	f, err := parseAndValidateFlags(args)
	if err != nil {
		return fmt.Errorf("failed to parse and validate flags: %w", err)
	}

	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: f.logLevel}))
	l.Info("starting external processor",
		slog.String("version", version.Version),
		slog.String("address", f.extProcAddr),
		slog.String("variant", string(f.variant)),
	)

	cfg := filterconfig.Default()
	if f.configPath != "" {
		if cfg, err = filterconfig.LoadFile(f.configPath); err != nil {
			return err
		}
	}

	m, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}()
	if registry := m.Registry(); registry != nil && f.adminAddr != "" {
		if _, err = admin.Start(ctx, l, f.adminAddr, registry); err != nil {
			return err
		}
	}

	debugLogEnabled := l.Enabled(ctx, slog.LevelDebug)
	shared := exchange.NewShared(f.variant, cfg, l, metrics.NewFilter(m.Meter()), debugLogEnabled)
	server := extproc.NewServer(l, shared)

	if f.variant == exchange.VariantRouting && cfg.RoutingMapFile != "" {
		if err = filterconfig.StartRoutingMapWatcher(ctx, cfg.RoutingMapFile, routingMapLoader{shared},
			l, cfg.RoutingMapFilePoll.Duration); err != nil {
			return err
		}
	}

	network, address := listenAddress(f.extProcAddr)
	var lc net.ListenConfig
	extProcLis, err := lc.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("failed to listen for the external processor: %w", err)
	}

	s := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(s, server)
	grpc_health_v1.RegisterHealthServer(s, server)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	return s.Serve(extProcLis)
}

// routingMapLoader implements [filterconfig.RoutingMapReceiver].
type routingMapLoader struct{ shared *exchange.Shared }

// LoadRoutingMap implements [filterconfig.RoutingMapReceiver].
func (r routingMapLoader) LoadRoutingMap(_ context.Context, routes map[string]string) error {
	r.shared.Policies.Store(r.shared.Config.Policy(routes))
	return nil
}

// listenAddress returns the network and address for the given address flag.
func listenAddress(addrFlag string) (string, string) {
	if strings.HasPrefix(addrFlag, "unix://") {
		return "unix", strings.TrimPrefix(addrFlag, "unix://")
	}
	return "tcp", addrFlag
}
