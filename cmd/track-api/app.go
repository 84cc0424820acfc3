package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ordertrack/internal/api/httpapi"
	trackingsapi "github.com/BearBump/ordertrack/internal/api/trackings_api"
	"github.com/BearBump/ordertrack/internal/live"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/BearBump/ordertrack/internal/services/simulator"
	"github.com/BearBump/ordertrack/internal/services/trackings"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

type trackAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	onListen func(grpcAddr, httpAddr string)
}

type trackAPIDeps struct {
	store    *trackings.Store
	sessions httpapi.Sessions
	// channel is nil in degraded mode.
	channel   *live.Channel
	simulator *simulator.Simulator
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
}

func runTrackAPI(ctx context.Context, opts trackAPIOpts, deps trackAPIDeps) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	handlers := httpapi.New(deps.store, deps.sessions, deps.channel, slog.Default())
	defer handlers.Close()
	router := httpapi.NewRouter(handlers, httpapi.RouterOptions{
		SwaggerPath: opts.swaggerPath,
		Metrics:     deps.metrics,
		Gatherer:    deps.gatherer,
		Logger:      slog.Default(),
	})

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCServer(ctx, grpcLis, trackingsapi.New(deps.store, deps.channel, slog.Default()))
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, router)
	}()

	if deps.channel != nil {
		go func() {
			slog.Info("live channel started")
			_ = deps.channel.Run(ctx)
		}()
	} else {
		slog.Warn("live channel not configured, running degraded")
	}

	if deps.simulator != nil {
		go func() {
			slog.Info("polling simulator started")
			_ = deps.simulator.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-grpcErr:
	case err = <-httpErr:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func runGRPCServer(ctx context.Context, lis net.Listener, api *trackingsapi.TrackingsAPI) error {
	s := grpc.NewServer()
	trackingsapi.RegisterTrackingsServiceServer(s, api)

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
