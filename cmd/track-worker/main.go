package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ordertrack/config"
	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		panic(err)
	}
	reg.MustRegister(collectors.NewGoCollector())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	swaggerPath := cfg.Worker.SwaggerPath
	if env := os.Getenv("workerSwaggerPath"); env != "" {
		swaggerPath = env
	}

	err = RunTrackWorker(ctx, cfg, defaultWorkerFactories(), workerHTTPOpts{
		httpAddr:    cfg.Worker.HTTPAddr,
		swaggerPath: swaggerPath,
		metrics:     m,
		gatherer:    reg,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
