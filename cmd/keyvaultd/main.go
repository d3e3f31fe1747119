package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/faizanhussain2310/keyvaultd/internal/config"
	"github.com/faizanhussain2310/keyvaultd/internal/engine"
	"github.com/faizanhussain2310/keyvaultd/internal/metrics"
	"github.com/faizanhussain2310/keyvaultd/internal/netutil"
)

func main() {
	configPath := pflag.String("config", "", "path to a TOML config file")
	pflag.CommandLine.ParseErrorsWhitelist.UnknownFlags = true
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)

	eng, err := engine.New(cfg, collectors, log)
	if err != nil {
		log.Fatal("failed to build engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	srv := netutil.NewServer(addr, 10000, eng.Table, eng.Role.Primary, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
		srv.Shutdown()
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, log)
	}

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error("background task stopped", zap.Error(err))
		}
	}()

	log.Info("starting keyvaultd", zap.String("addr", addr), zap.String("role", cfg.ReplicationRole))
	if err := srv.Serve(ctx); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
