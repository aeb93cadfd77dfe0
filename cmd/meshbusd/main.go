// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command meshbusd runs one reliable-multicast bus endpoint as a
// standalone daemon: load a config file, open the bus, serve Prometheus
// metrics, and run until asked to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/narwhalsys/meshbus/bus"
	"github.com/narwhalsys/meshbus/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "meshbus.toml", "path to the TOML configuration file")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9645 (disabled if empty)")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return 0
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "meshbusd",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "err", err)
		return 1
	}

	logger.Info("opening bus",
		"peer_id", cfg.PeerID,
		"group", fmt.Sprintf("%s:%d", cfg.GroupAddress, cfg.GroupPort),
		"encrypted", cfg.CipherKeyHex != "" || cfg.CipherKeyFile != "",
	)
	b, err := bus.Open(cfg)
	if err != nil {
		logger.Error("open bus", "err", err)
		return 1
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("close bus", "err", err)
		}
	}()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "err", err)
			}
		}()
	}

	go logLosses(logger, b)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	stats := b.Stats()
	logger.Info("final stats",
		"published", stats.Published,
		"delivered", stats.Delivered,
		"naks_sent", stats.NaksSent,
		"retransmits_sent", stats.RetransmitsSent,
		"losses_declared", stats.LossesDeclared,
	)
	return 0
}

// logLosses drains Bus.Losses() for the life of the process, logging each
// permanent-loss declaration; a production deployment would instead wire
// this into its own alerting, but a daemon that silently drops the
// channel's capacity would mask the condition it exists to surface.
func logLosses(logger *log.Logger, b *bus.Bus) {
	for loss := range b.Losses() {
		logger.Warn("permanent loss declared",
			"peer_id", loss.PeerID,
			"session_id", loss.SessionID,
			"ranges", loss.Ranges,
		)
	}
}
