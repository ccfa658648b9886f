// Command tftpd serves files out of a directory (and, optionally, fetched
// URLs) over the windowed TFTP protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/windowtftp/tftp/contentcache"
	"github.com/windowtftp/tftp/metrics"
	"github.com/windowtftp/tftp/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:6969", "UDP address to listen on")
	dataDir := flag.String("data", ".", "directory TFTP filenames are resolved against")
	windowSize := flag.Int("window", 16, "initial send window size, in blocks")
	stopAndWait := flag.Bool("stop-and-wait", false, "force window size 1 on every session")
	dropThreshold := flag.Int("drop-threshold", 0, "synthetic drop-injector threshold in [0,127], for fault testing")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	fetchURLs := flag.Bool("fetch-urls", false, "treat RRQ filenames missing from -data as URLs and fetch+cache them")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	udpAddr, err := net.ResolveUDPAddr("udp4", *addr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	collector := metrics.NewCollector(prometheus.Labels{"addr": *addr})
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", slog.String("err", err.Error()))
			}
		}()
	}
	var fetcher session.Fetcher
	if *fetchURLs {
		fetcher = contentcache.New(*dataDir, nil)
	}

	srv := session.NewServer(conn, session.Config{
		DataDir:       *dataDir,
		WindowSize:    *windowSize,
		StopAndWait:   *stopAndWait,
		DropThreshold: *dropThreshold,
		Fetcher:       fetcher,
		Logger:        logger,
		Metrics:       collector,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutting down", slog.String("signal", s.String()))
		cancel()
	}()

	logger.Info("tftpd listening", slog.String("addr", conn.LocalAddr().String()), slog.String("data", *dataDir))
	return srv.Serve(ctx)
}
