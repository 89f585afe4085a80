package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/field-sync/connectivity"
	"github.com/breez/field-sync/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the local store in sync until interrupted",
	Long: `Run signs in with ACCOUNT_KEY and keeps syncing until SIGINT or SIGTERM.

Connectivity is sampled every PROBE_INTERVAL by checking for an active
network interface and dialing REACHABILITY_ADDRESS. Metrics are served on
METRICS_LISTEN_ADDRESS under /metrics.`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func runNode(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collected := metrics.New(reg)

	oracle := connectivity.NewOracle()
	oracle.Start(ctx)

	n, err := openNode(ctx, cfg, oracle, collected)
	if err != nil {
		return err
	}
	defer n.Close()
	session, err := n.login(ctx, cfg)
	if err != nil {
		return err
	}

	probe := connectivity.NewProbe(cfg.ReachabilityAddress, cfg.ProbeInterval.Or(5*time.Second), log.New(log.Writer(), "[probe] ", log.LstdFlags))
	go probe.Run(ctx, oracle)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.MetricsListenAddress, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("syncing as %v, metrics listening at %v", session.UserID(), cfg.MetricsListenAddress)
	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to stop metrics server: %v", err)
	}
	return nil
}
