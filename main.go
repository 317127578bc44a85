package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"krelay/work/buffer"
	"krelay/work/client"
	"krelay/work/config"
	"krelay/work/logger"
	"krelay/work/middleware"
	"krelay/work/panel"
	"krelay/work/puller"
	"krelay/work/registry"
	"krelay/work/relay"
	"krelay/work/token"
	"krelay/work/upstream"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.Load()

	// set up logging
	logger.SetLogLevel(cfg.LogLevel)

	// wall clock everywhere outside tests
	clk := clock.New()

	// initialize buffer pool
	bufferPool := buffer.NewPool(int64(cfg.BufferSizeKB) * 1024)

	// initialize the outbound HTTP client
	httpClient := client.NewHeaderSettingClient(cfg)

	// initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// wire the core components
	validator := token.NewValidator(cfg.Secret, clk)
	panelClient := panel.New(cfg.PanelURL, cfg.PanelTimeout, workerPool)
	fetcher := upstream.NewFetcher(cfg, httpClient)
	sessionRegistry := registry.New()
	livePuller := puller.New(cfg, fetcher, clk, workerPool, bufferPool)

	relayInstance := relay.New(cfg, validator, panelClient, fetcher, sessionRegistry, livePuller, clk, bufferPool)

	// setup HTTP routes
	router := mux.NewRouter()
	relayInstance.Routes(router)

	// status handler, compressed for web dashboards
	router.HandleFunc("/", middleware.Gzip(relayInstance.HandleStatus)).Methods("GET")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)

	// show info
	logger.Info("Starting KRelay %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Panel configured: %v", cfg.PanelURL != "")
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Max Connections: %d", cfg.MaxConnections)
	logger.Info("  - Heartbeat Interval: %s", cfg.HeartbeatInterval)
	logger.Info("  - Redirect Hops: %d", cfg.RedirectHops)
	logger.Info("  - Buffer Size: %d KB", cfg.BufferSizeKB)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
