package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tusqdb/tusq/internal/api"
	"github.com/tusqdb/tusq/internal/config"
	"github.com/tusqdb/tusq/internal/metrics"
	"github.com/tusqdb/tusq/internal/pool"
	"github.com/tusqdb/tusq/internal/proxy"
)

func main() {
	configPath := flag.String("config", "tusq.toml", "path to configuration file")
	flag.Parse()

	log.Printf("tusq starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d databases)", *configPath, len(cfg.Databases))

	handle := config.NewHandle(cfg)

	m := metrics.New()
	registry := pool.NewManager()
	registry.SetOnExhausted(m.PoolExhausted)

	stopStats := make(chan struct{})
	registry.StartStatsLoop(5*time.Second, stopStats, func(s pool.Stats) {
		m.UpdatePoolStats(s.Alias, s.Active, s.Idle, s.Total, s.Waiting)
	})

	proxyServer := proxy.NewServer(registry, handle, m)
	if err := proxyServer.Listen(cfg.BindAddress); err != nil {
		log.Fatalf("failed to start proxy listener: %v", err)
	}

	apiServer := api.NewServer(registry, handle, m)
	if err := apiServer.Start(cfg.AdminAddress); err != nil {
		log.Fatalf("failed to start admin API: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, handle, func(newCfg *config.Config) {
		log.Printf("configuration reloaded (%d databases)", len(newCfg.Databases))
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("tusq ready - proxy:%s admin:%s", cfg.BindAddress, cfg.AdminAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	shutdown := func() {
		close(stopStats)
		if configWatcher != nil {
			configWatcher.Stop()
		}
		if err := apiServer.Stop(); err != nil {
			slog.Warn("admin API shutdown error", "err", err)
		}
		proxyServer.Stop()
		registry.Close()
		log.Printf("tusq stopped")
	}

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if configWatcher != nil {
				log.Printf("received SIGHUP, reloading configuration")
				configWatcher.Reload()
			}
		default:
			log.Printf("received signal %s, shutting down...", sig)
			done := make(chan struct{})
			go func() {
				shutdown()
				close(done)
			}()
			select {
			case <-done:
			case <-sigCh:
				log.Printf("received second signal, aborting drain")
			}
			return
		}
	}
}
