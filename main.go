// GoBookingEngine schedules and executes time-critical bookings against
// the bromotenggersemeru.id portal.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults).
//  2. Load the proxy list (optional).
//  3. Open the state store holding users, jobs and cookies.
//  4. Build the session factory with the configured browser identity.
//  5. Start the worker pool and the timer wheel.
//  6. Wire the protocol driver and the orchestrator; re-arm stored jobs.
//  7. Serve the control API.
//  8. Block until OS signals SIGINT or SIGTERM, then shut down cleanly.
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

	"github.com/jonboulle/clockwork"

	"github.com/firasghr/GoBookingEngine/config"
	"github.com/firasghr/GoBookingEngine/dashboard"
	"github.com/firasghr/GoBookingEngine/fingerprint"
	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/lookup"
	"github.com/firasghr/GoBookingEngine/metrics"
	"github.com/firasghr/GoBookingEngine/payload"
	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/protocol"
	"github.com/firasghr/GoBookingEngine/proxy"
	"github.com/firasghr/GoBookingEngine/report"
	"github.com/firasghr/GoBookingEngine/scheduler"
	"github.com/firasghr/GoBookingEngine/session"
	"github.com/firasghr/GoBookingEngine/store"
	"github.com/firasghr/GoBookingEngine/token"
	"github.com/firasghr/GoBookingEngine/wheel"
	"github.com/firasghr/GoBookingEngine/worker"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	listenAddr := flag.String("listen", "", "Control API bind address (overrides listen_addr from the config)")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.LevelInfo)
	log.Info("GoBookingEngine starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}
	log.SetLevel(logLevel(cfg.LogLevel))

	// ── Proxy manager ──────────────────────────────────────────────────────
	pm := &proxy.ProxyManager{}
	if cfg.ProxyFile != "" {
		if err := pm.LoadProxies(cfg.ProxyFile); err != nil {
			log.Errorf("failed to load proxies from %q: %v", cfg.ProxyFile, err)
			os.Exit(1)
		}
		log.Infof("loaded %d proxies from %q", pm.Count(), cfg.ProxyFile)
	} else {
		log.Info("no proxy file configured; sessions will connect directly")
	}

	// ── Metrics and state store ────────────────────────────────────────────
	m := metrics.NewMetrics()
	st, err := store.NewStore(cfg.StatePath, log, m)
	if err != nil {
		log.Errorf("failed to open state store at %q: %v", cfg.StatePath, err)
		os.Exit(1)
	}

	// ── Session factory ────────────────────────────────────────────────────
	prof := fingerprint.MobileEdgeProfile()
	if cfg.BrowserProfile == "desktop" {
		prof = fingerprint.DesktopChromeProfile()
	}
	factory, err := session.NewFactory(cfg, *prof, pm, log)
	if err != nil {
		log.Errorf("failed to build session factory: %v", err)
		os.Exit(1)
	}
	log.Infof("session factory ready (%s against %s)", prof.Name, cfg.BaseURL)

	// ── Worker pool and timer wheel ────────────────────────────────────────
	wp := worker.NewWorkerPool(cfg.Workers)
	wp.Start()
	log.Infof("worker pool started with %d workers", cfg.Workers)

	wh := wheel.New(clockwork.NewRealClock(), wp, log, m)

	// ── Protocol stack ─────────────────────────────────────────────────────
	prb := probe.NewProbe(cfg.BaseURL, log)
	tok := token.NewExtractor(cfg.ArchiveDir, prof.UserAgent, log)
	lkp := lookup.NewLookup(cfg.BaseURL, log)
	watch := payload.NewWatchdog(log, m)
	driver, err := protocol.NewDriver(cfg, prb, tok, lkp, watch, log, m)
	if err != nil {
		log.Errorf("failed to build protocol driver: %v", err)
		os.Exit(1)
	}

	// ── Reporter ───────────────────────────────────────────────────────────
	var rep report.Reporter
	if cfg.BotToken != "" {
		rep = report.NewTelegramReporter(cfg.BotToken, log)
		log.Info("reporting through the Telegram bot API")
	} else {
		rep = report.NewLogReporter(log)
		log.Info("no bot token configured; reporting to the process log")
	}

	// ── Orchestrator ───────────────────────────────────────────────────────
	orc, err := scheduler.New(scheduler.Config{
		Store:    st,
		Wheel:    wh,
		Sessions: scheduler.FactoryAdapter{Factory: factory},
		Booker:   driver,
		Prober:   prb,
		Finder:   lkp,
		Reporter: rep,
		Settings: cfg,
		Log:      log,
		Metrics:  m,
	})
	if err != nil {
		log.Errorf("failed to build orchestrator: %v", err)
		os.Exit(1)
	}
	orc.BootRearm(context.Background())

	// ── Control API ────────────────────────────────────────────────────────
	addr := cfg.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}
	dash := dashboard.New(orc, m, log)
	go func() {
		if err := dash.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control API server error: %v", err)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Infof("received signal %s; shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dash.Shutdown(shutdownCtx); err != nil {
		log.Warnf("control API shutdown: %v", err)
	}

	// Timers stop before the pool so no callback lands on a closed queue.
	wh.Stop()
	orc.Stop()
	wp.Stop()

	snap := m.Snapshot()
	log.Infof("final metrics – timers fired: %d | attempts: %d | success: %d | failed: %d",
		snap.TimersFired, snap.Attempts, snap.Successes, snap.Failures)
	log.Info("GoBookingEngine shut down cleanly")
}

// logLevel maps the config's log_level string onto a logger level.
func logLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
