package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantsys/trading-engine/internal/broker"
	"github.com/quantsys/trading-engine/internal/config"
	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/internal/executor"
	"github.com/quantsys/trading-engine/internal/feed"
	"github.com/quantsys/trading-engine/internal/journal"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/internal/monitoring"
	"github.com/quantsys/trading-engine/internal/oms"
	"github.com/quantsys/trading-engine/internal/risk"
	"github.com/quantsys/trading-engine/pkg/reporting"
)

// marketFeed is what both feed implementations provide: signals for the
// executor and marks for the simulator and the risk monitor.
type marketFeed interface {
	executor.SignalSource
	Marks() map[string]float64
}

func main() {
	var (
		configFile = flag.String("config", "config/engine.yaml", "Engine configuration file")
		envFile    = flag.String("env", ".env", "Environment file path")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No %s file found, using system environment", *envFile)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	engineLog, err := logger.New(cfg.Logging.Dir, "engine", cfg.Logging.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer engineLog.Close()

	bus := events.NewBus()
	defer bus.Close()

	lgr := ledger.New(cfg.Engine.InitialCash, cfg.Engine.Commission, engineLog, bus)
	state := risk.NewState(cfg.Engine.InitialCash)
	limits := risk.NewLimitsHolder(cfg.Limits())

	mkt, err := buildFeed(cfg, engineLog)
	if err != nil {
		log.Fatalf("Failed to build feed: %v", err)
	}

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0755); err != nil {
			log.Fatalf("Failed to create journal directory: %v", err)
		}
		jnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer jnl.Close()
	}

	brk, err := buildBroker(cfg, mkt, engineLog)
	if err != nil {
		log.Fatalf("Failed to build broker: %v", err)
	}
	defer brk.Close()
	engineLog.Info("routing orders to %s", brk.Name())

	retry := broker.RetryConfig{
		MaxRetries:    cfg.Broker.Retry.MaxRetries,
		InitialDelay:  cfg.Broker.Retry.InitialDelay.Std(),
		MaxDelay:      cfg.Broker.Retry.MaxDelay.Std(),
		BackoffFactor: cfg.Broker.Retry.BackoffFactor,
		JitterEnabled: true,
	}
	manager := oms.NewManager(lgr, state, limits, brk, retry, jnl, bus, engineLog)

	monitor := risk.NewMonitor(state, lgr, mkt, limits, bus, engineLog, cfg.Risk.MonitorInterval.Std())
	monitor.Start()

	health := monitoring.NewHealthChecker()
	health.SetConnected(true)

	// Lifecycle events feed the audit trail and the health endpoint.
	eventCh := bus.Subscribe(512)
	go consumeEvents(eventCh, jnl, health, engineLog)

	exec := executor.New(manager, lgr, state, mkt, mkt, buildSizer(cfg), executor.Config{
		Interval:         cfg.Executor.Interval.Std(),
		MinTradeNotional: cfg.Executor.MinTradeNotional,
	}, health, engineLog)
	exec.Start()

	if cfg.Monitoring.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.NewMetricsHandler())
		mux.Handle("/healthz", health)
		go func() {
			engineLog.Info("monitoring listener on %s", cfg.Monitoring.ListenAddr)
			if err := http.ListenAndServe(cfg.Monitoring.ListenAddr, mux); err != nil {
				engineLog.Error("monitoring listener failed: %v", err)
			}
		}()
	}

	engineLog.Info("engine started: venue=%s feed=%s interval=%s",
		cfg.Broker.Venue, cfg.Feed.Mode, cfg.Executor.Interval.Std())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reloadLimits(*configFile, limits, engineLog)
			continue
		}
		engineLog.Info("received %s, shutting down", sig)
		break
	}

	exec.Stop()
	monitor.Stop()
	printFinalReport(lgr, manager, state, exec, mkt)
}

func buildFeed(cfg *config.Config, log *logger.Logger) (marketFeed, error) {
	switch cfg.Feed.Mode {
	case "replay":
		return feed.NewReplay(cfg.Feed.DataDir, cfg.Feed.Symbols, cfg.Feed.Lookback, log)
	default:
		return feed.NewSignalFile(cfg.Feed.SignalsPath, log), nil
	}
}

func buildBroker(cfg *config.Config, prices broker.PriceSource, log *logger.Logger) (broker.Broker, error) {
	switch cfg.Broker.Venue {
	case "bybit":
		return broker.NewBybitBroker(broker.BybitConfig{
			APIKey:       cfg.Broker.Bybit.APIKey,
			APISecret:    cfg.Broker.Bybit.APISecret,
			Testnet:      cfg.Broker.Bybit.Testnet,
			Demo:         cfg.Broker.Bybit.Demo,
			Category:     cfg.Broker.Bybit.Category,
			PollInterval: cfg.Broker.Bybit.PollInterval.Std(),
			RateLimit:    cfg.Broker.Bybit.RateLimit,
		}, log), nil
	case "alpaca":
		return broker.NewAlpacaBroker(broker.AlpacaConfig{
			APIKey:       cfg.Broker.Alpaca.APIKey,
			APISecret:    cfg.Broker.Alpaca.APISecret,
			BaseURL:      cfg.Broker.Alpaca.BaseURL,
			PollInterval: cfg.Broker.Alpaca.PollInterval.Std(),
			RateLimit:    cfg.Broker.Alpaca.RateLimit,
		}, log), nil
	default:
		return broker.NewSimulator(broker.SimulatorConfig{
			FillDelay:   cfg.Broker.Simulator.FillDelay.Std(),
			FillChunks:  cfg.Broker.Simulator.FillChunks,
			SlippageBps: cfg.Broker.Simulator.SlippageBps,
			OrderTTL:    cfg.Broker.Simulator.OrderTTL.Std(),
		}, prices, log), nil
	}
}

func buildSizer(cfg *config.Config) executor.Sizer {
	if cfg.Executor.Sizing.Mode == "volatility" {
		return executor.VolatilityScaled{
			BaseFraction: cfg.Executor.Sizing.Fraction,
			TargetVol:    cfg.Executor.Sizing.TargetVol,
			MaxFraction:  cfg.Executor.Sizing.MaxFraction,
		}
	}
	return executor.FixedFraction{Fraction: cfg.Executor.Sizing.Fraction}
}

// consumeEvents drains the lifecycle stream into the journal and keeps the
// health endpoint's halted flag current
func consumeEvents(ch <-chan events.Event, jnl *journal.Journal,
	health *monitoring.HealthChecker, log *logger.Logger) {
	for e := range ch {
		if e.Type == events.TypeRiskStateChanged {
			health.SetHalted(e.Halted)
		}
		if jnl == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := jnl.SaveEvent(ctx, e); err != nil {
			log.Warning("event journaling failed: %v", err)
		}
		cancel()
	}
}

func reloadLimits(configFile string, limits *risk.LimitsHolder, log *logger.Logger) {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Error("limits reload failed, keeping current limits: %v", err)
		return
	}
	limits.Set(cfg.Limits())
	log.Info("risk limits reloaded from %s", configFile)
}

func printFinalReport(lgr *ledger.Ledger, manager *oms.Manager, state *risk.State,
	exec *executor.Executor, mkt marketFeed) {
	console := reporting.NewConsoleReporter()
	console.PrintPositions(lgr.Positions(), mkt.Marks(), lgr.Cash())
	console.PrintOrders(manager.Orders())
	console.PrintRiskStatus(state.Snapshot())
	if report := exec.LastReport(); !report.StartedAt.IsZero() {
		console.PrintCycleReport(report)
	}
}
