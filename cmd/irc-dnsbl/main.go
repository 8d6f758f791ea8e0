package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"irc-dnsbl/pkg/api"
	"irc-dnsbl/pkg/cache"
	"irc-dnsbl/pkg/clients"
	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/dnsbl"
	"irc-dnsbl/pkg/irc"
	"irc-dnsbl/pkg/logging"
	"irc-dnsbl/pkg/operserv"
	"irc-dnsbl/pkg/policy"
	"irc-dnsbl/pkg/ratelimit"
	"irc-dnsbl/pkg/resolver"
	"irc-dnsbl/pkg/storage"
	"irc-dnsbl/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Parse configuration
	watcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Config()

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	watcher.SetLogger(logger.WithComponent("config").Logger)

	logger.Info("irc-dnsbl starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Resolver with its answer cache
	answers, err := cache.New(&cfg.Cache, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize cache", "error", err)
		os.Exit(1)
	}
	res, err := resolver.New(&cfg.Resolver, answers, logger.WithComponent("resolver"))
	if err != nil {
		// Without a resolver no client can be checked
		logger.Error("Failed to initialize resolver", "error", err)
		os.Exit(1)
	}

	// Services database
	backend, err := storage.New(&storage.Config{
		Backend:     storage.BackendType(cfg.Storage.Backend),
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
		WALMode:     cfg.Storage.WALMode,
	})
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	db := storage.NewDatabase(backend, logger.WithComponent("storage").Logger)

	exemptions := dnsbl.NewExemptions()
	exemptions.Attach(db)
	if _, err := db.Load(ctx); err != nil {
		logger.Error("Failed to load database", "error", err)
		os.Exit(1)
	}
	metrics.AddExemptions(ctx, int64(exemptions.Len()))

	action, err := dnsbl.ParseAction(cfg.DNSBL.Action)
	if err != nil {
		logger.Error("Invalid DNSBL action", "error", err)
		os.Exit(1)
	}

	// The bot is the engine's host; it gets the engine once both exist.
	registry := clients.NewRegistry()
	bot := irc.New(&cfg.IRC, registry, logger)

	engine := dnsbl.NewEngine(dnsbl.Options{
		Action:        action,
		KlineDuration: cfg.DNSBL.KlineDuration,
		KlineReason:   cfg.DNSBL.KlineReason,
	}, dnsbl.NewZones(cfg.DNSBL.Blacklists...), exemptions, res, bot, logger.WithComponent("dnsbl"), metrics)

	if err := applySkipRules(engine, cfg.DNSBL.SkipRules, logger); err != nil {
		logger.Error("Invalid skip rule", "error", err)
		os.Exit(1)
	}
	throttles := &throttleSwitch{engine: engine, logger: logger}
	throttles.apply(&cfg.DNSBL.Throttle)

	commands := operserv.New(engine, registry, db, logger)
	bot.Bind(engine, commands)

	logger.Info("DNSBL configured",
		"blacklists", cfg.DNSBL.Blacklists,
		"action", action.String(),
		"exemptions", exemptions.Len(),
		"skip_rules", len(cfg.DNSBL.SkipRules),
	)

	// Reload zones and policy when the config file changes
	watcher.OnChange(func(newCfg *config.Config) {
		engine.Zones().Replace(newCfg.DNSBL.Blacklists)

		if a, err := dnsbl.ParseAction(newCfg.DNSBL.Action); err != nil {
			logger.Warn("Ignoring invalid action on reload", "action", newCfg.DNSBL.Action, "error", err)
		} else {
			engine.SetAction(a)
		}
		engine.SetKlinePolicy(newCfg.DNSBL.KlineDuration, newCfg.DNSBL.KlineReason)

		if err := applySkipRules(engine, newCfg.DNSBL.SkipRules, logger); err != nil {
			logger.Warn("Keeping previous skip rules", "error", err)
		}
		throttles.apply(&newCfg.DNSBL.Throttle)

		logger.Info("DNSBL configuration applied",
			"blacklists", len(newCfg.DNSBL.Blacklists),
			"action", engine.Action().String(),
		)
	})

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Config watcher failed", "error", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(&api.Config{
			ListenAddress:  cfg.API.ListenAddress,
			Engine:         engine,
			Clients:        registry,
			DB:             db,
			Logger:         logger,
			Version:        version,
			Username:       cfg.API.Username,
			PasswordHash:   cfg.API.PasswordHash,
			APIKey:         cfg.API.APIKey,
			AllowedOrigins: cfg.API.AllowedOrigins,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				errChan <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		commitLoop(ctx, db, cfg.Storage.CommitInterval, logger)
	}()

	go func() {
		if err := bot.Run(ctx); err != nil {
			errChan <- fmt.Errorf("irc: %w", err)
			return
		}
		if ctx.Err() == nil {
			errChan <- errors.New("irc: connection closed")
		}
	}()

	logger.Info("irc-dnsbl is running",
		"server", cfg.IRC.Server,
		"nick", cfg.IRC.Nick,
		"upstreams", res.Upstreams(),
	)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Service error", "error", err)
		exitCode = 1
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	wg.Wait()

	throttles.apply(nil)
	if err := res.Close(); err != nil {
		logger.Error("Error closing resolver", "error", err)
	}
	if err := answers.Close(); err != nil {
		logger.Error("Error closing cache", "error", err)
	}
	if err := db.Commit(shutdownCtx); err != nil {
		logger.Error("Failed to commit database on shutdown", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("Error closing database", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("irc-dnsbl stopped")
	os.Exit(exitCode)
}

// applySkipRules compiles rules and installs them. On error the engine
// keeps the rules it had.
func applySkipRules(engine *dnsbl.Engine, rules []config.SkipRule, logger *logging.Logger) error {
	compiled, err := policy.FromConfig(rules, logger)
	if err != nil {
		return err
	}
	if compiled.Count() == 0 {
		engine.SetSkipRules(nil)
		return nil
	}
	engine.SetSkipRules(compiled)
	return nil
}

// throttleSwitch owns the engine's current throttle so it can be stopped
// when replaced.
type throttleSwitch struct {
	engine  *dnsbl.Engine
	logger  *logging.Logger
	current *ratelimit.Manager
}

func (t *throttleSwitch) apply(cfg *config.ThrottleConfig) {
	var next *ratelimit.Manager
	if cfg != nil {
		next = ratelimit.NewManager(cfg, t.logger)
	}
	if next == nil {
		t.engine.SetThrottle(nil)
	} else {
		t.engine.SetThrottle(next)
	}
	if t.current != nil {
		t.current.Stop()
	}
	t.current = next
}

func commitLoop(ctx context.Context, db *storage.Database, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Commit(ctx); err != nil {
				logger.Error("Periodic database commit failed", "error", err)
			}
		}
	}
}
