// Command pulsed is the reeve-bot daemon: it loads configuration, opens
// the pulse store, and runs the scheduling engine and HTTP Ingress until
// a shutdown signal arrives, draining in-flight pulse executions before
// exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/audit"
	"github.com/reubenjohn/reeve-bot/internal/bridge"
	"github.com/reubenjohn/reeve-bot/internal/config"
	"github.com/reubenjohn/reeve-bot/internal/engine"
	"github.com/reubenjohn/reeve-bot/internal/executor"
	"github.com/reubenjohn/reeve-bot/internal/httpapi"
	reeveotel "github.com/reubenjohn/reeve-bot/internal/otel"
	"github.com/reubenjohn/reeve-bot/internal/pulsestore"
	"github.com/reubenjohn/reeve-bot/internal/sentinel"
	"github.com/reubenjohn/reeve-bot/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Run the daemon in the foreground

ENVIRONMENT VARIABLES:
  REEVE_HOME            Data directory (default: ~/.reeve)
  REEVE_DESK_PATH       Agent subprocess working directory (default: ~/reeve_desk)
  PULSE_DB_URL          SQLite db path (default: <REEVE_HOME>/pulse_queue.db)
  PULSE_API_PORT        HTTP Ingress port (default: 8765)
  PULSE_API_TOKEN       Bearer token required on every Ingress request
  PULSE_API_URL         Base URL the Inbound Bridge posts pulses to
  PULSE_MAX_CONCURRENT  Max concurrent pulse executions (default: 3)
  AGENT_COMMAND         Agent subprocess binary (default: hapi)
  TELEGRAM_BOT_TOKEN    Enables the Inbound Bridge when set together with TELEGRAM_CHAT_ID
  TELEGRAM_CHAT_ID      The one chat the bridge accepts messages from
  SENTINEL_BACKEND      Sentinel alert backend name (default: auto-detect)
  REEVE_LOG_LEVEL       debug|info|warn|error (default: info)

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.ReeveHome); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.ReeveHome, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg)

	otelProvider, err := reeveotel.Init(ctx, reeveotel.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		ServiceName: cfg.OtelServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := pulsestore.Open(cfg.PulseDBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.PulseDBPath)

	if _, err := os.Stat(cfg.DeskPath); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DeskPath, 0o755); err != nil {
			fatalStartup(logger, "E_DESK_CREATE", err)
		}
	}

	exec := executor.New(cfg.AgentCommand)

	sentinelBackend := sentinel.ResolveBackend(cfg.SentinelBackend)
	if sentinelBackend == nil {
		logger.Warn("no sentinel backend configured; retry-exhaustion alerts will be dropped")
	}
	sentinelSvc := sentinel.New(sentinelBackend, cfg.SentinelDir(), logger)

	if err := os.MkdirAll(cfg.SentinelDir(), 0o755); err != nil {
		fatalStartup(logger, "E_SENTINEL_DIR_CREATE", err)
	}
	watcher := config.NewWatcher(cfg.SentinelDir(), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("sentinel state watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
			}
		}()
	}

	eng := engine.New(engine.Config{
		Store:         store,
		Executor:      exec,
		Sentinel:      sentinelSvc,
		Logger:        logger,
		DeskPath:      cfg.DeskPath,
		MaxConcurrent: cfg.MaxConcurrent,
		Tracer:        otelProvider.Tracer,
	})
	eng.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "max_concurrent", cfg.MaxConcurrent)

	api := httpapi.New(httpapi.Config{
		Store:     store,
		Engine:    eng,
		Logger:    logger,
		AuthToken: cfg.APIToken,
		Service:   "pulsed",
		DeskPath:  cfg.DeskPath,
		APIPort:   cfg.APIPort,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: api.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ingress listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		chatID, err := parseChatID(cfg.TelegramChatID)
		if err != nil {
			logger.Error("invalid TELEGRAM_CHAT_ID; inbound bridge disabled", "error", err)
		} else {
			br := bridge.New(bridge.Config{
				BotToken:       cfg.TelegramBotToken,
				AuthorizedChat: chatID,
				APIURL:         cfg.APIURL,
				APIToken:       cfg.APIToken,
				OffsetFilePath: cfg.OffsetFilePath(),
				Logger:         logger,
			})
			go func() {
				if err := br.Run(ctx); err != nil {
					logger.Error("inbound bridge exited", "error", err)
					stop()
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("ingress server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	eng.Drain(30 * time.Second)
	logger.Info("shutdown complete")
}

func parseChatID(raw string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(raw, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("parse TELEGRAM_CHAT_ID %q: %w", raw, err)
	}
	return id, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal_startup", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
