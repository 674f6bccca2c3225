// Command gateway runs the A-share quote gateway and alerting engine: the
// WebSocket shell, the fan-out loop, the scheduled monitor-replay trigger,
// and the notification dispatcher, wired together per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/alertbus"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/config"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/cronjob"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/fanout"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/gateway"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/logging"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/metrics"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/notify"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/quotes"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/registry"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/resources"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/session"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/storage"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/subindex"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/testgen"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	cfg.Log(logger)

	store := storage.NewInMemory()
	met := metrics.New()

	var source cronjob.QuoteSource
	if cfg.WSTestMode {
		logger.Warn().Msg("WS_TEST_MODE enabled: serving synthetic quotes, not live market data")
		source = testgen.New(1)
	} else {
		source = quotes.New(quotes.Config{
			Host:         cfg.UpstreamHost,
			FetchTimeout: cfg.QuoteFetchTimeout,
			BatchSize:    cfg.QuoteBatchSize,
		}, logger)
	}

	idx := subindex.New()
	reg := registry.New(logger)
	sessionStore := registry.NewJWTSessionStore(cfg.SessionSigningKey, cfg.SessionTTL)
	ruleCache := gateway.NewRuleProviderCache(store)

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = resources.DefaultMaxConnections(resources.CgroupMemoryLimit())
	}
	guard := resources.New(resources.Limits{
		MaxConnections:       maxConns,
		CPURejectPercent:     cfg.CPURejectPercent,
		MaxGoroutines:        cfg.MaxGoroutines,
		MaxBroadcastsPerSec:  cfg.MaxBroadcastsPerSec,
		MaxBusMessagesPerSec: cfg.MaxBusMessagesPerSec,
	}, logger)

	var bus *alertbus.Bus
	if cfg.NATSURL != "" {
		bus, err = alertbus.Connect(alertbus.Config{
			URL:             cfg.NATSURL,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectJitter: time.Second,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to NATS; alert bus disabled")
			bus = nil
		} else {
			bus = bus.WithLimiter(guard)
			met.SetNATSConnected(true)
			defer bus.Close()
		}
	}

	var push *notify.WebPushSender
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		push = notify.NewWebPushSender(notify.VAPIDKeys{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		})
	}
	dispatcher := notify.New(store, store, notify.NewWebhookSender(), push, logger)

	// bus is assigned to an AlertPublisher only when non-nil: a nil *Bus
	// boxed directly into the interface would compare non-nil, breaking the
	// handler's "no publisher configured" fallback.
	var cronPublisher cronjob.AlertPublisher
	if bus != nil {
		cronPublisher = bus
	}
	cronHandler := cronjob.New(cronjob.Config{
		Secret:                cfg.CronSecret,
		TimeWindowSpanSeconds: int(cfg.TimeWindowSpan.Seconds()),
		CompressionThreshold:  cfg.CompressionThreshold,
	}, store, source, cronPublisher, met, logger)

	srvCfg := gateway.Config{
		Addr:              fmt.Sprintf(":%d", cfg.WSPort),
		Registry:          reg,
		Subindex:          idx,
		SessionStore:      sessionStore,
		RuleProvider:      ruleCache,
		Metrics:           met,
		Logger:            logger,
		CronHandler:       cronHandler,
		Dispatcher:        dispatcher,
		Guard:             guard,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionConfig: session.Config{
			NotificationCooldown:  cfg.NotificationCooldown,
			TimeWindowSpanSeconds: int(cfg.TimeWindowSpan.Seconds()),
			CompressionThreshold:  cfg.CompressionThreshold,
		},
	}
	if bus != nil {
		srvCfg.AlertPublisher = bus
		srvCfg.AlertSubscriber = bus
	}
	srv := gateway.New(srvCfg)

	fanoutSource, ok := source.(fanout.QuoteSource)
	if !ok {
		logger.Fatal().Msg("quote source does not implement fanout.QuoteSource")
	}
	loop := fanout.New(fanout.Config{Interval: cfg.FanoutInterval}, fanoutSource, idx, reg, srv.OnQuoteForUser, logger).WithLimiter(guard)
	srv.AttachFanoutLoop(loop)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("addr", srvCfg.Addr).Msg("starting gateway")
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway exited with error")
		os.Exit(1)
	}
}
