package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/CNyezi/aTradingMonitor-sub000/internal/alertbus"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/fanout"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/metrics"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/notify"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/registry"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/resources"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/rules"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/session"
	"github.com/CNyezi/aTradingMonitor-sub000/internal/subindex"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	ruleCacheRefresh         = 5 * time.Second
	shutdownGracePause       = 5 * time.Second
	resourceSampleInterval   = 15 * time.Second
	cooldownGCInterval       = 60 * time.Second
)

// cooldownGC is implemented by session.Session; the registry's Conn
// interface stays transport-only, so this is checked via type assertion
// rather than folded into Conn.
type cooldownGC interface {
	GCCooldowns()
}

// AlertPublisher is the subset of alertbus.Bus the gateway shell needs to
// hand an opened alert to the Notification Dispatcher; nil disables the
// bus hand-off, and the alert is then forwarded to the socket and the
// dispatcher in-process by this instance.
type AlertPublisher interface {
	PublishAlertOpened(evt alertbus.AlertOpened) error
}

// AlertSubscriber is the subset of alertbus.Bus the gateway shell needs to
// receive alerts opened by ANY instance (including its own cron replay
// path) for a user it holds the live connection for, per spec.md §9's
// duplicate-write-risk resolution: only the instance with the live socket
// delivers, but every instance may have produced the OPEN signal.
type AlertSubscriber interface {
	SubscribeAlertOpened(userID string, handler func(alertbus.AlertOpened)) error
	UnsubscribeAlertOpened(userID string)
}

// Server wires the Connection Registry, Subscription Index, Fan-out Loop,
// and scheduled-trigger handler behind one HTTP mux, and owns their
// lifecycles (spec.md §4.7).
type Server struct {
	httpServer *http.Server

	registry     *registry.Registry
	subindex     *subindex.Index
	sessionStore registry.SessionStore
	ruleProvider *RuleProviderCache
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	fanoutLoop      *fanout.Loop
	cronHandler     http.Handler
	alertPublisher  AlertPublisher
	alertSubscriber AlertSubscriber
	dispatcher      *notify.Dispatcher
	guard           *resources.Guard

	heartbeatInterval time.Duration
	sessionConfig     session.Config

	stopLiveness chan struct{}
}

// Config bundles the dependencies Server wires together.
type Config struct {
	Addr              string
	Registry          *registry.Registry
	Subindex          *subindex.Index
	SessionStore      registry.SessionStore
	RuleProvider      *RuleProviderCache
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
	FanoutLoop        *fanout.Loop
	CronHandler       http.Handler
	AlertPublisher    AlertPublisher
	AlertSubscriber   AlertSubscriber
	Dispatcher        *notify.Dispatcher
	Guard             *resources.Guard
	HeartbeatInterval time.Duration
	SessionConfig     session.Config
}

// New builds a Server and its HTTP mux; call Run to start serving.
func New(cfg Config) *Server {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	s := &Server{
		registry:          cfg.Registry,
		subindex:          cfg.Subindex,
		sessionStore:      cfg.SessionStore,
		ruleProvider:      cfg.RuleProvider,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger.With().Str("component", "gateway_server").Logger(),
		fanoutLoop:        cfg.FanoutLoop,
		cronHandler:       cfg.CronHandler,
		alertPublisher:    cfg.AlertPublisher,
		alertSubscriber:   cfg.AlertSubscriber,
		dispatcher:        cfg.Dispatcher,
		guard:             cfg.Guard,
		heartbeatInterval: heartbeat,
		sessionConfig:     cfg.SessionConfig,
		stopLiveness:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}
	if cfg.CronHandler != nil {
		mux.Handle("/cron/check-monitors", cfg.CronHandler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming connections are long-lived
	}
	return s
}

// onAlertBusEvent handles an AlertOpened delivered over the internal bus for
// userID, regardless of which instance produced it: forward to the live
// socket if this instance still holds it, and run the Notification
// Dispatcher's persist+webhook+push sequence exactly once per event.
func (s *Server) onAlertBusEvent(userID string, evt alertbus.AlertOpened) {
	if conn, ok := s.registry.Get(userID); ok {
		if sess, ok := conn.(*session.Session); ok {
			s.sendEnvelope(sess, msgTypeAlert, alertPayload{
				ID:       fmt.Sprintf("%s:%s:%d", evt.TSCode, evt.RuleType, evt.OpenedAtMS),
				Title:    fmt.Sprintf("%s %s", evt.TSCode, evt.RuleType),
				Message:  fmt.Sprintf("%s triggered %s", evt.TSCode, evt.RuleType),
				Severity: severityForRuleType(rules.Kind(evt.RuleType)),
			})
		}
	}

	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(context.Background(), notify.OpenedAlert{
		UserID:      evt.UserID,
		TSCode:      evt.TSCode,
		StockName:   evt.TSCode,
		RuleType:    rules.Kind(evt.RuleType),
		TriggerData: evt.TriggerData,
		TriggerTime: time.UnixMilli(evt.OpenedAtMS),
	})
}

// AttachFanoutLoop wires the fan-out loop after construction, since the loop
// itself takes Server.OnQuoteForUser as its per-tick processor and so cannot
// be built before the Server it will live on.
func (s *Server) AttachFanoutLoop(loop *fanout.Loop) {
	s.fanoutLoop = loop
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.guard == nil {
		w.Write([]byte(`{"status":"ok"}`))
		return
	}
	body, err := json.Marshal(struct {
		Status    string         `json:"status"`
		Resources map[string]any `json:"resources"`
	}{Status: "ok", Resources: s.guard.Stats()})
	if err != nil {
		w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.Write(body)
}

// Run starts the fan-out loop, liveness sweeper, and rule-cache refresher,
// then blocks serving HTTP until ctx is cancelled, at which point it drains
// connections gracefully (spec.md §4.7's shutdown sequence).
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.ruleProvider != nil {
		if err := s.ruleProvider.Refresh(runCtx); err != nil {
			s.logger.Warn().Err(err).Msg("initial rule cache refresh failed")
		}
		go s.ruleProvider.RunRefresh(runCtx, ruleCacheRefresh, func(err error) {
			s.logger.Warn().Err(err).Msg("rule cache refresh failed")
		})
	}

	if s.fanoutLoop != nil {
		go s.fanoutLoop.Run(runCtx)
	}

	if s.guard != nil {
		go s.guard.RunSampling(runCtx, resourceSampleInterval)
	}

	go s.registry.RunLiveness(s.stopLiveness, s.heartbeatInterval, func(userID string) {
		s.subindex.UnsubscribeAll(userID)
	})

	go s.runCooldownGC(runCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// runCooldownGC sweeps every live session's notification-cooldown map every
// cooldownGCInterval, per spec.md §4.6's "garbage-collected every 60s".
func (s *Server) runCooldownGC(ctx context.Context) {
	ticker := time.NewTicker(cooldownGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, conn := range s.registry.Snapshot() {
				if gc, ok := conn.(cooldownGC); ok {
					gc.GCCooldowns()
				}
			}
		}
	}
}

// shutdown stops the liveness sweep, closes every live session with a
// 1000/"server shutdown" close frame, then shuts the HTTP server down
// (no new connections), forcing it closed if that takes longer than the
// grace period.
func (s *Server) shutdown() error {
	s.logger.Info().Msg("shutting down gateway")
	close(s.stopLiveness)
	s.registry.CloseAll(1000, "server shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePause)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("forced listener close after grace period")
		s.httpServer.Close()
	}
	return nil
}
