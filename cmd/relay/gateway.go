package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/relay/internal/agent"
	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/config"
	"github.com/jkaninda/relay/internal/dedupe"
	"github.com/jkaninda/relay/internal/gateway"
	"github.com/jkaninda/relay/internal/gateway/discord"
	"github.com/jkaninda/relay/internal/gateway/httpapi"
	"github.com/jkaninda/relay/internal/gateway/qq"
	"github.com/jkaninda/relay/internal/gateway/telegram"
	"github.com/jkaninda/relay/internal/gateway/whatsapp"
	"github.com/jkaninda/relay/internal/heartbeat"
	"github.com/jkaninda/relay/internal/observability"
	"github.com/jkaninda/relay/internal/ratelimit"
	"github.com/jkaninda/relay/internal/scheduler"
	"github.com/jkaninda/relay/internal/storage"
	"github.com/jkaninda/relay/internal/tools"
	crontool "github.com/jkaninda/relay/internal/tools/cron"
	"github.com/jkaninda/relay/internal/tools/message"
)

var gatewayPort string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Connect to the configured chat channels and run the agent",
	RunE:  runGateway,
}

func init() {
	// `relay --port :9000` and `relay gateway --port :9000` both work.
	for _, cmd := range []*cobra.Command{rootCmd, gatewayCmd} {
		cmd.Flags().StringVar(&gatewayPort, "port", "", "override the admin API listen address (e.g. :8080)")
	}
}

// runGateway starts every enabled channel, the agent, the scheduler and the
// admin API, and blocks until SIGINT/SIGTERM or the first fatal error.
func runGateway(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if gatewayPort != "" && cfg.HTTP != nil {
		cfg.HTTP.ListenAddr = gatewayPort
	}

	logger, logCloser := newLogger(cfg.Logging, logLevel)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()
	reg := obs.MetricsOrNil().RegistryOrNil()
	tracer := obs.TracerOrNil().Tracer()

	b := bus.New(cfg.Bus, bus.WithMetrics(bus.NewMetrics(reg)))
	defer b.Close()

	liveness := heartbeat.NewMonitor()
	seen := dedupe.New(cfg.Inbound.DedupeTTL(), cfg.Inbound.DedupeSize())

	gwMetrics := gateway.NewMetrics(reg)
	manager := gateway.NewManager(b, logger,
		gateway.WithManagerMetrics(gwMetrics),
		gateway.WithTracer(tracer),
		gateway.WithOutboundLimiter(ratelimit.NewLimiter(cfg.Outbound.RateLimit)),
		gateway.WithLiveness(liveness),
		gateway.WithSendTimeout(cfg.Outbound.SendTimeout()),
	)
	deps := gateway.Deps{
		Bus:      b,
		Logger:   logger,
		Metrics:  gwMetrics,
		Liveness: liveness,
		Dedupe:   seen,
		Limiter:  ratelimit.NewLimiter(cfg.Inbound.RateLimit),
	}
	clients, err := buildClients(cfg, deps)
	if err != nil {
		return err
	}
	for _, c := range clients {
		if err := manager.Register(c); err != nil {
			return err
		}
	}
	logger.Info("channels configured", slog.Int("count", len(clients)), slog.Any("channels", manager.Channels()))

	responder, err := newResponder(cfg, obs, logger)
	if err != nil {
		return err
	}
	executor := agent.NewExecutor(b, responder,
		agent.WithLogger(logger),
		agent.WithMetrics(agent.NewMetrics(reg)),
		agent.WithTracer(tracer),
		agent.WithHistory(agent.NewHistory(cfg.Agent.HistorySize)),
		agent.WithWorkers(cfg.Agent.Workers),
		agent.WithTurnTimeout(cfg.Agent.TurnTimeout()),
		agent.WithErrorReply(cfg.Agent.ErrorReply),
	)

	toolReg := tools.NewRegistry()
	if err := toolReg.Register(observability.NewInstrumentedTool(message.New(b, logger), obs.Metrics, obs.Tracer)); err != nil {
		return err
	}

	obs.Health.AddCheck("channels", liveness.Check(cfg.Liveness.StaleAfter()))

	var (
		db    *storage.DB
		sched *scheduler.Scheduler
	)
	if cfg.SchedulerEnabled() {
		db, err = openStorage(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		obs.Health.AddCheck("storage", db.Ping)

		sched = scheduler.New(db.Jobs(), b, scheduler.Config{
			PollInterval:  cfg.Scheduler.PollInterval(),
			MissedWindow:  cfg.Scheduler.MissedJobWindow(),
			MaxConcurrent: cfg.Scheduler.MaxConcurrent(),
		},
			scheduler.WithLogger(logger),
			scheduler.WithMetrics(scheduler.NewMetrics(reg)),
		)
		if err := toolReg.Register(observability.NewInstrumentedTool(crontool.New(sched, logger), obs.Metrics, obs.Tracer)); err != nil {
			return err
		}
	}

	var api *httpapi.Gateway
	if cfg.HTTPEnabled() {
		var apiTracer trace.Tracer
		if obs.Tracer != nil {
			apiTracer = tracer
		}
		api = httpapi.NewGateway(httpapi.Config{
			ListenAddr:      cfg.HTTP.Addr(),
			EnableDocs:      cfg.HTTP.EnableDocs,
			Version:         version,
			APIKeys:         cfg.HTTP.APIKeys,
			MaxRequestSize:  cfg.HTTP.MaxRequestSizeBytes,
			MetricsRegistry: reg,
			MetricsPath:     cfg.MetricsPath(),
			HealthChecker:   obs.Health,
			Metrics:         obs.Metrics,
			Tracer:          apiTracer,
		}, b, ratelimit.NewLimiter(cfg.HTTP.RateLimit), logger).
			WithGateways(manager).
			WithTools(toolReg)
		if sched != nil {
			api.WithScheduler(sched)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return executor.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error {
		seen.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		heartbeat.RunStaleChecker(gctx, liveness, cfg.Liveness.CheckInterval(), cfg.Liveness.StaleAfter(), logger)
		return nil
	})
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	if api != nil {
		g.Go(func() error {
			if err := api.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return api.Stop(shutdownCtx)
		})
	}

	logger.Info("relay started", slog.String("version", version))
	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := manager.Shutdown(shutdownCtx); serr != nil {
		logger.Error("stopping channels", slog.String("error", serr.Error()))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildClients creates a client for every enabled channel.
func buildClients(cfg *config.Config, deps gateway.Deps) ([]gateway.Client, error) {
	policy := gateway.ReconnectPolicy{
		Initial: cfg.Reconnect.InitialDelay(),
		Max:     cfg.Reconnect.MaxDelay(),
		Jitter:  cfg.Reconnect.Jitter,
	}

	var clients []gateway.Client
	add := func(c gateway.Client, err error) error {
		if err != nil {
			return err
		}
		clients = append(clients, c)
		return nil
	}

	if dc := cfg.Channels.Discord; dc != nil && dc.Enabled {
		c, err := discord.New(discord.Config{
			Token:      dc.Token,
			Intents:    dc.Intents,
			AllowFrom:  dc.AllowFrom,
			AckMessage: dc.AckMessage,
			GatewayURL: dc.GatewayURL,
			Reconnect:  policy,
		}, deps)
		if err := add(c, err); err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
	}
	if tc := cfg.Channels.Telegram; tc != nil && tc.Enabled {
		c, err := telegram.New(telegram.Config{
			Token:       tc.Token,
			AllowFrom:   tc.AllowFrom,
			PollTimeout: tc.PollTimeoutSeconds,
			APIBase:     tc.APIBase,
			Reconnect:   policy,
		}, deps)
		if err := add(c, err); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	if qc := cfg.Channels.QQ; qc != nil && qc.Enabled {
		c, err := qq.New(qq.Config{
			EventURL:          qc.EventURL,
			APIURL:            qc.APIURL,
			AccessToken:       qc.AccessToken,
			AllowFrom:         qc.AllowFrom,
			Reconnect:         policy,
			HeartbeatInterval: time.Duration(qc.HeartbeatIntervalSeconds) * time.Second,
		}, deps)
		if err := add(c, err); err != nil {
			return nil, fmt.Errorf("qq: %w", err)
		}
	}
	if wc := cfg.Channels.WhatsApp; wc != nil && wc.Enabled {
		c, err := whatsapp.New(whatsapp.Config{
			BridgeURL:    wc.BridgeURL,
			AuthToken:    wc.AuthToken,
			AllowFrom:    wc.AllowFrom,
			Reconnect:    policy,
			PingInterval: time.Duration(wc.PingIntervalSeconds) * time.Second,
		}, deps)
		if err := add(c, err); err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
	}
	return clients, nil
}

// newResponder returns an LLM responder when a provider is configured and
// an echo responder otherwise.
func newResponder(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (agent.Responder, error) {
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		logger.Warn("no LLM provider configured, echoing messages")
		return agent.Echo{Prefix: cfg.Agent.EchoPrefix}, nil
	}
	instrumented := observability.NewInstrumentedProvider(provider, obs.Metrics, obs.Tracer)
	logger.Info("llm provider configured", slog.String("provider", provider.Name()))
	return agent.NewLLMResponder(instrumented, agent.LLMConfig{
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
	}), nil
}
