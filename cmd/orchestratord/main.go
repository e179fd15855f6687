// Command orchestratord runs the human-in-the-loop workflow
// orchestrator: the HTTP API, the event bus consumer, and the approval
// timeout sweeper, against a PostgreSQL store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/chatadapter"
	"github.com/approvalflow/orchestrator/config"
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/eventbus"
	"github.com/approvalflow/orchestrator/handlers"
	"github.com/approvalflow/orchestrator/httpapi"
	"github.com/approvalflow/orchestrator/resilience"
	"github.com/approvalflow/orchestrator/security"
	"github.com/approvalflow/orchestrator/store"
	"github.com/approvalflow/orchestrator/telemetry"
	"github.com/approvalflow/orchestrator/timeoutmgr"
	"github.com/approvalflow/orchestrator/workflowtmpl"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	rootLogger := telemetry.NewLogger(cfg.LogFormat)
	logger := rootLogger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tel core.Telemetry = core.NoOpTelemetry{}
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitStdoutProvider(ctx, "orchestratord")
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		tel = telemetry.NewTracer("orchestratord")
	}

	st, err := store.Open(cfg.DatabaseURL, rootLogger.WithComponent("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	signer := security.NewTokenSigner(cfg.SecretKey)
	verifier := security.NewWebhookVerifier(cfg.SlackSigningKey, cfg.CallbackTokenReplayWindow)

	bus := eventbus.New(eventbus.Config{
		MaxQueueSize: cfg.BusQueueCapacity,
		MaxRetries:   cfg.BusMaxRetries,
		Logger:       rootLogger.WithComponent("eventbus"),
	}, st.AppendDLQ)

	registry := engine.NewRegistry()

	eng := engine.New(st, bus, registry, signer.Generate,
		engine.WithLogger(rootLogger.WithComponent("engine")),
		engine.WithTelemetry(tel),
		engine.WithConfig(engine.Config{
			DefaultApprovalTimeout: cfg.DefaultApprovalTimeout,
			Retry: resilience.RetryConfig{
				InitialBackoff: cfg.RetryInitialBackoff,
				Multiplier:     cfg.RetryMultiplier,
				MaxBackoff:     cfg.RetryMaxBackoff,
				MaxAttempts:    cfg.MaxRetryAttempts,
			},
			MaxRetries:   cfg.MaxRetryAttempts,
			MaxRollbacks: cfg.MaxRollbackCount,
		}),
	)

	approvals := approval.New(st, bus, signer.Generate, eng,
		approval.WithLogger(rootLogger.WithComponent("approval")),
		approval.WithDefaultTimeout(cfg.DefaultApprovalTimeout),
	)

	// The chat adapter is optional: without a bot token the orchestrator
	// runs headless and inbound signature verification still fails closed.
	var notifier *chatadapter.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifier = chatadapter.NewNotifier(cfg.SlackBotToken, cfg.SlackChannel,
			chatadapter.WithNotifierLogger(rootLogger.WithComponent("chatadapter")),
			chatadapter.WithBreaker(resilience.NewCircuitBreaker("slack", resilience.CircuitBreakerConfig{
				FailureThreshold: cfg.CircuitBreakerFailureThreshold,
				OpenDuration:     cfg.CircuitBreakerOpenDuration,
				Logger:           rootLogger.WithComponent("chatadapter"),
			})),
		)
	} else {
		logger.Info("chat adapter disabled, no bot token/channel configured", nil)
	}

	handlers.Register(bus, handlers.Deps{
		Store:                  st,
		Engine:                 eng,
		Approvals:              approvals,
		Notifier:               notifier,
		Logger:                 rootLogger.WithComponent("handlers"),
		DefaultApprovalTimeout: cfg.DefaultApprovalTimeout,
	})
	bus.Start(ctx)
	defer bus.Stop()

	sweeper := timeoutmgr.New(st, approvals, eng, cfg.TimeoutSweepInterval,
		timeoutmgr.WithLogger(rootLogger.WithComponent("timeout")))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var templates map[string]workflowtmpl.Template
	if cfg.WorkflowTemplatesPath != "" {
		templates, err = workflowtmpl.Load(cfg.WorkflowTemplatesPath)
		if err != nil {
			return err
		}
		logger.Info("workflow templates loaded", map[string]interface{}{
			"path": cfg.WorkflowTemplatesPath, "count": len(templates),
		})
	}

	api := httpapi.New(httpapi.Deps{
		Store:                  st,
		Engine:                 eng,
		Approvals:              approvals,
		Bus:                    bus,
		Signer:                 signer,
		Verifier:               verifier,
		Notifier:               notifier,
		Templates:              templates,
		Logger:                 rootLogger.WithComponent("httpapi"),
		DefaultApprovalTimeout: cfg.DefaultApprovalTimeout,
		IdempotencyKeyExpiry:   cfg.IdempotencyKeyExpiry,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
