package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lark-relay/handler"
	"lark-relay/internal/config"
	"lark-relay/internal/integrations/openai"
	"lark-relay/internal/integrations/paramstore"
	"lark-relay/internal/lark"
	"lark-relay/internal/metrics"
	"lark-relay/internal/repository"
	"lark-relay/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if cfg.ParamPrefix != "" || cfg.StoreBackend == config.BackendDynamoDB {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
	}

	// ---- Clients ----
	var secrets paramstore.Getter = paramstore.NewEnv()
	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.NewSSM(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		secrets = ssmClient
	}

	store, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		fatal("failed to open message store", err)
	}

	completer, err := openai.NewClient(secrets, cfg.CompletionTokenParam(),
		openai.WithBaseURL(cfg.CompletionBaseURL),
		openai.WithModel(cfg.CompletionModel),
		openai.WithSystemPrompt(cfg.CompletionSystemPrompt),
	)
	if err != nil {
		fatal("failed to create completion client", err)
	}

	sender, err := lark.NewClient(secrets, cfg.LarkAppIDParam(), cfg.LarkAppSecretParam(),
		lark.WithBaseURL(cfg.LarkBaseURL),
	)
	if err != nil {
		fatal("failed to create lark client", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- Pipeline ----
	relay, err := usecase.NewRelayService(store, completer, sender, usecase.Options{
		CompletionTimeout: cfg.CompletionTimeout,
		SendTimeout:       cfg.SendTimeout,
		HistoryTurns:      cfg.HistoryTurns,
		FallbackReply:     cfg.FallbackReply,
		EmptyReply:        cfg.EmptyReply,
		Metrics:           m,
	})
	if err != nil {
		fatal("failed to create relay service", err)
	}

	opts := handler.Options{Logger: logger, Metrics: m}
	var dispatcher *handler.Dispatcher
	if cfg.RunMode == config.RunModeHTTP && cfg.AsyncDispatch {
		dispatcher = handler.NewDispatcher(m)
		opts.Dispatcher = dispatcher
	}
	h, err := handler.NewHandler(relay, lark.Parser{VerificationToken: cfg.LarkVerificationToken}, opts)
	if err != nil {
		fatal("failed to create handler", err)
	}

	if cfg.RunMode == config.RunModeLambda {
		lambda.Start(h.Handle)
		return
	}

	var admin *handler.Admin
	if cfg.AdminToken != "" {
		admin, err = handler.NewAdmin(store, cfg.AdminToken, logger)
		if err != nil {
			fatal("failed to create admin routes", err)
		}
	}

	serve(logger, cfg.Port, handler.NewRouter(h, admin, reg), dispatcher, store)
}

func openStore(ctx context.Context, cfg config.Config, awsCfg aws.Config) (repository.Store, error) {
	if cfg.StoreBackend == config.BackendPostgres {
		db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store, err := repository.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	}
	store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func serve(logger *slog.Logger, port string, router http.Handler, dispatcher *handler.Dispatcher, store repository.Store) {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if dispatcher != nil {
		if err := dispatcher.Shutdown(ctx); err != nil {
			logger.Error("background tasks did not finish", "err", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("closing store", "err", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
