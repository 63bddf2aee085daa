package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"lstapp/internal/chain"
	"lstapp/internal/chain/memchain"
	"lstapp/internal/config"
	"lstapp/internal/database"
	"lstapp/internal/events"
	"lstapp/internal/handler"
	"lstapp/internal/intent"
	"lstapp/internal/metrics"
	"lstapp/internal/middleware"
	"lstapp/internal/notify"
	"lstapp/internal/redemption"
	"lstapp/internal/settlement"
	"lstapp/internal/solana"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// memoryFunding is the platform balance in memory mode, in lamports.
const memoryFunding uint64 = 1_000_000_000_000

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var db *database.Database
	if cfg.Database.Path != "" {
		var err error
		db, err = database.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		logger.WithField("path", cfg.Database.Path).Info("journal opened")
	} else {
		logger.Warn("journal disabled, dedup state is lost on restart")
	}

	client, err := newChain(cfg, logger)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"mode":     cfg.Chain.Mode,
		"platform": client.PlatformAddress(),
	}).Info("chain client ready")

	eventLog := events.NewLog(cfg.Settlement.EventCapacity, logger)
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer pub.Close()
		eventLog.SetPublisher(pub)
	}

	var notifier notify.Notifier = notify.Log{Logger: logger}
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			return err
		}
		notifier = tg
	}

	ledger := intent.NewLedger(intent.WithTTL(cfg.Settlement.IntentTTL))
	settleDeps := settlement.Deps{
		Ledger:   ledger,
		Log:      eventLog,
		Chain:    client,
		Notifier: notifier,
		Logger:   logger,
	}
	redeemDeps := redemption.Deps{
		Chain:    client,
		Log:      eventLog,
		Notifier: notifier,
		Logger:   logger,
	}
	if db != nil {
		settleDeps.Journal = db
		redeemDeps.Journal = db
	}

	engine := settlement.New(settlement.Config{
		DefaultRatio:     cfg.Settlement.DefaultRatio,
		DedupCapacity:    cfg.Settlement.DedupCapacity,
		BatchConcurrency: cfg.Settlement.BatchConcurrency,
	}, settleDeps)
	coordinator := redemption.New(redemption.Config{FeeReserve: cfg.Chain.FeeReserve}, redeemDeps)

	h := handler.NewHandler(handler.Deps{
		Engine:      engine,
		Coordinator: coordinator,
		DB:          db,
		Log:         eventLog,
		AdminAPIKey: cfg.AdminAPIKey,
		Info: handler.Info{
			ChainMode:       cfg.Chain.Mode,
			PlatformAddress: client.PlatformAddress(),
			AlertsEnabled:   cfg.Telegram.BotToken != "",
			FeeReserve:      cfg.Chain.FeeReserve,
		},
		Logger: logger,
	})

	limiter := middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize)
	go limiter.Run(ctx)
	go sweepIntents(ctx, ledger, cfg)

	router := setupRouter(h, limiter, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newChain(cfg *config.Config, logger *logrus.Logger) (chain.Client, error) {
	if cfg.Chain.Mode == config.ChainSolana {
		return solana.NewClient(solana.Config{
			Endpoint:       cfg.Chain.RPCEndpoint,
			AuthorityKey:   cfg.Chain.AuthorityKey,
			Mint:           cfg.Chain.Mint,
			TokenProgram:   cfg.Chain.TokenProgram,
			Commitment:     cfg.Chain.Commitment,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		}, logger)
	}
	l := memchain.New(cfg.Chain.PlatformAddress)
	l.Fund(cfg.Chain.PlatformAddress, memoryFunding)
	logger.Warn("running against the in-memory chain, nothing is settled on a real ledger")
	return l, nil
}

func sweepIntents(ctx context.Context, ledger *intent.Ledger, cfg *config.Config) {
	ticker := time.NewTicker(max(cfg.Settlement.IntentTTL/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledger.Sweep()
			metrics.PendingIntents.Set(float64(len(ledger.Pending())))
		}
	}
}

func setupRouter(h *handler.Handler, limiter *middleware.IPRateLimiter, logger *logrus.Logger) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Cors())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Rate limit only the API, not scrapes
	router.Use(limiter.RateLimit())
	h.Register(router)

	return router
}
