package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/vmorsell/cohort-live/internal/config"
	"github.com/vmorsell/cohort-live/internal/handlers"
	"github.com/vmorsell/cohort-live/internal/hub"
	"github.com/vmorsell/cohort-live/internal/ratelimit"
	"github.com/vmorsell/cohort-live/internal/storage"
	"github.com/vmorsell/cohort-live/internal/ws"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}
	store := storage.NewStorage(logger.Named("storage"), dynamodb.NewFromConfig(awsCfg), cfg.EventsTable)

	h := hub.New(logger.Named("hub"), store, cfg.HeartbeatInterval)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		h.Run(hubCtx)
		close(hubDone)
	}()

	if err := h.Bootstrap(ctx); err != nil {
		logger.Error("failed to restore open events", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, ws.NewServer(logger.Named("ws"), h, ws.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedOrigins: cfg.AllowedOriginsList(),
		Limiter:        ratelimit.NewRateLimiter(cfg.MessageRateLimit, ratelimit.DefaultWindowSize),
	}))
	handlers.NewHandler(logger.Named("api"), store, h,
		ratelimit.NewRateLimiter(cfg.RegistrationRateLimit, ratelimit.DefaultWindowSize)).Register(mux)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("cohort live server started",
			zap.String("addr", cfg.ListenAddr),
			zap.String("wsPath", cfg.WSPath),
			zap.String("table", cfg.EventsTable))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	events, connected, err := h.Stats(context.Background())
	if err != nil {
		logger.Warn("failed to read hub stats", zap.Error(err))
	}
	logger.Info("shutting down server", zap.Int("openEvents", events), zap.Int("connectedDevices", connected))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", zap.Error(err))
	}

	stopHub()
	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
		logger.Warn("hub did not stop before shutdown timeout")
	}

	logger.Info("server exited")
}
