package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	commonhttp "github.com/christophengelmayer/flow-oauth2-client/internal/common/http"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
	"github.com/christophengelmayer/flow-oauth2-client/internal/config"
	"github.com/christophengelmayer/flow-oauth2-client/internal/handlers"
	"github.com/christophengelmayer/flow-oauth2-client/internal/locks"
	"github.com/christophengelmayer/flow-oauth2-client/internal/middleware"
	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
	"github.com/christophengelmayer/flow-oauth2-client/internal/redis"
	"github.com/christophengelmayer/flow-oauth2-client/internal/server"
	"github.com/christophengelmayer/flow-oauth2-client/internal/statecache"
	"github.com/christophengelmayer/flow-oauth2-client/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.InitGlobalLogger()
	logger := logging.GetGlobalLogger()
	defer logging.MustSync()

	ctx := context.Background()

	// Redis is optional. With it, state and refresh locks are shared
	// across instances; without it, both stay in-process.
	var (
		redisClient *redis.Client
		states      statecache.StateCache
		lockManager locks.Manager
	)
	if cfg.RedisEnabled() {
		redisDB, _ := strconv.Atoi(cfg.RedisDB)
		poolSize, _ := strconv.Atoi(cfg.RedisPoolSize)

		var err error
		redisClient, err = redis.NewClient(&redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       redisDB,
			PoolSize: poolSize,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()

		states, err = statecache.NewRedisStateCache(redisClient)
		if err != nil {
			return err
		}
		lockManager, err = locks.NewRedsyncManager(redisClient)
		if err != nil {
			return err
		}
		logger.Info("Using Redis for state cache and refresh locks",
			logging.Field{Key: "address", Value: cfg.RedisAddress})
	} else {
		states = statecache.NewMemoryStateCache()
		lockManager = locks.NewLocalManager()
		logger.Info("Using in-process state cache and refresh locks")
	}
	defer states.Close()
	defer lockManager.Close()

	repo, err := store.NewRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	provider, err := oauth.NewHTTPProvider(oauth.ProviderConfig{
		ServiceName:         cfg.ServiceName,
		AuthorizeURI:        cfg.AuthorizeURI,
		TokenURI:            cfg.TokenURI,
		ResourceOwnerURI:    cfg.ResourceOwnerURI,
		RedirectURI:         handlers.RenderCallbackURI(cfg.BaseURL),
		SendSecretOnRefresh: cfg.SendSecretOnRefresh,
	}, commonhttp.NewHTTPClient(), logger)
	if err != nil {
		return err
	}

	manager, err := oauth.NewManager(oauth.ManagerConfig{
		ServiceName: cfg.ServiceName,
		StateTTL:    cfg.StateTTL,
	}, repo, states, provider, lockManager, logger)
	if err != nil {
		return err
	}

	sweeper, err := oauth.NewSweeper(manager, cfg.RefreshSweepSchedule, cfg.RefreshLookahead, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	handlers.New(manager, cfg, logger).RegisterRoutes(router)

	srv := server.New(router, cfg.Port)
	errCh := srv.Start()
	logger.Info("Server started",
		logging.Field{Key: "port", Value: cfg.Port},
		logging.Field{Key: "service", Value: cfg.ServiceName},
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", logging.Field{Key: "signal", Value: sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
