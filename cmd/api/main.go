package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agro-market-api-server/config"
	"agro-market-api-server/internal/api/handlers"
	"agro-market-api-server/internal/api/routes"
	"agro-market-api-server/internal/auth"
	"agro-market-api-server/internal/cart"
	"agro-market-api-server/internal/database"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/logging"
	"agro-market-api-server/internal/s3"
	"agro-market-api-server/internal/socket"
	"agro-market-api-server/internal/store"
	"agro-market-api-server/internal/store/memory"
	"agro-market-api-server/internal/store/mongostore"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second

	// Carts of buyers whose tokens expired are never dropped by logout.
	cartIdleTTL       = 24 * time.Hour
	cartEvictInterval = time.Hour
)

func main() {
	// 1. Load .env (optional) and configuration
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Could not load .env: %v", err)
	}
	cfg, err := config.LoadConfig("./config")
	if err != nil {
		log.Fatalf("Could not load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Could not build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// 2. Document store: MongoDB when configured, in-memory otherwise
	var db store.Store
	var mongoStore *mongostore.Store
	if cfg.Mongo.URI != "" {
		client, err := database.Connect(ctx, cfg.Mongo)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())

		mongoStore = mongostore.New(client.Database(cfg.Mongo.DBName), cfg.Mongo.PollInterval, logger)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			return err
		}
		db = mongoStore
		logger.Info("Connected to MongoDB", zap.String("db", cfg.Mongo.DBName))
	} else {
		db = memory.New()
		logger.Warn("mongo.uri not set, using the in-memory store")
	}

	// 3. Identity provider
	tokens, err := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	if err != nil {
		return err
	}
	provider := identity.NewPasswordProvider(db, tokens, logger)

	if err := database.SeedDemoUsers(ctx, provider, db, cfg.Seed, logger); err != nil {
		return err
	}

	// 4. S3 uploader for lot photos
	var uploader handlers.ImageUploader
	if cfg.S3.Bucket != "" {
		s3Uploader, err := s3.NewUploader(ctx, cfg.S3)
		if err != nil {
			return err
		}
		uploader = s3Uploader
	} else {
		logger.Warn("s3.bucket not set, image uploads are disabled")
	}

	// 5. Router
	hub := socket.NewHub(logger)
	carts := cart.NewRegistry(db)
	router := routes.SetupRouter(cfg, db, provider, uploader, hub, carts, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// 6. Serve until a signal arrives, then drain
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting API server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		carts.RunEviction(gctx, cartEvictInterval, cartIdleTTL, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if mongoStore != nil {
		mongoStore.Wait()
	}
	return err
}
