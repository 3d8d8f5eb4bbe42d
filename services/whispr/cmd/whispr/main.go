package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"whispr/internal/ratelimit"
	"whispr/internal/usertoken"
	"whispr/internal/util"
	"whispr/pkg/archive"
	"whispr/pkg/domain"
	"whispr/pkg/events"
	"whispr/pkg/queue"
	"whispr/pkg/storage"
	"whispr/pkg/store"
	"whispr/services/whispr/internal/app"
	"whispr/services/whispr/internal/config"
	"whispr/services/whispr/internal/server"
)

// archiveScheduler is a Scheduler that can be bound to the task handler
// once the app exists.
type archiveScheduler interface {
	archive.Scheduler
	Start(ctx context.Context, handler archive.TaskFunc)
}

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var records store.Store
	if cfg.DatabaseURL != "" {
		records, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
	} else {
		logger.Warn("databaseURL not set, records are kept in memory")
		records = store.NewMemoryStore()
	}

	var appCore *app.App
	pinner, err := newPinner(cfg, func() (archive.Credentials, error) {
		return appCore.ArchivalCredentials()
	})
	if err != nil {
		log.Fatalf("failed to init archival: %v", err)
	}

	var scheduler archiveScheduler
	if cfg.RedisAddr != "" && pinner != nil {
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			Stream:      cfg.QueueName,
			Group:       cfg.QueueGroup,
			MaxAttempts: 1,
		})
		if err != nil {
			log.Fatalf("failed to init archive queue: %v", err)
		}
		defer q.Close()
		scheduler = archive.NewQueueScheduler(q, cfg.ArchivalWorkers)
	} else {
		scheduler = archive.NewPool(cfg.ArchivalWorkers, 0)
	}

	publisher := events.Publisher(events.Nop{})
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to connect to broker: %v", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	appCore, err = app.New(app.Config{
		Store:     records,
		Pinner:    pinner,
		Scheduler: scheduler,
		Events:    publisher,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if err := bootstrap(appCore, cfg); err != nil {
		log.Fatalf("failed to bootstrap: %v", err)
	}
	scheduler.Start(ctx, appCore.RunArchivalTask)

	serverConfig := server.Config{
		App:            appCore,
		AllowedOrigins: cfg.AllowedOrigins(),
	}
	if cfg.JWKSURL != "" {
		verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		serverConfig.Resolver = server.TokenResolver{Verifier: verifier}
	} else {
		logger.Warn("jwksURL not set, trusting " + server.PrincipalHeader)
	}
	if cfg.SubmitRateLimit > 0 {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		limiter, err := ratelimit.NewFixedWindowLimiter(client, "whispr:ratelimit", cfg.SubmitRateLimit, time.Duration(cfg.SubmitRateWindowSeconds)*time.Second)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		serverConfig.Limiter = limiter
	}
	httpServer, err := server.New(serverConfig)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("whispr server listening", "addr", addr, "archival", cfg.ArchivalBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	if pool, ok := scheduler.(*archive.Pool); ok {
		pool.Wait()
		pool.Stop()
	}
}

// newPinner returns nil when archival is disabled.
func newPinner(cfg config.FileConfig, creds archive.CredentialsFunc) (archive.Pinner, error) {
	switch cfg.ArchivalBackend {
	case config.ArchivalPinata:
		return archive.NewPinataClient(archive.PinataConfig{
			Endpoint:    cfg.PinataEndpoint,
			Gateway:     cfg.PinataGateway,
			Credentials: creds,
		}), nil
	case config.ArchivalObject:
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		return archive.NewObjectPinner(objects, ""), nil
	default:
		return nil, nil
	}
}

func bootstrap(a *app.App, cfg config.FileConfig) error {
	if cfg.BootstrapAuthority != "" {
		created, err := a.EnsureAuthority(domain.Principal(cfg.BootstrapAuthority))
		if err != nil {
			return err
		}
		if created {
			slog.Info("bootstrap authority registered", "authority", cfg.BootstrapAuthority)
		}
	}
	if _, err := a.EnsureArchivalDefaults(cfg.PinataAPIKey, cfg.PinataAPISecret, cfg.PinataJWT); err != nil {
		return err
	}
	return nil
}
