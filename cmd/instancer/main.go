package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kavos113/ctf-instancer/config"
	"github.com/kavos113/ctf-instancer/domain"
	"github.com/kavos113/ctf-instancer/infrastructure/deployer"
	"github.com/kavos113/ctf-instancer/infrastructure/repository"
	"github.com/kavos113/ctf-instancer/infrastructure/session"
	"github.com/kavos113/ctf-instancer/infrastructure/storage"
	"github.com/kavos113/ctf-instancer/interface/ws"
	"github.com/kavos113/ctf-instancer/lib/logger"
	"github.com/kavos113/ctf-instancer/usecase"
)

func main() {
	cfg := config.NewConfigFromEnv()
	slogger := logger.New("ctf-instancer")

	challenges, err := config.LoadChallenges(cfg.ChallengesPath, cfg.DeployerMode == "script", slogger)
	if err != nil {
		log.Fatalf("failed to load challenge catalog: %v", err)
	}
	if len(challenges) == 0 {
		log.Fatalf("no usable challenges in %s", cfg.ChallengesPath)
	}

	db, err := repository.Connect(context.Background(), cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := repository.InitSchema(context.Background(), db, cfg.Database.SchemaPath); err != nil {
		log.Fatalf("failed to initialize schema: %v", err)
	}

	instanceRepo := repository.NewMySQLInstanceRepository(db)
	userRepo := repository.NewMySQLUserRepository(db)

	sessionStore, err := session.NewRedisSessionStore()
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer sessionStore.Close()

	var deploy domain.Deployer
	switch cfg.DeployerMode {
	case "script":
		deploy = deployer.NewScriptDeployer(slogger)
	case "docker":
		deploy, err = deployer.NewDockerDeployer(slogger)
		if err != nil {
			log.Fatalf("failed to create docker deployer: %v", err)
		}
	default:
		log.Fatalf("unknown DEPLOYER_MODE: %s", cfg.DeployerMode)
	}

	var attachments ws.AttachmentPresigner
	if cfg.AttachmentBucket != "" {
		store, err := storage.NewAttachmentStorage(storage.NewS3ConfigFromEnv())
		if err != nil {
			log.Fatalf("failed to create attachment storage: %v", err)
		}
		if err := store.EnsureBucketExists(context.Background()); err != nil {
			log.Fatalf("failed to ensure attachment bucket: %v", err)
		}
		attachments = store
	}

	clock := clockwork.NewRealClock()
	hub := usecase.NewHub(slogger)
	limiter := usecase.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitWindow, clock)

	dispatcher := usecase.NewDispatcher(
		usecase.DispatcherConfig{
			DeployTimeout:            cfg.DeployTimeout,
			MaxConcurrentDeployments: cfg.GlobalConcurrency,
			MaxInstancesPerUser:      cfg.MaxInstances,
		},
		challenges,
		instanceRepo,
		deploy,
		hub,
		limiter,
		clock,
		slogger,
	)

	// No action is accepted until every record stranded mid-transition by the
	// previous run has been cleaned up.
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := dispatcher.Reconcile(reconcileCtx); err != nil {
		cancelReconcile()
		log.Fatalf("failed to reconcile persisted instances: %v", err)
	}
	cancelReconcile()

	reaper := usecase.NewReaper(dispatcher, clock, cfg.ReaperInterval, slogger)

	handler := ws.NewHandler(challenges, dispatcher, hub, sessionStore, userRepo, attachments, clock, slogger)

	mux := http.NewServeMux()
	mux.Handle("/ws", logger.Middleware("ctf-instancer")(handler))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return reaper.Run(egCtx)
	})

	eg.Go(func() error {
		log.Printf("CTF instancer listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-egCtx.Done():
			return nil
		}

		log.Println("Shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		cancel()
		return nil
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("failed to serve: %v", err)
	}

	// In-flight lifecycle work finishes persisting before exit.
	dispatcher.Wait()
}
