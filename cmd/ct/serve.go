package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alfredjeanlab/conveyance/internal/config"
	"github.com/alfredjeanlab/conveyance/internal/documents"
	"github.com/alfredjeanlab/conveyance/internal/events"
	"github.com/alfredjeanlab/conveyance/internal/hooks"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/presence"
	"github.com/alfredjeanlab/conveyance/internal/proposals"
	"github.com/alfredjeanlab/conveyance/internal/realtime"
	"github.com/alfredjeanlab/conveyance/internal/server"
	"github.com/alfredjeanlab/conveyance/internal/store"
	"github.com/alfredjeanlab/conveyance/internal/store/file"
	"github.com/alfredjeanlab/conveyance/internal/store/postgres"
	backup "github.com/alfredjeanlab/conveyance/internal/sync"
	"github.com/alfredjeanlab/conveyance/internal/updates"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the update service (HTTP, SSE, and gRPC health)",
	GroupID: "system",
	// The server does not need an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.close(logger)

		return st.serve(ctx, cfg, logger)
	},
}

// stack is one fully wired context: storage, bus, hub, and transports.
type stack struct {
	store     store.Store
	bus       events.Bus
	hub       *realtime.Hub
	proposals *proposals.Service
	presence  *presence.Tracker
	scheduler *backup.Scheduler
	hooks     *hooks.Handler
	server    *server.Server
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreFile:
		return file.Open(cfg.DataDir)
	case config.StorePostgres:
		return postgres.New(cfg.DatabaseURL)
	default:
		return store.NewMemory(), nil
	}
}

func openBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Bus {
	case config.BusNATS:
		return events.NewNATSBus(cfg.NATSURL)
	case config.BusRedis:
		return events.NewRedisBus(cfg.RedisAddr, cfg.RedisChannel)
	default:
		return nil, nil
	}
}

// buildStack opens the store and bus, loads persisted state, and wires the
// hub and server. Nothing is listening yet when it returns.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	logger.Info("store opened", "backend", cfg.Store)

	bus, err := openBus(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connecting %s bus: %w", cfg.Bus, err)
	}
	var pub events.Publisher
	if bus != nil {
		pub = bus
		logger.Info("events enabled", "bus", cfg.Bus)
	} else {
		logger.Info("events disabled (CONVEY_BUS=none)")
	}

	log := updates.New(st)
	docs := documents.NewRegistry(st)
	book := proposals.NewBook(st)
	hub := realtime.New(log, docs, realtime.Config{
		Publisher:   pub,
		Proposals:   book,
		SendTimeout: cfg.SendTimeout,
	})

	// Persisted state is loaded directly so startup does not broadcast a
	// storage change to the other contexts.
	if _, err := log.Reload(ctx); err != nil {
		logger.Warn("loading updates", "error", err)
	}
	if err := docs.Reload(ctx); err != nil {
		logger.Warn("loading documents", "error", err)
	}
	if err := book.Reload(ctx); err != nil {
		logger.Warn("loading proposals", "error", err)
	}

	s := &stack{
		store:     st,
		bus:       bus,
		hub:       hub,
		proposals: proposals.NewService(book, hub),
		presence:  presence.New(),
	}
	if cfg.HooksFile != "" {
		defs, err := hooks.LoadFile(cfg.HooksFile)
		if err != nil {
			if bus != nil {
				bus.Close()
			}
			st.Close()
			return nil, err
		}
		s.hooks = hooks.NewHandler(defs, logger)
		hub.Subscribe(s.hooks.OnChange)
		logger.Info("update hooks loaded", "file", cfg.HooksFile, "hooks", len(defs))
	}
	s.scheduler = newScheduler(ctx, cfg, st, logger)
	s.server = server.New(hub, s.proposals, server.Options{
		Store:         st,
		Presence:      s.presence,
		PresenceStale: cfg.PresenceStale,
		Sync:          s.scheduler,
	})

	logger.Info("state loaded",
		"origin", hub.Origin(),
		"updates", log.Len(),
		"documents", len(docs.All()),
	)
	return s, nil
}

// newScheduler returns nil when sync is disabled or has no destination.
func newScheduler(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) *backup.Scheduler {
	if cfg.SyncInterval <= 0 {
		return nil
	}
	var dests []backup.Destination
	if cfg.SyncS3Bucket != "" {
		d, err := backup.NewS3Destination(ctx, cfg.SyncS3Bucket, cfg.SyncS3Key, cfg.SyncS3Region, cfg.SyncS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 sync destination", "error", err)
		} else {
			d.History = cfg.SyncS3History
			dests = append(dests, d)
			logger.Info("sync S3 destination enabled", "bucket", cfg.SyncS3Bucket, "key", cfg.SyncS3Key, "history", d.History)
		}
	}
	if cfg.SyncFile != "" {
		dests = append(dests, &backup.FileDestination{Path: cfg.SyncFile})
		logger.Info("sync file destination enabled", "path", cfg.SyncFile)
	}
	if len(dests) == 0 {
		return nil
	}
	return backup.NewScheduler(st, dests, cfg.SyncInterval, logger)
}

// serve runs every listener and background loop until ctx is done.
func (s *stack) serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	grpcServer, healthServer := server.NewGRPCServer(cfg.AuthToken)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.server.NewHTTPHandler(cfg.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.presence.StartReaper(&presence.ReaperConfig{
		GoneThreshold: cfg.PresenceStale,
		OnGone: func(viewer string, role model.Role) {
			logger.Info("viewer gone", "viewer", viewer, "role", role)
		},
	})
	if s.scheduler != nil {
		s.scheduler.Start(ctx)
		logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.server.WatchHealth(ctx, healthServer, 10*time.Second)
		return nil
	})
	if s.bus != nil {
		g.Go(func() error {
			return s.hub.Run(ctx, s.bus)
		})
	}
	if s.hooks != nil {
		g.Go(func() error {
			return s.hooks.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		logger.Info("HTTP server stopped")
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	logger.Info("conveyance server started",
		"grpc_addr", cfg.GRPCAddr,
		"http_addr", cfg.HTTPAddr,
		"origin", s.hub.Origin(),
	)
	return g.Wait()
}

// close stops background work and releases the bus and store.
func (s *stack) close(logger *slog.Logger) {
	s.presence.Stop()
	if s.scheduler != nil {
		s.scheduler.Stop()
		logger.Info("sync scheduler stopped")
	}
	s.server.Close()
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			logger.Error("error closing bus", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		logger.Error("error closing store", "error", err)
	}
	logger.Info("shutdown complete")
}
