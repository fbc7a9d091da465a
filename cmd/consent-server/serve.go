package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/consent-keeper/internal/alert"
	"github.com/and161185/consent-keeper/internal/audit"
	"github.com/and161185/consent-keeper/internal/callback"
	"github.com/and161185/consent-keeper/internal/config"
	"github.com/and161185/consent-keeper/internal/gateway"
	"github.com/and161185/consent-keeper/internal/limiter"
	"github.com/and161185/consent-keeper/internal/migrate"
	"github.com/and161185/consent-keeper/internal/repository/postgres"
	grpcserver "github.com/and161185/consent-keeper/internal/server/grpc"
	"github.com/and161185/consent-keeper/internal/service"
)

const shutdownGrace = 5 * time.Second

// newAlerter publishes to kafka when brokers are configured and logs otherwise.
func newAlerter(cfg config.AlertConfig, log *zap.Logger) (alert.Alerter, func()) {
	if len(cfg.Brokers) == 0 {
		return alert.NewLogAlerter(log), func() {}
	}
	k := alert.NewKafkaAlerter(cfg.Brokers, cfg.Topic, log)
	return k, func() {
		if err := k.Close(); err != nil {
			log.Warn("close alert writer", zap.Error(err))
		}
	}
}

func serverCreds(cfg *config.Config) (credentials.TransportCredentials, error) {
	if cfg.Plaintext() {
		return insecure.NewCredentials(), nil
	}
	creds, err := credentials.NewServerTLSFromFile(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load TLS cert/key: %w", err)
	}
	return creds, nil
}

func newGRPCServer(cfg *config.Config, svc service.ConsentService, log *zap.Logger) (*grpc.Server, *health.Server, error) {
	creds, err := serverCreds(cfg)
	if err != nil {
		return nil, nil, err
	}
	s := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.AuthUnary([]byte(cfg.JWT.Key)),
			grpcserver.LoggingUnary(log),
		),
	)
	grpcserver.Register(s, grpcserver.New(svc))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}
	return s, hs, nil
}

// run wires every component and blocks until ctx is cancelled or a server fails.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DSN, cfg.DB.MaxConns)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	consents := postgres.NewConsentRepo(db)
	trail := postgres.NewAuditRepo(db)

	alerts, closeAlerts := newAlerter(cfg.Alert, log.Named("alert"))
	defer closeAlerts()

	gw, err := gateway.New(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		ClientID:     cfg.Gateway.ClientID,
		ClientSecret: cfg.Gateway.ClientSecret,
		Timeout:      cfg.Gateway.Timeout,
		MaxAttempts:  cfg.Gateway.MaxAttempts,
		TokenSkew:    cfg.Gateway.TokenSkew,
	}, gateway.WithLogger(log.Named("gateway")))
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(trail, alerts, log.Named("audit"))
	svc := service.NewConsentService(consents, trail, gw, recorder,
		service.WithLogger(log.Named("consent")),
		service.WithIdempotentInit(cfg.Gateway.InitIdempotency),
	)
	sweeper := service.NewExpirySweeper(consents, alerts, log.Named("sweeper"), cfg.Sweep.Interval, cfg.Sweep.Batch)

	lim := limiter.NewPG(db.Pool, cfg.Callback.Window, cfg.Callback.MaxFailures, cfg.Callback.Lockout)
	cb := callback.NewServer(callback.NewHandler(svc, cfg.Callback.Secret, lim, log.Named("callback")), log.Named("http"))

	gs, hs, err := newGRPCServer(cfg, svc, log.Named("grpc"))
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr), zap.Bool("tls", !cfg.Plaintext()))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		log.Info("callback listening", zap.String("addr", cfg.HTTP.Addr))
		if err := cb.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := cb.Shutdown(sctx); err != nil {
			log.Warn("callback shutdown", zap.Error(err))
		}

		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			gs.Stop()
		}
		return nil
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}
