// Command clinauth-server starts the authentication gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/clinauth/internal/app"
	"github.com/and161185/clinauth/internal/config"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/migrate"
	"github.com/and161185/clinauth/internal/obs"
	grpcserver "github.com/and161185/clinauth/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const throttleIdle = 10 * time.Minute

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// main loads configuration, runs migrations, and serves gRPC plus metrics.
func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dev := flag.Bool("dev", false, "plaintext listener and server reflection (dev only)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dev {
		cfg.Server.Dev = true
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
		zap.String("driver", cfg.Database.Driver),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Driver == "postgres" {
		if err := migrate.Up(ctx, string(cfg.Database.DSN)); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
	}

	core, err := app.New(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("wiring", zap.Error(err))
	}
	defer core.Close()

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.MetricsUnary(core.Metrics),
			grpcserver.ThrottleUnary(limiter.NewThrottle(cfg.Throttle.RPS, cfg.Throttle.Burst, throttleIdle),
				core.Metrics, grpcserver.ThrottledMethods()...),
			grpcserver.AuthUnary(core.Auth, grpcserver.PublicMethods()...),
		),
	}
	if !cfg.Server.Dev {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, grpcserver.New(core.Auth, core.MFA, core.Authz, logger.Named("grpc")))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Server.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: obs.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener", zap.Error(err))
		}
	}()

	go core.RunPruner(ctx, cfg.Session.PruneInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", !cfg.Server.Dev))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		core.Close()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
