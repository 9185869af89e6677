package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"collegium.org/internal/audit"
	"collegium.org/internal/auth"
	"collegium.org/internal/cache"
	"collegium.org/internal/config"
	"collegium.org/internal/httpapi"
	"collegium.org/internal/notify"
	"collegium.org/internal/obs"
	"collegium.org/internal/store/memory"
	"collegium.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	log := obs.Logger()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store auth.Store
		ready httpapi.Readiness
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		defer pgStore.Close()
		store = pgStore
		ready.Store = pgStore
	} else {
		log.Warn("COLLEGIUM_PG_DSN not set; using the in-memory store")
		store = memory.New()
	}

	var kv cache.Store
	switch cfg.CacheBackend {
	case config.CacheRedis:
		rs, err := cache.NewRedisStore(ctx, cache.RedisOptions{URL: cfg.RedisURL, Prefix: "collegium:"})
		if err != nil {
			log.WithError(err).Fatal("connect redis")
		}
		defer rs.Close()
		kv = rs
		ready.Cache = rs
	default:
		kv = cache.NewMemoryStore(max(cfg.TokenTTL, 2*cfg.ProfileTTL))
	}

	svc, err := auth.NewService(store, kv, []byte(cfg.TokenSecret),
		auth.WithLogger(log),
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithTokenLifetime(cfg.TokenTTL),
		auth.WithOTP(cfg.OTPTTL, cfg.OTPLength, cfg.OTPVerifyPerMin),
		auth.WithProfileTTL(cfg.ProfileTTL),
		auth.WithOpTimeout(cfg.OpTimeout),
		auth.WithSender(sender(cfg, log)),
		auth.WithAuditor(audit.LogEvent),
	)
	if err != nil {
		log.WithError(err).Fatal("build identity service")
	}

	api := httpapi.New(svc, ready, httpapi.Options{
		Version:     version,
		RateBurst:   cfg.RateBurst,
		RatePerSec:  cfg.RatePerSec,
		MaxBodySize: cfg.MaxBodySize,
		Log:         log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(ready, log)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go health.Watch(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("listen grpc")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("grpc server stopped")
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen http")
		}
	}()
	log.WithFields(logrus.Fields{
		"version": build.Version,
		"commit":  build.Commit,
		"go":      build.GoVersion,
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
		"cache":   cfg.CacheBackend,
	}).Info("collegium identity service started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info("stopped")
}

func sender(cfg config.Config, log logrus.FieldLogger) auth.Sender {
	if cfg.OTPWebhookURL == "" {
		log.Warn("COLLEGIUM_OTP_WEBHOOK_URL not set; one-time codes are written to the log")
		return notify.LogSender{Log: log}
	}
	hook, err := notify.NewWebhookSender(cfg.OTPWebhookURL, 5*time.Second)
	if err != nil {
		log.WithError(err).Fatal("configure otp webhook")
	}
	return notify.Async{Next: hook, Timeout: 10 * time.Second, Log: log}
}
