package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"voxa/internal/ratelimit"
	"voxa/internal/servicetoken"
	"voxa/internal/usertoken"
	"voxa/internal/util"
	"voxa/pkg/notify"
	"voxa/pkg/storage"
	"voxa/pkg/store"
	"voxa/services/api/internal/app"
	"voxa/services/api/internal/config"
	"voxa/services/api/internal/identity"
	"voxa/services/api/internal/rag"
	"voxa/services/api/internal/server"
)

const (
	serviceName      = "voxa-api"
	internalAudience = "voxa-api"
	defaultAskLimit  = 20
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not migrate the schema on startup")
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := util.InitLogger(cfg.LogLevel, serviceName)

	// object storage settings are re-read on SIGHUP
	var current atomic.Pointer[config.FileConfig]
	current.Store(&cfg)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return fmt.Errorf("parse jwt leeway: %w", err)
	}
	signedURLTTL, err := config.ParseSignedURLTTL(cfg.SignedURLTTL)
	if err != nil {
		return fmt.Errorf("parse signed url ttl: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	var storeOpts []store.GormStoreOption
	storeOpts = append(storeOpts, store.WithEmbeddingDim(cfg.EmbeddingDim))
	if skipMigrate {
		storeOpts = append(storeOpts, store.WithoutMigrate())
	}
	db, err := store.NewGormStore(cfg.DatabaseURL, storeOpts...)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	askLimit := cfg.AskRateLimitPerMinute
	if askLimit <= 0 {
		askLimit = defaultAskLimit
	}
	askLimiter, err := ratelimit.NewFixedWindowLimiter(rdb, "voxa:api:ratelimit:ask", askLimit, time.Minute)
	if err != nil {
		return fmt.Errorf("init ask limiter: %w", err)
	}
	publisher, err := notify.NewRedisStreamPublisher(rdb, notify.StreamConfig{Stream: cfg.SessionStream, MaxLen: cfg.SessionStreamMaxLen})
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	objects := storage.NewCachedStore(func() storage.Settings { return current.Load().Storage() }, nil)
	core, err := app.New(app.Config{
		Store:          db,
		Objects:        objects,
		Publisher:      publisher,
		Keys:           identity.KeyGenerator{},
		SignedURLTTL:   signedURLTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	generator, err := buildGenerator(cfg)
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}
	retriever, err := rag.NewRetriever(db, embedder, cfg.EmbeddingDim, 0)
	if err != nil {
		return fmt.Errorf("init retriever: %w", err)
	}
	answers, err := rag.NewService(retriever.WithDefaultTopK(cfg.TopK), generator)
	if err != nil {
		return fmt.Errorf("init answers: %w", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Lazy:       true,
	})
	if err != nil {
		return fmt.Errorf("init jwks verifier: %w", err)
	}
	var strategies []identity.Strategy
	if cfg.SessionCookieName != "" {
		strategies = append(strategies, &identity.CookieStrategy{
			Cookie:   cfg.SessionCookieName,
			Provider: identity.NewClient(cfg.AuthServiceURL),
			Orgs:     db,
		})
	}
	strategies = append(strategies,
		&identity.BearerStrategy{Verifier: tokenVerifier, Orgs: db},
		&identity.DeviceStrategy{Credentials: db},
	)
	resolver := identity.NewResolver(trusted, strategies...)

	internalTokens, err := buildInternalVerifier(cfg)
	if err != nil {
		return fmt.Errorf("init internal token verifier: %w", err)
	}
	if internalTokens == nil {
		logger.Warn("internal endpoints disabled: no internal jwt public key configured")
	}

	httpServer, err := server.New(server.Config{
		App:            core,
		Answers:        answers,
		Identity:       resolver,
		InternalTokens: internalTokens,
		AskLimiter:     askLimiter,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go watchReload(ctx, logger, &current)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// watchReload re-reads the config file on SIGHUP. Only settings consulted per
// request (object storage) take effect without a restart.
func watchReload(ctx context.Context, logger *slog.Logger, current *atomic.Pointer[config.FileConfig]) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := config.Load(configPath)
			if err != nil {
				logger.Warn("config reload failed", "err", err)
				continue
			}
			current.Store(&next)
			logger.Info("config reloaded", "minio_endpoint", next.MinioEndpoint, "minio_bucket", next.MinioBucket)
		}
	}
}

func buildInternalVerifier(cfg config.FileConfig) (*servicetoken.Verifier, error) {
	extra, err := servicetoken.ParseKeyMap(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		return nil, err
	}
	if cfg.InternalJWTPublicKeyPath == "" && len(extra) == 0 {
		return nil, nil
	}
	return servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  cfg.InternalJWTPublicKeyPath,
		DefaultKeyID:   cfg.InternalJWTKeyID,
		ExtraKeys:      extra,
		Audience:       internalAudience,
		AllowedIssuers: cfg.InternalAllowedIssuers,
	})
}
