package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	oauthadapter "github.com/kserw/forceauth-sub001/internal/adapter/oauth"
	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/bootstrap"
	"github.com/kserw/forceauth-sub001/internal/config"
	httptransport "github.com/kserw/forceauth-sub001/internal/http"
	"github.com/kserw/forceauth-sub001/internal/http/handler"
	httpmiddleware "github.com/kserw/forceauth-sub001/internal/http/middleware"
	apimiddleware "github.com/kserw/forceauth-sub001/internal/middleware"
	"github.com/kserw/forceauth-sub001/internal/reportcache"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
	"github.com/kserw/forceauth-sub001/internal/server"
	authservice "github.com/kserw/forceauth-sub001/internal/service/auth"
	"github.com/kserw/forceauth-sub001/internal/service/credential"
	"github.com/kserw/forceauth-sub001/internal/service/integration"
	"github.com/kserw/forceauth-sub001/internal/service/session"
	"github.com/kserw/forceauth-sub001/internal/statestore"
	"github.com/kserw/forceauth-sub001/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newCipher,
			newStore,
			newReportCache,
			newAuditor,
			newStateStore,
			newProviderClient,
			newCredentialService,
			newSessionService,
			newIntegrationService,
			newAuthFlow,
			newAuthMiddleware,
			newAuthHandler,
			newCredentialsHandler,
			newIntegrationsHandler,
			newRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsurePlaceholders, startSweeps, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newCipher(cfg config.Config) (*secrets.Cipher, error) {
	return secrets.New(cfg.MasterSecret)
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.Store, error) {
	if cfg.StorageBackend == "bolt" {
		store, err := repository.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return store.Close() },
		})
		logger.Info("storage backend ready", zap.String("backend", "bolt"), zap.String("path", cfg.BoltPath))
		return store, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	logger.Info("storage backend ready", zap.String("backend", "postgres"))
	return repository.NewPostgresStore(pool), nil
}

func newReportCache(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (reportcache.Cache, error) {
	if cfg.RedisAddr == "" {
		return reportcache.NoopCache{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	logger.Info("report cache ready", zap.String("addr", cfg.RedisAddr))
	return reportcache.NewRedisCache(client, cfg.ReportCacheTTL), nil
}

func newAuditor(store repository.Store, logger *zap.Logger) *audit.Recorder {
	return audit.NewRecorder(store.Audit(), logger)
}

func newStateStore(cfg config.Config, store repository.Store, cipher *secrets.Cipher, logger *zap.Logger) *statestore.Store {
	return statestore.New(store.States(), cipher, cfg.ReturnURLAllowlist, cfg.DefaultReturnURL, cfg.StateTTL, logger)
}

func newProviderClient() oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil)
}

func newCredentialService(store repository.Store, cipher *secrets.Cipher, node *snowflake.Node, auditor *audit.Recorder, logger *zap.Logger) *credential.Service {
	return credential.New(store.Credentials(), cipher, node, auditor, logger)
}

func newSessionService(cfg config.Config, store repository.Store, cipher *secrets.Cipher, auditor *audit.Recorder, logger *zap.Logger) *session.Service {
	return session.New(store.Sessions(), cipher, auditor, cfg.SessionMaxAge, logger)
}

func newIntegrationService(store repository.Store, node *snowflake.Node, auditor *audit.Recorder, logger *zap.Logger) *integration.Service {
	return integration.New(store.Integrations(), node, auditor, logger)
}

func newAuthFlow(
	cfg config.Config,
	states *statestore.Store,
	credentials *credential.Service,
	sessions *session.Service,
	store repository.Store,
	provider oauthadapter.ProviderClient,
	cache reportcache.Cache,
	node *snowflake.Node,
	auditor *audit.Recorder,
	logger *zap.Logger,
) *authservice.Flow {
	return authservice.NewFlow(cfg, states, credentials, sessions, store.Users(), provider, cache, node, auditor, logger)
}

func newAuthMiddleware(flow *authservice.Flow, logger *zap.Logger) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(flow, logger)
}

func newAuthHandler(cfg config.Config, flow *authservice.Flow, sessions *session.Service, store repository.Store, logger *zap.Logger) *handler.AuthHandler {
	return handler.NewAuthHandler(cfg, flow, sessions, store.Users(), logger)
}

func newCredentialsHandler(credentials *credential.Service) *handler.CredentialsHandler {
	return handler.NewCredentialsHandler(credentials)
}

func newIntegrationsHandler(integrations *integration.Service) *handler.IntegrationsHandler {
	return handler.NewIntegrationsHandler(integrations)
}

func newRouter(
	cfg config.Config,
	logger *zap.Logger,
	authHandler *handler.AuthHandler,
	credentialsHandler *handler.CredentialsHandler,
	integrationsHandler *handler.IntegrationsHandler,
	authMiddleware *httpmiddleware.Auth,
) *gin.Engine {
	return httptransport.NewRouter(
		cfg,
		logger,
		authHandler,
		credentialsHandler,
		integrationsHandler,
		authMiddleware,
		apimiddleware.NewRateLimiter(cfg.RateLimitRPM),
		apimiddleware.NewRateLimiter(cfg.AuthRateLimitRPM),
	)
}

// startSweeps runs the periodic hygiene tasks: purging expired handshake
// state and expiring idle sessions.
func startSweeps(lc fx.Lifecycle, cfg config.Config, states *statestore.Store, sessions *session.Service) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.SweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						states.Sweep(runCtx)
						sessions.ExpireStale(runCtx)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
