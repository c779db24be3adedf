package initialization

import (
	"context"
	"fmt"

	"github.com/testplanit/issuebridge/internal/auth"
	"github.com/testplanit/issuebridge/internal/cache"
	"github.com/testplanit/issuebridge/internal/config"
	"github.com/testplanit/issuebridge/internal/controllers"
	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/internal/queue"
	"github.com/testplanit/issuebridge/internal/search"
	"github.com/testplanit/issuebridge/internal/server"
	"github.com/testplanit/issuebridge/internal/storage/postgres"
	"github.com/testplanit/issuebridge/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Container holds the long lived services of one process. The HTTP server,
// the queue worker and the scheduler all share it.
type Container struct {
	Config *config.Config

	Pool  *pgxpool.Pool
	Redis *redis.Client

	IntegrationRepository *postgres.IntegrationRepository
	AuthRepository        *postgres.UserIntegrationAuthRepository
	IssueRepository       *postgres.IssueRepository

	IntegrationManager    *managers.IntegrationManager
	AuthenticationService *managers.AuthenticationService
	SyncService           *managers.SyncService
	SyncJobHandler        *managers.SyncJobHandler
	SyncScheduler         *managers.SyncScheduler

	IssueCache *cache.IssueCache
	Queue      *queue.RedisQueue
	Worker     *queue.Worker
	Indexer    domain.IssueIndexer
}

func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	log.Info().Msg("Building dependencies")

	encryptionKey, err := managers.NewEncryptionKey(cfg.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption secret: %w", err)
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		return nil, err
	}

	if cfg.EnsureSchema {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	redisClient, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TLS:      cfg.RedisTLS,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	c := &Container{
		Config:                cfg,
		Pool:                  pool,
		Redis:                 redisClient,
		IntegrationRepository: postgres.NewIntegrationRepository(pool),
		AuthRepository:        postgres.NewUserIntegrationAuthRepository(pool),
		IssueRepository:       postgres.NewIssueRepository(pool),
	}

	c.IntegrationManager = managers.NewIntegrationManager(managers.IntegrationManagerDependencies{
		IntegrationRepository: c.IntegrationRepository,
		AuthRepository:        c.AuthRepository,
		EncryptionKey:         encryptionKey,
		AdapterOptions:        cfg.AdapterOptions(),
	})

	if err := RegisterAdapters(c.IntegrationManager); err != nil {
		c.Close()
		return nil, err
	}

	c.AuthenticationService = managers.NewAuthenticationService(managers.AuthenticationServiceDependencies{
		IntegrationRepository: c.IntegrationRepository,
		AuthRepository:        c.AuthRepository,
		EncryptionKey:         encryptionKey,
		OAuthClients:          cfg.OAuthClients(),
		Adapters:              c.IntegrationManager,
	})

	c.IssueCache = cache.NewIssueCache(redisClient, cache.Options{})

	c.Queue = queue.NewRedisQueue(queue.RedisQueueDependencies{
		Client: redisClient,
	})

	c.Indexer = search.NoopIndexer{}
	if cfg.SearchURL != "" {
		c.Indexer = search.NewHTTPIndexer(search.HTTPIndexerDependencies{
			BaseURL:   cfg.SearchURL,
			IndexName: cfg.SearchIndex,
			APIKey:    cfg.SearchAPIKey,
			Issues:    c.IssueRepository,
		})
	}

	c.SyncService = managers.NewSyncService(managers.SyncServiceDependencies{
		IntegrationRepository: c.IntegrationRepository,
		AuthRepository:        c.AuthRepository,
		IssueRepository:       c.IssueRepository,
		Adapters:              c.IntegrationManager,
		Cache:                 c.IssueCache,
		Queue:                 c.Queue,
		Indexer:               c.Indexer,
		Tokens:                c.AuthenticationService,
		BatchSize:             cfg.SyncBatchSize,
		BatchDelay:            cfg.SyncBatchDelay,
	})

	c.SyncJobHandler = managers.NewSyncJobHandler(managers.SyncJobHandlerDependencies{
		SyncService: c.SyncService,
		Progress:    c.Queue,
	})

	c.Worker = queue.NewWorker(queue.WorkerDependencies{
		Queue:   c.Queue,
		Handler: c.SyncJobHandler,
		Options: queue.WorkerOptions{
			Concurrency:  cfg.WorkerConcurrency,
			StallTimeout: cfg.WorkerStallTimeout,
		},
	})

	c.SyncScheduler = managers.NewSyncScheduler(managers.SyncSchedulerDependencies{
		IntegrationRepository: c.IntegrationRepository,
		AuthRepository:        c.AuthRepository,
		Queuer:                c.SyncService,
		Schedule:              cfg.SyncSchedule,
	})

	log.Info().
		Int("providers", len(c.IntegrationManager.Providers())).
		Bool("search_indexing", cfg.SearchURL != "").
		Msg("Dependencies ready")

	return c, nil
}

// HTTPServer builds the API server. It needs the configured API public keys.
func (c *Container) HTTPServer() (*fiber.App, error) {
	verifier, err := auth.NewAPISignatureVerifier(c.Config.APIPublicKeys, auth.VerifierOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create API signature verifier: %w", err)
	}

	integrationController := controllers.NewIntegrationController(controllers.IntegrationControllerDependencies{
		Adapters:    c.IntegrationManager,
		Credentials: c.AuthenticationService,
		SyncService: c.SyncService,
	})

	oauthController := controllers.NewOAuthController(controllers.OAuthControllerDependencies{
		OAuth:         c.AuthenticationService,
		PublicURL:     c.Config.PublicURL,
		CompletionURL: c.Config.OAuthCompletionURL,
	})

	return server.NewHTTPServer(server.HTTPServerDependencies{
		Verifier:              verifier,
		IntegrationController: integrationController,
		OAuthController:       oauthController,
		JobController:         controllers.NewJobController(c.Queue),
	}), nil
}

func (c *Container) Close() {
	c.IntegrationManager.ClearAllAdapters()

	if err := c.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis client")
	}

	c.Pool.Close()
}
