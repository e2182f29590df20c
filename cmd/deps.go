package cmd

import (
	"os"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/cache"
	"example.com/backstage/services/possync/internal/database"
	"example.com/backstage/services/possync/internal/messaging"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/pos"
	"example.com/backstage/services/possync/internal/repositories"
	"example.com/backstage/services/possync/internal/search"
	"example.com/backstage/services/possync/internal/services"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// dependencies bundles everything a command needs. Optional infrastructure
// (cache, tracing, search, bus) degrades to no-ops when unavailable; the
// database, configuration and upstream credentials are mandatory.
type dependencies struct {
	cfg      config.Config
	db       *gorm.DB
	cache    *cache.RedisCache
	elastic  *search.ElasticClient
	tracer   tracing.Tracer
	metrics  *metrics.Metrics
	bus      messaging.ServiceBusClient
	location *time.Location
	tokens   *pos.TokenManager
	client   *pos.Client
	sync     *services.SyncService
	webhook  *services.WebhookService
}

// initDependencies loads configuration and wires up the full service graph
func initDependencies() (*dependencies, error) {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Resolve the business time zone; zone-less upstream timestamps are
	// interpreted in it
	location, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", cfg.Scheduler.Timezone)
	}
	pos.SetLocation(location)

	// Initialize database connection
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := models.SetupModels(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without delivery de-duplication")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without change indexing")
	}

	// Initialize Service Bus client
	bus, err := messaging.NewServiceBusClient(cfg.Azure)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Service Bus client, continuing without event publishing")
		bus = messaging.NewNoopServiceBusClient()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize upstream client and services
	creds := repositories.NewCredentialRepository(db)
	tokens := pos.NewTokenManager(cfg.Upstream, creds)
	client := pos.NewClient(cfg.Upstream, tokens)

	syncService := services.NewSyncService(db, client, tokens, metricsCollector, tracer,
		location, cfg.Scheduler.SweepMonthsBack)
	webhookService := services.NewWebhookService(db, cfg.Webhook.Secret, redisCache,
		elasticClient, metricsCollector, tracer)

	return &dependencies{
		cfg:      cfg,
		db:       db,
		cache:    redisCache,
		elastic:  elasticClient,
		tracer:   tracer,
		metrics:  metricsCollector,
		bus:      bus,
		location: location,
		tokens:   tokens,
		client:   client,
		sync:     syncService,
		webhook:  webhookService,
	}, nil
}

// close releases held connections
func (d *dependencies) close() {
	if err := d.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Service Bus client")
	}
	if err := d.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis cache")
	}
	if d.tracer != nil {
		d.tracer.Close()
	}
}
