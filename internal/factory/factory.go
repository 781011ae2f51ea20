package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"security-monitor/internal/analysis"
	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/config"
	"security-monitor/internal/geoip"
	"security-monitor/internal/notifier"
	"security-monitor/internal/repository"
	"security-monitor/internal/repository/memory"
	redisrepo "security-monitor/internal/repository/redis"
	"security-monitor/internal/securitylog"
	"security-monitor/internal/service"
	"security-monitor/internal/tls"
	"security-monitor/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients, nil when disabled
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	keys     *bucketing.KeyManager
	geo      *geoip.Resolver
	telegram *notifier.TelegramClient

	// Repositories
	counterStore repository.CounterStore
	jsonCache    repository.JSONCache
	limiter      repository.RateLimiter

	eventLogger    *securitylog.EventLogger
	notifier       *notifier.Notifier
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg)
}

// New wires dependencies for an already loaded configuration.
func New(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		keys:   bucketing.NewKeyManager(),
		closed: make(chan struct{}),
	}

	if cfg.TLS.Enabled {
		m, err := tls.NewManager(cfg.TLS, util.Get())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		factory.tlsManager = m
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	factory.initializeRepositories()

	if err := factory.initializeSecurityLog(); err != nil {
		factory.Close()
		return nil, err
	}

	geo, err := geoip.Open(cfg.GeoIP.DBPath, util.Get())
	if err != nil {
		util.Warn("GeoIP database unavailable, countries resolve to Unknown", util.ErrorField(err))
		geo, _ = geoip.Open("", util.Get())
	}
	factory.geo = geo

	factory.initializeNotifier()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", factory.esClient != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
		util.Bool("telegram_enabled", factory.telegram.Enabled()),
		util.Bool("tls_enabled", cfg.TLS.Enabled),
	)
	return factory, nil
}

// initializeClients initializes all enabled external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			if err := f.clickhouseClient.CreateSchema(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse schema: %w", err))
			} else {
				util.Info("ClickHouse client initialized and schema ready")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeRepositories picks Redis-backed stores when Redis is up and
// in-process stores otherwise.
func (f *Factory) initializeRepositories() {
	if f.redisClient != nil {
		f.counterStore = redisrepo.NewCounterStore(f.redisClient)
		f.jsonCache = redisrepo.NewJSONCache(f.redisClient)
		f.limiter = redisrepo.NewRateLimiter(f.redisClient)
		return
	}
	util.Warn("Redis unavailable, counters and caches are kept in process")
	f.counterStore = memory.NewCounterStore()
	f.jsonCache = memory.NewJSONCache()
	f.limiter = memory.NewRateLimiter()
}

func (f *Factory) initializeSecurityLog() error {
	writer, err := securitylog.NewPartitionWriter(f.config.Security.LogDir, f.config.Security.SingleFileChannel)
	if err != nil {
		return fmt.Errorf("failed to open security log: %w", err)
	}

	var sinks []securitylog.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, securitylog.NewKafkaSink(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, securitylog.NewClickHouseSink(f.clickhouseClient))
	}
	f.eventLogger = securitylog.NewEventLogger(writer, sinks...)
	return nil
}

func (f *Factory) initializeNotifier() {
	f.telegram = notifier.NewTelegramClient(f.config.Telegram, util.Get())

	var opts []notifier.Option
	if f.kafkaProducer != nil {
		opts = append(opts, notifier.WithPublisher(f.kafkaProducer))
	}
	f.notifier = notifier.NewNotifier(f.config.Telegram, f.telegram, f.limiter, f.keys, util.Get(), opts...)
}

// ServiceFactory returns the service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var opts []service.MonitorOption
		if f.esClient != nil {
			opts = append(opts, service.WithReportIndex(f.esClient))
		}
		if f.clickhouseClient != nil {
			opts = append(opts, service.WithAggregateArchive(f.clickhouseClient))
		}

		analyzer := analysis.NewAnalyzer(securitylog.NewLocator(f.config.Security.LogDir), f.config.Security.AnalysisWorkers)
		f.serviceFactory = service.NewServiceFactory(
			f.counterStore,
			f.jsonCache,
			f.limiter,
			f.eventLogger,
			analyzer,
			f.notifier,
			f.keys,
			f.config.Security,
			util.Get(),
			opts...,
		)
	}
	return f.serviceFactory
}

// HealthCheck reports every enabled dependency by name; nil means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.eventLogger == nil {
		health["security_log"] = fmt.Errorf("security log not initialized")
	} else {
		health["security_log"] = nil
	}
	return health
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		// Kafka only mirrors events
		if err != nil && name != "kafka" {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// drain queued alerts while their sinks are still open
		if f.notifier != nil {
			f.notifier.Close()
			util.Info("Notifier drained")
		}

		if f.eventLogger != nil {
			if err := f.eventLogger.Close(); err != nil {
				util.Error("Failed to close security log", util.ErrorField(err))
			} else {
				util.Info("Security log closed")
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.geo != nil {
			if err := f.geo.Close(); err != nil {
				util.Error("Failed to close GeoIP database", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) KeyManager() *bucketing.KeyManager {
	return f.keys
}

func (f *Factory) GeoIP() *geoip.Resolver {
	return f.geo
}

func (f *Factory) Telegram() *notifier.TelegramClient {
	return f.telegram
}

func (f *Factory) Notifier() *notifier.Notifier {
	return f.notifier
}

func (f *Factory) EventLogger() *securitylog.EventLogger {
	return f.eventLogger
}

func (f *Factory) Cleaner() *securitylog.Cleaner {
	return securitylog.NewCleaner(f.config.Security.LogDir)
}
