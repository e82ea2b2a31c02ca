package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"risk-auth-service/internal/audit"
	"risk-auth-service/internal/bucketing"
	"risk-auth-service/internal/client"
	"risk-auth-service/internal/config"
	"risk-auth-service/internal/encryption"
	"risk-auth-service/internal/features"
	"risk-auth-service/internal/hashing"
	"risk-auth-service/internal/model"
	"risk-auth-service/internal/otp"
	"risk-auth-service/internal/repository/memory"
	redisrepo "risk-auth-service/internal/repository/redis"
	"risk-auth-service/internal/repository/scylla"
	"risk-auth-service/internal/risk"
	"risk-auth-service/internal/service"
	"risk-auth-service/internal/syncutil"
	"risk-auth-service/internal/tls"
	"risk-auth-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"
)

// challengeRetention keeps terminal challenges around for inspection before
// TTLs or the reaper reclaim them.
const challengeRetention = time.Hour

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Storage
	devices    model.DeviceTrustStore
	challenges model.ChallengeStore
	locker     model.IdentityLocker
	limiter    model.RateLimiter

	recorder       *audit.Recorder
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

// New builds the dependency graph for an already loaded configuration.
func New(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(tls.ConfigFromServer(cfg))
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeStorage(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := factory.initializeServices(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.Strings("audit_sinks", factory.recorder.Sinks()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients connects the backends the configuration asks for. Only
// the storage backend is critical; audit and delivery clients degrade.
func (f *Factory) initializeClients() error {
	var criticalErrors []error

	needRedis := f.config.Storage.Backend == config.StorageRedis || f.config.Storage.Backend == config.StorageScylla
	if needRedis {
		if c, err := client.NewRedisClient(f.config); err != nil {
			criticalErrors = append(criticalErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if f.config.Storage.Backend == config.StorageScylla {
		if c, err := scylla.NewScyllaClient(f.config); err != nil {
			criticalErrors = append(criticalErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	if len(f.config.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.URL != "" {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			util.Warn("Elasticsearch initialization failed - audit search disabled", util.ErrorField(err))
		} else {
			f.esClient = c
		}
	}

	if f.config.Clickhouse.URL != "" {
		if c, err := f.connectClickHouse(); err != nil {
			util.Warn("ClickHouse initialization failed - audit analytics disabled", util.ErrorField(err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(criticalErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(criticalErrors...))
		}
		for _, err := range criticalErrors {
			util.Warn("Storage backend unavailable, using in-memory fallback", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) connectClickHouse() (*client.ClickHouseClient, error) {
	c, err := client.NewClickHouseClient(f.config)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Exec(ctx, audit.ClickhouseSchema); err != nil {
		c.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return c, nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager, err = encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentVersion()),
		util.Bool("kms_enabled", kmsClient != nil),
	)
	return nil
}

// initializeStorage selects device, challenge, lock and rate-limit backends.
// Scylla has no cheap lock or counter, so it pairs with Redis for those.
func (f *Factory) initializeStorage() error {
	cfg := f.config

	switch {
	case cfg.Storage.Backend == config.StorageRedis && f.redisClient != nil:
		f.devices = redisrepo.NewDeviceStore(f.redisClient)
		f.challenges = redisrepo.NewChallengeStore(f.redisClient, challengeRetention)
	case cfg.Storage.Backend == config.StorageScylla && f.scyllaClient != nil:
		f.devices = scylla.NewDeviceRepository(f.scyllaClient)
		f.challenges = scylla.NewChallengeRepository(f.scyllaClient, challengeRetention)
	default:
		f.devices = memory.NewDeviceStore()
		f.challenges = memory.NewChallengeStore()
	}

	if f.redisClient != nil {
		f.locker = redisrepo.NewIdentityLocker(f.redisClient, cfg.Redis.LockTTL)
		f.limiter = redisrepo.NewRateLimiter(f.redisClient, cfg.RateLimit.OTPRequests, cfg.RateLimit.OTPWindow)
	} else {
		if cfg.Storage.Backend != config.StorageMemory {
			util.Warn("Identity locks and rate limits are process-local")
		}
		f.locker = syncutil.NewKeyedMutex()
		f.limiter = memory.NewRateLimiter(cfg.RateLimit.OTPRequests, cfg.RateLimit.OTPWindow)
	}

	util.Info("Storage initialized",
		util.String("devices", fmt.Sprintf("%T", f.devices)),
		util.String("challenges", fmt.Sprintf("%T", f.challenges)),
		util.String("locker", fmt.Sprintf("%T", f.locker)),
	)
	return nil
}

func (f *Factory) initializeServices() error {
	cfg := f.config
	logger := util.Get()

	sinks := []audit.Sink{audit.NewLogSink(util.Named("audit"))}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, cfg.Kafka.AuditTopic))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient, cfg.Clickhouse.BatchSize, cfg.Clickhouse.FlushInterval, util.Named("audit.clickhouse")))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.IndexPrefix))
	}
	f.recorder = audit.NewRecorder(f.bucketingManager, cfg.Audit.Timeout, util.Named("audit"), sinks...)

	notifier, err := f.newNotifier()
	if err != nil {
		return err
	}

	var riskModel risk.Model = risk.NewHeuristicModel()
	if cfg.Risk.ModelURL != "" {
		riskModel = risk.NewHTTPModel(cfg.Risk.ModelURL, cfg.Risk.ModelTimeout)
	}

	rules, err := risk.LoadRules(cfg.Risk.RulesFile)
	if err != nil {
		return err
	}
	geo, err := features.LoadGeoFile(cfg.Risk.GeoFile)
	if err != nil {
		return err
	}

	f.serviceFactory, err = service.NewServiceFactory(cfg, service.Dependencies{
		Devices:    f.devices,
		Challenges: f.challenges,
		Locker:     f.locker,
		Limiter:    f.limiter,
		Digester:   f.hasher,
		Notifier:   notifier,
		Audit:      f.recorder,
		Model:      riskModel,
		Rules:      rules,
		Geo:        geo,
	}, logger)
	if err != nil {
		return err
	}

	util.Info("Decision engine initialized",
		util.Int("rules", rules.Len()),
		util.Int("geo_ranges", geo.Len()),
		util.Bool("remote_model", cfg.Risk.ModelURL != ""),
		util.String("notifier", cfg.OTP.Notifier),
	)
	return nil
}

func (f *Factory) newNotifier() (otp.Notifier, error) {
	switch f.config.OTP.Notifier {
	case config.NotifierKafka:
		if f.kafkaProducer == nil {
			return nil, errors.New("kafka notifier selected but no Kafka producer is available")
		}
		return otp.NewKafkaNotifier(f.kafkaProducer, f.encryptionManager, f.config.Kafka.NotifyTopic), nil
	default:
		return otp.NewLogNotifier(util.Named("otp.notifier"), f.config.IsProduction())
	}
}

// ==============================
// Background Work
// ==============================

// StartBackground runs maintenance loops until ctx is done. Only the in-memory
// challenge store needs reaping; Redis and Scylla expire rows natively.
func (f *Factory) StartBackground(ctx context.Context) {
	sweeper, ok := f.challenges.(otp.Sweeper)
	if !ok {
		return
	}
	go otp.RunReaper(ctx, sweeper, f.config.OTP.ReaperInterval, challengeRetention, nil, util.Named("otp.reaper"))
	util.Info("OTP reaper started", util.Duration("interval", f.config.OTP.ReaperInterval))
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every connected backend concurrently. Optional backends
// that were never configured are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu      sync.Mutex
		results = make(map[string]error)
	)
	check := func(name string, fn func(context.Context) error) func() error {
		return func() error {
			err := fn(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		}
	}

	var g errgroup.Group
	if f.redisClient != nil {
		g.Go(check("redis", f.redisClient.HealthCheck))
	}
	if f.scyllaClient != nil {
		g.Go(check("scylla", f.scyllaClient.HealthCheck))
	}
	if f.kafkaProducer != nil {
		g.Go(check("kafka", f.kafkaProducer.HealthCheck))
	}
	if f.esClient != nil {
		g.Go(check("elasticsearch", f.esClient.HealthCheck))
	}
	if f.clickhouseClient != nil {
		g.Go(check("clickhouse", f.clickhouseClient.HealthCheck))
	}
	_ = g.Wait()

	if f.hasher == nil {
		results["hasher"] = errors.New("hasher not initialized")
	}
	if f.serviceFactory == nil {
		results["decision_engine"] = errors.New("decision engine not initialized")
	} else {
		results["decision_engine"] = nil
	}

	return results
}

// IsHealthy ignores the audit fan-out backends; losing them degrades audit
// delivery but not decisions.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		switch name {
		case "kafka", "elasticsearch", "clickhouse":
			continue
		}
		if err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		// Flushes buffered ClickHouse rows before the client goes away.
		if f.recorder != nil {
			if err := f.recorder.Close(); err != nil {
				util.Error("Failed to close audit sinks", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
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

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Recorder() *audit.Recorder {
	return f.recorder
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
