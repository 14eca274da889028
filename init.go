package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/huykn/offline-sync/cache"
	"github.com/huykn/offline-sync/client"
	"github.com/huykn/offline-sync/edgeproxy"
	"github.com/huykn/offline-sync/metrics"
	"github.com/huykn/offline-sync/netmon"
	"github.com/huykn/offline-sync/queue"
	"github.com/huykn/offline-sync/storage"
	offsync "github.com/huykn/offline-sync/sync"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINE_"

// Config configures an offline client and the edge proxy.
type Config struct {
	// NodeID identifies this process on the bus.
	NodeID string `yaml:"nodeID" env:"NODE_ID"`

	// BaseURL is the application server relative URLs resolve against.
	BaseURL string `yaml:"baseURL" env:"BASE_URL"`

	// RequestTimeout bounds every request to the server.
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`

	// Storage selects the durable store.
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`

	// LocalCacheConfig sizes the in-memory tier in front of the store.
	LocalCacheConfig LocalCacheConfig `yaml:"-"`

	// LocalCacheSize overrides LocalCacheConfig.MaxSize when set.
	LocalCacheSize int `yaml:"localCacheSize" env:"LOCAL_CACHE_SIZE"`

	// SyncInterval is the period of background drains while online.
	SyncInterval time.Duration `yaml:"syncInterval" env:"SYNC_INTERVAL"`

	// ProbeURL is checked to detect connectivity. Defaults to BaseURL.
	ProbeURL      string        `yaml:"probeURL" env:"PROBE_URL"`
	ProbeInterval time.Duration `yaml:"probeInterval" env:"PROBE_INTERVAL"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout" env:"PROBE_TIMEOUT"`

	// Redis, when Addr is set, backs the message bus and the proxy's
	// shared response tier.
	Redis RedisConfig `yaml:"redis" envPrefix:"REDIS_"`

	// Proxy configures the edge proxy.
	Proxy ProxyConfig `yaml:"proxy" envPrefix:"PROXY_"`

	// DebugMode enables debug logging.
	DebugMode bool `yaml:"debug" env:"DEBUG"`

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger `yaml:"-"`

	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer `yaml:"-"`

	// Bus overrides the Redis bus.
	Bus offsync.Bus `yaml:"-"`

	// Clock defaults to the wall clock.
	Clock clock.Clock `yaml:"-"`

	// OnError is called when an error occurs in background operations.
	OnError func(error) `yaml:"-"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	// Backend is "badger", "sqlite" or "memory".
	Backend    string `yaml:"backend" env:"BACKEND"`
	Path       string `yaml:"path" env:"PATH"`
	SyncWrites bool   `yaml:"syncWrites" env:"SYNC_WRITES"`
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`

	// Prefix namespaces keys and channels.
	Prefix string `yaml:"prefix" env:"PREFIX"`

	// TTL bounds how long shared responses are kept.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// ProxyConfig configures the edge proxy.
type ProxyConfig struct {
	Listen       string   `yaml:"listen" env:"LISTEN"`
	Origin       string   `yaml:"origin" env:"ORIGIN"`
	CacheVersion string   `yaml:"cacheVersion" env:"CACHE_VERSION"`
	Precache     []string `yaml:"precache" env:"PRECACHE" envSeparator:","`

	// MaxBytes bounds the in-process response tier.
	MaxBytes int64 `yaml:"maxBytes" env:"MAX_BYTES"`

	// MetricsListen serves /metrics when set.
	MetricsListen string `yaml:"metricsListen" env:"METRICS_LISTEN"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:           "default-node",
		BaseURL:          "http://localhost:8080",
		RequestTimeout:   30 * time.Second,
		Storage:          StorageConfig{Backend: storage.BackendBadger, Path: "offline-data"},
		LocalCacheConfig: DefaultLocalCacheConfig(),
		SyncInterval:     30 * time.Second,
		ProbeInterval:    15 * time.Second,
		ProbeTimeout:     5 * time.Second,
		Redis:            RedisConfig{Prefix: "offline:"},
		Proxy: ProxyConfig{
			Listen:       ":8081",
			Origin:       "http://localhost:8080",
			CacheVersion: "v1",
			Precache:     edgeproxy.DefaultOptions().Precache,
			MaxBytes:     64 << 20, // 64MB
		},
		Logger:    nil, // Will default to no-op in New()
		DebugMode: false,
	}
}

// LoadConfig reads path, when given, over DefaultConfig and then applies
// OFFLINE_ environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL is required", ErrInvalidConfig)
	}
	if err := c.storageOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RequestTimeout < 0 || c.SyncInterval < 0 || c.ProbeInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) storageOptions() storage.Options {
	return storage.Options{
		Backend:    c.Storage.Backend,
		Path:       c.Storage.Path,
		SyncWrites: c.Storage.SyncWrites,
	}
}

// RedisClient opens a client for c.Redis, or returns nil when no address
// is configured.
func (c *Config) RedisClient() *redis.Client {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// EdgeProxyOptions converts the proxy section to edgeproxy options. The
// shared tier, bus and metrics are left to the caller.
func (c *Config) EdgeProxyOptions() edgeproxy.Options {
	opts := edgeproxy.DefaultOptions()
	opts.Origin = c.Proxy.Origin
	if c.Proxy.CacheVersion != "" {
		opts.CacheVersion = c.Proxy.CacheVersion
	}
	opts.Precache = c.Proxy.Precache
	if c.Proxy.MaxBytes > 0 {
		opts.LocalCacheConfig.MaxCost = c.Proxy.MaxBytes
	}
	if c.RequestTimeout > 0 {
		opts.Timeout = c.RequestTimeout
	}
	opts.Logger = c.Logger
	opts.DebugMode = c.DebugMode
	opts.Clock = c.Clock
	opts.OnError = c.OnError
	return opts
}

// Client is an offline-first client: reads go through the cache, writes
// are queued while the server is unreachable and replayed by the engine.
type Client struct {
	Storage *storage.Manager
	Cache   *cache.Accessor
	Queue   *queue.Queue
	Fetcher *client.Fetcher
	Mutator *client.Mutator
	Monitor *netmon.Monitor
	Engine  *offsync.Engine
	Bus     offsync.Bus
	Metrics *metrics.Collector

	redis  *redis.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// New wires every component of an offline client from cfg. Nothing runs
// in the background until Start.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.LocalCacheSize > 0 {
		cfg.LocalCacheConfig.MaxSize = cfg.LocalCacheSize
	}
	if cfg.LocalCacheConfig.MaxSize <= 0 {
		cfg.LocalCacheConfig = DefaultLocalCacheConfig()
	}

	c := &Client{Storage: storage.NewManager(cfg.storageOptions())}

	var err error
	if c.Metrics, err = metrics.New(cfg.Registerer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	c.Cache, err = cache.NewAccessor(c.Storage, cache.Options{
		LocalCacheConfig: cfg.LocalCacheConfig,
		Logger:           cfg.Logger,
		DebugMode:        cfg.DebugMode,
		Clock:            cfg.Clock,
		OnError:          cfg.OnError,
	})
	if err != nil {
		return nil, err
	}

	c.Queue = queue.New(c.Storage, queue.Options{
		Logger:    cfg.Logger,
		DebugMode: cfg.DebugMode,
		Clock:     cfg.Clock,
	})

	probeURL := cfg.ProbeURL
	if probeURL == "" {
		probeURL = cfg.BaseURL
	}
	c.Monitor = netmon.New(netmon.Options{
		Prober:        netmon.NewHTTPProber(probeURL, cfg.ProbeTimeout),
		Interval:      cfg.ProbeInterval,
		InitialOnline: true,
		Logger:        cfg.Logger,
		DebugMode:     cfg.DebugMode,
		Clock:         cfg.Clock,
	})

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	c.Fetcher = client.NewFetcher(c.Cache, client.FetcherOptions{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		Logger:     cfg.Logger,
		DebugMode:  cfg.DebugMode,
		Metrics:    c.Metrics,
	})
	c.Mutator = client.NewMutator(c.Cache, c.Queue, client.MutatorOptions{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		Monitor:    c.Monitor,
		Logger:     cfg.Logger,
		DebugMode:  cfg.DebugMode,
	})

	c.Bus = cfg.Bus
	if c.Bus == nil {
		if c.redis = cfg.RedisClient(); c.redis != nil {
			c.Bus = offsync.NewRedisBus(c.redis, offsync.RedisBusOptions{
				ID:     cfg.NodeID,
				Prefix: cfg.Redis.Prefix,
				Logger: cfg.Logger,
			})
		}
	}

	c.Engine = offsync.NewEngine(c.Queue, c.Cache, offsync.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		Interval:   cfg.SyncInterval,
		Monitor:    c.Monitor,
		Bus:        c.Bus,
		Logger:     cfg.Logger,
		DebugMode:  cfg.DebugMode,
		Clock:      cfg.Clock,
		Metrics:    c.Metrics,
		OnError:    cfg.OnError,
	})
	c.Engine.OnNotify(func(n offsync.Notification) {
		c.Mutator.ClearPending(n.ID)
	})

	return c, nil
}

// Start opens the store, starts the sync engine and begins probing
// connectivity.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.Storage.Open(ctx); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.Engine.Start(ctx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Monitor.Run(ctx)
	}()
	return nil
}

// Fetch reads url through the cache.
func (c *Client) Fetch(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	return c.Fetcher.Fetch(ctx, url, opts)
}

// Mutate sends a write, queueing it when the server is unreachable.
func (c *Client) Mutate(ctx context.Context, m Mutation, opts MutateOptions) (*MutationResult, error) {
	return c.Mutator.Mutate(ctx, m, opts)
}

// ForceSync drains the queue now.
func (c *Client) ForceSync(ctx context.Context) (DrainResult, error) {
	return c.Engine.ForceSync(ctx)
}

// QueueCount returns the number of writes waiting for replay.
func (c *Client) QueueCount(ctx context.Context) (int, error) {
	return c.Queue.Count(ctx)
}

// OnNotify registers fn for replay outcomes.
func (c *Client) OnNotify(fn func(Notification)) {
	c.Engine.OnNotify(fn)
}

// Close stops background work and releases the store and the bus.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	var errs []error
	errs = append(errs, c.Engine.Close())
	c.wg.Wait()
	if c.redis != nil {
		errs = append(errs, c.Bus.Close(), c.redis.Close())
	}
	errs = append(errs, c.Cache.Close(), c.Storage.Close())
	return errors.Join(errs...)
}
