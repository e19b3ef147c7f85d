package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/terrain-backend/internal/data/db"
	"github.com/yungbote/terrain-backend/internal/jobs/worker"
	"github.com/yungbote/terrain-backend/internal/observability"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/dem"
	"github.com/yungbote/terrain-backend/internal/terrain/chunkgen"
	"github.com/yungbote/terrain-backend/internal/terrain/coordinator"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
)

const (
	EnvPrefix     = "TERRAIN"
	ConfigFileEnv = "TERRAIN_CONFIG_FILE"
)

// Config is layered: Defaults, then the optional YAML file, then
// TERRAIN_-prefixed environment variables.
type Config struct {
	LogMode    string `yaml:"log_mode" envconfig:"LOG_MODE"`
	InstanceID string `yaml:"instance_id" envconfig:"INSTANCE_ID"`

	// Origin has no default; both coordinates must be configured.
	OriginLat          *float64 `yaml:"origin_lat" envconfig:"ORIGIN_LAT"`
	OriginLon          *float64 `yaml:"origin_lon" envconfig:"ORIGIN_LON"`
	ChunkSizeMeters    float64  `yaml:"chunk_size_meters" envconfig:"CHUNK_SIZE_METERS"`
	MetersPerDegreeLat float64  `yaml:"meters_per_degree_lat" envconfig:"METERS_PER_DEGREE_LAT"`

	Source             string        `yaml:"source" envconfig:"SOURCE"`
	DefaultLayer       string        `yaml:"default_layer" envconfig:"DEFAULT_LAYER"`
	DefaultResolution  int           `yaml:"default_resolution" envconfig:"DEFAULT_RESOLUTION"`
	WriteConcurrency   int64         `yaml:"write_concurrency" envconfig:"WRITE_CONCURRENCY"`
	AnchorTimeout      time.Duration `yaml:"anchor_timeout" envconfig:"ANCHOR_TIMEOUT"`
	AnchorPollInterval time.Duration `yaml:"anchor_poll_interval" envconfig:"ANCHOR_POLL_INTERVAL"`
	ChunkBuildTimeout  time.Duration `yaml:"chunk_build_timeout" envconfig:"CHUNK_BUILD_TIMEOUT"`
	RasterCacheSize    int           `yaml:"raster_cache_size" envconfig:"RASTER_CACHE_SIZE"`
	RasterLoadTimeout  time.Duration `yaml:"raster_load_timeout" envconfig:"RASTER_LOAD_TIMEOUT"`
	QueueCapacity      int           `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY"`

	DBHost            string        `yaml:"db_host" envconfig:"DB_HOST"`
	DBPort            int           `yaml:"db_port" envconfig:"DB_PORT"`
	DBUser            string        `yaml:"db_user" envconfig:"DB_USER"`
	DBPassword        string        `yaml:"db_password" envconfig:"DB_PASSWORD"`
	DBName            string        `yaml:"db_name" envconfig:"DB_NAME"`
	DBSSLMode         string        `yaml:"db_sslmode" envconfig:"DB_SSLMODE"`
	DBMaxOpenConns    int           `yaml:"db_max_open_conns" envconfig:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns    int           `yaml:"db_max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetime time.Duration `yaml:"db_conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME"`
	DBAutoMigrate     bool          `yaml:"db_automigrate" envconfig:"DB_AUTOMIGRATE"`

	StorageMode         string `yaml:"storage_mode" envconfig:"STORAGE_MODE"`
	Bucket              string `yaml:"bucket" envconfig:"BUCKET"`
	StorageEmulatorHost string `yaml:"storage_emulator_host" envconfig:"STORAGE_EMULATOR_HOST"`
	LocalBlobPath       string `yaml:"local_blob_path" envconfig:"LOCAL_BLOB_PATH"`

	DEMBaseURL string        `yaml:"dem_base_url" envconfig:"DEM_BASE_URL"`
	DEMAPIKey  string        `yaml:"dem_api_key" envconfig:"DEM_API_KEY"`
	DEMType    string        `yaml:"dem_type" envconfig:"DEM_TYPE"`
	DEMTimeout time.Duration `yaml:"dem_timeout" envconfig:"DEM_TIMEOUT"`

	PollInterval      time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	WorkerConcurrency int           `yaml:"worker_concurrency" envconfig:"WORKER_CONCURRENCY"`
	WorkerBatchSize   int           `yaml:"worker_batch_size" envconfig:"WORKER_BATCH_SIZE"`
	StaleAfter        time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER"`
	FailedRetryAfter  time.Duration `yaml:"failed_retry_after" envconfig:"FAILED_RETRY_AFTER"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" envconfig:"FETCH_TIMEOUT"`
	MaxAttempts       int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" envconfig:"INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF"`

	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisChannel  string `yaml:"redis_channel" envconfig:"REDIS_CHANNEL"`

	MetricsAddr           string        `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	PostgresStatsInterval time.Duration `yaml:"postgres_stats_interval" envconfig:"POSTGRES_STATS_INTERVAL"`

	OtelEnabled     bool    `yaml:"otel_enabled" envconfig:"OTEL_ENABLED"`
	OtelEndpoint    string  `yaml:"otel_endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelHeaders     string  `yaml:"otel_headers" envconfig:"OTEL_EXPORTER_OTLP_HEADERS"`
	OtelInsecure    bool    `yaml:"otel_insecure" envconfig:"OTEL_EXPORTER_OTLP_INSECURE"`
	OtelSampleRatio float64 `yaml:"otel_sample_ratio" envconfig:"OTEL_SAMPLE_RATIO"`
	ServiceName     string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment     string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	Version         string  `yaml:"version" envconfig:"VERSION"`
}

func Defaults() Config {
	host, _ := os.Hostname()
	return Config{
		LogMode:            "development",
		InstanceID:         host,
		ChunkSizeMeters:    1000,
		MetersPerDegreeLat: geo.MetersPerDegree,
		Source:             string(coordinator.ModeDEM),
		DefaultLayer:       "terrain",
		DefaultResolution:  64,
		WriteConcurrency:   3,
		AnchorTimeout:      2 * time.Minute,
		AnchorPollInterval: 2 * time.Second,
		ChunkBuildTimeout:  time.Minute,
		RasterCacheSize:    64,
		RasterLoadTimeout:  30 * time.Second,
		QueueCapacity:      256,

		DBHost:            "localhost",
		DBPort:            5432,
		DBSSLMode:         "disable",
		DBMaxOpenConns:    10,
		DBMaxIdleConns:    5,
		DBConnMaxLifetime: 30 * time.Minute,

		StorageMode: string(blob.ObjectStorageModeGCS),

		DEMBaseURL: dem.DefaultBaseURL,
		DEMType:    dem.DefaultDEMType,
		DEMTimeout: 2 * time.Minute,

		PollInterval:      5 * time.Second,
		WorkerConcurrency: 2,
		WorkerBatchSize:   50,
		StaleAfter:        10 * time.Minute,
		FetchTimeout:      60 * time.Second,
		MaxAttempts:       4,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,

		PostgresStatsInterval: 30 * time.Second,

		OtelSampleRatio: 1,
		ServiceName:     "terrain-backend",
		Environment:     "development",
	}
}

// LoadConfig applies the YAML file at path (or TERRAIN_CONFIG_FILE when path
// is empty) and the environment over Defaults, then validates.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, apperr.Configuration("read %s: %v", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, apperr.Configuration("parse %s: %v", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, apperr.Configuration("environment: %v", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []string
	if c.OriginLat == nil || c.OriginLon == nil {
		problems = append(problems, "TERRAIN_ORIGIN_LAT and TERRAIN_ORIGIN_LON are required")
	} else if _, err := geo.New(c.MapperConfig()); err != nil {
		problems = append(problems, err.Error())
	}
	mode, err := coordinator.ParseMode(c.Source)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if err := chunkgen.ValidateResolution(c.DefaultResolution); err != nil {
		problems = append(problems, "default resolution: "+err.Error())
	}
	if c.WriteConcurrency < 1 {
		problems = append(problems, "TERRAIN_WRITE_CONCURRENCY must be at least 1")
	}
	if strings.TrimSpace(c.DBHost) == "" || strings.TrimSpace(c.DBUser) == "" || strings.TrimSpace(c.DBName) == "" {
		problems = append(problems, "TERRAIN_DB_HOST, TERRAIN_DB_USER and TERRAIN_DB_NAME are required")
	}
	if _, err := c.ObjectStorage(); err != nil {
		problems = append(problems, err.Error())
	}
	if mode == coordinator.ModeDEM && strings.TrimSpace(c.DEMAPIKey) == "" {
		problems = append(problems, "TERRAIN_DEM_API_KEY is required when TERRAIN_SOURCE=dem")
	}
	if len(problems) > 0 {
		return apperr.Configuration("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) MapperConfig() geo.Config {
	out := geo.Config{ChunkSizeMeters: c.ChunkSizeMeters, MetersPerDegreeLat: c.MetersPerDegreeLat}
	if c.OriginLat != nil {
		out.OriginLat = *c.OriginLat
	}
	if c.OriginLon != nil {
		out.OriginLon = *c.OriginLon
	}
	return out
}

func (c Config) ObjectStorage() (blob.ObjectStorageConfig, error) {
	return blob.ResolveObjectStorageConfig(c.StorageMode, c.Bucket, c.StorageEmulatorHost, c.LocalBlobPath)
}

func (c Config) Postgres() db.PostgresConfig {
	return db.PostgresConfig{
		Host:            c.DBHost,
		Port:            c.DBPort,
		User:            c.DBUser,
		Password:        c.DBPassword,
		Name:            c.DBName,
		SSLMode:         c.DBSSLMode,
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: c.DBConnMaxLifetime,
	}
}

func (c Config) DEM() dem.Config {
	return dem.Config{BaseURL: c.DEMBaseURL, APIKey: c.DEMAPIKey, DEMType: c.DEMType, Timeout: c.DEMTimeout}
}

func (c Config) Worker() worker.Config {
	return worker.Config{
		PollInterval:     c.PollInterval,
		Concurrency:      c.WorkerConcurrency,
		BatchSize:        c.WorkerBatchSize,
		StaleAfter:       c.StaleAfter,
		FailedRetryAfter: c.FailedRetryAfter,
		FetchTimeout:     c.FetchTimeout,
		MaxAttempts:      c.MaxAttempts,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
		InstanceID:       c.InstanceID,
	}
}

func (c Config) Coordinator() coordinator.Config {
	mode, _ := coordinator.ParseMode(c.Source)
	return coordinator.Config{
		Mode:               mode,
		DefaultLayer:       c.DefaultLayer,
		DefaultResolution:  c.DefaultResolution,
		WriteConcurrency:   c.WriteConcurrency,
		AnchorTimeout:      c.AnchorTimeout,
		AnchorPollInterval: c.AnchorPollInterval,
		BuildTimeout:       c.ChunkBuildTimeout,
	}
}

func (c Config) Otel() observability.OtelConfig {
	return observability.OtelConfig{
		Enabled:     c.OtelEnabled,
		ServiceName: c.ServiceName,
		Environment: c.Environment,
		Version:     c.Version,
		Endpoint:    c.OtelEndpoint,
		Headers:     observability.ParseHeaders(c.OtelHeaders),
		Insecure:    c.OtelInsecure,
		SampleRatio: c.OtelSampleRatio,
	}
}

// String omits secrets.
func (c Config) String() string {
	return fmt.Sprintf("source=%s storage=%s bucket=%q db=%s@%s:%d/%s redis=%q metrics=%q",
		c.Source, c.StorageMode, c.Bucket, c.DBUser, c.DBHost, c.DBPort, c.DBName, c.RedisAddr, c.MetricsAddr)
}
