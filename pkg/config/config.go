package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	Otel       struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"` // grpc|http
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Addrs string `mapstructure:"ADDR"`
		Topic string `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Anthropic struct {
		ApiKey    string        `mapstructure:"API_KEY"`
		Model     string        `mapstructure:"MODEL"`
		MaxTokens int64         `mapstructure:"MAX_TOKENS"`
		Timeout   time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"ANTHROPIC"`
	Embedding struct {
		URL       string        `mapstructure:"URL"`
		ApiKey    string        `mapstructure:"API_KEY"`
		Model     string        `mapstructure:"MODEL"`
		ChunkSize int           `mapstructure:"CHUNK_SIZE"`
		BatchSize int           `mapstructure:"BATCH_SIZE"`
		Timeout   time.Duration `mapstructure:"TIMEOUT"`
		Retries   int           `mapstructure:"RETRIES"`
	} `mapstructure:"EMBEDDING"`
	Chain struct {
		URL     string        `mapstructure:"URL"`
		ApiKey  string        `mapstructure:"API_KEY"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"CHAIN"`
	Analyzer struct {
		Binary  string        `mapstructure:"BINARY"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"ANALYZER"`
	Valuation struct {
		MinCompressionRatio  float64       `mapstructure:"MIN_COMPRESSION_RATIO"`
		MaxTokens            int64         `mapstructure:"MAX_TOKENS"`
		GateRules            []string      `mapstructure:"GATE_RULES"`
		IgnorePatterns       []string      `mapstructure:"IGNORE_PATTERNS"`
		ScoringStrategy      string        `mapstructure:"SCORING_STRATEGY"` // llm|heuristic
		HeuristicNormalizer  float64       `mapstructure:"HEURISTIC_NORMALIZER"`
		BaseCoefficient      float64       `mapstructure:"BASE_COEFFICIENT"`
		HalvingThreshold     float64       `mapstructure:"HALVING_THRESHOLD"`
		UpdateThreshold      float64       `mapstructure:"UPDATE_THRESHOLD"`
		NearPerfectThreshold float64       `mapstructure:"NEAR_PERFECT_THRESHOLD"`
		TopK                 int           `mapstructure:"TOP_K"`
		JobTimeout           time.Duration `mapstructure:"JOB_TIMEOUT"`
	} `mapstructure:"VALUATION"`
	Payout struct {
		BatchCloseCron    string        `mapstructure:"BATCH_CLOSE_CRON"`
		ReconcileCron     string        `mapstructure:"RECONCILE_CRON"`
		TransfersPerSec   float64       `mapstructure:"TRANSFERS_PER_SEC"`
		TransferBurst     int           `mapstructure:"TRANSFER_BURST"`
		Concurrency       int           `mapstructure:"CONCURRENCY"`
		TransferRetries   uint64        `mapstructure:"TRANSFER_RETRIES"`
		LockTTL           time.Duration `mapstructure:"LOCK_TTL"`
		MinPayoutAmount   string        `mapstructure:"MIN_PAYOUT_AMOUNT"`
		ProcessJobTimeout time.Duration `mapstructure:"PROCESS_JOB_TIMEOUT"`
		StrandedAfter     time.Duration `mapstructure:"STRANDED_AFTER"`
	} `mapstructure:"PAYOUT"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

// Select loads from the remote provider when REMOTE_CONFIG_PROVIDER is set
// and from config.yaml plus the environment otherwise.
func Select() fx.Option {
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		return RemoteModule
	}
	return Module
}

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

// SetDefaults registers the fallback value of every tunable on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "codemint")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("KAFKA.TOPIC", "contribution.events")
	v.SetDefault("ANTHROPIC.MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("ANTHROPIC.MAX_TOKENS", 512)
	v.SetDefault("ANTHROPIC.TIMEOUT", 60*time.Second)
	v.SetDefault("EMBEDDING.MODEL", "text-embedding-3-small")
	v.SetDefault("EMBEDDING.CHUNK_SIZE", 8000)
	v.SetDefault("EMBEDDING.BATCH_SIZE", 16)
	v.SetDefault("EMBEDDING.RETRIES", 3)
	v.SetDefault("EMBEDDING.TIMEOUT", 30*time.Second)
	v.SetDefault("CHAIN.TIMEOUT", 30*time.Second)
	v.SetDefault("ANALYZER.BINARY", "scc")
	v.SetDefault("ANALYZER.TIMEOUT", 2*time.Minute)
	v.SetDefault("VALUATION.MIN_COMPRESSION_RATIO", 0.10)
	v.SetDefault("VALUATION.MAX_TOKENS", 700000)
	v.SetDefault("VALUATION.IGNORE_PATTERNS", []string{"**/node_modules/**", "**/vendor/**", "**/.git/**", "**/*.lock"})
	v.SetDefault("VALUATION.SCORING_STRATEGY", "heuristic")
	v.SetDefault("VALUATION.HEURISTIC_NORMALIZER", 20.0)
	v.SetDefault("VALUATION.BASE_COEFFICIENT", 0.1)
	v.SetDefault("VALUATION.HALVING_THRESHOLD", 1000000.0)
	v.SetDefault("VALUATION.UPDATE_THRESHOLD", 0.85)
	v.SetDefault("VALUATION.NEAR_PERFECT_THRESHOLD", 0.999)
	v.SetDefault("VALUATION.TOP_K", 5)
	v.SetDefault("VALUATION.JOB_TIMEOUT", 10*time.Minute)
	v.SetDefault("PAYOUT.BATCH_CLOSE_CRON", "@every 24h")
	v.SetDefault("PAYOUT.RECONCILE_CRON", "@hourly")
	v.SetDefault("PAYOUT.TRANSFERS_PER_SEC", 2.0)
	v.SetDefault("PAYOUT.TRANSFER_BURST", 1)
	v.SetDefault("PAYOUT.CONCURRENCY", 1)
	v.SetDefault("PAYOUT.TRANSFER_RETRIES", 3)
	v.SetDefault("PAYOUT.LOCK_TTL", 5*time.Minute)
	v.SetDefault("PAYOUT.MIN_PAYOUT_AMOUNT", "0")
	v.SetDefault("PAYOUT.PROCESS_JOB_TIMEOUT", time.Hour)
	v.SetDefault("PAYOUT.STRANDED_AFTER", 30*time.Minute)
	v.SetDefault("WORKER.CONCURRENCY", 10)
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	SetDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applySecrets(p.Vault, &cfg)
	}
	configHolder.Store(&cfg)

	return &cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	SetDefaults(config)
	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	applySecrets(p.Vault, &cfg)
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var newcfg Config
			if err := config.Unmarshal(&newcfg); err != nil {
				zap.L().Error("unable to unmarshal remote config", zap.Error(err))
				continue
			}
			applySecrets(p.Vault, &newcfg)
			configHolder.Store(&newcfg)
		}
	}()

	return &cfg
}

// Current returns the most recently loaded config. With the remote provider
// it follows every reload; otherwise it is the startup config.
func Current() *Config {
	if v, ok := configHolder.Load().(*Config); ok {
		return v
	}
	return nil
}

func applySecrets(client *vault.Client, cfg *Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	cfg.Anthropic.ApiKey = get("anthropic_api_key", cfg.Anthropic.ApiKey)
	cfg.Embedding.ApiKey = get("embedding_api_key", cfg.Embedding.ApiKey)
	cfg.Chain.ApiKey = get("chain_api_key", cfg.Chain.ApiKey)
}
