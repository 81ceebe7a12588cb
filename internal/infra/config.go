package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Console  ConsoleConfig  `mapstructure:"console"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает HTTP, gRPC и metrics слушатели шлюза.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"` // Пусто: gRPC выключен
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Драйверы хранилища действий и журнала
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// StoreConfig выбирает хранилище идемпотентности и коллекций.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, redis, postgres
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (хранилище, Pub/Sub заморозки).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuditConfig: основное хранилище журнала и асинхронный архив.
type AuditConfig struct {
	Storage       string        `mapstructure:"storage"` // memory, postgres
	Archive       bool          `mapstructure:"archive"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// EngineConfig содержит настройки диспетчера.
type EngineConfig struct {
	// Эндпоинты, принудительно переведенные в read-only
	ReadOnly []string `mapstructure:"read_only"`

	// Начальный набор замороженных эндпоинтов для пустого Redis
	Frozen []string `mapstructure:"frozen"`

	// Слушать сигналы заморозки эндпоинтов из Redis
	FreezeListener bool `mapstructure:"freeze_listener"`

	// Circuit Breaker вокруг хранилища действий
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`

	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`

	// Лимит обращений к хранилищу (RPS), 0: без лимита
	StoreRateLimit float64 `mapstructure:"store_rate_limit"`
	StoreBurst     int     `mapstructure:"store_burst"`

	// Неподтвержденный резерв ключа: срок жизни и ожидание чужого резерва
	PendingTTL     time.Duration `mapstructure:"pending_ttl"`
	SettleAttempts uint          `mapstructure:"settle_attempts"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// ConsoleConfig: операторская консоль.
type ConsoleConfig struct {
	HTTPAddr   string `mapstructure:"http_addr"`
	AuditTable string `mapstructure:"audit_table"` // audit_events или audit_archive
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Пустой paths ищет config.yaml в "." и "./configs".
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// STORE_DRIVER=redis перекроет store.driver
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет сочетания драйверов и обязательные адреса.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: store.driver=redis requires redis.addr")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("config: store.driver=postgres requires database.url")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Audit.Storage {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("config: unknown audit.storage %q", c.Audit.Storage)
	}
	if (c.Audit.Storage == DriverPostgres || c.Audit.Archive) && c.Database.URL == "" {
		return errors.New("config: postgres audit storage or archive requires database.url")
	}
	if c.Engine.FreezeListener && c.Redis.Addr == "" {
		return errors.New("config: engine.freeze_listener requires redis.addr")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.metrics_addr", ":9100")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", DriverMemory)

	// Ключи без дефолта не видны AutomaticEnv при Unmarshal
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("audit.storage", DriverMemory)
	v.SetDefault("audit.archive", false)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)

	v.SetDefault("engine.read_only", []string{})
	v.SetDefault("engine.frozen", []string{})
	v.SetDefault("engine.freeze_listener", false)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 10*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_max_failures", 5)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_delay", 50*time.Millisecond)
	v.SetDefault("engine.store_rate_limit", 0)
	v.SetDefault("engine.store_burst", 100)
	v.SetDefault("engine.pending_ttl", 30*time.Second)
	v.SetDefault("engine.settle_attempts", 40)
	v.SetDefault("engine.settle_delay", 25*time.Millisecond)

	v.SetDefault("console.http_addr", ":8081")
	v.SetDefault("console.audit_table", "audit_events")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
