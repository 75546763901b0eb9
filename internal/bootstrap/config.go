package bootstrap

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"typing-race/internal/infra/setup"
)

// Fanout 后端
const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
	FanoutNATS  = "nats"
)

// Config 从环境变量 (以及可选的 .env 文件) 加载的配置
type Config struct {
	AppEnv     string `env:"APP_ENV,default=development"`
	ServerPort string `env:"SERVER_PORT,default=8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	RedisAddr     string `env:"REDIS_ADDR,required=true" validate:"required"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0" validate:"gte=0"`
	KeyPrefix     string `env:"REDIS_KEY_PREFIX,default=race:"`

	MySQLUser     string `env:"MYSQL_USER,default=root"`
	MySQLPassword string `env:"MYSQL_PASSWORD"`
	MySQLHost     string `env:"MYSQL_HOST,default=127.0.0.1"`
	MySQLPort     string `env:"MYSQL_PORT,default=3306"`
	MySQLDatabase string `env:"MYSQL_DATABASE,default=typing_race"`

	JWTSecret string        `env:"JWT_SECRET,required=true" validate:"required"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY,default=24h" validate:"gt=0"`

	RateLimitMax    int           `env:"RATE_LIMIT_MAX,default=100" validate:"gt=0"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=1m" validate:"gt=0"`

	FanoutBackend string `env:"FANOUT_BACKEND,default=local" validate:"oneof=local redis nats"`
	NATSURL       string `env:"NATS_URL,default=nats://127.0.0.1:4222"`

	SweeperEnabled bool          `env:"SWEEPER_ENABLED,default=true"`
	SweepSchedule  string        `env:"SWEEP_SCHEDULE,default=@every 5m"`
	RoomEmptyGrace time.Duration `env:"ROOM_EMPTY_GRACE,default=10m" validate:"gte=0"`

	StoreRetries int `env:"STORE_RETRIES,default=3" validate:"gte=0"`

	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN,default=http://localhost:3000"`
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)，已存在的环境变量不会被覆盖
	_ = godotenv.Load()

	cfg := &Config{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// IsProduction 生产环境使用 JSON 日志和 gin release 模式
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) MySQL() setup.MySQLOptions {
	return setup.MySQLOptions{
		User:     c.MySQLUser,
		Password: c.MySQLPassword,
		Host:     c.MySQLHost,
		Port:     c.MySQLPort,
		Database: c.MySQLDatabase,
	}
}

func (c *Config) Redis() setup.RedisOptions {
	return setup.RedisOptions{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}
