package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	InstanceID  string `env:"INSTANCE_ID"`

	// Auth configuration
	JWTSecret string `env:"JWT_SECRET" envDefault:"your-secret-key"`

	// Redis configuration; an empty URL runs the instance standalone
	RedisURL    string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisDB     int           `env:"REDIS_DB" envDefault:"0"`
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"120s"`

	// Database configuration; an empty URL disables last-seen persistence
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"4"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"2"`
	DBSlowQuery    time.Duration `env:"DB_SLOW_QUERY" envDefault:"200ms"`
	DBAutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`

	// Metrics export; an empty endpoint logs reports instead
	MetricsEndpoint string        `env:"OTEL_METRICS_ENDPOINT"`
	MetricsInterval time.Duration `env:"OTEL_METRICS_INTERVAL" envDefault:"30s"`

	// Transport configuration
	AllowedOrigins        []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	SendBufferSize        int           `env:"SEND_BUFFER_SIZE" envDefault:"256"`
	MaxMessageBytes       int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	PingInterval          time.Duration `env:"PING_INTERVAL" envDefault:"54s"`
	PongWait              time.Duration `env:"PONG_WAIT" envDefault:"60s"`
	WriteWait             time.Duration `env:"WRITE_WAIT" envDefault:"10s"`
	MaxConnectionsPerUser int           `env:"MAX_CONNECTIONS_PER_USER" envDefault:"10"`

	// Rate limiting
	HandshakePoints      int           `env:"RATE_LIMIT_HANDSHAKE_POINTS" envDefault:"100"`
	HandshakeWindow      time.Duration `env:"RATE_LIMIT_HANDSHAKE_WINDOW" envDefault:"60s"`
	HandshakeBlock       time.Duration `env:"RATE_LIMIT_HANDSHAKE_BLOCK" envDefault:"60s"`
	EventPoints          int           `env:"RATE_LIMIT_EVENT_POINTS" envDefault:"100"`
	EventWindow          time.Duration `env:"RATE_LIMIT_EVENT_WINDOW" envDefault:"60s"`
	EventBlock           time.Duration `env:"RATE_LIMIT_EVENT_BLOCK" envDefault:"60s"`
	TypingPoints         int           `env:"RATE_LIMIT_TYPING_POINTS" envDefault:"10"`
	TypingWindow         time.Duration `env:"RATE_LIMIT_TYPING_WINDOW" envDefault:"10s"`
	TypingBlock          time.Duration `env:"RATE_LIMIT_TYPING_BLOCK" envDefault:"10s"`
	AbuseThreshold       int           `env:"RATE_LIMIT_ABUSE_THRESHOLD" envDefault:"20"`
	RateLimitStoreShared bool          `env:"RATE_LIMIT_SHARED_STORE" envDefault:"true"`

	// Lifecycle of in-memory state
	RoomIdleTTL       time.Duration `env:"ROOM_IDLE_TTL" envDefault:"1h"`
	DeliveryRetention time.Duration `env:"DELIVERY_RETENTION" envDefault:"10m"`
	TypingTTL         time.Duration `env:"TYPING_TTL" envDefault:"5s"`

	// Cleanup schedules (cron specs, "@every" accepted)
	DeliveryPurgeSpec string `env:"SCHEDULE_DELIVERY_PURGE" envDefault:"@every 1m"`
	RoomSweepSpec     string `env:"SCHEDULE_ROOM_SWEEP" envDefault:"@every 5m"`
	TypingFlushSpec   string `env:"SCHEDULE_TYPING_FLUSH" envDefault:"@every 1s"`
	MetricsSpec       string `env:"SCHEDULE_METRICS" envDefault:"@every 30s"`
	BackplanePingSpec string `env:"SCHEDULE_BACKPLANE_PING" envDefault:"@every 10s"`
	BucketSweepSpec   string `env:"SCHEDULE_BUCKET_SWEEP" envDefault:"@every 5m"`
	PresenceSyncSpec  string `env:"SCHEDULE_PRESENCE_REFRESH" envDefault:"@every 30s"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("PING_INTERVAL (%s) must be shorter than PONG_WAIT (%s)", c.PingInterval, c.PongWait)
	}
	if c.DatabaseURL != "" && c.DBMaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.DBMaxOpenConns)
	}
	for name, points := range map[string]int{
		"RATE_LIMIT_HANDSHAKE_POINTS": c.HandshakePoints,
		"RATE_LIMIT_EVENT_POINTS":     c.EventPoints,
		"RATE_LIMIT_TYPING_POINTS":    c.TypingPoints,
	} {
		if points <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, points)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
