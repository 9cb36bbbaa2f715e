package config

import "time"

type Config struct {
	Service   *ServiceConfig
	Redis     *RedisConfig
	Postgres  *PostgresConfig
	SQLite    *SQLiteConfig
	NATS      *NATSConfig
	Bus       *BusConfig
	Store     *StoreConfig
	Gateway   *GatewayConfig
	Worker    *WorkerConfig
	Logger    *LoggerConfig
	Telemetry *TelemetryConfig
	Auth      *AuthConfig
}

type ServiceConfig struct {
	Name string
	Env  string
	Add  string
	// ShutdownTimeout bounds the drain of connections and the HTTP server.
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

type SQLiteConfig struct {
	Path string
}

type NATSConfig struct {
	URL string
}

// BusConfig selects the cross-instance pubsub backend.
type BusConfig struct {
	Driver         string // redis | nats | memory
	PublishTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// StoreConfig selects the message store and membership backend.
type StoreConfig struct {
	Driver string // postgres | sqlite
}

type GatewayConfig struct {
	HandshakeTimeout  time.Duration
	MaxContentBytes   int
	ReadLimit         int64
	OutboundQueueSize int
	EnqueueTimeout    time.Duration
	MaxSendFailures   int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	PresenceInterval  time.Duration
	PresenceTTL       time.Duration
	FramesPerSecond   float64
	FrameBurst        int
}

type WorkerConfig struct {
	Stream        string
	ConsumerGroup string
}

type LoggerConfig struct {
	Level  string
	Format string
	// File enables rotation through lumberjack when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type TelemetryConfig struct {
	Exporter string // otlp | stdout | none
	Endpoint string
}

type AuthConfig struct {
	Secret string
	Issuer string
}
