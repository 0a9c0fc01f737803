package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Games     GamesConfig     `mapstructure:"games"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddress      string   `mapstructure:"http_address"`
	RPCAddress       string   `mapstructure:"rpc_address"`
	MetricsNamespace string   `mapstructure:"metrics_namespace"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
}

// StoreConfig selects the canonical state store backend: memory, gorm or pgx.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	RoomTTL         time.Duration `mapstructure:"room_ttl"`
	MaxRooms        int           `mapstructure:"max_rooms"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the key/value connection string understood by lib/pq and gorm.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// URL returns the postgres:// form used by pgx.
func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// BroadcastConfig selects the fan-out transport: memory, nats or pgnotify.
type BroadcastConfig struct {
	Backend  string         `mapstructure:"backend"`
	NATS     NATSConfig     `mapstructure:"nats"`
	PGNotify PGNotifyConfig `mapstructure:"pgnotify"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type PGNotifyConfig struct {
	Channel string `mapstructure:"channel"`
}

// SyncConfig holds client engine tuning shared by the demo client.
type SyncConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	JoinRetries    int           `mapstructure:"join_retries"`
	JoinRetryDelay time.Duration `mapstructure:"join_retry_delay"`
}

type GamesConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", ":8081")
	v.SetDefault("server.metrics_namespace", "roomsync")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.room_ttl", 24*time.Hour)
	v.SetDefault("store.max_rooms", 10000)
	v.SetDefault("store.janitor_interval", time.Minute)

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "postgres")
	v.SetDefault("database.postgres.dbname", "roomsync")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("broadcast.backend", "memory")
	v.SetDefault("broadcast.nats.url", "nats://localhost:4222")
	v.SetDefault("broadcast.nats.subject_prefix", "roomsync")
	v.SetDefault("broadcast.nats.max_reconnects", -1)
	v.SetDefault("broadcast.nats.reconnect_wait", 2*time.Second)
	v.SetDefault("broadcast.pgnotify.channel", "roomsync_events")

	v.SetDefault("sync.poll_interval", 500*time.Millisecond)
	v.SetDefault("sync.join_retries", 3)
	v.SetDefault("sync.join_retry_delay", 200*time.Millisecond)

	v.SetDefault("games.catalog_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads .env (if any), then config.yaml from path (if any), then
// ROOMSYNC_* environment variables. A missing config file is not an error.
func LoadConfig(path string) (config *Config, err error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("roomsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}
