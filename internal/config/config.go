// Package config loads and validates the chatd configuration.
package config

import "time"

// ChatdConfig is the root configuration for a gateway instance.
type ChatdConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Session  SessionConfig  `yaml:"session"`
}

// InstanceConfig identifies this gateway instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	InternalToken string        `yaml:"internal_token"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig holds the message persistence settings. An empty host
// selects the in-memory store.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the id-allocator settings. An empty addr selects
// the in-memory allocator.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// NATSConfig holds the cross-instance broadcast settings. An empty URL
// selects the in-process loopback.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig holds batch writer settings.
type StoreConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxPerRoom bounds the in-memory store only.
	MaxPerRoom int `yaml:"max_per_room"`
}

// SessionConfig holds per-connection settings.
type SessionConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	SendQueueDepth int           `yaml:"send_queue_depth"`
}
