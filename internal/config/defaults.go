package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr           = ":8080"
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultIssuer         = "taskbid-chat"
	DefaultTokenTTL       = 24 * time.Hour
	DefaultDBPort         = 5432
	DefaultDBSSLMode      = "prefer"
	DefaultMaxConns       = 10
	DefaultMinConns       = 2
	DefaultSeqPrefix      = "chat:seq:"
	DefaultBatchSize      = 200
	DefaultFlushInterval  = 250 * time.Millisecond
	DefaultMaxPerRoom     = 5000
	DefaultSessWriteWait  = 10 * time.Second
	DefaultSessPongWait   = 60 * time.Second
	DefaultSessPingPeriod = 50 * time.Second
	DefaultMaxFrameBytes  = 64 * 1024
	DefaultSendQueueDepth = 256
)

func (c *ChatdConfig) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}

	// Auth defaults
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Redis defaults
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultSeqPrefix
	}

	// Store defaults
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = DefaultBatchSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultFlushInterval
	}
	if c.Store.MaxPerRoom == 0 {
		c.Store.MaxPerRoom = DefaultMaxPerRoom
	}

	// Session defaults
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultSessWriteWait
	}
	if c.Session.PongTimeout == 0 {
		c.Session.PongTimeout = DefaultSessPongWait
	}
	if c.Session.PingInterval == 0 {
		c.Session.PingInterval = DefaultSessPingPeriod
	}
	if c.Session.MaxFrameBytes == 0 {
		c.Session.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Session.SendQueueDepth == 0 {
		c.Session.SendQueueDepth = DefaultSendQueueDepth
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
