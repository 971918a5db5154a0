package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Bus transports.
const (
	BusNone  = "none"
	BusNATS  = "nats"
	BusRedis = "redis"
)

type Config struct {
	Store       string // CONVEY_STORE (memory|file|postgres, default "memory")
	DataDir     string // CONVEY_DATA_DIR (file store, default "./data")
	DatabaseURL string // CONVEY_DATABASE_URL (required for postgres)
	GRPCAddr    string // CONVEY_GRPC_ADDR (default ":9090")
	HTTPAddr    string // CONVEY_HTTP_ADDR (default ":8080")
	AuthToken   string // CONVEY_AUTH_TOKEN (optional, empty = auth disabled)
	HooksFile   string // CONVEY_HOOKS_FILE (TOML [[hook]] tables, optional)

	// Cross-context bus
	Bus          string // CONVEY_BUS (none|nats|redis; inferred from the URLs below when unset)
	NATSURL      string // CONVEY_NATS_URL
	RedisAddr    string // CONVEY_REDIS_ADDR
	RedisChannel string // CONVEY_REDIS_CHANNEL (default "conveyance")

	SendTimeout   time.Duration // CONVEY_SEND_TIMEOUT (default 5s)
	PresenceStale time.Duration // CONVEY_PRESENCE_STALE (default 2m)

	// Sync settings
	SyncInterval   time.Duration // CONVEY_SYNC_INTERVAL (default 0 = disabled)
	SyncS3Bucket   string        // CONVEY_SYNC_S3_BUCKET (enables S3 when set)
	SyncS3Endpoint string        // CONVEY_SYNC_S3_ENDPOINT (custom endpoint for MinIO)
	SyncS3Region   string        // CONVEY_SYNC_S3_REGION (default "us-east-1")
	SyncS3Key      string        // CONVEY_SYNC_S3_KEY (default "conveyance/backup.jsonl")
	SyncS3History  bool          // CONVEY_SYNC_S3_HISTORY (also keep timestamped copies)
	SyncFile       string        // CONVEY_SYNC_FILE (enables a local snapshot when set)
}

func Load() (*Config, error) {
	c := &Config{
		Store:          envOrDefault("CONVEY_STORE", StoreMemory),
		DataDir:        envOrDefault("CONVEY_DATA_DIR", "./data"),
		DatabaseURL:    os.Getenv("CONVEY_DATABASE_URL"),
		GRPCAddr:       envOrDefault("CONVEY_GRPC_ADDR", ":9090"),
		HTTPAddr:       envOrDefault("CONVEY_HTTP_ADDR", ":8080"),
		AuthToken:      os.Getenv("CONVEY_AUTH_TOKEN"),
		HooksFile:      os.Getenv("CONVEY_HOOKS_FILE"),
		Bus:            os.Getenv("CONVEY_BUS"),
		NATSURL:        os.Getenv("CONVEY_NATS_URL"),
		RedisAddr:      os.Getenv("CONVEY_REDIS_ADDR"),
		RedisChannel:   envOrDefault("CONVEY_REDIS_CHANNEL", "conveyance"),
		SyncS3Bucket:   os.Getenv("CONVEY_SYNC_S3_BUCKET"),
		SyncS3Endpoint: os.Getenv("CONVEY_SYNC_S3_ENDPOINT"),
		SyncS3Region:   envOrDefault("CONVEY_SYNC_S3_REGION", "us-east-1"),
		SyncS3Key:      envOrDefault("CONVEY_SYNC_S3_KEY", "conveyance/backup.jsonl"),
		SyncFile:       os.Getenv("CONVEY_SYNC_FILE"),
	}

	switch c.Store {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return nil, fmt.Errorf("CONVEY_DATABASE_URL is required when CONVEY_STORE=postgres")
		}
	default:
		return nil, fmt.Errorf("CONVEY_STORE: unknown store %q", c.Store)
	}

	if c.Bus == "" {
		switch {
		case c.NATSURL != "":
			c.Bus = BusNATS
		case c.RedisAddr != "":
			c.Bus = BusRedis
		default:
			c.Bus = BusNone
		}
	}
	switch c.Bus {
	case BusNone:
	case BusNATS:
		if c.NATSURL == "" {
			return nil, fmt.Errorf("CONVEY_NATS_URL is required when CONVEY_BUS=nats")
		}
	case BusRedis:
		if c.RedisAddr == "" {
			return nil, fmt.Errorf("CONVEY_REDIS_ADDR is required when CONVEY_BUS=redis")
		}
	default:
		return nil, fmt.Errorf("CONVEY_BUS: unknown bus %q", c.Bus)
	}

	var err error
	if c.SendTimeout, err = durationEnv("CONVEY_SEND_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if c.PresenceStale, err = durationEnv("CONVEY_PRESENCE_STALE", "2m"); err != nil {
		return nil, err
	}
	if c.SyncInterval, err = durationEnv("CONVEY_SYNC_INTERVAL", "0"); err != nil {
		return nil, err
	}
	if v := os.Getenv("CONVEY_SYNC_S3_HISTORY"); v != "" {
		if c.SyncS3History, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("CONVEY_SYNC_S3_HISTORY: %w", err)
		}
	}

	return c, nil
}

func durationEnv(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
