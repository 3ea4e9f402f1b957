package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/btcsuite/btcd/btcec/v2"
)

type NodeRole string

const (
	RoleBranch  NodeRole = "branch"
	RoleCentral NodeRole = "central"
)

func (r *NodeRole) UnmarshalEnvironmentValue(data string) error {
	switch role := NodeRole(strings.ToLower(strings.TrimSpace(data))); role {
	case RoleBranch, RoleCentral:
		*r = role
		return nil
	}
	return fmt.Errorf("invalid node role %q", data)
}

// PrivateKey is a hex encoded secp256k1 key used to sign sync requests.
type PrivateKey struct {
	Raw *btcec.PrivateKey
}

func (k *PrivateKey) UnmarshalEnvironmentValue(data string) error {
	decoded, err := hex.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("could not decode hex-encoded node key: %w", err)
	}
	if len(decoded) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("node key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(decoded))
	}
	k.Raw, _ = btcec.PrivKeyFromBytes(decoded)
	return nil
}

type Config struct {
	GrpcListenAddress   string      `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	HttpListenAddress   string      `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8081"`
	CorsAllowedOrigins  string      `env:"CORS_ALLOWED_ORIGINS,default=*"`
	NodeRole            NodeRole    `env:"NODE_ROLE,default=branch"`
	StoreID             string      `env:"STORE_ID"`
	StoreType           string      `env:"STORE_TYPE"`
	ServerIP            string      `env:"SERVER_IP"`
	SQLiteDirPath       string      `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl       string      `env:"DATABASE_URL"`
	CentralAddress      string      `env:"CENTRAL_ADDRESS"`
	SyncEnabled         bool        `env:"SYNC_ENABLED,default=true"`
	SyncIntervalMinutes int         `env:"SYNC_INTERVAL_MINUTES,default=1"`
	SyncBatchSize       int         `env:"SYNC_BATCH_SIZE,default=100"`
	SyncPageSize        int         `env:"SYNC_PAGE_SIZE,default=500"`
	PhotoDir            string      `env:"PHOTO_DIR,default=photos"`
	NodeKey             *PrivateKey `env:"NODE_PRIVATE_KEY"`
	RequireSignatures   bool        `env:"REQUIRE_SIGNATURES,default=false"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) SyncInterval() time.Duration {
	if c.SyncIntervalMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CorsAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
