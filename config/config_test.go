package config

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	config, err := NewConfig()
	require.NoError(t, err, "failed to load config")
	require.Equal(t, RoleBranch, config.NodeRole)
	require.True(t, config.SyncEnabled)
	require.Equal(t, 100, config.SyncBatchSize)
	require.Equal(t, 500, config.SyncPageSize)
	require.Equal(t, time.Minute, config.SyncInterval())
	require.Equal(t, []string{"*"}, config.AllowedOrigins())
	require.Nil(t, config.NodeKey)
}

func TestFromEnvironment(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	t.Setenv("NODE_ROLE", " Central ")
	t.Setenv("STORE_ID", "hq")
	t.Setenv("SYNC_INTERVAL_MINUTES", "5")
	t.Setenv("SYNC_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("NODE_PRIVATE_KEY", hex.EncodeToString(key.Serialize()))

	config, err := NewConfig()
	require.NoError(t, err, "failed to load config")
	require.Equal(t, RoleCentral, config.NodeRole)
	require.Equal(t, "hq", config.StoreID)
	require.False(t, config.SyncEnabled)
	require.Equal(t, 5*time.Minute, config.SyncInterval())
	require.Equal(t, []string{"https://a.example", "https://b.example"}, config.AllowedOrigins())
	require.NotNil(t, config.NodeKey)
	require.Equal(t, key.PubKey().SerializeCompressed(), config.NodeKey.Raw.PubKey().SerializeCompressed())
}

func TestInvalidValues(t *testing.T) {
	t.Setenv("NODE_ROLE", "satellite")
	_, err := NewConfig()
	require.Error(t, err)

	t.Setenv("NODE_ROLE", "branch")
	t.Setenv("NODE_PRIVATE_KEY", "abcd")
	_, err = NewConfig()
	require.Error(t, err)
}
