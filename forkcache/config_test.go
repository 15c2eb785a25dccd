package forkcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FORKCACHE_INBOUND_CAPACITY", "")
	t.Setenv("FORKCACHE_FETCH_TIMEOUT_MS", "")
	config, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig, config)

	t.Setenv("FORKCACHE_INBOUND_CAPACITY", "8")
	t.Setenv("FORKCACHE_FETCH_TIMEOUT_MS", "1500")
	config, err = ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, Config{InboundCapacity: 8, FetchTimeout: 1500 * time.Millisecond}, config)

	t.Setenv("FORKCACHE_INBOUND_CAPACITY", "0")
	_, err = ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("FORKCACHE_INBOUND_CAPACITY", "many")
	_, err = ConfigFromEnv()
	require.Error(t, err)
}
