package forkcache

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// InboundCapacity is the size of the request channel, requests above it fail with ErrChannelSend
	InboundCapacity int
	// FetchTimeout bounds a single upstream fetch, zero disables the timeout
	FetchTimeout time.Duration
}

var DefaultConfig = Config{
	InboundCapacity: DefaultInboundCapacity,
	FetchTimeout:    0,
}

// ConfigFromEnv loads coordinator config from environment.
// - `FORKCACHE_INBOUND_CAPACITY`
// - `FORKCACHE_FETCH_TIMEOUT_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("FORKCACHE_INBOUND_CAPACITY"); val != "" {
		capacity, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		if capacity < 1 {
			return config, MessageError("FORKCACHE_INBOUND_CAPACITY must be greater than 0")
		}
		config.InboundCapacity = capacity
	}
	if val := os.Getenv("FORKCACHE_FETCH_TIMEOUT_MS"); val != "" {
		timeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.FetchTimeout = time.Duration(timeoutMs) * time.Millisecond
	}

	return config, nil
}
