package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/fork-cache/adapters/redis"
	"github.com/flashbots/fork-cache/forkcache"
	"github.com/flashbots/fork-cache/jsonrpcserver"
	"github.com/flashbots/go-utils/cli"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Coordinator is configured using its own env variables, see `forkcache.ConfigFromEnv`.

	// Default values
	defaultDebug          = os.Getenv("DEBUG") == "1"
	defaultLogProd        = os.Getenv("LOG_PROD") == "1"
	defaultLogService     = os.Getenv("LOG_SERVICE")
	defaultPort           = cli.GetEnv("PORT", "8080")
	defaultMetricsPort    = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint    = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultCachePath      = cli.GetEnv("CACHE_PATH", "")
	defaultRedisEndpoint  = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultRedisKey       = cli.GetEnv("REDIS_CACHE_KEY", "forkcache")
	defaultRedisExpire    = cli.GetEnv("REDIS_CACHE_EXPIRE", "24h")
	defaultPinnedBlock    = cli.GetEnv("PINNED_BLOCK", "latest")
	defaultFollowHead     = cli.GetEnv("FOLLOW_HEAD_INTERVAL", "0")
	defaultRPCRateLimit   = cli.GetEnv("RPC_RATE_LIMIT", "0")
	defaultExecConfigPath = cli.GetEnv("EXECUTION_CONFIG", "")

	// Flags
	debugPtr          = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr        = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr     = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr           = flag.String("port", defaultPort, "port to serve the inspector api on")
	metricsPortPtr    = flag.String("metrics-port", defaultMetricsPort, "port to serve metrics and pprof on")
	ethPtr            = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	cachePathPtr      = flag.String("cache-path", defaultCachePath, "cache file path, empty keeps the cache in memory")
	redisPtr          = flag.String("redis", defaultRedisEndpoint, "redis url to keep the cache in instead of a file")
	redisKeyPtr       = flag.String("redis-key", defaultRedisKey, "redis key of the cache snapshot")
	redisExpirePtr    = flag.String("redis-expire", defaultRedisExpire, "expiration of the cache snapshot in redis, 0 keeps it forever")
	pinnedBlockPtr    = flag.String("pinned-block", defaultPinnedBlock, "block to fork at: number, hex number, block hash or tag")
	followHeadPtr     = flag.String("follow-head", defaultFollowHead, "interval to re-pin to the latest block at, 0 disables it")
	rpcRateLimitPtr   = flag.String("rpc-rate-limit", defaultRPCRateLimit, "max upstream calls per second, 0 disables the limit")
	execConfigPathPtr = flag.String("execution-config", defaultExecConfigPath, "execution config yaml file")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting fork-cache", zap.String("version", version))

	provider, err := forkcache.DialRPCProvider(ctx, *ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to eth endpoint", zap.Error(err))
	}
	defer provider.Close()

	pinnedBlock, err := parseBlockRef(*pinnedBlockPtr)
	if err != nil {
		logger.Fatal("Failed to parse pinned block", zap.Error(err))
	}

	meta, pinnedBlock, err := loadMetadata(ctx, provider, pinnedBlock)
	if err != nil {
		logger.Fatal("Failed to load cache metadata", zap.Error(err))
	}
	logger.Info("Forking chain", zap.Uint64("chainID", meta.ExecutionConfig.ChainID), zap.String("block", pinnedBlock.String()))

	var cacheFile *forkcache.CacheFile
	if *redisPtr != "" {
		redisOpts, err := goredis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisExpire, err := time.ParseDuration(*redisExpirePtr)
		if err != nil {
			logger.Fatal("Failed to parse redis expiration", zap.Error(err))
		}
		store := redis.NewSnapshotStore(goredis.NewClient(redisOpts), redisExpire, *redisKeyPtr)
		cacheFile = forkcache.OpenCacheStore(logger, meta, store)
	} else {
		cacheFile = forkcache.OpenCacheFile(logger, meta, *cachePathPtr)
	}

	rateLimit, err := strconv.ParseFloat(*rpcRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse rpc rate limit", zap.Error(err))
	}
	var chainProvider forkcache.ChainProvider = provider
	if rateLimit > 0 {
		chainProvider = forkcache.NewRateLimitedProvider(provider, rate.Limit(rateLimit), int(rateLimit)+1)
	}

	coordinatorConfig, err := forkcache.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load coordinator config", zap.Error(err))
	}

	frontend := forkcache.Spawn(ctx, logger, chainProvider, cacheFile, &pinnedBlock, coordinatorConfig)

	followHead, err := time.ParseDuration(*followHeadPtr)
	if err != nil {
		logger.Fatal("Failed to parse follow head interval", zap.Error(err))
	}
	followerDone := make(chan struct{})
	if followHead > 0 {
		tracker := forkcache.NewHeadTracker(provider.Eth(), followHead/2)
		follower := frontend.Clone()
		go func() {
			defer close(followerDone)
			forkcache.FollowHead(ctx, logger, tracker, follower, followHead)
		}()
	} else {
		close(followerDone)
	}

	api := forkcache.NewInspectorAPI(frontend)
	jsonRPCServer, err := jsonrpcserver.NewHandler(logger, jsonrpcserver.MethodsOf(forkcache.InspectorNamespace, api))
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// the head follower releases its handle first so the flush runs on this goroutine
	<-followerDone
	frontend.Close()
	<-frontend.Done()
}

// parseBlockRef accepts a decimal number in addition to what eth json-rpc accepts as a block parameter
func parseBlockRef(value string) (forkcache.BlockRef, error) {
	if number, err := strconv.ParseUint(value, 10, 64); err == nil {
		return forkcache.BlockAt(number), nil
	}
	var ref forkcache.BlockRef
	if err := json.Unmarshal([]byte(strconv.Quote(value)), &ref); err != nil {
		return forkcache.BlockRef{}, err
	}
	return ref, nil
}

// loadMetadata fetches the fingerprint of the forked environment. Tags are resolved to the block
// number they point at now, so the cache stays consistent with its metadata.
func loadMetadata(ctx context.Context, provider *forkcache.RPCProvider, pinned forkcache.BlockRef) (forkcache.CacheMetadata, forkcache.BlockRef, error) {
	execConfig := forkcache.ExecutionConfig{DisableEIP3607: true}
	if *execConfigPathPtr != "" {
		var err error
		execConfig, err = forkcache.LoadExecutionConfig(*execConfigPathPtr)
		if err != nil {
			return forkcache.CacheMetadata{}, pinned, err
		}
	}

	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 30 * time.Second

	var (
		chainID *big.Int
		header  *types.Header
	)
	err := backoff.Retry(func() (err error) {
		chainID, err = provider.Eth().ChainID(ctx)
		if err != nil {
			return err
		}
		if hash, ok := pinned.Hash(); ok {
			header, err = provider.Eth().HeaderByHash(ctx, hash)
			return err
		}
		number, _ := pinned.Number()
		header, err = provider.Eth().HeaderByNumber(ctx, big.NewInt(number.Int64()))
		return err
	}, backoff.WithContext(back, ctx))
	if err != nil {
		return forkcache.CacheMetadata{}, pinned, err
	}

	if execConfig.ChainID == 0 {
		execConfig.ChainID = chainID.Uint64()
	} else if execConfig.ChainID != chainID.Uint64() {
		return forkcache.CacheMetadata{}, pinned, fmt.Errorf("execution config chain id %d does not match endpoint chain id %d", execConfig.ChainID, chainID.Uint64())
	}

	if _, ok := pinned.Hash(); !ok {
		pinned = forkcache.BlockAt(header.Number.Uint64())
	}
	return forkcache.CacheMetadata{
		ExecutionConfig: execConfig,
		BlockConfig:     forkcache.BlockConfigFromHeader(header),
		Hosts:           forkcache.NewHostSet(forkcache.HostFromURL(*ethPtr)),
	}, pinned, nil
}
