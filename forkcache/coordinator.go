package forkcache

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/fork-cache/metrics"
	"github.com/flashbots/fork-cache/spike"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// request is sent by a Frontend. Either key or pin is meaningful.
type request struct {
	key   RequestKey
	pin   *BlockRef
	reply chan<- response
}

type response struct {
	account AccountRecord
	value   uint256.Int
	hash    common.Hash
	block   *types.Block
	tx      *types.Transaction
	err     error
}

// completion is reported by a fetch goroutine once the upstream call returned
type completion struct {
	key RequestKey
	// reply is set for keys that are not deduplicated and go straight back to the caller
	reply chan<- response
	resp  response
}

// Coordinator is the single event loop between frontends and the chain provider.
//
// For every request it checks:
//  1. if the value is already in the cache, the caller is answered immediately
//  2. if a fetch for the same key is in flight, the caller joins its listeners
//  3. otherwise exactly one fetch for the key is started
//
// Fetches run in their own goroutines and report back to the loop, so a stalled fetch only
// delays the callers waiting for that key. The loop stops once every frontend is closed and
// all in-flight fetches completed.
type Coordinator struct {
	log      *zap.Logger
	provider ChainProvider
	cache    *Cache
	config   Config

	incoming    <-chan request
	completions chan completion
	queue       []request
	listeners   *spike.Group[RequestKey, response]
	inFlight    int
	pinned      BlockRef

	done chan struct{}
}

func newCoordinator(log *zap.Logger, provider ChainProvider, cache *Cache, incoming <-chan request, pinned BlockRef, config Config) *Coordinator {
	return &Coordinator{
		log:         log.Named("coordinator"),
		provider:    provider,
		cache:       cache,
		config:      config,
		incoming:    incoming,
		completions: make(chan completion),
		listeners:   spike.NewGroup[RequestKey, response](),
		pinned:      pinned,
		done:        make(chan struct{}),
	}
}

// Run processes requests until the inbound channel is closed and no work is left.
// ctx is the parent of every upstream fetch, cancelling it fails the fetches but does not stop the loop.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	incoming := c.incoming
	for {
		c.drainQueue(ctx)

		if incoming == nil && c.inFlight == 0 {
			c.log.Debug("Last frontend closed, coordinator stopped")
			return
		}

		select {
		case req, ok := <-incoming:
			if !ok {
				c.log.Debug("Inbound channel closed, finishing in-flight fetches", zap.Int("in_flight", c.inFlight))
				incoming = nil
				continue
			}
			c.queue = append(c.queue, req)
			incoming = c.receiveInbound(incoming)
		case done := <-c.completions:
			c.onCompletion(done)
		}
	}
}

// Done is closed when Run returned
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) drainQueue(ctx context.Context) {
	for i, req := range c.queue {
		c.onRequest(ctx, req)
		c.queue[i] = request{}
	}
	c.queue = c.queue[:0]
}

// receiveInbound moves everything that is ready on the channel into the queue without blocking.
// It returns nil once the channel is closed.
func (c *Coordinator) receiveInbound(incoming <-chan request) <-chan request {
	for {
		select {
		case req, ok := <-incoming:
			if !ok {
				c.log.Debug("Inbound channel closed, finishing in-flight fetches", zap.Int("in_flight", c.inFlight))
				return nil
			}
			c.queue = append(c.queue, req)
		default:
			return incoming
		}
	}
}

func (c *Coordinator) onRequest(ctx context.Context, req request) {
	if req.pin != nil {
		c.pinned = *req.pin
		metrics.IncPinnedBlockChanged()
		c.log.Debug("Pinned block changed", zap.String("block", c.pinned.String()))
		req.reply <- response{}
		close(req.reply)
		return
	}

	key := req.key
	switch key.Kind {
	case KindAccount:
		if acc, ok := c.cache.Account(key.Address); ok {
			c.replyCached(req, response{account: acc})
			return
		}
	case KindStorage:
		if value, ok := c.cache.StorageAt(key.Address, key.Slot); ok {
			c.replyCached(req, response{value: value})
			return
		}
	case KindBlockHash:
		if hash, ok := c.cache.BlockHash(key.Number); ok {
			c.replyCached(req, response{hash: hash})
			return
		}
	case KindFullBlock, KindTransaction:
		c.dispatch(ctx, key, req.reply)
		return
	default:
		req.reply <- response{err: MessageError("unknown request kind")}
		close(req.reply)
		return
	}

	if !c.listeners.Join(key, req.reply) {
		metrics.IncDedupedRequests()
		c.log.Debug("Joined in-flight fetch", zap.Stringer("key", key))
		return
	}
	c.dispatch(ctx, key, nil)
}

func (c *Coordinator) replyCached(req request, resp response) {
	metrics.IncCacheHit(req.key.Kind.String())
	req.reply <- resp
	close(req.reply)
}

// dispatch starts the upstream fetch for key against the currently pinned block
func (c *Coordinator) dispatch(ctx context.Context, key RequestKey, reply chan<- response) {
	c.inFlight++
	pinned := c.pinned
	kind := key.Kind.String()
	metrics.IncUpstreamFetch(kind)
	c.log.Debug("Fetching from provider", zap.Stringer("key", key))

	go func() {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.config.FetchTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		}
		defer cancel()

		startAt := time.Now()
		resp := c.fetch(fetchCtx, key, pinned)
		metrics.RecordUpstreamFetchDuration(kind, time.Since(startAt).Milliseconds())
		c.completions <- completion{key: key, reply: reply, resp: resp}
	}()
}

// fetch runs outside of the loop, it must not touch coordinator state
func (c *Coordinator) fetch(ctx context.Context, key RequestKey, pinned BlockRef) response {
	switch key.Kind {
	case KindAccount:
		return c.fetchAccount(ctx, key.Address, pinned)
	case KindStorage:
		value, err := c.provider.StorageAt(ctx, key.Address, key.Slot.Bytes32(), pinned)
		if err != nil {
			return response{err: err}
		}
		return response{value: *new(uint256.Int).SetBytes32(value[:])}
	case KindBlockHash:
		hash, err := c.provider.BlockHashByNumber(ctx, key.Number)
		if errors.Is(err, ethereum.NotFound) {
			// the block does not exist, it is recorded with the empty hash
			c.log.Warn("Block not found", zap.Uint64("number", key.Number))
			return response{hash: EmptyCodeHash}
		}
		return response{hash: hash, err: err}
	case KindFullBlock:
		block, err := c.provider.BlockWithTransactions(ctx, key.Block)
		if err == nil && block == nil {
			err = ethereum.NotFound
		}
		return response{block: block, err: err}
	case KindTransaction:
		tx, err := c.provider.TransactionByHash(ctx, key.Hash)
		if err == nil && tx == nil {
			err = ethereum.NotFound
		}
		return response{tx: tx, err: err}
	default:
		return response{err: MessageError("unknown request kind")}
	}
}

// fetchAccount joins the balance, nonce and code calls into one record
func (c *Coordinator) fetchAccount(ctx context.Context, address common.Address, pinned BlockRef) response {
	var (
		balance *uint256.Int
		nonce   uint64
		code    []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = c.provider.BalanceAt(gctx, address, pinned)
		return err
	})
	g.Go(func() (err error) {
		nonce, err = c.provider.NonceAt(gctx, address, pinned)
		return err
	})
	g.Go(func() (err error) {
		code, err = c.provider.CodeAt(gctx, address, pinned)
		return err
	})
	if err := g.Wait(); err != nil {
		return response{err: err}
	}
	return response{account: NewAccountRecord(balance, nonce, code)}
}

func (c *Coordinator) onCompletion(done completion) {
	c.inFlight--
	key, resp := done.key, done.resp

	if resp.err != nil {
		metrics.IncUpstreamFetchFailed(key.Kind.String())
		if !key.deduplicated() && errors.Is(resp.err, ethereum.NotFound) {
			resp.err = &NotFoundError{Key: key}
		} else {
			resp.err = &FetchError{Key: key, Err: resp.err}
		}
		c.log.Warn("Upstream fetch failed", zap.Stringer("key", key), zap.Error(resp.err))
		c.deliver(done, resp)
		return
	}

	switch key.Kind {
	case KindAccount:
		resp.account = c.cache.insertAccountIfAbsent(key.Address, resp.account)
	case KindStorage:
		resp.value = c.cache.insertStorageIfAbsent(key.Address, key.Slot, resp.value)
	case KindBlockHash:
		c.cache.InsertBlockHash(key.Number, resp.hash)
	}
	c.deliver(done, resp)
}

func (c *Coordinator) deliver(done completion, resp response) {
	if done.reply != nil {
		done.reply <- resp
		close(done.reply)
		return
	}
	notified := c.listeners.Deliver(done.key, resp)
	c.log.Debug("Fetch completed", zap.Stringer("key", done.key), zap.Int("listeners", notified))
}
