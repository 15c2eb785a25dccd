package forkcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/fork-cache/metrics"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	_ ChainReader    = (*Frontend)(nil)
	_ StateCommitter = (*Frontend)(nil)
	_ StateCommitter = (*Cache)(nil)
)

// Frontend is a handle to a running Coordinator. Its methods block the calling goroutine until
// the coordinator replies, so they must not be called from the coordinator itself.
//
// Handles are reference counted: Clone returns a new handle sharing the coordinator, Close
// releases one. Once the last handle is closed the coordinator finishes its in-flight fetches
// and stops, and the cache is flushed exactly once.
type Frontend struct {
	shared *frontendShared
	closed atomic.Bool
}

type frontendShared struct {
	log         *zap.Logger
	file        *CacheFile
	coordinator *Coordinator
	guard       *flushGuard

	mu       sync.RWMutex
	incoming chan request
	refs     int
	closed   bool
}

// flushGuard flushes the cache file when its last reference is released
type flushGuard struct {
	file *CacheFile
	refs atomic.Int64
	once sync.Once
}

func newFlushGuard(file *CacheFile) *flushGuard {
	guard := &flushGuard{file: file}
	guard.refs.Store(1)
	return guard
}

func (g *flushGuard) acquire() {
	g.refs.Add(1)
}

func (g *flushGuard) release() {
	if g.refs.Add(-1) == 0 {
		g.once.Do(g.file.Flush)
	}
}

// New creates a frontend and its coordinator without starting it, the caller runs Coordinator.Run.
// pinned defaults to the latest block.
func New(log *zap.Logger, provider ChainProvider, file *CacheFile, pinned *BlockRef, config Config) (*Frontend, *Coordinator) {
	capacity := config.InboundCapacity
	if capacity < 1 {
		capacity = DefaultInboundCapacity
	}
	pin := LatestBlock()
	if pinned != nil {
		pin = *pinned
	}

	incoming := make(chan request, capacity)
	coordinator := newCoordinator(log, provider, file.Cache(), incoming, pin, config)
	shared := &frontendShared{
		log:         log.Named("frontend"),
		file:        file,
		coordinator: coordinator,
		guard:       newFlushGuard(file),
		incoming:    incoming,
		refs:        1,
	}
	return &Frontend{shared: shared}, coordinator
}

// Spawn creates a frontend and runs its coordinator in a new goroutine
func Spawn(ctx context.Context, log *zap.Logger, provider ChainProvider, file *CacheFile, pinned *BlockRef, config Config) *Frontend {
	frontend, coordinator := New(log, provider, file, pinned, config)
	go coordinator.Run(ctx)
	return frontend
}

// Clone returns a new handle to the same coordinator. Cloning a closed handle returns a closed handle.
func (f *Frontend) Clone() *Frontend {
	clone := &Frontend{shared: f.shared}

	f.shared.mu.Lock()
	defer f.shared.mu.Unlock()
	if f.closed.Load() || f.shared.closed {
		clone.closed.Store(true)
		return clone
	}
	f.shared.refs++
	f.shared.guard.acquire()
	return clone
}

// Close releases the handle, closing it twice is a no-op
func (f *Frontend) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}

	f.shared.mu.Lock()
	f.shared.refs--
	if f.shared.refs == 0 {
		f.shared.closed = true
		close(f.shared.incoming)
	}
	f.shared.mu.Unlock()

	f.shared.guard.release()
}

// Done is closed once the coordinator stopped
func (f *Frontend) Done() <-chan struct{} {
	return f.shared.coordinator.Done()
}

func (f *Frontend) send(req request) error {
	if f.closed.Load() {
		return fmt.Errorf("%w: frontend is closed", ErrChannelSend)
	}

	f.shared.mu.RLock()
	defer f.shared.mu.RUnlock()
	if f.shared.closed {
		return fmt.Errorf("%w: frontend is closed", ErrChannelSend)
	}
	select {
	case f.shared.incoming <- req:
		return nil
	default:
		metrics.IncInboundQueueFull()
		return fmt.Errorf("%w: inbound queue is full", ErrChannelSend)
	}
}

func (f *Frontend) do(req request) (response, error) {
	reply := make(chan response, 1)
	req.reply = reply
	if err := f.send(req); err != nil {
		return response{}, err
	}
	resp, ok := <-reply
	if !ok {
		return response{}, ErrChannelReceive
	}
	return resp, resp.err
}

func (f *Frontend) get(key RequestKey) (response, error) {
	resp, err := f.do(request{key: key})
	if IsChannelError(err) {
		f.shared.log.Error("Cache request failed", zap.Stringer("key", key), zap.Error(err))
	} else if err != nil {
		f.shared.log.Debug("Cache request failed", zap.Stringer("key", key), zap.Error(err))
	}
	return resp, err
}

// Basic returns the account info, fetching it if it is not cached.
// The returned code is a copy, the cached entry can't be changed through it.
func (f *Frontend) Basic(address common.Address) (*AccountRecord, error) {
	resp, err := f.get(AccountKey(address))
	if err != nil {
		return nil, err
	}
	acc := resp.account
	acc.Code = common.CopyBytes(acc.Code)
	return &acc, nil
}

// Storage returns the value of the storage slot, fetching it if it is not cached
func (f *Frontend) Storage(address common.Address, slot uint256.Int) (uint256.Int, error) {
	resp, err := f.get(StorageKey(address, slot))
	if err != nil {
		return uint256.Int{}, err
	}
	return resp.value, nil
}

// BlockHash returns the hash of the block, EmptyCodeHash is returned for blocks that don't exist
func (f *Frontend) BlockHash(number uint64) (common.Hash, error) {
	resp, err := f.get(BlockHashKey(number))
	if err != nil {
		return common.Hash{}, err
	}
	return resp.hash, nil
}

// FullBlock returns the block with its transactions, it is never cached
func (f *Frontend) FullBlock(block BlockRef) (*types.Block, error) {
	resp, err := f.get(FullBlockKey(block))
	if err != nil {
		return nil, err
	}
	return resp.block, nil
}

// Transaction returns the transaction by hash, it is never cached
func (f *Frontend) Transaction(hash common.Hash) (*types.Transaction, error) {
	resp, err := f.get(TransactionKey(hash))
	if err != nil {
		return nil, err
	}
	return resp.tx, nil
}

// SetPinnedBlock changes the block for state fetches started after the call returns.
// Cached entries are not invalidated.
func (f *Frontend) SetPinnedBlock(block BlockRef) error {
	_, err := f.do(request{pin: &block})
	if err != nil {
		f.shared.log.Error("Failed to set pinned block", zap.String("block", block.String()), zap.Error(err))
	}
	return err
}

// CodeByHash always fails, code is returned together with the account by Basic
func (f *Frontend) CodeByHash(hash common.Hash) ([]byte, error) {
	return nil, &MissingCodeError{Hash: hash}
}

// Commit applies simulated writes to the shared cache
func (f *Frontend) Commit(changes ChangeSet) {
	f.shared.file.Cache().Commit(changes)
}

// FlushCache writes the cache to its store now
func (f *Frontend) FlushCache() {
	f.shared.file.Flush()
}

func (f *Frontend) CacheFile() *CacheFile {
	return f.shared.file
}

func (f *Frontend) Stats() CacheStats {
	return f.shared.file.Cache().Stats()
}
