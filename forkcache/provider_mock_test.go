package forkcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// mockProvider serves chain data from maps and counts upstream calls.
// If gate is set every call blocks until it is closed.
type mockProvider struct {
	mu          sync.Mutex
	balances    map[common.Address]*uint256.Int
	nonces      map[common.Address]uint64
	codes       map[common.Address][]byte
	storage     map[common.Address]map[common.Hash]common.Hash
	blockHashes map[uint64]common.Hash
	blocks      map[uint64]*types.Block
	txs         map[common.Hash]*types.Transaction
	err         error
	gate        chan struct{}
	stateBlocks []BlockRef

	balanceCalls   atomic.Int64
	nonceCalls     atomic.Int64
	codeCalls      atomic.Int64
	storageCalls   atomic.Int64
	blockHashCalls atomic.Int64
	blockCalls     atomic.Int64
	txCalls        atomic.Int64
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		balances:    make(map[common.Address]*uint256.Int),
		nonces:      make(map[common.Address]uint64),
		codes:       make(map[common.Address][]byte),
		storage:     make(map[common.Address]map[common.Hash]common.Hash),
		blockHashes: make(map[uint64]common.Hash),
		blocks:      make(map[uint64]*types.Block),
		txs:         make(map[common.Hash]*types.Transaction),
	}
}

func (m *mockProvider) setAccount(address common.Address, balance uint64, nonce uint64, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = uint256.NewInt(balance)
	m.nonces[address] = nonce
	m.codes[address] = code
}

func (m *mockProvider) setStorage(address common.Address, slot, value common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage[address] == nil {
		m.storage[address] = make(map[common.Hash]common.Hash)
	}
	m.storage[address][slot] = value
}

func (m *mockProvider) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// hold makes calls block until the returned function is called
func (m *mockProvider) hold() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (m *mockProvider) lastStateBlock() BlockRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stateBlocks) == 0 {
		return BlockRef{}
	}
	return m.stateBlocks[len(m.stateBlocks)-1]
}

func (m *mockProvider) wait(ctx context.Context, block *BlockRef) error {
	m.mu.Lock()
	gate, err := m.gate, m.err
	if block != nil {
		m.stateBlocks = append(m.stateBlocks, *block)
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockProvider) BalanceAt(ctx context.Context, address common.Address, block BlockRef) (*uint256.Int, error) {
	m.balanceCalls.Add(1)
	if err := m.wait(ctx, &block); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if balance, ok := m.balances[address]; ok {
		return balance.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (m *mockProvider) NonceAt(ctx context.Context, address common.Address, block BlockRef) (uint64, error) {
	m.nonceCalls.Add(1)
	if err := m.wait(ctx, &block); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[address], nil
}

func (m *mockProvider) CodeAt(ctx context.Context, address common.Address, block BlockRef) ([]byte, error) {
	m.codeCalls.Add(1)
	if err := m.wait(ctx, &block); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[address], nil
}

func (m *mockProvider) StorageAt(ctx context.Context, address common.Address, slot common.Hash, block BlockRef) (common.Hash, error) {
	m.storageCalls.Add(1)
	if err := m.wait(ctx, &block); err != nil {
		return common.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage[address][slot], nil
}

func (m *mockProvider) BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error) {
	m.blockHashCalls.Add(1)
	if err := m.wait(ctx, nil); err != nil {
		return common.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.blockHashes[number]
	if !ok {
		return common.Hash{}, ethereum.NotFound
	}
	return hash, nil
}

func (m *mockProvider) BlockWithTransactions(ctx context.Context, block BlockRef) (*types.Block, error) {
	m.blockCalls.Add(1)
	if err := m.wait(ctx, nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	number, ok := block.Number()
	if !ok {
		return nil, ethereum.NotFound
	}
	b, ok := m.blocks[uint64(number.Int64())]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

func (m *mockProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	m.txCalls.Add(1)
	if err := m.wait(ctx, nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return tx, nil
}
