package forkcache

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const InspectorNamespace = "fork"

// InspectorAPI exposes the cache over JSON-RPC, every read goes through the coordinator like any
// other frontend call so it is cached and deduplicated the same way
type InspectorAPI struct {
	frontend *Frontend
}

func NewInspectorAPI(frontend *Frontend) *InspectorAPI {
	return &InspectorAPI{frontend: frontend}
}

type InspectorAccount struct {
	Balance  *hexutil.Big   `json:"balance"`
	Nonce    hexutil.Uint64 `json:"nonce"`
	CodeHash common.Hash    `json:"codeHash"`
	Code     hexutil.Bytes  `json:"code"`
}

type InspectorBlock struct {
	Header       *types.Header        `json:"header"`
	Transactions []*types.Transaction `json:"transactions"`
}

// await stops waiting for fn once ctx is done, fn itself still runs to completion
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn()
		done <- result{value, err}
	}()
	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (api *InspectorAPI) GetAccount(ctx context.Context, address common.Address) (*InspectorAccount, error) {
	acc, err := await(ctx, func() (*AccountRecord, error) {
		return api.frontend.Basic(address)
	})
	if err != nil {
		return nil, err
	}
	return &InspectorAccount{
		Balance:  (*hexutil.Big)(acc.Balance.ToBig()),
		Nonce:    hexutil.Uint64(acc.Nonce),
		CodeHash: acc.CodeHash,
		Code:     acc.Code,
	}, nil
}

func (api *InspectorAPI) GetStorageAt(ctx context.Context, address common.Address, slot common.Hash) (common.Hash, error) {
	value, err := await(ctx, func() (uint256.Int, error) {
		return api.frontend.Storage(address, *new(uint256.Int).SetBytes32(slot[:]))
	})
	if err != nil {
		return common.Hash{}, err
	}
	return value.Bytes32(), nil
}

func (api *InspectorAPI) GetBlockHash(ctx context.Context, number hexutil.Uint64) (common.Hash, error) {
	return await(ctx, func() (common.Hash, error) {
		return api.frontend.BlockHash(uint64(number))
	})
}

func (api *InspectorAPI) GetBlock(ctx context.Context, block BlockRef) (*InspectorBlock, error) {
	res, err := await(ctx, func() (*types.Block, error) {
		return api.frontend.FullBlock(block)
	})
	if err != nil {
		return nil, err
	}
	return &InspectorBlock{
		Header:       res.Header(),
		Transactions: res.Transactions(),
	}, nil
}

func (api *InspectorAPI) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	return await(ctx, func() (*types.Transaction, error) {
		return api.frontend.Transaction(hash)
	})
}

// SetPinnedBlock accepts a block number, a tag or a block hash object
func (api *InspectorAPI) SetPinnedBlock(ctx context.Context, block BlockRef) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, api.frontend.SetPinnedBlock(block)
	})
	return err
}

func (api *InspectorAPI) FlushCache(ctx context.Context) error {
	if api.frontend.CacheFile().IsTransient() {
		return MessageError("cache is transient")
	}
	api.frontend.FlushCache()
	return nil
}

func (api *InspectorAPI) CacheStats(ctx context.Context) (CacheStats, error) {
	return api.frontend.Stats(), nil
}
