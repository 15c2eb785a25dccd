package forkcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

var ErrBalanceOverflow = errors.New("balance does not fit into 256 bits")

// ChainProvider is the remote source of chain data.
// Missing blocks and transactions are reported with ethereum.NotFound.
type ChainProvider interface {
	BalanceAt(ctx context.Context, address common.Address, block BlockRef) (*uint256.Int, error)
	NonceAt(ctx context.Context, address common.Address, block BlockRef) (uint64, error)
	CodeAt(ctx context.Context, address common.Address, block BlockRef) ([]byte, error)
	StorageAt(ctx context.Context, address common.Address, slot common.Hash, block BlockRef) (common.Hash, error)
	BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error)
	BlockWithTransactions(ctx context.Context, block BlockRef) (*types.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error)
}

// RPCProvider reads chain data over ethereum json-rpc
type RPCProvider struct {
	client *rpc.Client
	eth    *ethclient.Client
}

func NewRPCProvider(client *rpc.Client) *RPCProvider {
	return &RPCProvider{
		client: client,
		eth:    ethclient.NewClient(client),
	}
}

func DialRPCProvider(ctx context.Context, url string) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRPCProvider(client), nil
}

// Eth exposes the underlying ethclient for calls outside of ChainProvider
func (p *RPCProvider) Eth() *ethclient.Client {
	return p.eth
}

func (p *RPCProvider) Close() {
	p.client.Close()
}

func (p *RPCProvider) BalanceAt(ctx context.Context, address common.Address, block BlockRef) (*uint256.Int, error) {
	var result hexutil.Big
	if err := p.client.CallContext(ctx, &result, "eth_getBalance", address, blockArg(block)); err != nil {
		return nil, err
	}
	balance, overflow := uint256.FromBig((*big.Int)(&result))
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return balance, nil
}

func (p *RPCProvider) NonceAt(ctx context.Context, address common.Address, block BlockRef) (uint64, error) {
	var result hexutil.Uint64
	err := p.client.CallContext(ctx, &result, "eth_getTransactionCount", address, blockArg(block))
	return uint64(result), err
}

func (p *RPCProvider) CodeAt(ctx context.Context, address common.Address, block BlockRef) ([]byte, error) {
	var result hexutil.Bytes
	err := p.client.CallContext(ctx, &result, "eth_getCode", address, blockArg(block))
	return result, err
}

func (p *RPCProvider) StorageAt(ctx context.Context, address common.Address, slot common.Hash, block BlockRef) (common.Hash, error) {
	var result hexutil.Bytes
	if err := p.client.CallContext(ctx, &result, "eth_getStorageAt", address, slot, blockArg(block)); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(result), nil
}

// blockArg passes numbers and tags in their plain form, hashes as an EIP-1898 object
func blockArg(block BlockRef) any {
	if number, ok := block.Number(); ok {
		return number
	}
	return block
}

// BlockHashByNumber reads the hash reported by the node instead of hashing the decoded header,
// so chains with non-standard headers keep the right hash
func (p *RPCProvider) BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error) {
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return common.Hash{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return common.Hash{}, ethereum.NotFound
	}
	var block struct {
		Hash *common.Hash `json:"hash"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return common.Hash{}, err
	}
	if block.Hash == nil {
		return common.Hash{}, fmt.Errorf("block %d has no hash", number)
	}
	return *block.Hash, nil
}

func (p *RPCProvider) BlockWithTransactions(ctx context.Context, block BlockRef) (*types.Block, error) {
	if hash, ok := block.Hash(); ok {
		return p.eth.BlockByHash(ctx, hash)
	}
	number, ok := block.Number()
	if !ok {
		return nil, MessageError("invalid block reference")
	}
	return p.eth.BlockByNumber(ctx, big.NewInt(number.Int64()))
}

func (p *RPCProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	tx, _, err := p.eth.TransactionByHash(ctx, hash)
	return tx, err
}

// RateLimitedProvider limits the rate of upstream calls, an account fetch counts as three calls
type RateLimitedProvider struct {
	provider ChainProvider
	limiter  *rate.Limiter
}

func NewRateLimitedProvider(provider ChainProvider, limit rate.Limit, burst int) *RateLimitedProvider {
	return &RateLimitedProvider{
		provider: provider,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

func (p *RateLimitedProvider) BalanceAt(ctx context.Context, address common.Address, block BlockRef) (*uint256.Int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.BalanceAt(ctx, address, block)
}

func (p *RateLimitedProvider) NonceAt(ctx context.Context, address common.Address, block BlockRef) (uint64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return p.provider.NonceAt(ctx, address, block)
}

func (p *RateLimitedProvider) CodeAt(ctx context.Context, address common.Address, block BlockRef) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.CodeAt(ctx, address, block)
}

func (p *RateLimitedProvider) StorageAt(ctx context.Context, address common.Address, slot common.Hash, block BlockRef) (common.Hash, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}
	return p.provider.StorageAt(ctx, address, slot, block)
}

func (p *RateLimitedProvider) BlockHashByNumber(ctx context.Context, number uint64) (common.Hash, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}
	return p.provider.BlockHashByNumber(ctx, number)
}

func (p *RateLimitedProvider) BlockWithTransactions(ctx context.Context, block BlockRef) (*types.Block, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.BlockWithTransactions(ctx, block)
}

func (p *RateLimitedProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.TransactionByHash(ctx, hash)
}
