package forkcache

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

// BlockRef identifies the block that state is read from, by number, tag or hash
type BlockRef = rpc.BlockNumberOrHash

func LatestBlock() BlockRef {
	return rpc.BlockNumberOrHashWithNumber(rpc.LatestBlockNumber)
}

func BlockAt(number uint64) BlockRef {
	return rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(number))
}

func BlockAtHash(hash common.Hash) BlockRef {
	return rpc.BlockNumberOrHashWithHash(hash, false)
}

// AccountRecord is the basic account information of a forked account.
// CodeHash is EmptyCodeHash whenever Code is empty.
type AccountRecord struct {
	Balance  uint256.Int
	Nonce    uint64
	Code     []byte
	CodeHash common.Hash
}

// NewAccountRecord builds a record from the fetched parts, deriving the code hash
func NewAccountRecord(balance *uint256.Int, nonce uint64, code []byte) AccountRecord {
	acc := AccountRecord{
		Nonce:    nonce,
		CodeHash: CodeHash(code),
	}
	if balance != nil {
		acc.Balance = *balance
	}
	if len(code) > 0 {
		acc.Code = code
	}
	return acc
}

// IsEmpty follows EIP-161: no balance, no nonce and no code
func (a *AccountRecord) IsEmpty() bool {
	codeEmpty := a.CodeHash == EmptyCodeHash || a.CodeHash == (common.Hash{})
	return codeEmpty && a.Nonce == 0 && a.Balance.IsZero()
}

type RequestKind uint8

const (
	KindAccount RequestKind = iota
	KindStorage
	KindBlockHash
	KindFullBlock
	KindTransaction
)

func (k RequestKind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindStorage:
		return "storage"
	case KindBlockHash:
		return "block_hash"
	case KindFullBlock:
		return "full_block"
	case KindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// RequestKey identifies a piece of remote data. It is the cache lookup key and the deduplication key
// for in-flight fetches. Only the fields relevant to Kind are set.
type RequestKey struct {
	Kind    RequestKind
	Address common.Address
	Slot    uint256.Int
	Number  uint64
	Block   BlockRef
	Hash    common.Hash
}

func AccountKey(address common.Address) RequestKey {
	return RequestKey{Kind: KindAccount, Address: address}
}

func StorageKey(address common.Address, slot uint256.Int) RequestKey {
	return RequestKey{Kind: KindStorage, Address: address, Slot: slot}
}

func BlockHashKey(number uint64) RequestKey {
	return RequestKey{Kind: KindBlockHash, Number: number}
}

func FullBlockKey(block BlockRef) RequestKey {
	return RequestKey{Kind: KindFullBlock, Block: block}
}

func TransactionKey(hash common.Hash) RequestKey {
	return RequestKey{Kind: KindTransaction, Hash: hash}
}

// deduplicated reports whether concurrent requests for the key share one fetch
func (k RequestKey) deduplicated() bool {
	return k.Kind == KindAccount || k.Kind == KindStorage || k.Kind == KindBlockHash
}

func (k RequestKey) String() string {
	switch k.Kind {
	case KindAccount:
		return fmt.Sprintf("account(%s)", k.Address.Hex())
	case KindStorage:
		return fmt.Sprintf("storage(%s, %s)", k.Address.Hex(), k.Slot.Hex())
	case KindBlockHash:
		return fmt.Sprintf("block_hash(%d)", k.Number)
	case KindFullBlock:
		return fmt.Sprintf("full_block(%s)", k.Block.String())
	case KindTransaction:
		return fmt.Sprintf("transaction(%s)", k.Hash.Hex())
	default:
		return "unknown"
	}
}

// AccountChange is the post-simulation state of one touched account
type AccountChange struct {
	Info      AccountRecord
	Destroyed bool
	// StorageCleared drops every known slot of the account before Storage is applied
	StorageCleared bool
	// Storage holds the present value of every touched slot
	Storage map[uint256.Int]uint256.Int
}

// ChangeSet holds the simulated writes to apply to the cache
type ChangeSet map[common.Address]AccountChange

// StateReader is the read-only storage interface consumed by a local execution engine
type StateReader interface {
	Basic(address common.Address) (*AccountRecord, error)
	CodeByHash(hash common.Hash) ([]byte, error)
	Storage(address common.Address, slot uint256.Int) (uint256.Int, error)
	BlockHash(number uint64) (common.Hash, error)
}

// StateCommitter applies simulated writes
type StateCommitter interface {
	Commit(changes ChangeSet)
}

// ChainReader is implemented by the Frontend on top of StateReader for whole blocks and transactions
type ChainReader interface {
	StateReader
	FullBlock(block BlockRef) (*types.Block, error)
	Transaction(hash common.Hash) (*types.Transaction, error)
}
