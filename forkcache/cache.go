package forkcache

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type StorageInfo map[uint256.Int]uint256.Int

// Cache is the in-memory store of everything fetched from the remote chain.
// Accounts, storage and block hashes are guarded independently so readers of one never wait on
// writers of another. The coordinator is the only writer besides Commit.
type Cache struct {
	accountsMu sync.RWMutex
	accounts   map[common.Address]AccountRecord

	storageMu sync.RWMutex
	storage   map[common.Address]StorageInfo

	blockHashesMu sync.RWMutex
	blockHashes   map[uint64]common.Hash
}

func NewCache() *Cache {
	return &Cache{
		accounts:    make(map[common.Address]AccountRecord),
		storage:     make(map[common.Address]StorageInfo),
		blockHashes: make(map[uint64]common.Hash),
	}
}

func (c *Cache) Account(address common.Address) (AccountRecord, bool) {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()
	acc, ok := c.accounts[address]
	return acc, ok
}

func (c *Cache) StorageAt(address common.Address, slot uint256.Int) (uint256.Int, bool) {
	c.storageMu.RLock()
	defer c.storageMu.RUnlock()
	slots, ok := c.storage[address]
	if !ok {
		return uint256.Int{}, false
	}
	value, ok := slots[slot]
	return value, ok
}

func (c *Cache) BlockHash(number uint64) (common.Hash, bool) {
	c.blockHashesMu.RLock()
	defer c.blockHashesMu.RUnlock()
	hash, ok := c.blockHashes[number]
	return hash, ok
}

// InsertAccount inserts the account, replacing it if it exists already
func (c *Cache) InsertAccount(address common.Address, acc AccountRecord) {
	c.accountsMu.Lock()
	defer c.accountsMu.Unlock()
	c.accounts[address] = acc
}

func (c *Cache) InsertStorage(address common.Address, slot, value uint256.Int) {
	c.storageMu.Lock()
	defer c.storageMu.Unlock()
	slots, ok := c.storage[address]
	if !ok {
		slots = make(StorageInfo)
		c.storage[address] = slots
	}
	slots[slot] = value
}

func (c *Cache) InsertBlockHash(number uint64, hash common.Hash) {
	c.blockHashesMu.Lock()
	defer c.blockHashesMu.Unlock()
	c.blockHashes[number] = hash
}

// insertAccountIfAbsent keeps an entry written by Commit while the fetch was in flight
// and returns the entry that ends up in the cache
func (c *Cache) insertAccountIfAbsent(address common.Address, acc AccountRecord) AccountRecord {
	c.accountsMu.Lock()
	defer c.accountsMu.Unlock()
	if existing, ok := c.accounts[address]; ok {
		return existing
	}
	c.accounts[address] = acc
	return acc
}

func (c *Cache) insertStorageIfAbsent(address common.Address, slot, value uint256.Int) uint256.Int {
	c.storageMu.Lock()
	defer c.storageMu.Unlock()
	slots, ok := c.storage[address]
	if !ok {
		slots = make(StorageInfo)
		c.storage[address] = slots
	}
	if existing, ok := slots[slot]; ok {
		return existing
	}
	slots[slot] = value
	return value
}

// Clear removes all data stored in the cache
func (c *Cache) Clear() {
	c.accountsMu.Lock()
	c.accounts = make(map[common.Address]AccountRecord)
	c.accountsMu.Unlock()

	c.storageMu.Lock()
	c.storage = make(map[common.Address]StorageInfo)
	c.storageMu.Unlock()

	c.blockHashesMu.Lock()
	c.blockHashes = make(map[uint64]common.Hash)
	c.blockHashesMu.Unlock()
}

// Commit applies simulated writes.
// Empty or destroyed accounts are removed together with their storage, zero slots are removed
// and accounts left without slots lose their storage entry.
func (c *Cache) Commit(changes ChangeSet) {
	c.storageMu.Lock()
	defer c.storageMu.Unlock()
	c.accountsMu.Lock()
	defer c.accountsMu.Unlock()

	for address, change := range changes {
		if change.Destroyed || change.Info.IsEmpty() {
			delete(c.accounts, address)
			delete(c.storage, address)
			continue
		}

		info := change.Info
		if len(info.Code) > 0 {
			info.CodeHash = CodeHash(info.Code)
		} else if info.CodeHash == (common.Hash{}) {
			info.CodeHash = EmptyCodeHash
		}
		c.accounts[address] = info

		slots, ok := c.storage[address]
		if !ok || change.StorageCleared {
			slots = make(StorageInfo)
		}
		for slot, value := range change.Storage {
			if value.IsZero() {
				delete(slots, slot)
			} else {
				slots[slot] = value
			}
		}
		if len(slots) == 0 {
			delete(c.storage, address)
		} else {
			c.storage[address] = slots
		}
	}
}

type CacheStats struct {
	Accounts     int `json:"accounts"`
	StorageSlots int `json:"storageSlots"`
	BlockHashes  int `json:"blockHashes"`
}

func (c *Cache) Stats() CacheStats {
	var stats CacheStats

	c.accountsMu.RLock()
	stats.Accounts = len(c.accounts)
	c.accountsMu.RUnlock()

	c.storageMu.RLock()
	for _, slots := range c.storage {
		stats.StorageSlots += len(slots)
	}
	c.storageMu.RUnlock()

	c.blockHashesMu.RLock()
	stats.BlockHashes = len(c.blockHashes)
	c.blockHashesMu.RUnlock()

	return stats
}

// snapshot copies the cache contents, taking each sub-store lock in turn
func (c *Cache) snapshot() (map[common.Address]AccountRecord, map[common.Address]StorageInfo, map[uint64]common.Hash) {
	c.accountsMu.RLock()
	accounts := make(map[common.Address]AccountRecord, len(c.accounts))
	for address, acc := range c.accounts {
		accounts[address] = acc
	}
	c.accountsMu.RUnlock()

	c.storageMu.RLock()
	storage := make(map[common.Address]StorageInfo, len(c.storage))
	for address, slots := range c.storage {
		copied := make(StorageInfo, len(slots))
		for slot, value := range slots {
			copied[slot] = value
		}
		storage[address] = copied
	}
	c.storageMu.RUnlock()

	c.blockHashesMu.RLock()
	blockHashes := make(map[uint64]common.Hash, len(c.blockHashes))
	for number, hash := range c.blockHashes {
		blockHashes[number] = hash
	}
	c.blockHashesMu.RUnlock()

	return accounts, storage, blockHashes
}
