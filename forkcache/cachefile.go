package forkcache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/fork-cache/metrics"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var ErrInvalidCacheDocument = errors.New("invalid cache document")

// DocumentStore keeps the serialized cache document
type DocumentStore interface {
	String() string
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileStore keeps the cache document in a json file
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) String() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	return os.ReadFile(s.path)
}

// Save creates missing parent directories and replaces the file atomically
func (s *FileStore) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// CacheFile binds a Cache and its metadata to the store it is flushed to.
// A CacheFile without a store is transient and Flush does nothing.
type CacheFile struct {
	log   *zap.Logger
	store DocumentStore
	cache *Cache

	metaMu sync.RWMutex
	meta   CacheMetadata
}

func NewCacheFile(log *zap.Logger, meta CacheMetadata, store DocumentStore) *CacheFile {
	return &CacheFile{
		log:   log,
		store: store,
		cache: NewCache(),
		meta:  meta,
	}
}

// ReadCacheFile loads a previously flushed cache from a json file
func ReadCacheFile(path string) (*CacheFile, error) {
	return ReadCacheStore(context.Background(), NewFileStore(path))
}

// ReadCacheStore loads a previously flushed cache from the store
func ReadCacheStore(ctx context.Context, store DocumentStore) (*CacheFile, error) {
	data, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Join(ErrInvalidCacheDocument, err)
	}
	file := &CacheFile{
		log:   zap.NewNop(),
		store: store,
		cache: NewCache(),
		meta:  doc.Meta,
	}
	doc.fill(file.cache)
	return file, nil
}

// OpenCacheFile returns the cache persisted at path if it is compatible with meta.
//
// A fresh empty cache is returned if
//   - path is empty, the cache is transient then
//   - the file does not exist, can't be read or contains malformed data
//   - the stored metadata is not compatible with meta
func OpenCacheFile(log *zap.Logger, meta CacheMetadata, path string) *CacheFile {
	if path == "" {
		return NewCacheFile(log, meta, nil)
	}
	return OpenCacheStore(log, meta, NewFileStore(path))
}

// OpenCacheStore is OpenCacheFile for an arbitrary store
func OpenCacheStore(log *zap.Logger, meta CacheMetadata, store DocumentStore) *CacheFile {
	return openCacheStore(log, meta, store, false)
}

// OpenCacheFileSkipCheck loads the cache without comparing metadata.
// It is meant for offline starts when the current block config is not known.
func OpenCacheFileSkipCheck(log *zap.Logger, meta CacheMetadata, path string) *CacheFile {
	if path == "" {
		return NewCacheFile(log, meta, nil)
	}
	return openCacheStore(log, meta, NewFileStore(path), true)
}

func openCacheStore(log *zap.Logger, meta CacheMetadata, store DocumentStore, skipCheck bool) *CacheFile {
	if store == nil {
		return NewCacheFile(log, meta, nil)
	}
	log = log.Named("cache").With(zap.Stringer("store", store))

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeoutSeconds*time.Second)
	defer cancel()
	file, err := ReadCacheStore(ctx, store)
	if err != nil {
		log.Warn("Failed to read cache, starting with an empty cache", zap.Error(err))
		return NewCacheFile(log, meta, store)
	}
	file.log = log
	if skipCheck {
		return file
	}

	file.metaMu.Lock()
	file.meta.Hosts = file.meta.Hosts.Merge(meta.Hosts)
	compatible := file.meta.Compatible(meta)
	file.metaMu.Unlock()
	if !compatible {
		log.Warn("Non-matching cache metadata, starting with an empty cache")
		return NewCacheFile(log, meta, store)
	}
	log.Info("Loaded cache", zap.Any("stats", file.cache.Stats()))
	return file
}

func (f *CacheFile) Cache() *Cache {
	return f.cache
}

func (f *CacheFile) Meta() CacheMetadata {
	f.metaMu.RLock()
	defer f.metaMu.RUnlock()
	meta := f.meta
	meta.Hosts = append(HostSet(nil), f.meta.Hosts...)
	return meta
}

// IsTransient is true if nothing is ever flushed
func (f *CacheFile) IsTransient() bool {
	return f.store == nil
}

// Flush writes the cache to its store. Failures are logged, the in-memory cache stays authoritative.
func (f *CacheFile) Flush() {
	if f.store == nil {
		return
	}
	log := f.log.With(zap.Stringer("store", f.store))
	log.Debug("Flushing cache")

	if err := f.flush(); err != nil {
		metrics.IncCacheFlushFailed()
		log.Error("Failed to flush cache", zap.Error(err))
		return
	}
	metrics.IncCacheFlushed()
	log.Debug("Flushed cache")
}

func (f *CacheFile) flush() error {
	doc := newCacheDocument(f.Meta(), f.cache)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeoutSeconds*time.Second)
	defer cancel()
	return f.store.Save(ctx, data)
}

// cacheDocument is the persisted form, a json object with the keys
// `meta`, `accounts`, `storage` and `block_hashes`
type cacheDocument struct {
	Meta        CacheMetadata                                  `json:"meta"`
	Accounts    map[common.Address]documentAccount             `json:"accounts"`
	Storage     map[common.Address]map[common.Hash]common.Hash `json:"storage"`
	BlockHashes map[uint64]common.Hash                         `json:"block_hashes"`
}

type documentAccount struct {
	Balance  *hexutil.Big   `json:"balance"`
	Nonce    hexutil.Uint64 `json:"nonce"`
	CodeHash common.Hash    `json:"code_hash"`
	Code     hexutil.Bytes  `json:"code,omitempty"`
}

func newCacheDocument(meta CacheMetadata, cache *Cache) cacheDocument {
	accounts, storage, blockHashes := cache.snapshot()

	doc := cacheDocument{
		Meta:        meta,
		Accounts:    make(map[common.Address]documentAccount, len(accounts)),
		Storage:     make(map[common.Address]map[common.Hash]common.Hash, len(storage)),
		BlockHashes: blockHashes,
	}
	for address, acc := range accounts {
		doc.Accounts[address] = documentAccount{
			Balance:  (*hexutil.Big)(acc.Balance.ToBig()),
			Nonce:    hexutil.Uint64(acc.Nonce),
			CodeHash: acc.CodeHash,
			Code:     acc.Code,
		}
	}
	for address, slots := range storage {
		encoded := make(map[common.Hash]common.Hash, len(slots))
		for slot, value := range slots {
			encoded[slot.Bytes32()] = value.Bytes32()
		}
		doc.Storage[address] = encoded
	}
	return doc
}

func (d *cacheDocument) fill(cache *Cache) {
	for address, acc := range d.Accounts {
		record := AccountRecord{
			Nonce:    uint64(acc.Nonce),
			CodeHash: acc.CodeHash,
		}
		if len(acc.Code) > 0 {
			record.Code = acc.Code
		}
		if acc.Balance != nil {
			record.Balance.SetFromBig(acc.Balance.ToInt())
		}
		cache.InsertAccount(address, record)
	}
	for address, slots := range d.Storage {
		for slot, value := range slots {
			cache.InsertStorage(address, *new(uint256.Int).SetBytes32(slot[:]), *new(uint256.Int).SetBytes32(value[:]))
		}
	}
	for number, hash := range d.BlockHashes {
		cache.InsertBlockHash(number, hash)
	}
}
