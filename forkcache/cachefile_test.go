package forkcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeTestCache(t *testing.T, path string, meta CacheMetadata) *CacheFile {
	t.Helper()
	file := NewCacheFile(zap.NewNop(), meta, NewFileStore(path))
	file.Cache().InsertAccount(testAddress, NewAccountRecord(uint256.NewInt(100), 3, nil))
	file.Cache().InsertAccount(otherAddress, NewAccountRecord(uint256.NewInt(1), 0, []byte{0x60, 0x00}))
	file.Cache().InsertStorage(testAddress, slot(1), slot(42))
	file.Cache().InsertBlockHash(99, common.HexToHash("0x99"))
	file.Flush()
	require.FileExists(t, path)
	return file
}

func TestCacheFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	written := writeTestCache(t, path, testMeta())

	read, err := ReadCacheFile(path)
	require.NoError(t, err)
	require.Equal(t, testMeta(), read.Meta())

	accounts, storage, blockHashes := written.Cache().snapshot()
	readAccounts, readStorage, readBlockHashes := read.Cache().snapshot()
	require.Equal(t, accounts, readAccounts)
	require.Equal(t, storage, readStorage)
	require.Equal(t, blockHashes, readBlockHashes)
}

func TestCacheFile_DocumentLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	writeTestCache(t, path, testMeta())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc, "meta")
	require.Contains(t, doc, "accounts")
	require.Contains(t, doc, "storage")
	require.Contains(t, doc, "block_hashes")

	var meta map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["meta"], &meta))
	require.Contains(t, meta, "cfg_env")
	require.Contains(t, meta, "block_env")
	require.Contains(t, meta, "hosts")
}

func TestOpenCacheFile_MergesHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	meta := testMeta()
	meta.Hosts = NewHostSet("a.com")
	writeTestCache(t, path, meta)

	current := testMeta()
	current.Hosts = NewHostSet("b.com")
	file := OpenCacheFile(zap.NewNop(), current, path)

	require.Equal(t, HostSet{"a.com", "b.com"}, file.Meta().Hosts)
	_, ok := file.Cache().Account(testAddress)
	require.True(t, ok)

	// merged hosts are persisted on the next flush
	file.Flush()
	read, err := ReadCacheFile(path)
	require.NoError(t, err)
	require.Equal(t, HostSet{"a.com", "b.com"}, read.Meta().Hosts)
}

func TestCacheFile_RoundTripWithoutHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	meta := testMeta()
	meta.Hosts = nil
	writeTestCache(t, path, meta)

	read, err := ReadCacheFile(path)
	require.NoError(t, err)
	require.Empty(t, read.Meta().Hosts)

	file := OpenCacheFile(zap.NewNop(), testMeta(), path)
	require.Equal(t, HostSet{"localhost"}, file.Meta().Hosts)
}

func TestOpenCacheFile_StartsEmpty(t *testing.T) {
	testCases := map[string]struct {
		prepare func(t *testing.T, path string)
		meta    func() CacheMetadata
		warning string
	}{
		"missing file": {
			prepare: func(t *testing.T, path string) {},
			meta:    testMeta,
			warning: "Failed to read cache, starting with an empty cache",
		},
		"malformed file": {
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte(`{"meta": [`), 0o600))
			},
			meta:    testMeta,
			warning: "Failed to read cache, starting with an empty cache",
		},
		"execution config mismatch": {
			prepare: func(t *testing.T, path string) {
				writeTestCache(t, path, testMeta())
			},
			meta: func() CacheMetadata {
				meta := testMeta()
				meta.ExecutionConfig.ChainID = 5
				return meta
			},
			warning: "Non-matching cache metadata, starting with an empty cache",
		},
		"block config mismatch": {
			prepare: func(t *testing.T, path string) {
				writeTestCache(t, path, testMeta())
			},
			meta: func() CacheMetadata {
				meta := testMeta()
				meta.BlockConfig.Number++
				return meta
			},
			warning: "Non-matching cache metadata, starting with an empty cache",
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.json")
			testCase.prepare(t, path)

			core, logs := observer.New(zap.WarnLevel)
			file := OpenCacheFile(zap.New(core), testCase.meta(), path)
			require.Equal(t, CacheStats{}, file.Cache().Stats())
			require.Equal(t, testCase.meta(), file.Meta())
			require.False(t, file.IsTransient())

			warnings := logs.FilterLevelExact(zap.WarnLevel).All()
			require.Len(t, warnings, 1)
			require.Equal(t, testCase.warning, warnings[0].Message)
		})
	}
}

func TestOpenCacheFileSkipCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	writeTestCache(t, path, testMeta())

	other := testMeta()
	other.BlockConfig.Number = 1
	file := OpenCacheFileSkipCheck(zap.NewNop(), other, path)
	require.Equal(t, 2, file.Cache().Stats().Accounts)
	require.Equal(t, testMeta(), file.Meta())
}

func TestCacheFile_Transient(t *testing.T) {
	file := OpenCacheFile(zap.NewNop(), testMeta(), "")
	require.True(t, file.IsTransient())
	file.Cache().InsertBlockHash(1, common.HexToHash("0x01"))
	file.Flush()
}

func TestReadCacheFile_Errors(t *testing.T) {
	_, err := ReadCacheFile(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	_, err = ReadCacheFile(path)
	require.ErrorIs(t, err, ErrInvalidCacheDocument)
}
