package forkcache

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestExecutionConfig_UnmarshalJSONDefaults(t *testing.T) {
	testCases := map[string]struct {
		input    string
		expected ExecutionConfig
	}{
		"all flags missing": {
			input:    `{"chain_id":1,"spec_id":"SHANGHAI"}`,
			expected: ExecutionConfig{ChainID: 1, SpecID: "SHANGHAI", DisableEIP3607: true},
		},
		"flags present": {
			input:    `{"chain_id":10,"disable_eip3607":false,"disable_block_gas_limit":true,"disable_base_fee":true}`,
			expected: ExecutionConfig{ChainID: 10, DisableBlockGasLimit: true, DisableBaseFee: true},
		},
		"unknown fields are ignored": {
			input:    `{"chain_id":1,"memory_limit":1024}`,
			expected: ExecutionConfig{ChainID: 1, DisableEIP3607: true},
		},
		"empty object": {
			input:    `{}`,
			expected: ExecutionConfig{DisableEIP3607: true},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			var cfg ExecutionConfig
			require.NoError(t, json.Unmarshal([]byte(testCase.input), &cfg))
			require.Equal(t, testCase.expected, cfg)
		})
	}
}

func TestLoadExecutionConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain_id: 1\nspec_id: CANCUN\ndisable_base_fee: true\n"), 0o600))

	cfg, err := LoadExecutionConfig(path)
	require.NoError(t, err)
	require.Equal(t, ExecutionConfig{ChainID: 1, SpecID: "CANCUN", DisableEIP3607: true, DisableBaseFee: true}, cfg)

	_, err = LoadExecutionConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestHostSet(t *testing.T) {
	require.Equal(t, HostSet{"a.com", "b.com"}, NewHostSet("b.com", "a.com", "b.com"))
	require.Equal(t, HostSet{"a.com", "b.com"}, NewHostSet("a.com").Merge([]string{"b.com"}))

	var hosts HostSet
	require.NoError(t, json.Unmarshal([]byte(`"a.com"`), &hosts))
	require.Equal(t, HostSet{"a.com"}, hosts)

	require.NoError(t, json.Unmarshal([]byte(`["b.com","a.com"]`), &hosts))
	require.Equal(t, HostSet{"a.com", "b.com"}, hosts)

	require.Error(t, json.Unmarshal([]byte(`1`), &hosts))

	require.NoError(t, json.Unmarshal([]byte(`null`), &hosts))
	require.Empty(t, hosts)

	require.Equal(t, HostSet{"a.com"}, NewHostSet("", "a.com").Merge([]string{""}))
}

func TestHostFromURL(t *testing.T) {
	require.Equal(t, "eth.example.com", HostFromURL("https://eth.example.com:8545/v1/key"))
	require.Equal(t, "localhost", HostFromURL("ws://localhost:8546"))
	require.Equal(t, "not a url", HostFromURL("not a url"))
}

func TestCacheMetadata_UnmarshalLegacyHost(t *testing.T) {
	input := `{
		"cfg_env": {"chain_id": 1},
		"block_env": {"number": "0x64", "coinbase": "0x0000000000000000000000000000000000000000", "timestamp": "0x1", "gas_limit": "0x1c9c380", "basefee": "0x7", "difficulty": "0x0"},
		"host": "a.com"
	}`

	var meta CacheMetadata
	require.NoError(t, json.Unmarshal([]byte(input), &meta))
	require.Equal(t, HostSet{"a.com"}, meta.Hosts)
	require.True(t, meta.ExecutionConfig.DisableEIP3607)
	require.Equal(t, hexutil.Uint64(100), meta.BlockConfig.Number)
	require.Equal(t, int64(7), meta.BlockConfig.BaseFee.ToInt().Int64())
}

func TestCacheMetadata_UnmarshalMissingSections(t *testing.T) {
	input := `{
		"block_env": {"number": "0x64", "coinbase": "0x0000000000000000000000000000000000000000", "timestamp": "0x1", "gas_limit": "0x1", "basefee": null, "difficulty": null},
		"hosts": null
	}`

	var meta CacheMetadata
	require.NoError(t, json.Unmarshal([]byte(input), &meta))
	require.Equal(t, ExecutionConfig{DisableEIP3607: true}, meta.ExecutionConfig)
	require.Empty(t, meta.Hosts)
}

func TestCacheMetadata_Compatible(t *testing.T) {
	base := testMeta()

	other := testMeta()
	other.Hosts = NewHostSet("b.com")
	require.True(t, base.Compatible(other))

	other = testMeta()
	other.ExecutionConfig.ChainID = 2
	require.False(t, base.Compatible(other))

	other = testMeta()
	other.BlockConfig.Number = 101
	require.False(t, base.Compatible(other))

	other = testMeta()
	other.BlockConfig.BaseFee = (*hexutil.Big)(big.NewInt(1))
	require.False(t, base.Compatible(other))
}

func TestBlockConfigFromHeader(t *testing.T) {
	header := &types.Header{
		Number:     big.NewInt(100),
		Coinbase:   common.HexToAddress("0x01"),
		Time:       1700000000,
		GasLimit:   30_000_000,
		BaseFee:    big.NewInt(7),
		Difficulty: big.NewInt(0),
		MixDigest:  common.HexToHash("0xabcd"),
	}

	cfg := BlockConfigFromHeader(header)
	require.Equal(t, hexutil.Uint64(100), cfg.Number)
	require.Equal(t, hexutil.Uint64(1700000000), cfg.Timestamp)
	require.Equal(t, common.HexToHash("0xabcd"), *cfg.PrevRandao)
	require.True(t, cfg.Equal(BlockConfigFromHeader(header)))

	// round trip through json keeps equality
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	var decoded BlockConfig
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, cfg.Equal(decoded))

	header.Difficulty = big.NewInt(1)
	require.Nil(t, BlockConfigFromHeader(header).PrevRandao)
}
