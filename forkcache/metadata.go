package forkcache

import (
	"encoding/json"
	"math/big"
	"net/url"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"gopkg.in/yaml.v3"
)

// ExecutionConfig identifies the execution environment the cached state was read for
type ExecutionConfig struct {
	ChainID              uint64 `json:"chain_id" yaml:"chain_id"`
	SpecID               string `json:"spec_id" yaml:"spec_id"`
	DisableEIP3607       bool   `json:"disable_eip3607" yaml:"disable_eip3607"`
	DisableBlockGasLimit bool   `json:"disable_block_gas_limit" yaml:"disable_block_gas_limit"`
	DisableBaseFee       bool   `json:"disable_base_fee" yaml:"disable_base_fee"`
}

// executionConfigDefaults are used for flags that are missing in cache files written before the flag existed
var executionConfigDefaults = map[string]json.RawMessage{
	"disable_eip3607":         json.RawMessage("true"),
	"disable_block_gas_limit": json.RawMessage("false"),
	"disable_base_fee":        json.RawMessage("false"),
}

func (c *ExecutionConfig) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, len(executionConfigDefaults))
	}
	for key, value := range executionConfigDefaults {
		if _, ok := fields[key]; !ok {
			fields[key] = value
		}
	}
	completed, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	type plain ExecutionConfig
	var cfg plain
	if err := json.Unmarshal(completed, &cfg); err != nil {
		return err
	}
	*c = ExecutionConfig(cfg)
	return nil
}

// LoadExecutionConfig parses an execution config from a yaml file
func LoadExecutionConfig(file string) (ExecutionConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return ExecutionConfig{}, err
	}

	cfg := ExecutionConfig{DisableEIP3607: true}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return ExecutionConfig{}, err
	}
	return cfg, nil
}

// BlockConfig identifies the block the cached state was read at
type BlockConfig struct {
	Number     hexutil.Uint64 `json:"number"`
	Coinbase   common.Address `json:"coinbase"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
	GasLimit   hexutil.Uint64 `json:"gas_limit"`
	BaseFee    *hexutil.Big   `json:"basefee"`
	Difficulty *hexutil.Big   `json:"difficulty"`
	PrevRandao *common.Hash   `json:"prevrandao,omitempty"`
}

// BlockConfigFromHeader derives the block config of a header
func BlockConfigFromHeader(header *types.Header) BlockConfig {
	cfg := BlockConfig{
		Number:    hexutil.Uint64(header.Number.Uint64()),
		Coinbase:  header.Coinbase,
		Timestamp: hexutil.Uint64(header.Time),
		GasLimit:  hexutil.Uint64(header.GasLimit),
	}
	if header.BaseFee != nil {
		cfg.BaseFee = (*hexutil.Big)(new(big.Int).Set(header.BaseFee))
	}
	if header.Difficulty != nil {
		cfg.Difficulty = (*hexutil.Big)(new(big.Int).Set(header.Difficulty))
	}
	if header.Difficulty == nil || header.Difficulty.Sign() == 0 {
		randao := header.MixDigest
		cfg.PrevRandao = &randao
	}
	return cfg
}

func (c BlockConfig) Equal(other BlockConfig) bool {
	if c.Number != other.Number || c.Coinbase != other.Coinbase || c.Timestamp != other.Timestamp || c.GasLimit != other.GasLimit {
		return false
	}
	if !equalBig(c.BaseFee, other.BaseFee) || !equalBig(c.Difficulty, other.Difficulty) {
		return false
	}
	if (c.PrevRandao == nil) != (other.PrevRandao == nil) {
		return false
	}
	return c.PrevRandao == nil || *c.PrevRandao == *other.PrevRandao
}

func equalBig(a, b *hexutil.Big) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ToInt().Cmp(b.ToInt()) == 0
}

// HostSet is the set of endpoints the cache was filled from.
// It decodes from a single legacy string as well as from a list.
type HostSet []string

func NewHostSet(hosts ...string) HostSet {
	var set HostSet
	return set.Merge(hosts)
}

// Merge returns the sorted union of both sets, empty hosts are dropped
func (h HostSet) Merge(hosts []string) HostSet {
	seen := make(map[string]struct{}, len(h)+len(hosts))
	merged := make(HostSet, 0, len(h)+len(hosts))
	for _, list := range [][]string{h, hosts} {
		for _, host := range list {
			if _, ok := seen[host]; ok || host == "" {
				continue
			}
			seen[host] = struct{}{}
			merged = append(merged, host)
		}
	}
	sort.Strings(merged)
	return merged
}

func (h *HostSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = HostSet{}
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*h = NewHostSet(single)
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*h = NewHostSet(multi...)
	return nil
}

// HostFromURL returns the host part of an endpoint url, or the url itself if it has none
func HostFromURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return endpoint
	}
	return u.Hostname()
}

// CacheMetadata describes the environment a cache was filled in.
// Hosts are not part of compatibility so switching between http and ws endpoints keeps the cache.
type CacheMetadata struct {
	ExecutionConfig ExecutionConfig `json:"cfg_env"`
	BlockConfig     BlockConfig     `json:"block_env"`
	Hosts           HostSet         `json:"hosts"`
}

// Compatible compares metadata ignoring hosts
func (m CacheMetadata) Compatible(other CacheMetadata) bool {
	return m.ExecutionConfig == other.ExecutionConfig && m.BlockConfig.Equal(other.BlockConfig)
}

func (m *CacheMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		ExecutionConfig ExecutionConfig `json:"cfg_env"`
		BlockConfig     BlockConfig     `json:"block_env"`
		Hosts           HostSet         `json:"hosts"`
		Host            HostSet         `json:"host"`
	}
	raw.ExecutionConfig = ExecutionConfig{DisableEIP3607: true}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = CacheMetadata{
		ExecutionConfig: raw.ExecutionConfig,
		BlockConfig:     raw.BlockConfig,
		Hosts:           raw.Hosts.Merge(raw.Host),
	}
	return nil
}
