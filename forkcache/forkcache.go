// Package forkcache implements a forked chain state cache for local transaction simulation.
// Here is a full flow of data through the cache:
//
// ExecutionEngine -> Frontend asks for an account, storage slot or block hash
//
// Frontend -> Coordinator sends the request over a bounded channel and waits for the reply
// Coordinator -> Cache answers immediately if the value is already known
// Coordinator -> spike.Group joins the caller to an identical request that is already in flight
// Coordinator -> ChainProvider fetches the value otherwise (one fetch per key)
//
// Coordinator -> Cache stores the fetched value
// Coordinator -> Frontend fans the result out to every waiting caller
//
// CacheFile persists the Cache as a single JSON document and flushes it when the last Frontend is closed.
package forkcache

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	DefaultInboundCapacity = 256

	// flushTimeoutSeconds bounds a single write of the cache document to its store
	flushTimeoutSeconds = 30
)

// EmptyCodeHash is keccak256 of zero-length input. It is the code hash of accounts without code
// and the hash recorded for blocks the provider does not know.
var EmptyCodeHash = common.HexToHash("0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")

// CodeHash returns keccak256 of the bytecode, EmptyCodeHash for empty code
func CodeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return EmptyCodeHash
	}
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(code)
	return common.BytesToHash(hasher.Sum(nil))
}
