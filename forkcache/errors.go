package forkcache

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrChannelSend is returned when a request can't be handed to the coordinator,
	// either because the frontend is closed or because the inbound queue is full.
	ErrChannelSend = errors.New("failed to send request to cache coordinator")
	// ErrChannelReceive is returned when the coordinator dropped the reply channel
	ErrChannelReceive = errors.New("failed to receive reply from cache coordinator")

	ErrMissingCode = errors.New("code should already be loaded")
	ErrNotFound    = errors.New("not found")
)

// IsChannelError reports whether err means the coordinator is unreachable, as opposed to a data error
func IsChannelError(err error) bool {
	return errors.Is(err, ErrChannelSend) || errors.Is(err, ErrChannelReceive)
}

// FetchError is delivered to every caller waiting for a key whose upstream fetch failed
type FetchError struct {
	Key RequestKey
	Err error
}

func (e *FetchError) Error() string {
	switch e.Key.Kind {
	case KindAccount:
		return fmt.Sprintf("failed to get account for %s: %v", e.Key.Address.Hex(), e.Err)
	case KindStorage:
		return fmt.Sprintf("failed to get storage for %s at %s: %v", e.Key.Address.Hex(), e.Key.Slot.Hex(), e.Err)
	case KindBlockHash:
		return fmt.Sprintf("failed to get block hash for %d: %v", e.Key.Number, e.Err)
	case KindFullBlock:
		return fmt.Sprintf("failed to get full block for %s: %v", e.Key.Block.String(), e.Err)
	case KindTransaction:
		return fmt.Sprintf("failed to get transaction %s: %v", e.Key.Hash.Hex(), e.Err)
	default:
		return fmt.Sprintf("failed to get %s: %v", e.Key, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when the provider has no block or transaction for the key
type NotFoundError struct {
	Key RequestKey
}

func (e *NotFoundError) Error() string {
	switch e.Key.Kind {
	case KindFullBlock:
		return fmt.Sprintf("block %s does not exist", e.Key.Block.String())
	case KindTransaction:
		return fmt.Sprintf("transaction %s not found", e.Key.Hash.Hex())
	default:
		return fmt.Sprintf("%s not found", e.Key)
	}
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type MissingCodeError struct {
	Hash common.Hash
}

func (e *MissingCodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingCode.Error(), e.Hash.Hex())
}

func (e *MissingCodeError) Is(target error) bool {
	return target == ErrMissingCode
}

// MessageError is a plain error message
type MessageError string

func (e MessageError) Error() string {
	return string(e)
}
