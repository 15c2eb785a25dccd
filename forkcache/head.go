package forkcache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const headCacheKey = "head"

// HeadSource reports the number of the latest block, ethclient.Client implements it
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// HeadTracker caches the chain head for ttl so that frequent callers share one upstream call
type HeadTracker struct {
	source HeadSource
	ttl    time.Duration
	cache  *gocache.Cache
}

func NewHeadTracker(source HeadSource, ttl time.Duration) *HeadTracker {
	return &HeadTracker{
		source: source,
		ttl:    ttl,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

func (h *HeadTracker) Head(ctx context.Context) (uint64, error) {
	if v, ok := h.cache.Get(headCacheKey); ok {
		//nolint:forcetypeassert
		return v.(uint64), nil
	}
	number, err := h.source.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	h.cache.Set(headCacheKey, number, h.ttl)
	return number, nil
}

// FollowHead re-pins the frontend to the latest block every interval until ctx is done.
// It takes ownership of frontend and closes it on return.
func FollowHead(ctx context.Context, log *zap.Logger, tracker *HeadTracker, frontend *Frontend, interval time.Duration) {
	defer frontend.Close()
	log = log.Named("head")

	back := backoff.NewExponentialBackOff()
	back.MaxInterval = 3 * time.Second
	back.MaxElapsedTime = 12 * time.Second

	var pinned uint64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := backoff.Retry(func() error {
				head, err := tracker.Head(ctx)
				if err != nil {
					return err
				}
				if head == pinned {
					return nil
				}
				if err := frontend.SetPinnedBlock(BlockAt(head)); err != nil {
					return backoff.Permanent(err)
				}
				log.Debug("Following new head", zap.Uint64("block", head))
				pinned = head
				return nil
			}, backoff.WithContext(back, ctx))
			if IsChannelError(err) {
				log.Info("Cache coordinator is gone, stop following head", zap.Error(err))
				return
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Failed to update pinned block", zap.Error(err))
			}
		}
	}
}
