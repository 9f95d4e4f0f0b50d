package repo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const changedChannel = "trips:changed"

func tripChannel(id string) string { return "trips:" + id }

// changeFeed carries "trip changed" signals between processes sharing a
// SQL database.
type changeFeed interface {
	Publish(ctx context.Context, tripID string)
	Listen(ctx context.Context, channel string) <-chan struct{}
}

type nopFeed struct{}

func (nopFeed) Publish(context.Context, string) {}

func (nopFeed) Listen(context.Context, string) <-chan struct{} { return nil }

type redisFeed struct {
	rdb *redis.Client
}

// Publish is best effort; watchers resync periodically.
func (f redisFeed) Publish(ctx context.Context, tripID string) {
	pipe := f.rdb.Pipeline()
	pipe.Publish(ctx, tripChannel(tripID), tripID)
	pipe.Publish(ctx, changedChannel, tripID)
	_, _ = pipe.Exec(ctx)
}

// Listen coalesces messages on channel into signals until ctx ends.
func (f redisFeed) Listen(ctx context.Context, channel string) <-chan struct{} {
	ps := f.rdb.Subscribe(ctx, channel)
	out := make(chan struct{}, 1)
	go func() {
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
