/*
Package redis implements persister.Persister on top of Redis Streams
(XADD/XRANGE), grounded on evalgo-org-eve's queue/redis client-wiring
style (parse a URL, Ping on connect, wrap every client error with
fmt.Errorf context).

PURPOSE:
  A Redis stream entry's ID ("<ms>-<seq>") is not the dense,
  zero-based index spec.md's Persister contract promises, so this
  backend keeps its own dense counter in a companion key
  ("<stream>:count") incremented atomically alongside every XADD via a
  MULTI/EXEC pipeline; Append returns the counter's new value minus one.
  The index is not stored in the entry: Iterate numbers entries by their
  position in the stream, starting at 0.

SEE ALSO:
  - persister/persister.go: the interface this type satisfies
  - persister/file: the alternative durable backend
*/
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/warp/storage-engine/persister"
)

const (
	fieldIndex   = "index"
	fieldUS      = "us"
	fieldPayload = "payload"
)

// Persister is a Redis Streams-backed persister.Persister.
type Persister struct {
	client     redis.UniversalClient
	streamKey  string
	counterKey string
}

// New wraps an existing redis client. streamKey names the Redis stream;
// a companion key "<streamKey>:count" tracks the dense append index.
func New(client redis.UniversalClient, streamKey string) *Persister {
	return &Persister{client: client, streamKey: streamKey, counterKey: streamKey + ":count"}
}

// Open parses redisURL, connects, and pings before returning.
func Open(ctx context.Context, redisURL, streamKey string) (*Persister, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis persister: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis persister: connect: %w", err)
	}
	return New(client, streamKey), nil
}

func (p *Persister) Append(ctx context.Context, us int64, payload []byte) (uint64, error) {
	var next *redis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		next = pipe.Incr(ctx, p.counterKey)
		if err := pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.streamKey,
			Values: map[string]any{
				fieldUS:      us,
				fieldPayload: payload,
			},
		}).Err(); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis persister: append: %w", err)
	}
	return uint64(next.Val()) - 1, nil
}

func (p *Persister) Size(ctx context.Context) (uint64, error) {
	n, err := p.client.XLen(ctx, p.streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis persister: xlen: %w", err)
	}
	return uint64(n), nil
}

func (p *Persister) Iterate(ctx context.Context, fromIndex uint64, fn func(persister.Record) (bool, error)) error {
	const batchSize = 500
	start := "-"
	var index uint64

	for {
		msgs, err := p.client.XRangeN(ctx, p.streamKey, start, "+", batchSize).Result()
		if err != nil {
			return fmt.Errorf("redis persister: xrange: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			if start != "-" && msg.ID == start {
				continue // XRANGE is inclusive of `start`; skip the record already processed
			}
			rec, err := fromEntry(index, msg)
			if err != nil {
				return err
			}
			index++
			if rec.Index < fromIndex {
				continue
			}
			more, err := fn(rec)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		start = msgs[len(msgs)-1].ID
		if len(msgs) < batchSize {
			return nil
		}
	}
}

func fromEntry(index uint64, msg redis.XMessage) (persister.Record, error) {
	usRaw, _ := msg.Values[fieldUS].(string)
	us, err := strconv.ParseInt(usRaw, 10, 64)
	if err != nil {
		return persister.Record{}, fmt.Errorf("redis persister: parse us field of %s: %w", msg.ID, err)
	}
	payloadRaw, _ := msg.Values[fieldPayload].(string)
	return persister.Record{Index: index, US: us, Payload: []byte(payloadRaw)}, nil
}

func (p *Persister) Close() error {
	return p.client.Close()
}
