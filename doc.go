// Package shardnet is a client for a sharded real-time chat API: a set of
// persistent websocket sessions (the gateway) that push events, and a REST
// surface governed by server-assigned rate limits.
//
// # Architecture
//
// The client is built from four pieces:
//
//   - internal/ratelimit tracks the buckets the server assigns through
//     X-RateLimit-* headers and the global throttle.
//   - internal/rest queues requests per endpoint, one worker per endpoint,
//     and resolves every request exactly once.
//   - internal/gateway runs one shard: HELLO, IDENTIFY or RESUME,
//     heartbeating, sequence tracking and reconnect with backoff.
//   - internal/shard launches shards in batches of max_concurrency and merges
//     their events into a single dispatch stream.
//
// The client package ties them together.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/shardnet"
//	    "github.com/luciancaetano/shardnet/client"
//	)
//
//	cfg := client.DefaultConfig()
//	cfg.Token = os.Getenv("BOT_TOKEN")
//	cfg.Intents = shardnet.IntentsDefault | shardnet.IntentMessageContent
//
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c.On("MESSAGE_CREATE", func(ctx context.Context, ev shardnet.Event) error {
//	    log.Printf("shard %d: %s", ev.Shard, ev.Data)
//	    return nil
//	})
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	c.Run(ctx)
//
// # Rate Limiting
//
// Requests to the same endpoint are sent in the order they were submitted.
// Throttling is applied per bucket, and a bucket may span several endpoints.
// When a bucket reaches zero remaining calls, a single cooldown is started and
// every request that maps to the bucket waits for it. A response carrying
// X-RateLimit-Global pauses all endpoints until Retry-After has elapsed.
//
// # Gateway
//
// Each shard reconnects on its own. Backoff starts at 5s, doubles on every
// failure up to 60s, and is reset once a session reaches READY or RESUMED.
// A clean close (1000) ends the shard; close codes that can never succeed
// (invalid token, invalid intents, invalid shard) end it with a *CloseError.
//
// # Important
//
//   - Event handlers for one shard run sequentially; do not block them.
//   - Event data is the raw JSON payload; typed decoding is up to the caller.
//   - Cancelling the context passed to Run always runs shutdown hooks.
package shardnet
