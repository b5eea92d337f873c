package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/luciancaetano/shardnet"
)

// On registers handler for dispatches named name, for example
// "MESSAGE_CREATE". Names are matched case-insensitively.
func (c *Client) On(name string, handler shardnet.EventHandler) {
	key := strings.ToUpper(strings.TrimSpace(name))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[key] = append(c.handlers[key], handler)
}

// OnAny registers handler for every dispatch. It runs after the handlers
// registered with On for the same event.
func (c *Client) OnAny(handler shardnet.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchAll = append(c.catchAll, handler)
}

// OnStartup registers a hook run by Run after discovery and before the
// shards are launched. Hooks run in registration order.
func (c *Client) OnStartup(hook shardnet.Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startup = append(c.startup, hook)
}

// OnShutdown registers a hook run when the client closes, including after
// cancellation.
func (c *Client) OnShutdown(hook shardnet.Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = append(c.shutdown, hook)
}

// dispatch delivers events to handlers until events is closed.
func (c *Client) dispatch(ctx context.Context, events <-chan shardnet.Event) {
	for ev := range events {
		c.mu.Lock()
		named := c.handlers[ev.Name]
		all := c.catchAll
		c.mu.Unlock()

		for _, h := range named {
			c.handle(ctx, h, ev)
		}
		for _, h := range all {
			c.handle(ctx, h, ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, h shardnet.EventHandler, ev shardnet.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Int("shard", ev.Shard).
				Str("event", ev.Name).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()

	if err := h(ctx, ev); err != nil {
		c.log.Warn().
			Err(err).
			Int("shard", ev.Shard).
			Str("event", ev.Name).
			Msg("event handler failed")
	}
}
