package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/luciancaetano/shardnet"
)

// GatewayBot is the discovery response: where to connect and how many
// shards to run.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit is the IDENTIFY budget of the bot.
type SessionStartLimit struct {
	Total     int `json:"total"`
	Remaining int `json:"remaining"`

	// ResetAfter is in milliseconds.
	ResetAfter int64 `json:"reset_after"`

	// MaxConcurrency is how many shards may identify at once.
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot calls the discovery endpoint.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	resp, err := c.Submit(ctx, shardnet.Request{
		Method:   http.MethodGet,
		Endpoint: "gateway/bot",
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", shardnet.ErrDiscoveryFailed, err)
	}

	var gw GatewayBot
	if err := resp.Decode(&gw); err != nil {
		return nil, fmt.Errorf("%s: %w", shardnet.ErrDiscoveryFailed, err)
	}
	if gw.URL == "" {
		return nil, fmt.Errorf("%s: response has no url", shardnet.ErrDiscoveryFailed)
	}
	if gw.Shards <= 0 {
		return nil, errors.New(shardnet.ErrInvalidShardCount)
	}
	if gw.SessionStartLimit.MaxConcurrency <= 0 {
		gw.SessionStartLimit.MaxConcurrency = 1
	}
	return &gw, nil
}
