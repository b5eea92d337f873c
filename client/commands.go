package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/luciancaetano/shardnet"
)

// ErrApplicationIDRequired is returned by command registration when the
// configuration has no application id.
var ErrApplicationIDRequired = errors.New("application id is required")

// RegisterGlobalCommands overwrites the application's global commands with
// commands. Every element is sent as is.
func (c *Client) RegisterGlobalCommands(ctx context.Context, commands []any) (*shardnet.Response, error) {
	if c.cfg.ApplicationID == "" {
		return nil, ErrApplicationIDRequired
	}
	return c.Submit(ctx, shardnet.Request{
		Method:   http.MethodPut,
		Endpoint: "applications/" + url.PathEscape(c.cfg.ApplicationID) + "/commands",
		Body:     nonNil(commands),
	})
}

// RegisterGuildCommands overwrites the commands of one guild.
func (c *Client) RegisterGuildCommands(ctx context.Context, guildID string, commands []any) (*shardnet.Response, error) {
	if c.cfg.ApplicationID == "" {
		return nil, ErrApplicationIDRequired
	}
	if guildID == "" {
		return nil, errors.New("guild id is required")
	}
	return c.Submit(ctx, shardnet.Request{
		Method:   http.MethodPut,
		Endpoint: "applications/" + url.PathEscape(c.cfg.ApplicationID) + "/guilds/" + url.PathEscape(guildID) + "/commands",
		Body:     nonNil(commands),
	})
}

// nonNil makes an empty registration clear the commands instead of sending
// null.
func nonNil(commands []any) []any {
	if commands == nil {
		return []any{}
	}
	return commands
}
