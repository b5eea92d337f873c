package shardnet

import (
	"fmt"
	"strings"
)

// Intents selects the groups of events a shard subscribes to.
type Intents int

const (
	IntentGuilds                 Intents = 1 << 0
	IntentGuildMembers           Intents = 1 << 1 // privileged
	IntentGuildEmojisAndStickers Intents = 1 << 3
	IntentGuildIntegrations      Intents = 1 << 4
	IntentGuildWebhooks          Intents = 1 << 5
	IntentGuildMessages          Intents = 1 << 9
	IntentGuildMessageReactions  Intents = 1 << 10
	IntentMessageContent         Intents = 1 << 15 // privileged

	IntentsDefault = IntentGuilds | IntentGuildMessages
)

var intentNames = map[string]Intents{
	"guilds":                    IntentGuilds,
	"guild_members":             IntentGuildMembers,
	"guild_emojis_and_stickers": IntentGuildEmojisAndStickers,
	"guild_integrations":        IntentGuildIntegrations,
	"guild_webhooks":            IntentGuildWebhooks,
	"guild_messages":            IntentGuildMessages,
	"guild_message_reactions":   IntentGuildMessageReactions,
	"message_content":           IntentMessageContent,
}

// Has reports whether every bit of flag is set.
func (i Intents) Has(flag Intents) bool {
	return i&flag == flag
}

// ParseIntents combines named intents on top of IntentsDefault.
// Names are case-insensitive, e.g. "MESSAGE_CONTENT" or "message_content".
func ParseIntents(names []string) (Intents, error) {
	intents := IntentsDefault
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		flag, ok := intentNames[key]
		if !ok {
			return 0, fmt.Errorf("unknown intent flag: %q", name)
		}
		intents |= flag
	}
	return intents, nil
}
