// Package resolver decides, for an inbound message, the set of owners who
// should be notified and which of their keywords matched, after applying
// mutes, blocks, opt-outs, ignores, channel-read permission, self-mention,
// and notification-lifetime filtering.
//
// The store query narrows candidates; the policy decisions stay in plain
// Go over small store/platform calls, with a per-call ignore cache, rather
// than being folded into one query.
package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/domain/matcher"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// Match is one owner's surviving keyword set for a message.
type Match struct {
	Owner    platform.Snowflake
	Keywords []string
}

// Resolver ties the Store and the platform Gateway together to decide who
// should be notified about a message.
type Resolver struct {
	store   *store.Store
	gateway platform.Gateway

	// NotificationLifetime, when non-zero, causes Resolve to drop any
	// message already older than this duration. Zero means no age-based
	// drop.
	NotificationLifetime time.Duration
}

// New builds a Resolver over s and gw.
func New(s *store.Store, gw platform.Gateway) *Resolver {
	return &Resolver{store: s, gateway: gw}
}

// Resolve returns the owners to notify about msg and their matched
// keywords.
func (r *Resolver) Resolve(ctx context.Context, msg platform.MessageCreate) ([]Match, error) {
	if r.NotificationLifetime > 0 {
		age := time.Since(msg.MessageID.Timestamp())
		if age > r.NotificationLifetime {
			return nil, nil
		}
	}

	candidates, err := r.store.KeywordsRelevant(ctx, msg.GuildID, msg.ChannelID, msg.AuthorID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	byOwner := make(map[platform.Snowflake][]store.Keyword)
	for _, k := range candidates {
		byOwner[k.Owner] = append(byOwner[k.Owner], k)
	}

	content := strings.ToLower(msg.Content)
	mentioned := mentionSet(msg.MentionedUserIDs)

	ignoreCache := make(map[platform.Snowflake][]store.Ignore)

	var out []Match
	for owner, keywords := range byOwner {
		if mentioned[owner] {
			continue // platform already notifies an @mentioned user
		}

		ok, err := r.canRead(ctx, owner, msg.ChannelID)
		if err != nil {
			logger.Warnf("resolver: permission check failed for owner %d channel %d: %v", owner, msg.ChannelID, err)
			continue
		}
		if !ok {
			continue
		}

		ignores, ok := ignoreCache[owner]
		if !ok {
			ignores, err = r.store.IgnoresOf(ctx, owner, msg.GuildID)
			if err != nil {
				logger.Warnf("resolver: fetch ignores for owner %d: %v", owner, err)
				ignores = nil
			}
			ignoreCache[owner] = ignores
		}

		matched := matchedKeywords(keywords, ignores, content)
		if len(matched) > 0 {
			out = append(out, Match{Owner: owner, Keywords: matched})
		}
	}

	return out, nil
}

// matchedKeywords reduces keywords to those matching content and not
// suppressed by any of the owner's ignore phrases, deduplicated by text.
func matchedKeywords(keywords []store.Keyword, ignores []store.Ignore, content string) []string {
	seen := make(map[string]bool, len(keywords))
	var out []string
	for _, k := range keywords {
		if seen[k.Text] {
			continue
		}
		if !matcher.Matches(k.Text, content) {
			continue
		}
		if anyIgnoreMatches(ignores, content) {
			continue
		}
		seen[k.Text] = true
		out = append(out, k.Text)
	}
	return out
}

func anyIgnoreMatches(ignores []store.Ignore, content string) bool {
	for _, ig := range ignores {
		if matcher.Matches(ig.Phrase, content) {
			return true
		}
	}
	return false
}

func mentionSet(ids []platform.Snowflake) map[platform.Snowflake]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[platform.Snowflake]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// canRead asks the platform whether owner can read channel. Any error
// querying permission is treated as "cannot read".
func (r *Resolver) canRead(ctx context.Context, owner, channel platform.Snowflake) (bool, error) {
	ok, err := r.gateway.CanReadChannel(ctx, owner, channel)
	if err != nil {
		return false, err
	}
	return ok, nil
}
