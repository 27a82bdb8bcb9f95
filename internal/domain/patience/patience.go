// Package patience implements the patience controller and message cache:
// for each (message, owner) pair the resolver decided should be notified,
// a task is parked for the patience window waiting for the owner to show
// any sign of presence (a new message, a reaction) in the same channel. If
// none arrives, the task re-matches against the (possibly edited) cached
// content and hands surviving keywords to delivery.
package patience

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/domain/matcher"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/clock"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// MessageCache is the single-writer-lock-protected map from an observed
// message id to its (possibly edited) as-authored content. Content is
// stored verbatim; callers lowercase it themselves before matching, the
// same convention platform.MessageCreate.Content documents.
type MessageCache struct {
	mu      sync.Mutex
	entries map[platform.Snowflake]string
}

// NewMessageCache builds an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{entries: make(map[platform.Snowflake]string)}
}

// PutIfAbsent records content for id unless an entry already exists.
func (c *MessageCache) PutIfAbsent(id platform.Snowflake, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		c.entries[id] = content
	}
}

// Update overwrites the cached content for id, if present. Used when an
// edit arrives for a message with an outstanding patience task.
func (c *MessageCache) Update(id platform.Snowflake, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		c.entries[id] = content
	}
}

// Get returns the cached content for id and whether it was present.
func (c *MessageCache) Get(id platform.Snowflake) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	return v, ok
}

// Delete removes id from the cache, e.g. on source-message delete.
func (c *MessageCache) Delete(id platform.Snowflake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Deliverer is the subset of the Delivery engine the controller needs,
// kept as an interface so patience can be tested without a real Delivery
// (which itself needs a live platform.Gateway).
type Deliverer interface {
	Deliver(ctx context.Context, owner, channel, guild, original platform.Snowflake, keywords []string, content string) error
}

type taskKey struct {
	Message platform.Snowflake
	Owner   platform.Snowflake
}

type task struct {
	cancel  context.CancelFunc
	channel platform.Snowflake
}

// Controller spawns and tracks outstanding patience tasks.
type Controller struct {
	cache    *MessageCache
	store    *store.Store
	deliver  Deliverer
	clock    clock.Clock
	patience time.Duration

	mu    sync.Mutex
	tasks map[taskKey]task
}

// New builds a Controller. patience is T_patience (default 120s, per
// behavior.patience_seconds).
func New(cache *MessageCache, s *store.Store, deliver Deliverer, c clock.Clock, patience time.Duration) *Controller {
	return &Controller{
		cache:    cache,
		store:    s,
		deliver:  deliver,
		clock:    c,
		patience: patience,
		tasks:    make(map[taskKey]task),
	}
}

// Spawn records msg's content in the MessageCache (if not already present)
// and starts one patience task for (msg.MessageID, owner).
func (c *Controller) Spawn(ctx context.Context, owner platform.Snowflake, msg platform.MessageCreate, guildID platform.Snowflake, matched []string) {
	c.cache.PutIfAbsent(msg.MessageID, msg.Content)

	taskCtx, cancel := context.WithCancel(ctx)
	key := taskKey{Message: msg.MessageID, Owner: owner}

	c.mu.Lock()
	if _, exists := c.tasks[key]; exists {
		// Duplicate inbound event; at most one task per (message, owner).
		c.mu.Unlock()
		cancel()
		return
	}
	c.tasks[key] = task{cancel: cancel, channel: msg.ChannelID}
	c.mu.Unlock()

	go c.run(taskCtx, key, msg.ChannelID, guildID, matched)
}

func (c *Controller) run(ctx context.Context, key taskKey, channel, guild platform.Snowflake, matched []string) {
	defer c.finish(key)

	timer := c.clock.NewTimer(c.patience)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return // owner showed presence; abort silently
	case <-timer.C():
	}

	content, ok := c.cache.Get(key.Message)
	if !ok {
		return // source message was deleted while we waited
	}
	lowered := strings.ToLower(content)

	ignores, err := c.store.IgnoresOf(context.Background(), key.Owner, guild)
	if err != nil {
		logger.Warnf("patience: fetch ignores for owner %d: %v", key.Owner, err)
		ignores = nil
	}

	surviving := rematch(matched, ignores, lowered)
	if len(surviving) == 0 {
		return
	}

	if err := c.deliver.Deliver(context.Background(), key.Owner, channel, guild, key.Message, surviving, content); err != nil {
		logger.Errorf("patience: delivery to owner %d for message %d: %v", key.Owner, key.Message, err)
	}
}

func rematch(candidates []string, ignores []store.Ignore, content string) []string {
	var out []string
	for _, kw := range candidates {
		if !matcher.Matches(kw, content) {
			continue
		}
		suppressed := false
		for _, ig := range ignores {
			if matcher.Matches(ig.Phrase, content) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out = append(out, kw)
		}
	}
	return out
}

func (c *Controller) finish(key taskKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, key)
}

// OnOwnerActivity cancels every outstanding patience task for owner in
// channel: a new message or a reaction is a sign of presence. Abort is
// cancellation-safe and holds no lock while the tasks themselves are
// parked.
func (c *Controller) OnOwnerActivity(channel, owner platform.Snowflake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.tasks {
		if k.Owner == owner && t.channel == channel {
			t.cancel()
		}
	}
}

// Outstanding reports how many patience tasks are currently parked, for
// diagnostics and tests.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}
