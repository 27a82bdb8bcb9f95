package updates

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/domain/patience"
	"github.com/kbwatch/keywordwatcher/internal/domain/reconciler"
	"github.com/kbwatch/keywordwatcher/internal/domain/resolver"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/clock"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

type fakeGateway struct{}

func (fakeGateway) OpenDMChannel(context.Context, platform.Snowflake) (platform.Snowflake, error) {
	return 999, nil
}
func (fakeGateway) SendMessage(context.Context, platform.Snowflake, platform.Embed) (platform.Snowflake, error) {
	return 0, nil
}
func (fakeGateway) EditMessage(context.Context, platform.Snowflake, platform.Snowflake, platform.Embed) error {
	return nil
}
func (fakeGateway) DeleteMessage(context.Context, platform.Snowflake, platform.Snowflake) error {
	return nil
}
func (fakeGateway) GetChannel(context.Context, platform.Snowflake) (platform.ChannelInfo, error) {
	return platform.ChannelInfo{}, nil
}
func (fakeGateway) GetGuild(context.Context, platform.Snowflake) (platform.GuildInfo, error) {
	return platform.GuildInfo{}, nil
}
func (fakeGateway) GetUser(context.Context, platform.Snowflake) (platform.UserInfo, error) {
	return platform.UserInfo{}, nil
}
func (fakeGateway) CanReadChannel(context.Context, platform.Snowflake, platform.Snowflake) (bool, error) {
	return true, nil
}
func (fakeGateway) RespondEphemeral(context.Context, platform.Snowflake, string) error {
	return nil
}
func (fakeGateway) SetActivity(context.Context, string) error { return nil }

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (d *recordingDeliverer) Deliver(_ context.Context, owner, _, _, _ platform.Snowflake, keywords []string, _ string) error {
	d.mu.Lock()
	d.calls = append(d.calls, keywords[0])
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func newTestRouter(t *testing.T, patienceWindow time.Duration) (*Router, *store.Store, *recordingDeliverer) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	gw := fakeGateway{}
	r := resolver.New(s, gw)
	cache := patience.NewMessageCache()
	deliverer := &recordingDeliverer{done: make(chan struct{}, 10)}
	p := patience.New(cache, s, deliverer, clock.Real, patienceWindow)
	rc := reconciler.New(gw, s, cache)

	return New(r, p, rc), s, deliverer
}

func TestOnMessageCreateSpawnsPatienceAndDelivers(t *testing.T) {
	rt, s, deliverer := newTestRouter(t, 10*time.Millisecond)
	ctx := context.Background()

	const owner, author, guild, channel = platform.Snowflake(1), platform.Snowflake(2), platform.Snowflake(10), platform.Snowflake(100)
	if _, err := s.AddKeyword(ctx, store.Keyword{Text: "rust", Owner: owner, Scope: store.ScopeGuild, GuildID: guild}); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}

	rt.OnMessageCreate(ctx, platform.MessageCreate{
		MessageID: 1, ChannelID: channel, GuildID: guild, AuthorID: author,
		Content: "I like rust",
	})

	select {
	case <-deliverer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for patience-driven delivery")
	}

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	if len(deliverer.calls) != 1 || deliverer.calls[0] != "rust" {
		t.Fatalf("expected a single delivery for keyword rust, got %+v", deliverer.calls)
	}
}

func TestOnMessageCreateOwnerActivityCancelsOutstandingTask(t *testing.T) {
	rt, s, deliverer := newTestRouter(t, 200*time.Millisecond)
	ctx := context.Background()

	const owner, author, guild, channel = platform.Snowflake(1), platform.Snowflake(2), platform.Snowflake(10), platform.Snowflake(100)
	if _, err := s.AddKeyword(ctx, store.Keyword{Text: "rust", Owner: owner, Scope: store.ScopeGuild, GuildID: guild}); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}

	rt.OnMessageCreate(ctx, platform.MessageCreate{
		MessageID: 1, ChannelID: channel, GuildID: guild, AuthorID: author,
		Content: "I like rust",
	})

	// owner shows presence in the same channel before the window elapses
	rt.OnMessageCreate(ctx, platform.MessageCreate{
		MessageID: 2, ChannelID: channel, GuildID: guild, AuthorID: owner,
		Content: "unrelated message",
	})

	select {
	case <-deliverer.done:
		t.Fatal("expected owner activity to cancel the outstanding patience task, but delivery fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOnMessageDeleteAbortsPendingDelivery(t *testing.T) {
	rt, s, deliverer := newTestRouter(t, 50*time.Millisecond)
	ctx := context.Background()

	const owner, author, guild, channel = platform.Snowflake(1), platform.Snowflake(2), platform.Snowflake(10), platform.Snowflake(100)
	if _, err := s.AddKeyword(ctx, store.Keyword{Text: "rust", Owner: owner, Scope: store.ScopeGuild, GuildID: guild}); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}

	rt.OnMessageCreate(ctx, platform.MessageCreate{
		MessageID: 5, ChannelID: channel, GuildID: guild, AuthorID: author,
		Content: "I like rust",
	})

	rt.OnMessageDelete(ctx, platform.MessageDelete{MessageID: 5, ChannelID: channel, GuildID: guild})

	select {
	case <-deliverer.done:
		t.Fatal("expected deleted source message to abort pending delivery")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOnReactionAddCancelsOutstandingTask(t *testing.T) {
	rt, s, deliverer := newTestRouter(t, 200*time.Millisecond)
	ctx := context.Background()

	const owner, author, guild, channel = platform.Snowflake(1), platform.Snowflake(2), platform.Snowflake(10), platform.Snowflake(100)
	if _, err := s.AddKeyword(ctx, store.Keyword{Text: "rust", Owner: owner, Scope: store.ScopeGuild, GuildID: guild}); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}

	rt.OnMessageCreate(ctx, platform.MessageCreate{
		MessageID: 7, ChannelID: channel, GuildID: guild, AuthorID: author,
		Content: "I like rust",
	})

	rt.OnReactionAdd(ctx, platform.ReactionAdd{MessageID: 7, ChannelID: channel, UserID: owner})

	select {
	case <-deliverer.done:
		t.Fatal("expected reaction from the recipient to cancel the outstanding patience task")
	case <-time.After(300 * time.Millisecond):
	}
}
