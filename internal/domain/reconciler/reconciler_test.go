package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kbwatch/keywordwatcher/internal/domain/patience"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

type recordingGateway struct {
	mu      sync.Mutex
	edits   []platform.Snowflake
	deletes []platform.Snowflake
}

func (g *recordingGateway) OpenDMChannel(context.Context, platform.Snowflake) (platform.Snowflake, error) {
	return 42, nil
}
func (g *recordingGateway) SendMessage(context.Context, platform.Snowflake, platform.Embed) (platform.Snowflake, error) {
	return 0, nil
}
func (g *recordingGateway) EditMessage(_ context.Context, _ platform.Snowflake, messageID platform.Snowflake, _ platform.Embed) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits = append(g.edits, messageID)
	return nil
}
func (g *recordingGateway) DeleteMessage(_ context.Context, _ platform.Snowflake, messageID platform.Snowflake) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes = append(g.deletes, messageID)
	return nil
}
func (g *recordingGateway) GetChannel(context.Context, platform.Snowflake) (platform.ChannelInfo, error) {
	return platform.ChannelInfo{ID: 100, Name: "general"}, nil
}
func (g *recordingGateway) GetGuild(context.Context, platform.Snowflake) (platform.GuildInfo, error) {
	return platform.GuildInfo{ID: 10, Name: "Test Guild"}, nil
}
func (g *recordingGateway) GetUser(context.Context, platform.Snowflake) (platform.UserInfo, error) {
	return platform.UserInfo{ID: 2, Username: "author"}, nil
}
func (g *recordingGateway) CanReadChannel(context.Context, platform.Snowflake, platform.Snowflake) (bool, error) {
	return true, nil
}
func (g *recordingGateway) RespondEphemeral(context.Context, platform.Snowflake, string) error {
	return nil
}
func (g *recordingGateway) SetActivity(context.Context, string) error { return nil }

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *recordingGateway) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	gw := &recordingGateway{}
	return New(gw, s, patience.NewMessageCache()), s, gw
}

func TestOnEditDeletesNotificationWhenNoLongerMatching(t *testing.T) {
	rec, s, gw := newTestReconciler(t)
	ctx := context.Background()

	const original, notifMsg, user = platform.Snowflake(500), platform.Snowflake(501), platform.Snowflake(1)
	if err := s.RecordNotifications(ctx, original, notifMsg, user, []string{"rust"}); err != nil {
		t.Fatalf("RecordNotifications: %v", err)
	}

	err := rec.OnEdit(ctx, platform.MessageUpdate{
		MessageID: original, ChannelID: 100, GuildID: 10, AuthorID: 2,
		Content: "i like nothing anymore",
	})
	if err != nil {
		t.Fatalf("OnEdit: %v", err)
	}

	rows, err := s.NotificationsOfMessage(ctx, original)
	if err != nil {
		t.Fatalf("NotificationsOfMessage: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected notification row removed after edit no longer matches, got %d", len(rows))
	}
	if len(gw.edits) != 1 || gw.edits[0] != notifMsg {
		t.Fatalf("expected placeholder edit on the notification message, got %+v", gw.edits)
	}
}

func TestOnEditKeepsNotificationWhenStillMatching(t *testing.T) {
	rec, s, gw := newTestReconciler(t)
	ctx := context.Background()

	const original, notifMsg, user = platform.Snowflake(500), platform.Snowflake(501), platform.Snowflake(1)
	if err := s.RecordNotifications(ctx, original, notifMsg, user, []string{"rust"}); err != nil {
		t.Fatalf("RecordNotifications: %v", err)
	}

	err := rec.OnEdit(ctx, platform.MessageUpdate{
		MessageID: original, ChannelID: 100, GuildID: 10, AuthorID: 2,
		Content: "i still like rust",
	})
	if err != nil {
		t.Fatalf("OnEdit: %v", err)
	}

	rows, err := s.NotificationsOfMessage(ctx, original)
	if err != nil {
		t.Fatalf("NotificationsOfMessage: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected notification row kept when keyword still matches, got %d", len(rows))
	}
	if len(gw.edits) != 1 || gw.edits[0] != notifMsg {
		t.Fatalf("expected a re-render edit on the notification message, got %+v", gw.edits)
	}
}

func TestOnDeleteRemovesAllNotifications(t *testing.T) {
	rec, s, gw := newTestReconciler(t)
	ctx := context.Background()

	const original, notifMsg, user = platform.Snowflake(500), platform.Snowflake(501), platform.Snowflake(1)
	if err := s.RecordNotifications(ctx, original, notifMsg, user, []string{"rust", "go"}); err != nil {
		t.Fatalf("RecordNotifications: %v", err)
	}

	if err := rec.OnDelete(ctx, platform.MessageDelete{MessageID: original, ChannelID: 100, GuildID: 10}); err != nil {
		t.Fatalf("OnDelete: %v", err)
	}

	rows, err := s.NotificationsOfMessage(ctx, original)
	if err != nil {
		t.Fatalf("NotificationsOfMessage: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected all notification rows removed on source delete, got %d", len(rows))
	}
	if len(gw.edits) != 1 {
		t.Fatalf("expected exactly 1 placeholder edit (one notification_message), got %d", len(gw.edits))
	}
}
