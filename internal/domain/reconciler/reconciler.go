// Package reconciler keeps sent notifications consistent with their source
// message, editing or removing DM embeds as the source is edited or
// deleted.
package reconciler

import (
	"context"
	"errors"
	"strings"

	"github.com/kbwatch/keywordwatcher/internal/domain/delivery"
	"github.com/kbwatch/keywordwatcher/internal/domain/matcher"
	"github.com/kbwatch/keywordwatcher/internal/domain/patience"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// ErrorColor is the fixed color of a placeholder embed replacing a removed
// notification.
const ErrorColor = int32(0xFF4747)

// DeletedPlaceholder is used when the source message was deleted.
const DeletedPlaceholder = "*Original message deleted*"

// ExpiredPlaceholder is used by the Reaper when a notification outlives
// its configured lifetime.
const ExpiredPlaceholder = "*Notification expired*"

// Reconciler reacts to edits and deletes of messages that already produced
// notifications.
type Reconciler struct {
	gateway platform.Gateway
	store   *store.Store
	cache   *patience.MessageCache
}

// New builds a Reconciler.
func New(gw platform.Gateway, s *store.Store, cache *patience.MessageCache) *Reconciler {
	return &Reconciler{gateway: gw, store: s, cache: cache}
}

// OnEdit re-matches every sent notification for the edited message and
// updates or removes each one.
func (r *Reconciler) OnEdit(ctx context.Context, upd platform.MessageUpdate) error {
	r.cache.Update(upd.MessageID, upd.Content)

	notifs, err := r.store.NotificationsOfMessage(ctx, upd.MessageID)
	if err != nil {
		return err
	}
	if len(notifs) == 0 {
		return nil
	}

	channelInfo, err := r.gateway.GetChannel(ctx, upd.ChannelID)
	if err != nil {
		return err
	}
	guildInfo, err := r.gateway.GetGuild(ctx, upd.GuildID)
	if err != nil {
		return err
	}
	authorInfo, err := r.gateway.GetUser(ctx, upd.AuthorID)
	if err != nil {
		return err
	}

	content := strings.ToLower(upd.Content)

	var toDelete []platform.Snowflake
	for notificationMsg, group := range groupByNotificationMessage(notifs) {
		surviving := survivingKeywords(group, content)
		if len(surviving) == 0 {
			toDelete = append(toDelete, notificationMsg)
			continue
		}

		recipient := group[0].UserID
		embed := delivery.RenderEmbed(delivery.RenderInput{
			Original: upd.MessageID,
			Channel:  channelInfo,
			Guild:    guildInfo,
			Author:   authorInfo,
			Content:  upd.Content,
			Keywords: surviving,
			SentAt:   upd.MessageID.Timestamp(),
		})

		dmChannel, err := r.gateway.OpenDMChannel(ctx, recipient)
		if err != nil {
			logger.Warnf("reconciler: open dm for %d: %v", recipient, err)
			continue
		}
		if err := r.gateway.EditMessage(ctx, dmChannel, notificationMsg, embed); err != nil {
			logger.Warnf("reconciler: edit notification %d: %v", notificationMsg, err)
		}
	}

	return r.removeWithPlaceholder(ctx, toDelete, notifs, DeletedPlaceholder)
}

// OnDelete clears every sent notification for the deleted message.
func (r *Reconciler) OnDelete(ctx context.Context, del platform.MessageDelete) error {
	r.cache.Delete(del.MessageID)

	notifs, err := r.store.NotificationsOfMessage(ctx, del.MessageID)
	if err != nil {
		return err
	}
	if len(notifs) == 0 {
		return nil
	}

	var ids []platform.Snowflake
	for notificationMsg := range groupByNotificationMessage(notifs) {
		ids = append(ids, notificationMsg)
	}

	return r.removeWithPlaceholder(ctx, ids, notifs, DeletedPlaceholder)
}

// ExpireNotifications replaces each listed notification message with the
// "expired" placeholder and deletes its row(s). It satisfies
// reaper.Remover.
func (r *Reconciler) ExpireNotifications(ctx context.Context, notificationMessages []platform.Snowflake, notifs []store.Notification) error {
	return r.removeWithPlaceholder(ctx, notificationMessages, notifs, ExpiredPlaceholder)
}

// removeWithPlaceholder replaces each listed notification message with a
// placeholder embed (ignoring a 404 — it may already be gone) and deletes
// its Notification row(s).
func (r *Reconciler) removeWithPlaceholder(ctx context.Context, notificationMessages []platform.Snowflake, notifs []store.Notification, description string) error {
	if len(notificationMessages) == 0 {
		return nil
	}

	recipientOf := make(map[platform.Snowflake]platform.Snowflake, len(notifs))
	for _, n := range notifs {
		recipientOf[n.NotificationMessage] = n.UserID
	}

	placeholder := platform.Embed{Description: description, Color: ErrorColor}

	for _, notificationMsg := range notificationMessages {
		recipient, ok := recipientOf[notificationMsg]
		if !ok {
			continue
		}
		dmChannel, err := r.gateway.OpenDMChannel(ctx, recipient)
		if err != nil {
			logger.Warnf("reconciler: open dm for %d: %v", recipient, err)
			continue
		}
		if err := r.gateway.EditMessage(ctx, dmChannel, notificationMsg, placeholder); err != nil && !errors.Is(err, platform.ErrNotFound) {
			logger.Warnf("reconciler: placeholder edit for %d: %v", notificationMsg, err)
		}
	}

	return r.store.DeleteNotifications(ctx, notificationMessages)
}

func groupByNotificationMessage(notifs []store.Notification) map[platform.Snowflake][]store.Notification {
	groups := make(map[platform.Snowflake][]store.Notification)
	for _, n := range notifs {
		groups[n.NotificationMessage] = append(groups[n.NotificationMessage], n)
	}
	return groups
}

func survivingKeywords(group []store.Notification, content string) []string {
	var out []string
	for _, n := range group {
		if matcher.Matches(n.Keyword, content) {
			out = append(out, n.Keyword)
		}
	}
	return out
}
