// Package updates wires the four inbound platform events the core cares
// about (MessageCreate, MessageUpdate, MessageDelete, ReactionAdd) to the
// already-built domain components, in the order required to keep the
// per-(message, recipient) coalescing guarantee intact. The event set is
// closed and small, so a gateway adapter calls the four methods directly
// rather than going through a type-switched interface.
package updates

import (
	"context"

	"github.com/kbwatch/keywordwatcher/internal/domain/patience"
	"github.com/kbwatch/keywordwatcher/internal/domain/reconciler"
	"github.com/kbwatch/keywordwatcher/internal/domain/resolver"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// Router dispatches inbound platform events to the Resolver, Patience
// controller, and Reconciler.
type Router struct {
	resolver   *resolver.Resolver
	patience   *patience.Controller
	reconciler *reconciler.Reconciler
}

// New builds a Router over the three components it coordinates.
func New(r *resolver.Resolver, p *patience.Controller, rc *reconciler.Reconciler) *Router {
	return &Router{resolver: r, patience: p, reconciler: rc}
}

// OnMessageCreate handles a new inbound message: it first signals
// presence for its author (canceling any patience task the author is
// themselves the recipient of, in whatever channel it arrives in), then is
// resolved for new candidate notifications, each of which spawns a
// patience task. Presence must be signaled before resolution so that an
// author who was, themselves, being waited on does not also receive a
// fresh task for their own new message.
func (rt *Router) OnMessageCreate(ctx context.Context, msg platform.MessageCreate) {
	rt.patience.OnOwnerActivity(msg.ChannelID, msg.AuthorID)

	matches, err := rt.resolver.Resolve(ctx, msg)
	if err != nil {
		logger.Errorf("updates: resolve message %d: %v", msg.MessageID, err)
		return
	}

	for _, m := range matches {
		rt.patience.Spawn(ctx, m.Owner, msg, msg.GuildID, m.Keywords)
	}
}

// OnMessageUpdate handles a source-message edit: the Reconciler re-matches
// already-sent notifications against the edited content and updates or
// removes them. An edit is not itself a new presence signal and spawns no
// new patience tasks (only an as-yet-unsent notification's own patience
// window observes the freshest cached content, via MessageCache.Update).
func (rt *Router) OnMessageUpdate(ctx context.Context, upd platform.MessageUpdate) {
	if err := rt.reconciler.OnEdit(ctx, upd); err != nil {
		logger.Errorf("updates: reconcile edit of message %d: %v", upd.MessageID, err)
	}
}

// OnMessageDelete handles a source-message delete: pending patience tasks for
// the deleted message abort on their next wake (MessageCache.Get misses),
// and any already-sent notifications are replaced with the deleted
// placeholder and removed.
func (rt *Router) OnMessageDelete(ctx context.Context, del platform.MessageDelete) {
	if err := rt.reconciler.OnDelete(ctx, del); err != nil {
		logger.Errorf("updates: reconcile delete of message %d: %v", del.MessageID, err)
	}
}

// OnReactionAdd handles the other presence signal: a reaction from a user
// with an outstanding patience task in that channel counts as activity and
// cancels it, exactly like a new message from them would. The caller is
// expected to have already scoped this call to reactions from users who
// actually have outstanding tasks — OnOwnerActivity is a no-op if none
// exist.
func (rt *Router) OnReactionAdd(_ context.Context, react platform.ReactionAdd) {
	rt.patience.OnOwnerActivity(react.ChannelID, react.UserID)
}
