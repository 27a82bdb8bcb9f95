// Package delivery renders the single rich-embed notification payload,
// opens (or reuses) a DM channel with the recipient, and sends it with a
// bounded, fixed-interval retry policy: 5 attempts, 2 seconds apart,
// retried only on server-side (5xx) failures. A terminal "cannot message
// this user" response records the CannotDM user state and stops; any other
// 4xx is surfaced via the error sink; success clears any existing user
// state and records one notification row per keyword.
//
// An aggregate rate limiter guards against a burst of simultaneous
// patience timeouts hammering the send path all at once; it is orthogonal
// to the per-send retry pacing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/infra/reporting"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// NRetries is the maximum number of send attempts.
const NRetries = 5

// RetryWait is the fixed pause between attempts.
const RetryWait = 2 * time.Second

// EmbedColor is the fixed color of a sent notification embed.
const EmbedColor = int32(0xEFFF47)

const descriptionLimit = 4096 // platform embed description limit

// errStopped signals a terminal, already-handled send failure (UserState
// recorded) that should not propagate as an error to the caller.
var errStopped = errors.New("delivery: stopped")

// Engine renders and sends notifications.
type Engine struct {
	gateway  platform.Gateway
	store    *store.Store
	reporter *reporting.Reporter
	limiter  *rate.Limiter

	// sleep is overridable in tests so the fixed 2s retry wait doesn't
	// make the suite slow.
	sleep func(time.Duration)
}

// New builds an Engine. ratePerSecond bounds outbound DM sends across all
// recipients combined (0 disables throttling).
func New(gw platform.Gateway, s *store.Store, reporter *reporting.Reporter, ratePerSecond float64) *Engine {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Engine{
		gateway:  gw,
		store:    s,
		reporter: reporter,
		limiter:  limiter,
		sleep:    time.Sleep,
	}
}

// RenderInput carries everything Deliver needs to build the embed.
type RenderInput struct {
	Original platform.Snowflake
	Channel  platform.ChannelInfo
	Guild    platform.GuildInfo
	Author   platform.UserInfo
	Content  string
	Keywords []string
	SentAt   time.Time
}

// RenderEmbed builds the notification embed.
func RenderEmbed(in RenderInput) platform.Embed {
	return platform.Embed{
		Title:       titleFor(in.Keywords, in.Channel.Name, in.Guild.Name),
		Description: truncate(in.Content, descriptionLimit),
		AuthorIcon:  in.Guild.IconURL,
		FooterText:  in.Author.Username,
		FooterIcon:  in.Author.AvatarURL,
		ChannelLine: fmt.Sprintf("<#%d>", in.Channel.ID),
		MessageLink: fmt.Sprintf("https://discord.com/channels/%d/%d/%d", in.Guild.ID, in.Channel.ID, in.Original),
		Timestamp:   in.SentAt,
		Color:       EmbedColor,
	}
}

func titleFor(keywords []string, channelName, guildName string) string {
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	noun := "Keyword"
	if len(keywords) > 1 {
		noun = "Keywords"
	}
	return fmt.Sprintf("%s %s seen in #%s (%s)", noun, strings.Join(quoted, ", "), channelName, guildName)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// Deliver renders and sends the notification for owner, applying the
// retry policy, and records the Notification rows on success. It satisfies
// patience.Deliverer.
func (e *Engine) Deliver(ctx context.Context, owner, channel, guild, original platform.Snowflake, keywords []string, content string) error {
	channelInfo, err := e.gateway.GetChannel(ctx, channel)
	if err != nil {
		return fmt.Errorf("delivery: get channel: %w", err)
	}
	guildInfo, err := e.gateway.GetGuild(ctx, guild)
	if err != nil {
		return fmt.Errorf("delivery: get guild: %w", err)
	}

	originalMsg := platform.Snowflake(original)
	authorInfo, err := e.gateway.GetUser(ctx, owner)
	if err != nil {
		return fmt.Errorf("delivery: get user: %w", err)
	}

	embed := RenderEmbed(RenderInput{
		Original: originalMsg,
		Channel:  channelInfo,
		Guild:    guildInfo,
		Author:   authorInfo,
		Content:  content,
		Keywords: keywords,
		SentAt:   originalMsg.Timestamp(),
	})

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("delivery: rate limiter: %w", err)
		}
	}

	notificationMsg, err := e.send(ctx, owner, embed)
	if errors.Is(err, errStopped) {
		return nil // UserState recorded; nothing further to do
	}
	if err != nil {
		return err
	}

	if err := e.store.ClearUserState(ctx, owner, store.CannotDM); err != nil {
		logger.Warnf("delivery: clear user state for %d: %v", owner, err)
	}

	return e.store.RecordNotifications(ctx, originalMsg, notificationMsg, owner, keywords)
}

// send implements the bounded fixed-interval retry policy.
func (e *Engine) send(ctx context.Context, owner platform.Snowflake, embed platform.Embed) (platform.Snowflake, error) {
	dmChannel, err := e.gateway.OpenDMChannel(ctx, owner)
	if err != nil {
		return e.handleSendError(ctx, owner, err)
	}

	var lastErr error
	for attempt := 1; attempt <= NRetries; attempt++ {
		msgID, err := e.gateway.SendMessage(ctx, dmChannel, embed)
		if err == nil {
			return msgID, nil
		}
		lastErr = err

		var serverErr *platform.ErrServerError
		if !errors.As(err, &serverErr) {
			return e.handleSendError(ctx, owner, err)
		}

		if attempt < NRetries {
			e.sleep(RetryWait)
		}
	}
	return 0, fmt.Errorf("delivery: send to owner %d failed after %d attempts: %w", owner, NRetries, lastErr)
}

// handleSendError classifies a non-retryable send failure: CannotDM sets
// the user state and stops without propagating an error; any other 4xx is
// reported via the error sink and returned to the caller.
func (e *Engine) handleSendError(ctx context.Context, owner platform.Snowflake, err error) (platform.Snowflake, error) {
	if errors.Is(err, platform.ErrCannotDM) {
		if stateErr := e.store.SetUserState(ctx, owner, store.CannotDM); stateErr != nil {
			logger.Errorf("delivery: set user state for %d: %v", owner, stateErr)
		}
		return 0, errStopped
	}

	var clientErr *platform.ErrClientError
	if errors.As(err, &clientErr) {
		e.reporter.Report("unexpected", "delivery send failed", err.Error())
		return 0, fmt.Errorf("delivery: send to owner %d: %w", owner, err)
	}

	return 0, fmt.Errorf("delivery: send to owner %d: %w", owner, err)
}
