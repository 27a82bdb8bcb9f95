// Package noop provides a placeholder platform.Gateway: every outbound
// call succeeds trivially and every inbound event stream is empty. It
// stands in for a real chat-platform adapter so the rest of the pipeline —
// resolver, patience, delivery, reconciler, reaper, the command
// dispatcher, the CLI — wires and runs end-to-end against a real Store;
// swapping in a genuine client means implementing platform.Gateway against
// it and feeding its event stream into updates.Router.
package noop

import (
	"context"

	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// Gateway implements both halves of the platform seam without any network
// I/O: outbound calls succeed trivially, and the inbound event stream is
// empty.
type Gateway struct{}

var (
	_ platform.Gateway     = Gateway{}
	_ platform.EventSource = Gateway{}
)

// RunEvents blocks until ctx is canceled; the noop stream carries no
// events.
func (Gateway) RunEvents(ctx context.Context, _ platform.EventHandlers) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Gateway) OpenDMChannel(context.Context, platform.Snowflake) (platform.Snowflake, error) {
	return 0, nil
}

func (Gateway) SendMessage(context.Context, platform.Snowflake, platform.Embed) (platform.Snowflake, error) {
	return 0, nil
}

func (Gateway) EditMessage(context.Context, platform.Snowflake, platform.Snowflake, platform.Embed) error {
	return nil
}

func (Gateway) DeleteMessage(context.Context, platform.Snowflake, platform.Snowflake) error {
	return nil
}

func (Gateway) GetChannel(_ context.Context, id platform.Snowflake) (platform.ChannelInfo, error) {
	return platform.ChannelInfo{ID: id}, nil
}

func (Gateway) GetGuild(_ context.Context, id platform.Snowflake) (platform.GuildInfo, error) {
	return platform.GuildInfo{ID: id}, nil
}

func (Gateway) GetUser(_ context.Context, id platform.Snowflake) (platform.UserInfo, error) {
	return platform.UserInfo{ID: id}, nil
}

func (Gateway) CanReadChannel(context.Context, platform.Snowflake, platform.Snowflake) (bool, error) {
	return true, nil
}

func (Gateway) RespondEphemeral(context.Context, platform.Snowflake, string) error {
	return nil
}

func (Gateway) SetActivity(context.Context, string) error { return nil }
