// Package commands implements the slash-command surface as a static
// dispatch table: one handler per command name, each returning a uniform
// Outcome the caller renders without needing to know which command
// produced it.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kbwatch/keywordwatcher/internal/apperr"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// optOutConfirmTTL bounds how long a pending opt-out nonce stays valid.
const optOutConfirmTTL = 10 * time.Second

// Outcome is the sum-typed result of a handler: either Ok (with a reply
// body) or Refused (a validation-style ephemeral rejection).
type Outcome struct {
	Reply   string
	Refused bool
	Warning string // one-shot CannotDm warning, prepended to Reply when set
}

func ok(reply string) Outcome      { return Outcome{Reply: reply} }
func refused(reply string) Outcome { return Outcome{Reply: reply, Refused: true} }

// Invocation is everything a handler needs about the command call: who
// invoked it, where, and its arguments. Guild/Channel are zero when
// invoked from a DM.
type Invocation struct {
	User    platform.Snowflake
	Guild   platform.Snowflake // zero when invoked from a DM
	Channel platform.Snowflake

	Keyword      string
	TargetUser   platform.Snowflake
	TargetChan   platform.Snowflake
	ServerID     platform.Snowflake
	HelpTopic    string
	ConfirmToken string
}

// Handler is one slash command's implementation.
type Handler func(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error)

// table is the static name -> handler dispatch table. It is populated in
// init() rather than via a map literal initializer because handleHelp's
// body ranges over table, and a literal initializer referencing handleHelp
// would create an initialization cycle (table -> handleHelp -> table).
var table map[string]Handler

func init() {
	table = map[string]Handler{
		"add":             handleAdd,
		"remove":          handleRemove,
		"mute":            handleMute,
		"unmute":          handleUnmute,
		"mutes":           handleMutes,
		"block":           handleBlock,
		"unblock":         handleUnblock,
		"blocks":          handleBlocks,
		"ignore":          handleIgnore,
		"unignore":        handleUnignore,
		"ignores":         handleIgnores,
		"keywords":        handleKeywords,
		"remove-server":   handleRemoveServer,
		"opt-out":         handleOptOut,
		"opt-out-confirm": handleOptOutConfirm,
		"opt-in":          handleOptIn,
		"ping":            handlePing,
		"about":           handleAbout,
		"help":            handleHelp,
	}
}

// pendingOptOut is a nonce-salted confirmation awaiting /opt-out-confirm.
type pendingOptOut struct {
	token   string
	expires time.Time
}

// Dispatcher holds the dependencies every handler needs plus in-memory
// state that doesn't belong in the Store (pending opt-out confirmations).
type Dispatcher struct {
	Store       *store.Store
	Gateway     platform.Gateway
	MaxKeywords uint32

	mu      sync.Mutex
	pending map[platform.Snowflake]pendingOptOut
}

// Dispatch looks up name in the static table and, if found, runs it after
// applying the shared preconditions (not-opted-out; guild-context when
// required). An unrecognized name is itself a Validation-kind error.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, inv Invocation) (Outcome, error) {
	handler, ok := table[name]
	if !ok {
		return Outcome{}, apperr.Validationf("unrecognized command %q", name)
	}

	if requiresGuild(name) && inv.Guild == 0 {
		return refused("❌ this command must be used in a server"), nil
	}

	if requiresOptIn(name) {
		optedOut, err := d.Store.OptOutExists(ctx, inv.User)
		if err != nil {
			return Outcome{}, apperr.Wrap(apperr.Unexpected, "check opt-out state", err)
		}
		if optedOut {
			return refused("❌ you have opted out of notifications; run /opt-in to resume"), nil
		}
	}

	out, err := handler(ctx, d, inv)
	if err != nil {
		return Outcome{}, err
	}

	warning, werr := d.oneShotWarning(ctx, inv.User)
	if werr == nil && warning != "" {
		out.Warning = warning
	}
	return out, nil
}

// HandleInteraction adapts an inbound slash-command interaction into a
// Dispatch call and sends the outcome back as an ephemeral reply. It has
// the shape platform.EventHandlers.InteractionCreate expects, so an event
// source feeds it directly.
func (d *Dispatcher) HandleInteraction(ctx context.Context, ev platform.InteractionCreate) {
	inv := Invocation{
		User:         ev.UserID,
		Guild:        ev.GuildID,
		Channel:      ev.ChannelID,
		Keyword:      ev.Keyword,
		TargetUser:   ev.TargetUser,
		TargetChan:   ev.TargetChan,
		ServerID:     ev.ServerID,
		HelpTopic:    ev.HelpTopic,
		ConfirmToken: ev.ConfirmToken,
	}

	out, err := d.Dispatch(ctx, ev.Command, inv)

	var reply string
	switch {
	case err == nil:
		reply = out.Reply
		if out.Warning != "" {
			reply = out.Warning + "\n" + reply
		}
	case apperr.Is(err, apperr.Validation):
		logger.Debugf("commands: %s: %v", ev.Command, err)
		reply = "❌ " + err.Error()
	default:
		logger.Errorf("commands: %s: %v", ev.Command, err)
		reply = fmt.Sprintf("An error occurred. Interaction id: %d", ev.ID)
	}

	if respErr := d.Gateway.RespondEphemeral(ctx, ev.ID, reply); respErr != nil {
		logger.Warnf("commands: respond to interaction %d: %v", ev.ID, respErr)
	}
}

// oneShotWarning surfaces a pending CannotDM user state as a warning on
// the user's next command and then clears the state, so the warning is
// shown once. Delivery also clears the state on a successful send.
func (d *Dispatcher) oneShotWarning(ctx context.Context, user platform.Snowflake) (string, error) {
	has, err := d.Store.HasUserState(ctx, user, store.CannotDM)
	if err != nil || !has {
		return "", err
	}
	if err := d.Store.ClearUserState(ctx, user, store.CannotDM); err != nil {
		return "", err
	}
	return "⚠️ I still can't send you direct messages — check your privacy settings.", nil
}

// putPending records a fresh confirmation nonce for user, replacing any
// earlier one.
func (d *Dispatcher) putPending(user platform.Snowflake) string {
	token := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		d.pending = make(map[platform.Snowflake]pendingOptOut)
	}
	d.pending[user] = pendingOptOut{token: token, expires: time.Now().Add(optOutConfirmTTL)}
	return token
}

// takePending consumes and validates user's pending confirmation against
// token. A mismatched or expired token is not consumed.
func (d *Dispatcher) takePending(user platform.Snowflake, token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[user]
	if !ok || p.token != token || time.Now().After(p.expires) {
		return false
	}
	delete(d.pending, user)
	return true
}

func requiresGuild(name string) bool {
	switch name {
	case "mute", "unmute", "mutes", "remove-server":
		return true
	default:
		return false
	}
}

func requiresOptIn(name string) bool {
	switch name {
	case "ping", "about", "help", "opt-in":
		return false
	default:
		return true
	}
}

func handleAdd(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	text := strings.ToLower(strings.TrimSpace(inv.Keyword))
	if len(text) < 3 {
		return refused("❌ keywords must be at least 3 characters long"), nil
	}
	if strings.Contains(text, "<@") || strings.Contains(text, "<#") || strings.Contains(text, "<&") || strings.Contains(text, "<:") || strings.Contains(text, "<a:") {
		return refused("❌ keywords may not contain mention or emoji markup"), nil
	}
	if inv.TargetChan == 0 && inv.Guild == 0 {
		return refused("❌ this command must be used in a server"), nil
	}

	n, err := d.Store.CountKeywords(ctx, inv.User)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "count keywords", err)
	}
	if uint32(n) >= d.MaxKeywords {
		return refused(fmt.Sprintf("❌ you've reached your keyword limit (%d)", d.MaxKeywords)), nil
	}

	k := store.Keyword{Text: text, Owner: inv.User}
	if inv.TargetChan != 0 {
		k.Scope = store.ScopeChannel
		k.Channel = inv.TargetChan
	} else {
		k.Scope = store.ScopeGuild
		k.GuildID = inv.Guild
	}

	if _, err := d.Store.AddKeyword(ctx, k); err != nil {
		if isUniqueViolation(err) {
			return refused(fmt.Sprintf("❌ you're already watching %q there", text)), nil
		}
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "add keyword", err)
	}

	reply := fmt.Sprintf("✅ now watching for %q", text)
	if n == 0 {
		if err := probeDM(ctx, d.Gateway, inv.User); err != nil {
			if errors.Is(err, platform.ErrCannotDM) {
				reply += "\n⚠️ I couldn't DM you — check your privacy settings."
			} else {
				logger.Warnf("commands: first-keyword DM probe for %d: %v", inv.User, err)
			}
		}
	}
	return ok(reply), nil
}

// probeDM is the first-ever-keyword self-test: opening a DM channel alone
// never exercises send permission (the platform only checks it on an
// actual send), so this opens the channel and then sends a harmless probe
// message through it.
func probeDM(ctx context.Context, gw platform.Gateway, user platform.Snowflake) error {
	channel, err := gw.OpenDMChannel(ctx, user)
	if err != nil {
		return err
	}
	_, err = gw.SendMessage(ctx, channel, platform.Embed{
		Title:       "keywordwatcher",
		Description: "You're now set up to receive keyword notifications by DM.",
	})
	return err
}

func handleRemove(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	text := strings.ToLower(strings.TrimSpace(inv.Keyword))
	scope := store.ScopeGuild
	channel := platform.Snowflake(0)
	guild := inv.Guild
	if inv.TargetChan != 0 {
		scope = store.ScopeChannel
		channel = inv.TargetChan
		guild = 0
	}

	n, err := d.Store.DeleteKeyword(ctx, inv.User, text, scope, guild, channel)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "delete keyword", err)
	}
	if n == 0 {
		return refused(fmt.Sprintf("❌ you have no keyword %q there", text)), nil
	}
	return ok(fmt.Sprintf("✅ removed %q", text)), nil
}

func handleMute(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if err := d.Store.AddMute(ctx, store.Mute{Owner: inv.User, Channel: inv.TargetChan}); err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "add mute", err)
	}
	return ok("✅ muted"), nil
}

func handleUnmute(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	removed, err := d.Store.RemoveMute(ctx, inv.User, inv.TargetChan)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "remove mute", err)
	}
	if !removed {
		return refused("❌ that channel isn't muted"), nil
	}
	return ok("✅ unmuted"), nil
}

func handleMutes(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	channels, err := d.Store.UserMutes(ctx, inv.User)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "list mutes", err)
	}
	return ok(formatSnowflakeList("no muted channels", channels)), nil
}

func handleBlock(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if inv.TargetUser == inv.User {
		return refused("❌ you can't block yourself"), nil
	}
	if err := d.Store.AddBlock(ctx, store.Block{Owner: inv.User, Blocked: inv.TargetUser}); err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "add block", err)
	}
	return ok("✅ blocked"), nil
}

func handleUnblock(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	removed, err := d.Store.RemoveBlock(ctx, inv.User, inv.TargetUser)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "remove block", err)
	}
	if !removed {
		return refused("❌ that user isn't blocked"), nil
	}
	return ok("✅ unblocked"), nil
}

func handleBlocks(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	users, err := d.Store.UserBlocks(ctx, inv.User)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "list blocks", err)
	}
	return ok(formatSnowflakeList("no blocked users", users)), nil
}

func handleIgnore(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if inv.Guild == 0 {
		return refused("❌ this command must be used in a server"), nil
	}
	phrase := strings.ToLower(strings.TrimSpace(inv.Keyword))
	if _, err := d.Store.AddIgnore(ctx, store.Ignore{Phrase: phrase, Owner: inv.User, GuildID: inv.Guild}); err != nil {
		if isUniqueViolation(err) {
			return refused(fmt.Sprintf("❌ you're already ignoring %q here", phrase)), nil
		}
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "add ignore", err)
	}
	return ok(fmt.Sprintf("✅ now ignoring %q in this server", phrase)), nil
}

func handleUnignore(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if inv.Guild == 0 {
		return refused("❌ this command must be used in a server"), nil
	}
	phrase := strings.ToLower(strings.TrimSpace(inv.Keyword))
	n, err := d.Store.DeleteIgnore(ctx, inv.User, phrase, inv.Guild)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "delete ignore", err)
	}
	if n == 0 {
		return refused(fmt.Sprintf("❌ you have no ignore %q here", phrase)), nil
	}
	return ok(fmt.Sprintf("✅ removed ignore %q", phrase)), nil
}

func handleIgnores(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if inv.Guild == 0 {
		return refused("❌ this command must be used in a server"), nil
	}
	ignores, err := d.Store.IgnoresOf(ctx, inv.User, inv.Guild)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "list ignores", err)
	}
	if len(ignores) == 0 {
		return ok("no ignore phrases in this server"), nil
	}
	var sb strings.Builder
	for _, ig := range ignores {
		fmt.Fprintf(&sb, "- %q\n", ig.Phrase)
	}
	return ok(sb.String()), nil
}

// handleKeywords lists every keyword the invoker owns, grouped by guild
// (for guild-scoped rows) and by channel (for channel-scoped rows). The
// listing is never restricted to the invoking guild — a user's keywords
// live across every guild they've added one in.
func handleKeywords(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	keywords, err := d.Store.KeywordsOf(ctx, inv.User)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "list keywords", err)
	}
	if len(keywords) == 0 {
		return ok("you are not watching any keywords"), nil
	}
	return ok(formatKeywordListing(keywords)), nil
}

// formatKeywordListing renders keywords grouped by guild (guild-scoped
// rows) then by channel (channel-scoped rows), each group's keywords
// sorted the way Store.KeywordsOf already ordered them.
func formatKeywordListing(keywords []store.Keyword) string {
	byGuild := map[platform.Snowflake][]string{}
	byChannel := map[platform.Snowflake][]string{}
	var guildOrder, channelOrder []platform.Snowflake

	for _, k := range keywords {
		switch k.Scope {
		case store.ScopeGuild:
			if _, seen := byGuild[k.GuildID]; !seen {
				guildOrder = append(guildOrder, k.GuildID)
			}
			byGuild[k.GuildID] = append(byGuild[k.GuildID], k.Text)
		case store.ScopeChannel:
			if _, seen := byChannel[k.Channel]; !seen {
				channelOrder = append(channelOrder, k.Channel)
			}
			byChannel[k.Channel] = append(byChannel[k.Channel], k.Text)
		}
	}

	var sb strings.Builder
	for _, g := range guildOrder {
		fmt.Fprintf(&sb, "Server <%d>: %s\n", g, strings.Join(byGuild[g], ", "))
	}
	for _, c := range channelOrder {
		fmt.Fprintf(&sb, "Channel <#%d>: %s\n", c, strings.Join(byChannel[c], ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func handleRemoveServer(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	var total int64

	n, err := d.Store.DeleteKeywordsInGuild(ctx, inv.User, inv.ServerID)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "delete guild keywords", err)
	}
	total += n

	channels, err := d.Store.ChannelScopedChannels(ctx, inv.User)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "list channel-scoped channels", err)
	}
	for _, ch := range channels {
		info, err := d.Gateway.GetChannel(ctx, ch)
		if err != nil || info.GuildID != inv.ServerID {
			continue
		}
		n, err := d.Store.DeleteKeywordsInChannel(ctx, inv.User, ch)
		if err != nil {
			return Outcome{}, apperr.Wrap(apperr.Unexpected, "delete channel keywords", err)
		}
		total += n
	}

	n, err = d.Store.DeleteIgnoresInGuild(ctx, inv.User, inv.ServerID)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "delete guild ignores", err)
	}
	total += n

	if total == 0 {
		return ok("nothing to remove"), nil
	}
	return ok(fmt.Sprintf("✅ removed %d row(s) from that server", total)), nil
}

// handleOptOut never performs the opt-out itself: it issues a short-lived
// confirmation nonce the caller must replay via /opt-out-confirm, so a
// single accidental invocation can't wipe a user's keywords.
func handleOptOut(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	token := d.putPending(inv.User)
	return ok(fmt.Sprintf("⚠️ this deletes all your keywords, ignores, mutes, and blocks. Run `/opt-out-confirm %s` within %s to confirm.", token, optOutConfirmTTL)), nil
}

func handleOptOutConfirm(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if !d.takePending(inv.User, strings.TrimSpace(inv.ConfirmToken)) {
		return refused("❌ no matching opt-out confirmation is pending; run /opt-out again"), nil
	}
	if err := d.Store.OptOut(ctx, inv.User); err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "opt out", err)
	}
	return ok("✅ you have opted out; all your keywords, ignores, mutes, and blocks were removed"), nil
}

func handleOptIn(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if err := d.Store.OptIn(ctx, inv.User); err != nil {
		return Outcome{}, apperr.Wrap(apperr.Unexpected, "opt in", err)
	}
	return ok("✅ you have opted back in"), nil
}

func handlePing(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	return ok("🏓 pong"), nil
}

func handleAbout(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	return ok("keywordwatcher watches for keywords across your servers and DMs you when they're mentioned."), nil
}

func handleHelp(ctx context.Context, d *Dispatcher, inv Invocation) (Outcome, error) {
	if inv.HelpTopic == "" {
		var names []string
		for name := range table {
			names = append(names, name)
		}
		sort.Strings(names)
		return ok("available commands: " + strings.Join(names, ", ")), nil
	}
	if _, ok := table[inv.HelpTopic]; !ok {
		return refused(fmt.Sprintf("❌ unknown command %q", inv.HelpTopic)), nil
	}
	return ok(fmt.Sprintf("/%s", inv.HelpTopic)), nil
}

// isUniqueViolation reports whether err is the store's row-level uniqueness
// kicking in — an "already exists" from the user's point of view, not a
// fault.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatSnowflakeList(emptyMsg string, ids []platform.Snowflake) string {
	if len(ids) == 0 {
		return emptyMsg
	}
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "- <#%d>\n", id)
	}
	return sb.String()
}
