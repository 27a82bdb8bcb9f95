package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// AddKeyword inserts a Keyword row. Returns the new row's id.
func (s *Store) AddKeyword(ctx context.Context, k Keyword) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keywords (text, owner, scope, guild_id, channel_id) VALUES (?, ?, ?, ?, ?)`,
		k.Text, int64(k.Owner), int(k.Scope), int64(k.GuildID), int64(k.Channel),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add keyword: %w", err)
	}
	return res.LastInsertId()
}

// CountKeywords returns how many Keyword rows owner owns, for quota
// enforcement against behavior.max_keywords.
func (s *Store) CountKeywords(ctx context.Context, owner platform.Snowflake) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM keywords WHERE owner = ?`, int64(owner)).Scan(&n)
	return n, err
}

// KeywordsRelevant returns every Keyword row (guild-scoped and
// channel-scoped, unioned) that could possibly fire for a message from
// author in (guild, channel): the owner isn't the author, neither party
// has opted out, the owner doesn't block the author, and — for
// guild-scoped rows only — the owner hasn't muted channel.
func (s *Store) KeywordsRelevant(ctx context.Context, guild, channel, author platform.Snowflake) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, owner, scope, guild_id, channel_id
		FROM keywords
		WHERE owner != ?
		  AND NOT EXISTS (SELECT 1 FROM opt_outs WHERE user_id = keywords.owner)
		  AND NOT EXISTS (SELECT 1 FROM opt_outs WHERE user_id = ?)
		  AND NOT EXISTS (SELECT 1 FROM blocks WHERE owner = keywords.owner AND blocked = ?)
		  AND (
		        (scope = 0 AND guild_id = ? AND NOT EXISTS (
		                SELECT 1 FROM mutes WHERE mutes.owner = keywords.owner AND mutes.channel_id = ?
		        ))
		     OR (scope = 1 AND channel_id = ?)
		  )`,
		int64(author), int64(author), int64(author), int64(guild), int64(channel), int64(channel),
	)
	if err != nil {
		return nil, fmt.Errorf("store: keywords relevant: %w", err)
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var k Keyword
		var owner, guildID, channelID int64
		var scope int
		if err := rows.Scan(&k.ID, &k.Text, &owner, &scope, &guildID, &channelID); err != nil {
			return nil, err
		}
		k.Owner = platform.Snowflake(owner)
		k.Scope = Scope(scope)
		k.GuildID = platform.Snowflake(guildID)
		k.Channel = platform.Snowflake(channelID)
		out = append(out, k)
	}
	return out, rows.Err()
}

// KeywordsOf returns every Keyword row owner owns, across every guild and
// channel, for the `/keywords` listing — unlike KeywordsRelevant this
// applies no relevance filtering, since it's a self-inventory, not a
// notification candidate query.
func (s *Store) KeywordsOf(ctx context.Context, owner platform.Snowflake) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, owner, scope, guild_id, channel_id
		FROM keywords
		WHERE owner = ?
		ORDER BY scope, guild_id, channel_id, text`,
		int64(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("store: keywords of: %w", err)
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var k Keyword
		var ownerID, guildID, channelID int64
		var scope int
		if err := rows.Scan(&k.ID, &k.Text, &ownerID, &scope, &guildID, &channelID); err != nil {
			return nil, err
		}
		k.Owner = platform.Snowflake(ownerID)
		k.Scope = Scope(scope)
		k.GuildID = platform.Snowflake(guildID)
		k.Channel = platform.Snowflake(channelID)
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteKeyword removes a single Keyword row by exact identity.
func (s *Store) DeleteKeyword(ctx context.Context, owner platform.Snowflake, text string, scope Scope, guild, channel platform.Snowflake) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM keywords WHERE owner = ? AND text = ? AND scope = ? AND guild_id = ? AND channel_id = ?`,
		int64(owner), text, int(scope), int64(guild), int64(channel),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete keyword: %w", err)
	}
	return res.RowsAffected()
}

// DeleteKeywordsInGuild removes every guild-scoped Keyword owner owns under
// guild, returning the affected row count. Channel-scoped keywords carry no
// guild reference of their own (a channel's guild is platform state, not
// store state), so callers that also need to purge channel-scoped keywords
// belonging to a guild's channels must resolve those channel ids via the
// platform and delete them individually with DeleteKeywordsInChannel — see
// the remove-server command handler.
func (s *Store) DeleteKeywordsInGuild(ctx context.Context, owner, guild platform.Snowflake) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM keywords WHERE owner = ? AND scope = 0 AND guild_id = ?`,
		int64(owner), int64(guild),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete keywords in guild: %w", err)
	}
	return res.RowsAffected()
}

// ChannelScopedChannels returns the distinct channel ids owner has a
// channel-scoped Keyword in, so a caller can resolve each channel's guild
// via the platform before deciding whether to purge it.
func (s *Store) ChannelScopedChannels(ctx context.Context, owner platform.Snowflake) ([]platform.Snowflake, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM keywords WHERE owner = ? AND scope = 1`,
		int64(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("store: channel scoped channels: %w", err)
	}
	defer rows.Close()

	var out []platform.Snowflake
	for rows.Next() {
		var ch int64
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, platform.Snowflake(ch))
	}
	return out, rows.Err()
}

// DeleteKeywordsInChannel removes channel-scoped Keyword rows owner owns
// in channel.
func (s *Store) DeleteKeywordsInChannel(ctx context.Context, owner, channel platform.Snowflake) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM keywords WHERE owner = ? AND scope = 1 AND channel_id = ?`,
		int64(owner), int64(channel),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete keywords in channel: %w", err)
	}
	return res.RowsAffected()
}

// AddIgnore inserts an Ignore row.
func (s *Store) AddIgnore(ctx context.Context, ig Ignore) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ignores (phrase, owner, guild_id) VALUES (?, ?, ?)`,
		ig.Phrase, int64(ig.Owner), int64(ig.GuildID),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add ignore: %w", err)
	}
	return res.LastInsertId()
}

// IgnoresOf lists owner's ignore phrases scoped to guild.
func (s *Store) IgnoresOf(ctx context.Context, owner, guild platform.Snowflake) ([]Ignore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phrase, owner, guild_id FROM ignores WHERE owner = ? AND guild_id = ?`,
		int64(owner), int64(guild),
	)
	if err != nil {
		return nil, fmt.Errorf("store: ignores of: %w", err)
	}
	defer rows.Close()

	var out []Ignore
	for rows.Next() {
		var ig Ignore
		var owner, guildID int64
		if err := rows.Scan(&ig.ID, &ig.Phrase, &owner, &guildID); err != nil {
			return nil, err
		}
		ig.Owner = platform.Snowflake(owner)
		ig.GuildID = platform.Snowflake(guildID)
		out = append(out, ig)
	}
	return out, rows.Err()
}

// DeleteIgnore removes a single Ignore row.
func (s *Store) DeleteIgnore(ctx context.Context, owner platform.Snowflake, phrase string, guild platform.Snowflake) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ignores WHERE owner = ? AND phrase = ? AND guild_id = ?`,
		int64(owner), phrase, int64(guild),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete ignore: %w", err)
	}
	return res.RowsAffected()
}

// DeleteIgnoresInGuild removes every Ignore row owner owns in guild.
func (s *Store) DeleteIgnoresInGuild(ctx context.Context, owner, guild platform.Snowflake) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ignores WHERE owner = ? AND guild_id = ?`,
		int64(owner), int64(guild),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete ignores in guild: %w", err)
	}
	return res.RowsAffected()
}

// AddMute inserts a Mute row. Adding a mute that already exists is a
// no-op and returns nil (mutes are a set, not a log).
func (s *Store) AddMute(ctx context.Context, m Mute) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO mutes (owner, channel_id) VALUES (?, ?)`,
		int64(m.Owner), int64(m.Channel),
	)
	return err
}

// RemoveMute deletes a Mute row, returning whether one existed.
func (s *Store) RemoveMute(ctx context.Context, owner, channel platform.Snowflake) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutes WHERE owner = ? AND channel_id = ?`,
		int64(owner), int64(channel),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UserMutes lists the channels owner has muted.
func (s *Store) UserMutes(ctx context.Context, owner platform.Snowflake) ([]platform.Snowflake, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM mutes WHERE owner = ?`, int64(owner))
	if err != nil {
		return nil, fmt.Errorf("store: user mutes: %w", err)
	}
	defer rows.Close()

	var out []platform.Snowflake
	for rows.Next() {
		var ch int64
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		out = append(out, platform.Snowflake(ch))
	}
	return out, rows.Err()
}

// IsMuted reports whether owner has muted channel.
func (s *Store) IsMuted(ctx context.Context, owner, channel platform.Snowflake) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM mutes WHERE owner = ? AND channel_id = ?`,
		int64(owner), int64(channel),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AddBlock inserts a Block row.
func (s *Store) AddBlock(ctx context.Context, b Block) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (owner, blocked) VALUES (?, ?)`,
		int64(b.Owner), int64(b.Blocked),
	)
	return err
}

// RemoveBlock deletes a Block row, returning whether one existed.
func (s *Store) RemoveBlock(ctx context.Context, owner, blocked platform.Snowflake) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE owner = ? AND blocked = ?`,
		int64(owner), int64(blocked),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UserBlocks lists the users owner has blocked.
func (s *Store) UserBlocks(ctx context.Context, owner platform.Snowflake) ([]platform.Snowflake, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT blocked FROM blocks WHERE owner = ?`, int64(owner))
	if err != nil {
		return nil, fmt.Errorf("store: user blocks: %w", err)
	}
	defer rows.Close()

	var out []platform.Snowflake
	for rows.Next() {
		var b int64
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, platform.Snowflake(b))
	}
	return out, rows.Err()
}

// BlockExists reports whether owner has blocked blocked.
func (s *Store) BlockExists(ctx context.Context, owner, blocked platform.Snowflake) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE owner = ? AND blocked = ?`,
		int64(owner), int64(blocked),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// OptOutExists reports whether user has opted out.
func (s *Store) OptOutExists(ctx context.Context, user platform.Snowflake) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM opt_outs WHERE user_id = ?`, int64(user)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// OptOut atomically purges every Keyword/Ignore/Mute/Block row the user
// owns and inserts an OptOut row, all in one transaction.
func (s *Store) OptOut(ctx context.Context, user platform.Snowflake) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: opt out: begin: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM keywords WHERE owner = ?`, []any{int64(user)}},
		{`DELETE FROM ignores WHERE owner = ?`, []any{int64(user)}},
		{`DELETE FROM mutes WHERE owner = ?`, []any{int64(user)}},
		{`DELETE FROM blocks WHERE owner = ?`, []any{int64(user)}},
		{`INSERT OR IGNORE INTO opt_outs (user_id) VALUES (?)`, []any{int64(user)}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("store: opt out: %w", err)
		}
	}

	return tx.Commit()
}

// OptIn removes user's OptOut row, if present.
func (s *Store) OptIn(ctx context.Context, user platform.Snowflake) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM opt_outs WHERE user_id = ?`, int64(user))
	return err
}

// SetUserState records kind for user, e.g. CannotDM on a terminal
// DM-forbidden delivery failure.
func (s *Store) SetUserState(ctx context.Context, user platform.Snowflake, kind UserStateKind) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_states (user_id, kind) VALUES (?, ?)`,
		int64(user), string(kind),
	)
	return err
}

// ClearUserState removes kind for user, e.g. on the next successful DM or
// an explicit opt-in-equivalent path.
func (s *Store) ClearUserState(ctx context.Context, user platform.Snowflake, kind UserStateKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_states WHERE user_id = ? AND kind = ?`,
		int64(user), string(kind),
	)
	return err
}

// HasUserState reports whether user currently carries kind.
func (s *Store) HasUserState(ctx context.Context, user platform.Snowflake, kind UserStateKind) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user_states WHERE user_id = ? AND kind = ?`,
		int64(user), string(kind),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// RecordNotifications inserts one Notification row per keyword, all
// sharing the same (original, notification, user) triple — a single DM may
// cover multiple keywords.
func (s *Store) RecordNotifications(ctx context.Context, original, notificationMsg, user platform.Snowflake, keywords []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record notifications: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO notifications (notification_message, keyword, original_message, user_id) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, kw := range keywords {
		if _, err := stmt.ExecContext(ctx, int64(notificationMsg), kw, int64(original), int64(user)); err != nil {
			return fmt.Errorf("store: record notifications: %w", err)
		}
	}

	return tx.Commit()
}

// NotificationsOfMessage lists every Notification row for original.
func (s *Store) NotificationsOfMessage(ctx context.Context, original platform.Snowflake) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notification_message, keyword, original_message, user_id FROM notifications WHERE original_message = ?`,
		int64(original),
	)
	if err != nil {
		return nil, fmt.Errorf("store: notifications of message: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// NotificationsBefore paginates Notification rows (grouped implicitly by
// original_message, one row per keyword) with original_message at or before
// cutoff, ascending, in batches of up to limit — used by the Reaper.
func (s *Store) NotificationsBefore(ctx context.Context, limit int, cutoff platform.Snowflake) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notification_message, keyword, original_message, user_id
		 FROM notifications
		 WHERE original_message <= ?
		 ORDER BY original_message ASC
		 LIMIT ?`,
		int64(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: notifications before: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	var out []Notification
	for rows.Next() {
		var n Notification
		var notifMsg, original, user int64
		if err := rows.Scan(&notifMsg, &n.Keyword, &original, &user); err != nil {
			return nil, err
		}
		n.NotificationMessage = platform.Snowflake(notifMsg)
		n.OriginalMessage = platform.Snowflake(original)
		n.UserID = platform.Snowflake(user)
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNotifications bulk-deletes every Notification row for the given
// notification message ids, regardless of keyword.
func (s *Store) DeleteNotifications(ctx context.Context, notificationMessages []platform.Snowflake) error {
	if len(notificationMessages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete notifications: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM notifications WHERE notification_message = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range notificationMessages {
		if _, err := stmt.ExecContext(ctx, int64(id)); err != nil {
			return fmt.Errorf("store: delete notifications: %w", err)
		}
	}

	return tx.Commit()
}
