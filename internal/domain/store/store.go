// Package store is the relational persistence layer: one table per entity
// (Keyword, Ignore, Mute, Block, OptOut, UserState, Notification), created
// idempotently at startup, migrated forward with append-only transactional
// DDL, and queried through a small set of indexed, purpose-built methods
// rather than a general-purpose ORM.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/platform"
)

// ErrNotFound is the store's not-found sentinel. No Store method returns
// it: the existence checks report absence as false with a nil error.
var ErrNotFound = errors.New("store: not found")

// Scope tags a Keyword as guild-wide or channel-scoped.
type Scope int

const (
	ScopeGuild Scope = iota
	ScopeChannel
)

// Keyword is a subscriber's watched phrase.
type Keyword struct {
	ID      int64
	Text    string
	Owner   platform.Snowflake
	Scope   Scope
	GuildID platform.Snowflake // set when Scope == ScopeGuild
	Channel platform.Snowflake // set when Scope == ScopeChannel
}

// Ignore is a per-owner, per-guild phrase that suppresses otherwise-matching
// keywords.
type Ignore struct {
	ID      int64
	Phrase  string
	Owner   platform.Snowflake
	GuildID platform.Snowflake
}

// Mute silences an owner's guild-scoped keywords in one channel.
type Mute struct {
	Owner   platform.Snowflake
	Channel platform.Snowflake
}

// Block suppresses an owner's keywords on messages authored by Blocked.
type Block struct {
	Owner   platform.Snowflake
	Blocked platform.Snowflake
}

// UserStateKind enumerates the persisted per-user flags.
type UserStateKind string

// CannotDM is set by Delivery on a terminal DM-forbidden failure.
const CannotDM UserStateKind = "cannot_dm"

// Notification records a single keyword's contribution to a sent DM embed.
type Notification struct {
	OriginalMessage     platform.Snowflake
	NotificationMessage platform.Snowflake
	UserID               platform.Snowflake
	Keyword              string
}

// Store is the relational persistence layer. All methods are safe for
// concurrent use; the database/sql pool handles serialization.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path, enables WAL
// mode and foreign keys, and brings the schema up to date.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	logger.Infof("store: opened %s", path)
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need direct access
// beyond the query methods. Backup rotation does not use it; it works on
// the database file by path.
func (s *Store) DB() *sql.DB { return s.db }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS keywords (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	owner INTEGER NOT NULL,
	scope INTEGER NOT NULL,
	guild_id INTEGER NOT NULL DEFAULT 0,
	channel_id INTEGER NOT NULL DEFAULT 0,
	UNIQUE(text, owner, scope, guild_id, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_keywords_guild ON keywords(guild_id) WHERE scope = 0;
CREATE INDEX IF NOT EXISTS idx_keywords_channel ON keywords(channel_id) WHERE scope = 1;
CREATE INDEX IF NOT EXISTS idx_keywords_owner ON keywords(owner);

CREATE TABLE IF NOT EXISTS ignores (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	phrase TEXT NOT NULL,
	owner INTEGER NOT NULL,
	guild_id INTEGER NOT NULL,
	UNIQUE(phrase, owner, guild_id)
);
CREATE INDEX IF NOT EXISTS idx_ignores_owner_guild ON ignores(owner, guild_id);

CREATE TABLE IF NOT EXISTS mutes (
	owner INTEGER NOT NULL,
	channel_id INTEGER NOT NULL,
	PRIMARY KEY (owner, channel_id)
);

CREATE TABLE IF NOT EXISTS blocks (
	owner INTEGER NOT NULL,
	blocked INTEGER NOT NULL,
	PRIMARY KEY (owner, blocked)
);
CREATE INDEX IF NOT EXISTS idx_blocks_owner ON blocks(owner);

CREATE TABLE IF NOT EXISTS opt_outs (
	user_id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS user_states (
	user_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (user_id, kind)
);

CREATE TABLE IF NOT EXISTS notifications (
	notification_message INTEGER NOT NULL,
	keyword TEXT NOT NULL,
	original_message INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (notification_message, keyword)
);
CREATE INDEX IF NOT EXISTS idx_notifications_original ON notifications(original_message);
`

func (s *Store) createSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

// runMigrations applies forward-only schema changes against an existing
// database. Each migration runs inside its own transaction and is itself
// idempotent, so restarting mid-migration is safe.
func (s *Store) runMigrations() error {
	if err := s.migrateCompositeNotificationKey(); err != nil {
		return fmt.Errorf("composite notification key migration: %w", err)
	}
	return nil
}

// migrateCompositeNotificationKey upgrades a legacy notifications table
// keyed by notification_message alone (one row per keyword, but at most
// one keyword recordable per DM) to the current (notification_message,
// keyword) composite key. The table is rebuilt with the new key and the
// rows copied across unchanged. A fresh install starts at the composite-key
// schema directly (see schemaSQL above); this migration only fires when
// the legacy single-column key is detected.
func (s *Store) migrateCompositeNotificationKey() error {
	legacy, err := s.notificationsKeyedByMessageAlone()
	if err != nil || !legacy {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE notifications_migrated (
			notification_message INTEGER NOT NULL,
			keyword TEXT NOT NULL,
			original_message INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (notification_message, keyword)
		)`,
		`INSERT OR IGNORE INTO notifications_migrated (notification_message, keyword, original_message, user_id)
		 SELECT notification_message, keyword, original_message, user_id FROM notifications`,
		`DROP TABLE notifications`,
		`ALTER TABLE notifications_migrated RENAME TO notifications`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_original ON notifications(original_message)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// notificationsKeyedByMessageAlone reports whether the notifications table
// still carries the legacy primary key on notification_message only.
func (s *Store) notificationsKeyedByMessageAlone() (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(notifications)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	keyCols := 0
	keywordInKey := false
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if pk > 0 {
			keyCols++
			if name == "keyword" {
				keywordInKey = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return keyCols == 1 && !keywordInKey, nil
}
