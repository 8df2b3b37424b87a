package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// One row per comment. notify_hash is indexed for the unsubscribe path and
// (entity_id, notify, notified) for candidate selection.
const schema = `
CREATE TABLE IF NOT EXISTS comment_notify (
    comment_id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL DEFAULT '',
    mail TEXT NOT NULL DEFAULT '',
    notify INTEGER NOT NULL DEFAULT 0,
    notify_hash VARCHAR(128) NOT NULL,
    notified INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_comment_notify_hash
    ON comment_notify(notify_hash);

CREATE INDEX IF NOT EXISTS idx_comment_notify_candidates
    ON comment_notify(entity_id, notify, notified);

CREATE INDEX IF NOT EXISTS idx_comment_notify_mail
    ON comment_notify(mail);

CREATE TABLE IF NOT EXISTS comment_notify_user_settings (
    uid INTEGER PRIMARY KEY,
    mail TEXT NOT NULL DEFAULT '',
    comment_notify INTEGER NOT NULL DEFAULT 0,
    node_notify INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_comment_notify_user_settings_mail
    ON comment_notify_user_settings(mail);
`

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
