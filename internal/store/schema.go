package store

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。起動時にCREATE TABLE IF NOT EXISTSで適用する。
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    -- ログイン名。通知の宛先解決に使う
    username TEXT NOT NULL UNIQUE,
    time_created INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS peers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    -- ピアのwwwroot。完全一致で検索する
    wwwroot TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    time_created INTEGER NOT NULL DEFAULT (unixepoch())
);

-- 未読メッセージ
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_from INTEGER NOT NULL,
    user_to INTEGER NOT NULL,
    subject TEXT NOT NULL,
    full_message_html TEXT NOT NULL,
    small_message TEXT NOT NULL,
    component TEXT NOT NULL,
    event_type TEXT NOT NULL,
    context_url TEXT NOT NULL DEFAULT '',
    context_url_name TEXT NOT NULL DEFAULT '',
    notification INTEGER NOT NULL DEFAULT 1,
    time_created INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_user_to
    ON messages(user_to);

-- 既読メッセージ。IDは未読時とは別に採番される
CREATE TABLE IF NOT EXISTS messages_read (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_from INTEGER NOT NULL,
    user_to INTEGER NOT NULL,
    subject TEXT NOT NULL,
    full_message_html TEXT NOT NULL,
    small_message TEXT NOT NULL,
    component TEXT NOT NULL,
    event_type TEXT NOT NULL,
    context_url TEXT NOT NULL DEFAULT '',
    context_url_name TEXT NOT NULL DEFAULT '',
    notification INTEGER NOT NULL DEFAULT 1,
    time_created INTEGER NOT NULL,
    time_read INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_read_user_to
    ON messages_read(user_to);

-- 未読メッセージの配信待ちエントリ（プロセッサごと）
CREATE TABLE IF NOT EXISTS message_working (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    unread_message_id INTEGER NOT NULL,
    processor TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_working_unread
    ON message_working(unread_message_id);

-- ピア側通知とホスト側メッセージの中継台帳
CREATE TABLE IF NOT EXISTS relay_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    remote_id INTEGER NOT NULL,
    peer_id INTEGER NOT NULL,
    notify_type TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relay_records_lookup
    ON relay_records(peer_id, notify_type, remote_id);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
