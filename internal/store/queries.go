package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/mahoodle/internal/relay"
)

// ErrUnknownProvider は登録されていないプロバイダへの配信を表す。
var ErrUnknownProvider = errors.New("メッセージプロバイダが登録されていません")

// DBTX は*sql.DBと*sql.Txに共通するクエリ実行インターフェース。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries はrelayの協調オブジェクトをSQLで実装する。
// *sql.Txを渡せばトランザクション内で動作する。
type Queries struct {
	db  DBTX
	now func() time.Time
}

var (
	_ relay.PeerDirectory = (*Queries)(nil)
	_ relay.MessageStore  = (*Queries)(nil)
	_ relay.RelayLedger   = (*Queries)(nil)
)

// UserByUsername はユーザー名でユーザーを検索する。
func (q *Queries) UserByUsername(ctx context.Context, username string) (relay.UserRecord, error) {
	var u relay.UserRecord
	err := q.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.UserRecord{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.UserRecord{}, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}
	return u, nil
}

// PeerByURL はwwwrootの完全一致でピアを検索する。
func (q *Queries) PeerByURL(ctx context.Context, wwwroot string) (relay.PeerRecord, error) {
	var p relay.PeerRecord
	err := q.db.QueryRowContext(ctx,
		`SELECT id, wwwroot, name FROM peers WHERE wwwroot = ?`, wwwroot,
	).Scan(&p.ID, &p.WWWRoot, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.PeerRecord{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.PeerRecord{}, fmt.Errorf("ピアの検索に失敗: %w", err)
	}
	return p, nil
}

// Deliver はメッセージを未読として保存し、有効なプロセッサごとに配信待ちエントリを作る。
func (q *Queries) Deliver(ctx context.Context, msg relay.OutgoingMessage) (relay.DeliveredMessage, error) {
	provider, ok := findProvider(msg.Component, msg.Channel)
	if !ok {
		return relay.DeliveredMessage{}, fmt.Errorf("%s/%s: %w", msg.Component, msg.Channel, ErrUnknownProvider)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO messages
		   (user_from, user_to, subject, full_message_html, small_message, component, event_type,
		    context_url, context_url_name, notification, time_created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		msg.UserFrom, msg.UserTo, msg.Subject, msg.FullMessageHTML, msg.SmallMessage,
		msg.Component, msg.Channel, msg.ContextURL, msg.ContextURLName, q.now().Unix(),
	)
	if err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("メッセージの保存に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("メッセージIDの取得に失敗: %w", err)
	}

	for _, processor := range provider.EnabledProcessors() {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO message_working (unread_message_id, processor) VALUES (?, ?)`,
			id, processor,
		); err != nil {
			return relay.DeliveredMessage{}, fmt.Errorf("配信待ちエントリの作成に失敗: %w", err)
		}
	}

	return relay.DeliveredMessage{ID: id, Location: relay.Unread}, nil
}

// MarkRead は未読メッセージをmessages_readへ移す。
// 元の行と配信待ちエントリは削除され、messages_readで採番された新しいIDを返す。
func (q *Queries) MarkRead(ctx context.Context, msg relay.DeliveredMessage, at time.Time) (relay.DeliveredMessage, error) {
	if msg.Location != relay.Unread {
		return relay.DeliveredMessage{}, fmt.Errorf("メッセージ %d は%sのため既読にできません", msg.ID, msg.Location)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO messages_read
		   (user_from, user_to, subject, full_message_html, small_message, component, event_type,
		    context_url, context_url_name, notification, time_created, time_read)
		 SELECT user_from, user_to, subject, full_message_html, small_message, component, event_type,
		        context_url, context_url_name, notification, time_created, ?
		   FROM messages WHERE id = ?`,
		at.Unix(), msg.ID,
	)
	if err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("既読メッセージの作成に失敗: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("既読メッセージの作成結果の取得に失敗: %w", err)
	} else if n == 0 {
		return relay.DeliveredMessage{}, fmt.Errorf("未読メッセージ %d: %w", msg.ID, relay.ErrNotFound)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("既読メッセージIDの取得に失敗: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, msg.ID); err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("未読メッセージの削除に失敗: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM message_working WHERE unread_message_id = ?`, msg.ID); err != nil {
		return relay.DeliveredMessage{}, fmt.Errorf("配信待ちエントリの削除に失敗: %w", err)
	}

	return relay.DeliveredMessage{ID: newID, Location: relay.Read}, nil
}

// DeleteUnread は未読メッセージを削除する。
func (q *Queries) DeleteUnread(ctx context.Context, ids []int64) error {
	return q.deleteIn(ctx, "messages", "id", ids)
}

// PurgePendingDelivery は未読メッセージを参照する配信待ちエントリを削除する。
func (q *Queries) PurgePendingDelivery(ctx context.Context, unreadIDs []int64) error {
	return q.deleteIn(ctx, "message_working", "unread_message_id", unreadIDs)
}

// DeleteRead は既読メッセージを削除する。
func (q *Queries) DeleteRead(ctx context.Context, ids []int64) error {
	return q.deleteIn(ctx, "messages_read", "id", ids)
}

// Insert は台帳に行を追加し、採番されたIDを設定して返す。
func (q *Queries) Insert(ctx context.Context, rec relay.RelayRecord) (relay.RelayRecord, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO relay_records (user_id, message_id, is_read, remote_id, peer_id, notify_type)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.MessageID, boolToInt(rec.IsRead), rec.RemoteID, rec.PeerID, rec.Type,
	)
	if err != nil {
		return relay.RelayRecord{}, fmt.Errorf("台帳への追加に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return relay.RelayRecord{}, fmt.Errorf("台帳IDの取得に失敗: %w", err)
	}
	rec.ID = id
	return rec, nil
}

// Find はピア・種別・ピア側IDの集合に一致する台帳の行をID順に返す。
func (q *Queries) Find(ctx context.Context, peerID int64, notifyType string, remoteIDs []int64) ([]relay.RelayRecord, error) {
	if len(remoteIDs) == 0 {
		return nil, nil
	}

	in, inArgs := inClause(remoteIDs)
	args := append([]any{peerID, notifyType}, inArgs...)
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, message_id, is_read, remote_id, peer_id, notify_type
		   FROM relay_records
		  WHERE peer_id = ? AND notify_type = ? AND remote_id IN (`+in+`)
		  ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("台帳の検索に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []relay.RelayRecord
	for rows.Next() {
		var (
			rec    relay.RelayRecord
			isRead int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.MessageID, &isRead, &rec.RemoteID, &rec.PeerID, &rec.Type); err != nil {
			return nil, fmt.Errorf("台帳の読み取りに失敗: %w", err)
		}
		rec.IsRead = isRead != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Update は台帳の行のメッセージIDと既読状態を更新する。
func (q *Queries) Update(ctx context.Context, rec relay.RelayRecord) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE relay_records SET message_id = ?, is_read = ? WHERE id = ?`,
		rec.MessageID, boolToInt(rec.IsRead), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("台帳の更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("台帳の更新結果の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("台帳 %d: %w", rec.ID, relay.ErrNotFound)
	}
	return nil
}

// Delete はピア・種別・ピア側IDの集合に一致する台帳の行を削除し、削除件数を返す。
func (q *Queries) Delete(ctx context.Context, peerID int64, notifyType string, remoteIDs []int64) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}

	in, inArgs := inClause(remoteIDs)
	args := append([]any{peerID, notifyType}, inArgs...)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM relay_records WHERE peer_id = ? AND notify_type = ? AND remote_id IN (`+in+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("台帳の削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// deleteIn はcolumnがidsのいずれかに一致する行をtableから削除する。
// table・columnは呼び出し元の定数のみを渡すこと。
func (q *Queries) deleteIn(ctx context.Context, table, column string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := q.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+` IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("%sの削除に失敗: %w", table, err)
	}
	return nil
}

// inClause はIN句のプレースホルダと引数を組み立てる。
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
