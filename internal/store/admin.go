package store

import (
	"context"
	"fmt"

	"github.com/nao1215/mahoodle/internal/relay"
)

// PendingDelivery は配信待ちエントリ。
type PendingDelivery struct {
	ID              int64
	UnreadMessageID int64
	Processor       string
}

// CreateUser はホスト側ユーザーを登録する。
func (s *Store) CreateUser(ctx context.Context, username string) (relay.UserRecord, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (username) VALUES (?)`, username)
	if err != nil {
		return relay.UserRecord{}, fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return relay.UserRecord{}, fmt.Errorf("ユーザーIDの取得に失敗: %w", err)
	}
	return relay.UserRecord{ID: id, Username: username}, nil
}

// CreatePeer はピアを登録する。
func (s *Store) CreatePeer(ctx context.Context, wwwroot, name string) (relay.PeerRecord, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO peers (wwwroot, name) VALUES (?, ?)`, wwwroot, name)
	if err != nil {
		return relay.PeerRecord{}, fmt.Errorf("ピアの登録に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return relay.PeerRecord{}, fmt.Errorf("ピアIDの取得に失敗: %w", err)
	}
	return relay.PeerRecord{ID: id, WWWRoot: wwwroot, Name: name}, nil
}

// ListPeers は登録済みのピアをID順に返す。
func (s *Store) ListPeers(ctx context.Context) ([]relay.PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, wwwroot, name FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ピア一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var peers []relay.PeerRecord
	for rows.Next() {
		var p relay.PeerRecord
		if err := rows.Scan(&p.ID, &p.WWWRoot, &p.Name); err != nil {
			return nil, fmt.Errorf("ピアの読み取りに失敗: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// ListPendingDeliveries は配信待ちエントリを古い順に最大limit件返す。
func (s *Store) ListPendingDeliveries(ctx context.Context, limit int) ([]PendingDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, unread_message_id, processor FROM message_working ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("配信待ちエントリの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingDelivery
	for rows.Next() {
		var p PendingDelivery
		if err := rows.Scan(&p.ID, &p.UnreadMessageID, &p.Processor); err != nil {
			return nil, fmt.Errorf("配信待ちエントリの読み取りに失敗: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompleteDelivery は配信待ちエントリを完了として削除する。
func (s *Store) CompleteDelivery(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_working WHERE id = ?`, id); err != nil {
		return fmt.Errorf("配信待ちエントリの完了に失敗: %w", err)
	}
	return nil
}

// CountUnread はユーザー宛の未読メッセージ数を返す。
func (s *Store) CountUnread(ctx context.Context, userID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages WHERE user_to = ?`, userID)
}

// CountRead はユーザー宛の既読メッセージ数を返す。
func (s *Store) CountRead(ctx context.Context, userID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages_read WHERE user_to = ?`, userID)
}

// CountPending は配信待ちエントリの総数を返す。
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM message_working`)
}

// CountRelayRecords は台帳の総行数を返す。
func (s *Store) CountRelayRecords(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM relay_records`)
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("件数の取得に失敗: %w", err)
	}
	return n, nil
}
