package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

const (
	// Component はホスト側メッセージの配信元コンポーネント名。
	Component = "local_mahoodle"
	// ChannelMessage はユーザー間メッセージ（複数宛先通知）用のプロバイダ名。
	ChannelMessage = "maharamessage"
	// ChannelNotification はそれ以外の通知用のプロバイダ名。
	ChannelNotification = "maharanotification"
	// TypeMultiRecipient はユーザー間メッセージを表す通知種別。
	TypeMultiRecipient = "module_multirecipient_notification"
	// NoReplyUserID は送信者として使う返信不可ユーザーのID。
	NoReplyUserID int64 = -10
)

// ChannelFor は通知種別に対応するメッセージプロバイダ名を返す。
func ChannelFor(notifyType string) string {
	if notifyType == TypeMultiRecipient {
		return ChannelMessage
	}
	return ChannelNotification
}

// Relay はピアからの通知をホスト側へ中継するサービス。
type Relay struct {
	tx     Transactor
	links  *LinkBuilder
	policy *bluemonday.Policy
	now    func() time.Time
	logger zerolog.Logger
}

// Option はRelayの設定を変更する関数。
type Option func(*Relay)

// WithClock は既読時刻に使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// New は新しいRelayを生成する。
func New(tx Transactor, links *LinkBuilder, opts ...Option) *Relay {
	r := &Relay{
		tx:     tx,
		links:  links,
		policy: bluemonday.UGCPolicy(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MarkReadResult はMarkReadの処理結果。
type MarkReadResult struct {
	PeerID    int64
	RemoteIDs []int64
	// Matched は台帳で見つかった件数。
	Matched int
	// Transitioned は今回既読に遷移した件数。
	Transitioned int
}

// DeleteResult はDeleteの処理結果。
type DeleteResult struct {
	PeerID        int64
	RemoteIDs     []int64
	UnreadDeleted int
	ReadDeleted   int
	// LedgerDeleted は台帳から削除した行数。
	LedgerDeleted int64
}

// Receive はピアからの通知を宛先ユーザーへ配信し、台帳に未読として記録する。
// ユーザーが存在しなければErrUnknownUser、ピアが存在しなければErrUnknownPeerを返す。
// 同じピア・種別・ピア側IDの通知が台帳にあれば再配信せず、その行を返す。
func (r *Relay) Receive(ctx context.Context, n Notification) (RelayRecord, error) {
	var (
		created   RelayRecord
		duplicate bool
	)
	err := r.tx.WithinTx(ctx, func(s Stores) error {
		user, err := s.Directory.UserByUsername(ctx, n.Username)
		if errors.Is(err, ErrNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return fmt.Errorf("ユーザーの取得に失敗: %w", err)
		}

		peer, err := lookupPeer(ctx, s.Directory, n.PeerURL)
		if err != nil {
			return err
		}

		existing, err := s.Ledger.Find(ctx, peer.ID, n.Type, []int64{n.RemoteID})
		if err != nil {
			return fmt.Errorf("台帳の検索に失敗: %w", err)
		}
		if len(existing) > 0 {
			created = existing[0]
			duplicate = true
			return nil
		}

		body := r.policy.Sanitize(n.Body)
		msg, err := s.Messages.Deliver(ctx, OutgoingMessage{
			Component:       Component,
			Channel:         ChannelFor(n.Type),
			UserFrom:        NoReplyUserID,
			UserTo:          user.ID,
			Subject:         n.Subject,
			FullMessageHTML: body,
			SmallMessage:    n.Subject,
			ContextURL:      r.links.Build(peer, n.RemoteID, n.Type),
			ContextURLName:  n.Subject,
		})
		if err != nil {
			return fmt.Errorf("メッセージの配信に失敗: %w", err)
		}
		if msg.Location != Unread {
			return fmt.Errorf("配信直後のメッセージ %d が %s にあります", msg.ID, msg.Location)
		}

		created, err = s.Ledger.Insert(ctx, RelayRecord{
			UserID:    user.ID,
			MessageID: msg.ID,
			IsRead:    false,
			RemoteID:  n.RemoteID,
			PeerID:    peer.ID,
			Type:      n.Type,
		})
		if err != nil {
			return fmt.Errorf("台帳への記録に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return RelayRecord{}, err
	}
	if duplicate {
		r.logger.Info().
			Int64("peer_id", created.PeerID).
			Int64("remote_id", created.RemoteID).
			Str("type", created.Type).
			Msg("配信済みの通知のため再配信しません")
		return created, nil
	}

	r.logger.Info().
		Int64("peer_id", created.PeerID).
		Int64("remote_id", created.RemoteID).
		Str("type", created.Type).
		Int64("user_id", created.UserID).
		Int64("message_id", created.MessageID).
		Msg("通知を配信しました")
	return created, nil
}

// MarkRead は指定された通知に対応するメッセージを既読にする。
// ピアが存在しなければErrUnknownPeer、IDが空ならErrNoMessagesSpecifiedを返す（ピアの確認が先）。
// 既に既読の行は変更しない。一致する行が無くてもエラーにはならない。
func (r *Relay) MarkRead(ctx context.Context, remoteIDs []int64, peerURL, notifyType string) (MarkReadResult, error) {
	result := MarkReadResult{RemoteIDs: remoteIDs}
	err := r.tx.WithinTx(ctx, func(s Stores) error {
		peer, err := lookupPeer(ctx, s.Directory, peerURL)
		if err != nil {
			return err
		}
		if len(remoteIDs) == 0 {
			return ErrNoMessagesSpecified
		}
		result.PeerID = peer.ID

		records, err := s.Ledger.Find(ctx, peer.ID, notifyType, remoteIDs)
		if err != nil {
			return fmt.Errorf("台帳の検索に失敗: %w", err)
		}
		result.Matched = len(records)

		now := r.now()
		for _, rec := range records {
			if rec.IsRead {
				continue
			}

			moved, err := s.Messages.MarkRead(ctx, rec.Message(), now)
			if err != nil {
				return fmt.Errorf("メッセージ %d の既読化に失敗: %w", rec.MessageID, err)
			}
			rec.MessageID = moved.ID
			rec.IsRead = true
			if err := s.Ledger.Update(ctx, rec); err != nil {
				return fmt.Errorf("台帳 %d の更新に失敗: %w", rec.ID, err)
			}
			result.Transitioned++
		}
		return nil
	})
	if err != nil {
		return MarkReadResult{}, err
	}

	r.logger.Info().
		Int64("peer_id", result.PeerID).
		Str("type", notifyType).
		Ints64("remote_ids", remoteIDs).
		Int("matched", result.Matched).
		Int("transitioned", result.Transitioned).
		Msg("既読を反映しました")
	return result, nil
}

// Delete は指定された通知に対応するメッセージと台帳の行を削除する。
// エラーの判定順はMarkReadと同じ。
// 未読メッセージは配信待ちキューからも取り除く。一致する行が無くてもエラーにはならない。
func (r *Relay) Delete(ctx context.Context, remoteIDs []int64, peerURL, notifyType string) (DeleteResult, error) {
	result := DeleteResult{RemoteIDs: remoteIDs}
	err := r.tx.WithinTx(ctx, func(s Stores) error {
		peer, err := lookupPeer(ctx, s.Directory, peerURL)
		if err != nil {
			return err
		}
		if len(remoteIDs) == 0 {
			return ErrNoMessagesSpecified
		}
		result.PeerID = peer.ID

		records, err := s.Ledger.Find(ctx, peer.ID, notifyType, remoteIDs)
		if err != nil {
			return fmt.Errorf("台帳の検索に失敗: %w", err)
		}

		var unread, read []int64
		for _, rec := range records {
			if rec.IsRead {
				read = append(read, rec.MessageID)
			} else {
				unread = append(unread, rec.MessageID)
			}
		}

		if len(unread) > 0 {
			if err := s.Messages.DeleteUnread(ctx, unread); err != nil {
				return fmt.Errorf("未読メッセージの削除に失敗: %w", err)
			}
			if err := s.Messages.PurgePendingDelivery(ctx, unread); err != nil {
				return fmt.Errorf("配信待ちエントリの削除に失敗: %w", err)
			}
		}
		if len(read) > 0 {
			if err := s.Messages.DeleteRead(ctx, read); err != nil {
				return fmt.Errorf("既読メッセージの削除に失敗: %w", err)
			}
		}

		n, err := s.Ledger.Delete(ctx, peer.ID, notifyType, remoteIDs)
		if err != nil {
			return fmt.Errorf("台帳の削除に失敗: %w", err)
		}
		result.UnreadDeleted = len(unread)
		result.ReadDeleted = len(read)
		result.LedgerDeleted = n
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}

	r.logger.Info().
		Int64("peer_id", result.PeerID).
		Str("type", notifyType).
		Ints64("remote_ids", remoteIDs).
		Int("unread_deleted", result.UnreadDeleted).
		Int("read_deleted", result.ReadDeleted).
		Msg("削除を反映しました")
	return result, nil
}

// lookupPeer はピアを解決し、存在しなければErrUnknownPeerを返す。
func lookupPeer(ctx context.Context, dir PeerDirectory, peerURL string) (PeerRecord, error) {
	peer, err := dir.PeerByURL(ctx, peerURL)
	if errors.Is(err, ErrNotFound) {
		return PeerRecord{}, ErrUnknownPeer
	}
	if err != nil {
		return PeerRecord{}, fmt.Errorf("ピアの取得に失敗: %w", err)
	}
	return peer, nil
}
