package relay

import (
	"context"
	"time"
)

// UserRecord はホスト側のユーザー。
type UserRecord struct {
	ID       int64
	Username string
}

// PeerRecord は通知を送ってくるリモートのピア。
type PeerRecord struct {
	ID      int64
	WWWRoot string
	Name    string
}

// Location はメッセージが置かれている場所を表す。
type Location int

const (
	// Unread は未読メッセージの置き場所。
	Unread Location = iota
	// Read は既読メッセージの置き場所。
	Read
)

func (l Location) String() string {
	switch l {
	case Unread:
		return "unread"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// DeliveredMessage は配信済みメッセージへの参照。
// IDはLocationの中でのみ一意であり、既読への遷移で別のIDに変わる。
type DeliveredMessage struct {
	ID       int64
	Location Location
}

// RelayRecord はピア側の通知とホスト側メッセージの対応を記録する台帳の1行。
// (RemoteID, PeerID, Type) の組で一意に扱う。
type RelayRecord struct {
	ID        int64
	UserID    int64
	MessageID int64
	IsRead    bool
	RemoteID  int64
	PeerID    int64
	Type      string
}

// Message は台帳が指しているメッセージを返す。
func (r RelayRecord) Message() DeliveredMessage {
	if r.IsRead {
		return DeliveredMessage{ID: r.MessageID, Location: Read}
	}
	return DeliveredMessage{ID: r.MessageID, Location: Unread}
}

// OutgoingMessage はホスト側のメッセージ機能へ渡す配信要求。
type OutgoingMessage struct {
	// Component は配信元コンポーネント名。
	Component string
	// Channel はメッセージプロバイダ名。
	Channel string
	UserFrom int64
	UserTo   int64
	Subject  string
	// FullMessageHTML はサニタイズ済みの本文。
	FullMessageHTML string
	// SmallMessage はポップアップ等に使う短い本文。
	SmallMessage   string
	ContextURL     string
	ContextURLName string
}

// Notification はピアから受信した通知。
type Notification struct {
	Username string
	RemoteID int64
	Subject  string
	// Body はHTML本文。配信前にサニタイズされる。
	Body    string
	PeerURL string
	Type    string
}

// PeerDirectory はユーザーとピアを解決する。
// 見つからない場合はErrNotFoundを返す。
type PeerDirectory interface {
	UserByUsername(ctx context.Context, username string) (UserRecord, error)
	PeerByURL(ctx context.Context, wwwroot string) (PeerRecord, error)
}

// MessageStore はホスト側のメッセージ配信と保存を担う。
type MessageStore interface {
	// Deliver はメッセージを未読として配信し、その参照を返す。
	Deliver(ctx context.Context, msg OutgoingMessage) (DeliveredMessage, error)
	// MarkRead は未読メッセージを既読の置き場所へ移し、新しい参照を返す。
	MarkRead(ctx context.Context, msg DeliveredMessage, at time.Time) (DeliveredMessage, error)
	// DeleteUnread は未読メッセージを削除する。
	DeleteUnread(ctx context.Context, ids []int64) error
	// PurgePendingDelivery は未読メッセージを参照する配信待ちエントリを削除する。
	PurgePendingDelivery(ctx context.Context, unreadIDs []int64) error
	// DeleteRead は既読メッセージを削除する。
	DeleteRead(ctx context.Context, ids []int64) error
}

// RelayLedger は中継台帳を管理する。
type RelayLedger interface {
	Insert(ctx context.Context, rec RelayRecord) (RelayRecord, error)
	Find(ctx context.Context, peerID int64, notifyType string, remoteIDs []int64) ([]RelayRecord, error)
	Update(ctx context.Context, rec RelayRecord) error
	Delete(ctx context.Context, peerID int64, notifyType string, remoteIDs []int64) (int64, error)
}

// Stores はトランザクション内で使う協調オブジェクトの組。
type Stores struct {
	Directory PeerDirectory
	Messages  MessageStore
	Ledger    RelayLedger
}

// Transactor はfnを1つのトランザクションとして実行する。
// fnがエラーを返した場合は全ての変更を取り消す。
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Stores) error) error
}
