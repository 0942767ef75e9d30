package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypePeer は通知の送信元ピアを表す。
	AggregateTypePeer AggregateType = "Peer"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeRemoteNotificationReceived はピアからの通知を受信し配信したことを表す。
	TypeRemoteNotificationReceived Type = "RemoteNotificationReceived"
	// TypeRemoteNotificationsRead はピアからの既読反映を処理したことを表す。
	TypeRemoteNotificationsRead Type = "RemoteNotificationsRead"
	// TypeRemoteNotificationsDeleted はピアからの削除反映を処理したことを表す。
	TypeRemoteNotificationsDeleted Type = "RemoteNotificationsDeleted"
)

// Event はEvent Storeに追記されるリレー処理の記録。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// RemoteNotificationReceivedData はRemoteNotificationReceivedイベントのデータ。
type RemoteNotificationReceivedData struct {
	// PeerID は送信元ピアのID。
	PeerID int64 `json:"peer_id"`
	// RemoteID はピア側の通知ID。
	RemoteID int64 `json:"remote_id"`
	// NotifyType は通知種別。
	NotifyType string `json:"notify_type"`
	// UserID は配信先ユーザーのID。
	UserID int64 `json:"user_id"`
	// MessageID は配信されたメッセージのID。
	MessageID int64 `json:"message_id"`
}

// RemoteNotificationsReadData はRemoteNotificationsReadイベントのデータ。
type RemoteNotificationsReadData struct {
	// PeerID は送信元ピアのID。
	PeerID int64 `json:"peer_id"`
	// NotifyType は通知種別。
	NotifyType string `json:"notify_type"`
	// RemoteIDs は要求されたピア側の通知ID。
	RemoteIDs []int64 `json:"remote_ids"`
	// Matched は台帳で見つかった件数。
	Matched int `json:"matched"`
	// Transitioned は今回既読に遷移した件数。
	Transitioned int `json:"transitioned"`
}

// RemoteNotificationsDeletedData はRemoteNotificationsDeletedイベントのデータ。
type RemoteNotificationsDeletedData struct {
	// PeerID は送信元ピアのID。
	PeerID int64 `json:"peer_id"`
	// NotifyType は通知種別。
	NotifyType string `json:"notify_type"`
	// RemoteIDs は要求されたピア側の通知ID。
	RemoteIDs []int64 `json:"remote_ids"`
	// UnreadDeleted は削除した未読メッセージ数。
	UnreadDeleted int `json:"unread_deleted"`
	// ReadDeleted は削除した既読メッセージ数。
	ReadDeleted int `json:"read_deleted"`
}
