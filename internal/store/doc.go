// Package store はホスト側のユーザー・ピア・メッセージ・中継台帳をSQLiteに保存する。
//
// メッセージは未読（messages）と既読（messages_read）で別テーブルに置かれ、
// 既読化するとmessages_readで新しいIDが採番される。未読メッセージには
// 有効なプロセッサごとに配信待ちエントリ（message_working）が作られる。
package store
