// Package eventstore はリレーイベントを記録するイベントストアサービスの内部実装を提供する。
//
// リレーサービスは通知の受信・既読反映・削除反映のたびにイベントを送信する。
// イベントは不変（immutable）であり、追記のみ（append-only）で運用される。
//
// 主な機能:
//   - イベントの追記（Append）
//   - AggregateID（ピア）によるイベント取得
//   - イベントタイプによるイベント取得
//   - 日時指定によるイベント取得
package eventstore
