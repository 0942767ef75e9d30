// Package relay はリモートのピア（Mahara）から届いた通知をホスト側の
// メッセージ機能へ中継し、後続の既読・削除をホスト側へ反映するサービスを提供する。
//
// 主な機能:
//   - 通知の受信と配信（Receive）。配信したメッセージIDを台帳に記録する
//   - 既読の反映（MarkRead）。未読から既読へ移すとメッセージIDが変わるため台帳を更新する
//   - 削除の反映（Delete）。未読・既読それぞれの置き場所と配信待ちキューから取り除く
//
// 各操作は1つのトランザクション内で実行される。
package relay
