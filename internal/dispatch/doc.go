// Package dispatch は未読メッセージの配信待ちエントリを処理するバックグラウンドプロセスを提供する。
//
// 配信待ちエントリはプロセッサ（popup等）ごとに作られる。Dispatcherは
// 一定間隔でエントリを取り出し、対応するProcessorに渡して完了させる。
package dispatch
