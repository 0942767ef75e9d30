// Package httpserver はcontextのキャンセルで穏やかに停止するHTTPサーバーの起動処理を提供する。
//
// リレーサービスとEvent Storeの両方のサーバーがこの起動処理を共有する。
package httpserver
