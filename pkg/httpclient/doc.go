// Package httpclient はリレーサービスから外部サービスへJSONを送るHTTPクライアントを提供する。
//
// Event Storeへのリレーイベント送信に使用する。
package httpclient
