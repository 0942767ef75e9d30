// Package middleware はリレーサービスのGin HTTP APIで使用する共通ミドルウェアを提供する。
//
// サービスアカウントのJWT検証と利用者制限、リクエストログ、
// パニックリカバリを含む。エラーレスポンスはリレーAPIと同じ
// {success, error} 形式で返す。
package middleware
