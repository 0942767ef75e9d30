// Package logging はzerologベースの構造化ロガーを生成する。
package logging
