package relay

import "errors"

// ErrNotFound は協調オブジェクトが対象を見つけられなかったことを表す。
var ErrNotFound = errors.New("対象が見つかりません")

// Kind は呼び出し元へ{success=false}として返すエラーの種類。
type Kind int

const (
	// KindUnknownUser はユーザー名が解決できない。
	KindUnknownUser Kind = iota + 1
	// KindUnknownPeer はピアのURLが解決できない。
	KindUnknownPeer
	// KindNoMessagesSpecified は通知IDが1件も指定されていない。
	KindNoMessagesSpecified
	// KindInvalidIDFormat は通知IDの並びが不正。
	KindInvalidIDFormat
)

// Error はリレー処理の業務エラー。
// Error()の文字列はAPIレスポンスのerrorフィールドにそのまま使われる。
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownUser:
		return "Unknown user"
	case KindUnknownPeer:
		return "Unknown Peer"
	case KindNoMessagesSpecified:
		return "No messages specified"
	case KindInvalidIDFormat:
		return "Invalid id format"
	default:
		return "Unknown error"
	}
}

// Is はKindが一致するErrorを同一とみなす。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	// ErrUnknownUser はユーザー名が解決できないことを表す。
	ErrUnknownUser = &Error{Kind: KindUnknownUser}
	// ErrUnknownPeer はピアが解決できないことを表す。
	ErrUnknownPeer = &Error{Kind: KindUnknownPeer}
	// ErrNoMessagesSpecified は通知IDが空であることを表す。
	ErrNoMessagesSpecified = &Error{Kind: KindNoMessagesSpecified}
	// ErrInvalidIDFormat は通知IDの形式が不正であることを表す。
	ErrInvalidIDFormat = &Error{Kind: KindInvalidIDFormat}
)

// KindOf はerrに含まれる業務エラーの種類を返す。業務エラーでなければokはfalse。
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
