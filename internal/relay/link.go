package relay

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// jumpPath はピアへ認証付きで遷移するためのホスト側パス。
	jumpPath = "/auth/mnet/jump.php"
	// inboxPath はピア側で通知を表示するページ。
	inboxPath = "module/multirecipientnotification/inbox.php"
)

// LinkBuilder は通知から元のピアへ戻るためのディープリンクを組み立てる。
type LinkBuilder struct {
	base *url.URL
}

// NewLinkBuilder はホストのwwwrootを基点とするLinkBuilderを生成する。
func NewLinkBuilder(wwwroot string) (*LinkBuilder, error) {
	u, err := url.Parse(strings.TrimRight(wwwroot, "/"))
	if err != nil {
		return nil, fmt.Errorf("wwwrootの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("wwwrootは絶対URLである必要があります: %q", wwwroot)
	}
	return &LinkBuilder{base: u}, nil
}

// Build はピアID・通知ID・通知種別を埋め込んだジャンプURLを返す。
//
//	<wwwroot>/auth/mnet/jump.php?hostid=<peer>&wantsurl=module/multirecipientnotification/inbox.php?msg=<id>&msgtype=<type>
func (b *LinkBuilder) Build(peer PeerRecord, remoteID int64, notifyType string) string {
	wants := url.Values{}
	wants.Set("msg", strconv.FormatInt(remoteID, 10))
	wants.Set("msgtype", notifyType)

	q := url.Values{}
	q.Set("hostid", strconv.FormatInt(peer.ID, 10))
	q.Set("wantsurl", inboxPath+"?"+wants.Encode())

	u := *b.base
	u.Path = b.base.Path + jumpPath
	u.RawQuery = q.Encode()
	return u.String()
}
