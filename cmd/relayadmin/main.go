// リレーサービスの運用CLI。
// ピアとユーザーの登録、サービスアカウント用トークンの発行、件数の確認を行う。
package main

import (
	"log"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	parser := flags.NewParser(nil, flags.Default)

	commands := []struct {
		name, short, long string
		data              any
	}{
		{"add-peer", "register a peer", "The add-peer command registers a remote peer by its wwwroot.", &AddPeer{}},
		{"list-peers", "list registered peers", "The list-peers command prints every registered peer.", &ListPeers{}},
		{"add-user", "register a user", "The add-user command registers a host user that notifications can be delivered to.", &AddUser{}},
		{"issue-token", "issue a service account token", "The issue-token command signs a JWT that a peer uses to call the relay API.", &IssueToken{}},
		{"stats", "show message counts", "The stats command prints unread, read and pending counts.", &Stats{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			log.Fatal(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
