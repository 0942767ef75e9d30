package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nao1215/mahoodle/internal/store"
	"github.com/nao1215/mahoodle/pkg/middleware"
)

// output はコマンドの出力先。テストで差し替える。
var output io.Writer = os.Stdout

// openStore はコマンド用にストアを開く。
func openStore(path string) (*store.Store, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("データベース %s のオープンに失敗: %w", path, err)
	}
	return st, nil
}

// AddPeer はピアを登録する。
type AddPeer struct {
	DBPath  string `long:"db" env:"DB_PATH" default:"/data/relay.db" description:"Path to the relay database"`
	WWWRoot string `short:"w" long:"wwwroot" required:"true" description:"wwwroot of the peer, exactly as it sends it"`
	Name    string `short:"n" long:"name" description:"Display name of the peer"`
}

// Execute はピアを登録し、採番されたIDを表示する。
func (x *AddPeer) Execute(_ []string) error {
	st, err := openStore(x.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	peer, err := st.CreatePeer(context.Background(), x.WWWRoot, x.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "peer %d: %s\n", peer.ID, peer.WWWRoot)
	return nil
}

// ListPeers は登録済みのピアを表示する。
type ListPeers struct {
	DBPath string `long:"db" env:"DB_PATH" default:"/data/relay.db" description:"Path to the relay database"`
}

// Execute はピアの一覧を表示する。
func (x *ListPeers) Execute(_ []string) error {
	st, err := openStore(x.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	peers, err := st.ListPeers(context.Background())
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Fprintf(output, "%d\t%s\t%s\n", p.ID, p.WWWRoot, p.Name)
	}
	return nil
}

// AddUser はホスト側ユーザーを登録する。
type AddUser struct {
	DBPath   string `long:"db" env:"DB_PATH" default:"/data/relay.db" description:"Path to the relay database"`
	Username string `short:"u" long:"username" required:"true" description:"Login name of the user"`
}

// Execute はユーザーを登録し、採番されたIDを表示する。
func (x *AddUser) Execute(_ []string) error {
	st, err := openStore(x.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := st.CreateUser(context.Background(), x.Username)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "user %d: %s\n", user.ID, user.Username)
	return nil
}

// IssueToken はサービスアカウント用のJWTを発行する。
type IssueToken struct {
	Secret  string        `long:"secret" env:"JWT_SECRET" description:"Signing secret shared with the relay service"`
	Account string        `short:"a" long:"account" required:"true" description:"Service account id placed in the token"`
	TTL     time.Duration `long:"ttl" default:"24h" description:"Lifetime of the token"`
}

// Execute はトークンを発行して表示する。
func (x *IssueToken) Execute(_ []string) error {
	if x.Secret == "" {
		return errors.New("署名鍵が指定されていません（--secret または JWT_SECRET）")
	}
	token, err := middleware.GenerateJWT(x.Secret, x.Account, x.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(output, token)
	return nil
}

// Stats はメッセージと配信待ちの件数を表示する。
type Stats struct {
	DBPath string `long:"db" env:"DB_PATH" default:"/data/relay.db" description:"Path to the relay database"`
	UserID int64  `long:"user-id" description:"Show unread and read counts for this user"`
}

// Execute は件数を表示する。
func (x *Stats) Execute(_ []string) error {
	st, err := openStore(x.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	pending, err := st.CountPending(ctx)
	if err != nil {
		return err
	}
	records, err := st.CountRelayRecords(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "pending deliveries: %d\nrelay records: %d\n", pending, records)

	if x.UserID != 0 {
		unread, err := st.CountUnread(ctx, x.UserID)
		if err != nil {
			return err
		}
		read, err := st.CountRead(ctx, x.UserID)
		if err != nil {
			return err
		}
		fmt.Fprintf(output, "user %d unread: %d\nuser %d read: %d\n", x.UserID, unread, x.UserID, read)
	}
	return nil
}
