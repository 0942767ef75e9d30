package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nao1215/mahoodle/internal/relay"

	_ "modernc.org/sqlite" // SQLiteドライバ
)

// Store はSQLiteに保存されたホスト側データへのアクセスを提供する。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ relay.Transactor = (*Store)(nil)

// Open はpathのSQLiteデータベースを開き、スキーマを適用する。
// ":memory:" を渡すとメモリ上のデータベースを使う。
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	// SQLiteへの書き込みを直列化する。メモリDBは接続ごとに別物になるため必須。
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New は既に開いている*sql.DBからStoreを生成し、スキーマを適用する。
func New(db *sql.DB) (*Store, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// DB は内部の*sql.DBを返す。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Queries はトランザクション外で使うクエリを返す。
func (s *Store) Queries() *Queries {
	return &Queries{db: s.db, now: s.now}
}

// WithinTx はfnを1つのトランザクション内で実行する。
// fnがエラーを返すとロールバックし、そのエラーをそのまま返す。
func (s *Store) WithinTx(ctx context.Context, fn func(relay.Stores) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := &Queries{db: tx, now: s.now}
	if err := fn(relay.Stores{Directory: q, Messages: q, Ledger: q}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}
