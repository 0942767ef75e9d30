// リレーサービスのエントリポイント。
// ピアから送られてくる通知を受信し、ホスト側のユーザーへメッセージとして中継する。
// ピア側での既読・削除もホスト側へ反映する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mahoodle/internal/config"
	"github.com/nao1215/mahoodle/internal/dispatch"
	"github.com/nao1215/mahoodle/internal/relay"
	"github.com/nao1215/mahoodle/internal/store"
	"github.com/nao1215/mahoodle/pkg/logging"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", false)
		fallback.Fatal().Err(err).Msg("設定の読み込みに失敗")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "relay").Logger()
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("リレーサービスの実行に失敗")
	}
	logger.Info().Msg("リレーサービスを停止しました")
}

// run はストア・ディスパッチャ・HTTPサーバーを組み立て、シグナルを受けるまで実行する。
func run(cfg *config.Config, logger zerolog.Logger) error {
	gin.SetMode(cfg.GinMode)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("データベースの初期化に失敗: %w", err)
	}
	defer st.Close()

	links, err := relay.NewLinkBuilder(cfg.WWWRoot)
	if err != nil {
		return fmt.Errorf("リンクの初期化に失敗: %w", err)
	}
	r := relay.New(st, links, relay.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := dispatch.New(st,
		dispatch.WithInterval(cfg.DispatchInterval),
		dispatch.WithRateLimit(cfg.DispatchRate),
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()),
	)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	server := relay.NewServer(relay.ServerConfig{
		Port:            cfg.Port,
		JWTSecret:       cfg.JWTSecret,
		ServiceAccounts: cfg.ServiceAccounts,
		EventStoreURL:   cfg.EventStoreURL,
		EventStoreToken: cfg.EventStoreToken,
	}, r, logger)

	logger.Info().Str("port", cfg.Port).Str("db_path", cfg.DBPath).Msg("リレーサービスを起動します")
	return server.Run(ctx)
}
