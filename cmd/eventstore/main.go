// イベントストアサービスのエントリポイント。
// リレーサービスが送信する受信・既読・削除のイベントを追記のみで記録する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mahoodle/internal/config"
	"github.com/nao1215/mahoodle/internal/eventstore"
	"github.com/nao1215/mahoodle/pkg/logging"
)

func main() {
	cfg, err := config.LoadEventStore()
	if err != nil {
		fallback := logging.New("info", false)
		fallback.Fatal().Err(err).Msg("設定の読み込みに失敗")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "eventstore").Logger()
	gin.SetMode(cfg.GinMode)

	server, err := eventstore.NewServer(eventstore.ServerConfig{
		Port:            cfg.Port,
		DBPath:          cfg.DBPath,
		JWTSecret:       cfg.JWTSecret,
		ServiceAccounts: cfg.ServiceAccounts,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("イベントストアサーバーの初期化に失敗")
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("port", cfg.Port).Msg("イベントストアサービスを起動します")
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("イベントストアサービスの実行に失敗")
		return
	}
	logger.Info().Msg("イベントストアサービスを停止しました")
}
