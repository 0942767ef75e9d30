package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	// readHeaderTimeout はリクエストヘッダー読み取りのタイムアウト。
	readHeaderTimeout = 10 * time.Second
	// shutdownTimeout は停止時に処理中のリクエストを待つ上限。
	shutdownTimeout = 10 * time.Second
)

// Run は指定ポートでhandlerを公開し、ctxがキャンセルされるまでブロックする。
func Run(ctx context.Context, port string, handler http.Handler) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return fmt.Errorf("ポート%sのリッスンに失敗: %w", port, err)
	}
	return Serve(ctx, ln, handler)
}

// Serve はlnでhandlerを公開する。
// ctxがキャンセルされると新規の接続受付を止め、処理中のリクエストの完了を待ってからnilを返す。
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
