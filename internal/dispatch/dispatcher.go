package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/mahoodle/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultInterval はポーリング間隔の既定値。
	DefaultInterval = 3 * time.Second
	// DefaultBatchSize は1回のポーリングで処理する最大件数の既定値。
	DefaultBatchSize = 100
)

// Queue は配信待ちエントリの取得と完了を行う。
type Queue interface {
	ListPendingDeliveries(ctx context.Context, limit int) ([]store.PendingDelivery, error)
	CompleteDelivery(ctx context.Context, id int64) error
}

// Processor は1件の配信待ちエントリを処理する。
// nilを返したエントリは完了として削除される。
type Processor interface {
	Process(ctx context.Context, d store.PendingDelivery) error
}

// ProcessorFunc は関数をProcessorとして扱うためのアダプタ。
type ProcessorFunc func(ctx context.Context, d store.PendingDelivery) error

// Process はf(ctx, d)を呼び出す。
func (f ProcessorFunc) Process(ctx context.Context, d store.PendingDelivery) error {
	return f(ctx, d)
}

// PopupProcessor はポップアップ用のプロセッサ。
// メッセージは受信箱に保存された時点で表示可能なため、何もせず完了させる。
var PopupProcessor = ProcessorFunc(func(context.Context, store.PendingDelivery) error { return nil })

// Stats は1回の処理結果。
type Stats struct {
	// Completed は完了したエントリ数。
	Completed int
	// Failed はプロセッサがエラーを返したエントリ数。
	Failed int
	// Skipped はプロセッサが登録されていないため残したエントリ数。
	Skipped int
}

// Dispatcher は配信待ちエントリを定期的に処理するバックグラウンドプロセス。
type Dispatcher struct {
	queue      Queue
	processors map[string]Processor
	interval   time.Duration
	batchSize  int
	// limiter は1秒あたりの処理件数を制限する。nilなら制限しない。
	limiter *rate.Limiter
	logger  zerolog.Logger

	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// wg はバックグラウンドゴルーチンの終了待ちに使う。
	wg sync.WaitGroup
}

// Option はDispatcherの設定を変更する関数。
type Option func(*Dispatcher)

// WithInterval はポーリング間隔を設定する。0以下は既定値になる。
func WithInterval(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.interval = d
		}
	}
}

// WithBatchSize は1回に処理する最大件数を設定する。0以下は既定値になる。
func WithBatchSize(n int) Option {
	return func(ds *Dispatcher) {
		if n > 0 {
			ds.batchSize = n
		}
	}
}

// WithRateLimit は1秒あたりに処理する最大件数を設定する。0以下なら制限しない。
// バーストは1秒分とする。
func WithRateLimit(perSec int) Option {
	return func(ds *Dispatcher) {
		if perSec > 0 {
			ds.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
		} else {
			ds.limiter = nil
		}
	}
}

// WithProcessor はプロセッサ名に対応するProcessorを登録する。
func WithProcessor(name string, p Processor) Option {
	return func(ds *Dispatcher) { ds.processors[name] = p }
}

// WithLogger はロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(ds *Dispatcher) { ds.logger = logger }
}

// New は新しいDispatcherを生成する。popupプロセッサは既定で登録される。
func New(queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:      queue,
		processors: map[string]Processor{store.ProcessorPopup: PopupProcessor},
		interval:   DefaultInterval,
		batchSize:  DefaultBatchSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start はバックグラウンドでポーリングを開始する。
// ctxがキャンセルされるかStopが呼ばれると停止する。
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info().Dur("interval", d.interval).Msg("配信待ちエントリの処理を開始します")
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.logger.Info().Msg("配信待ちエントリの処理を停止しました")
				return
			case <-ticker.C:
				if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
					d.logger.Error().Err(err).Msg("配信待ちエントリの処理に失敗")
				}
			}
		}
	}()
}

// Stop はバックグラウンドのポーリングを停止し、終了を待つ。
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// RunOnce は配信待ちエントリを最大batchSize件処理する。
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	pending, err := d.queue.ListPendingDeliveries(ctx, d.batchSize)
	if err != nil {
		return stats, fmt.Errorf("配信待ちエントリの取得に失敗: %w", err)
	}

	for _, p := range pending {
		proc, ok := d.processors[p.Processor]
		if !ok {
			d.logger.Warn().
				Int64("working_id", p.ID).
				Str("processor", p.Processor).
				Msg("プロセッサが登録されていないため配信待ちエントリを残します")
			stats.Skipped++
			continue
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return stats, fmt.Errorf("処理待ちの中断: %w", err)
			}
		}

		if err := proc.Process(ctx, p); err != nil {
			d.logger.Warn().
				Err(err).
				Int64("working_id", p.ID).
				Int64("message_id", p.UnreadMessageID).
				Str("processor", p.Processor).
				Msg("配信に失敗しました")
			stats.Failed++
			continue
		}

		if err := d.queue.CompleteDelivery(ctx, p.ID); err != nil {
			return stats, err
		}
		stats.Completed++
	}

	if stats.Completed+stats.Failed+stats.Skipped > 0 {
		d.logger.Debug().
			Int("completed", stats.Completed).
			Int("failed", stats.Failed).
			Int("skipped", stats.Skipped).
			Msg("配信待ちエントリを処理しました")
	}
	return stats, nil
}
