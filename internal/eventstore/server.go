package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/mahoodle/pkg/httpserver"
	"github.com/nao1215/mahoodle/pkg/middleware"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // SQLiteドライバ
)

// defaultLimit は一覧取得の最大件数の既定値。
const defaultLimit = 1000

// ServerConfig はイベントストアサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// DBPath はSQLiteデータベースのパス。
	DBPath string
	// JWTSecret はイベント送信元トークンの検証鍵。
	JWTSecret string
	// ServiceAccounts は書き込みを許可するアカウントID。空なら認証済みの全アカウントを許可する。
	ServiceAccounts []string
}

// Server はイベントストアサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はイベントを保存するデータベース。
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// NewServer はDBPathのデータベースを開いて新しいイベントストアサーバーを生成する。
func NewServer(cfg ServerConfig, logger zerolog.Logger) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := initSchema(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return newServer(sqlDB, cfg, logger), nil
}

// newServer はスキーマ適用済みのデータベースでサーバーを組み立てる。
func newServer(db *sql.DB, cfg ServerConfig, logger zerolog.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router: router,
		port:   cfg.Port,
		db:     db,
		now:    time.Now,
		logger: logger,
	}
	s.setupRoutes(cfg)
	return s
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.db.Close()
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされたら停止する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Run(ctx, s.port, s.router)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(cfg ServerConfig) {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RestrictUsers(cfg.ServiceAccounts))
	{
		events := api.Group("/events")
		{
			// イベントの追記
			events.POST("", s.handleAppendEvent())
			// AggregateIDによるイベント取得
			events.GET("/aggregate/:aggregate_id", s.handleGetEventsByAggregateID())
			// イベントタイプによるイベント取得
			events.GET("/type/:event_type", s.handleGetEventsByType())
			// 日時指定によるイベント取得（クエリパラメータ: since）
			events.GET("/since", s.handleGetEventsSince())
			// AggregateIDの最新バージョン取得
			events.GET("/aggregate/:aggregate_id/version", s.handleGetLatestVersion())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "eventstore"})
	})
}

// appendEventRequest はイベント追記リクエストのJSON構造。
// pkg/eventのEventと互換で、IDとCreatedAtは省略できる。
type appendEventRequest struct {
	// ID はイベントの一意識別子。省略時はサーバーで採番する。
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id" binding:"required"`
	AggregateType string          `json:"aggregate_type" binding:"required"`
	EventType     string          `json:"event_type" binding:"required"`
	Data          json.RawMessage `json:"data" binding:"required"`
	// CreatedAt は送信元での発生日時。省略時は受信日時を使う。
	CreatedAt time.Time `json:"created_at"`
}

// eventResponse はイベントのJSONレスポンス構造。
type eventResponse struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。1から始まる。
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// errDuplicateEvent は同じIDのイベントが既に存在することを表す。
var errDuplicateEvent = errors.New("同じIDのイベントが既に存在します")

// handleAppendEvent はイベントの追記を処理するハンドラを返す。
func (s *Server) handleAppendEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if !json.Valid(req.Data) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dataはJSONで指定してください"})
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if req.CreatedAt.IsZero() {
			req.CreatedAt = s.now()
		}

		ev, err := s.appendEvent(c.Request.Context(), req)
		if errors.Is(err, errDuplicateEvent) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("aggregate_id", req.AggregateID).Msg("イベントの追記に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの追記に失敗しました"})
			return
		}

		s.logger.Debug().
			Str("event_id", ev.ID).
			Str("aggregate_id", ev.AggregateID).
			Str("event_type", ev.EventType).
			Int64("version", ev.Version).
			Msg("イベントを追記しました")
		c.JSON(http.StatusCreated, ev)
	}
}

// appendEvent はAggregate内の次のバージョンでイベントを保存する。
func (s *Server) appendEvent(ctx context.Context, req appendEventRequest) (eventResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventResponse{}, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, req.ID).Scan(&exists); err != nil {
		return eventResponse{}, fmt.Errorf("イベントIDの確認に失敗: %w", err)
	}
	if exists > 0 {
		return eventResponse{}, errDuplicateEvent
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM events WHERE aggregate_id = ?`, req.AggregateID,
	).Scan(&version); err != nil {
		return eventResponse{}, fmt.Errorf("バージョンの採番に失敗: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, data, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AggregateID, req.AggregateType, req.EventType, string(req.Data), version, req.CreatedAt.UnixNano(),
	); err != nil {
		return eventResponse{}, fmt.Errorf("イベントの保存に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return eventResponse{}, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	return eventResponse{
		ID:            req.ID,
		AggregateID:   req.AggregateID,
		AggregateType: req.AggregateType,
		EventType:     req.EventType,
		Data:          req.Data,
		Version:       version,
		CreatedAt:     req.CreatedAt.UTC(),
	}, nil
}

// handleGetEventsByAggregateID はAggregateIDによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByAggregateID() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respondEvents(c, `WHERE aggregate_id = ? ORDER BY version`, c.Param("aggregate_id"))
	}
}

// handleGetEventsByType はイベントタイプによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByType() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respondEvents(c, `WHERE event_type = ? ORDER BY created_at, id`, c.Param("event_type"))
	}
}

// handleGetEventsSince は日時指定によるイベント取得を処理するハンドラを返す。
// sinceより後に発生したイベントを発生順に返す。
func (s *Server) handleGetEventsSince() gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := time.Parse(time.RFC3339Nano, c.Query("since"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sinceはRFC3339形式で指定してください"})
			return
		}
		s.respondEvents(c, `WHERE created_at > ? ORDER BY created_at, id`, since.UnixNano())
	}
}

// handleGetLatestVersion はAggregateIDの最新バージョン取得を処理するハンドラを返す。
// イベントが存在しない場合は0を返す。
func (s *Server) handleGetLatestVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		aggregateID := c.Param("aggregate_id")
		var version int64
		if err := s.db.QueryRowContext(c.Request.Context(),
			`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
		).Scan(&version); err != nil {
			s.logger.Error().Err(err).Str("aggregate_id", aggregateID).Msg("バージョンの取得に失敗")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "バージョンの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"aggregate_id": aggregateID, "version": version})
	}
}

// respondEvents は条件に一致するイベントを最大defaultLimit件返す。
// whereOrderは呼び出し元の定数のみを渡すこと。
func (s *Server) respondEvents(c *gin.Context, whereOrder string, arg any) {
	events, err := s.queryEvents(c.Request.Context(), whereOrder, arg)
	if err != nil {
		s.logger.Error().Err(err).Msg("イベントの取得に失敗")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの取得に失敗しました"})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) queryEvents(ctx context.Context, whereOrder string, arg any) ([]eventResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, aggregate_type, event_type, data, version, created_at
		   FROM events `+whereOrder+` LIMIT ?`,
		arg, defaultLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの検索に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []eventResponse{}
	for rows.Next() {
		var (
			ev        eventResponse
			data      string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &ev.EventType, &data, &ev.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("イベントの読み取りに失敗: %w", err)
		}
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
