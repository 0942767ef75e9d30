package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/nao1215/mahoodle/pkg/event"
	"github.com/nao1215/mahoodle/pkg/httpclient"
	"github.com/nao1215/mahoodle/pkg/httpserver"
	"github.com/nao1215/mahoodle/pkg/middleware"
	"github.com/rs/zerolog"
)

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はサービスアカウントトークンの検証鍵。
	JWTSecret string
	// ServiceAccounts はAPIの利用を許可するアカウントID。空なら認証済みの全アカウントを許可する。
	ServiceAccounts []string
	// EventStoreURL はリレーイベントの送信先。空なら送信しない。
	EventStoreURL string
	// EventStoreToken はEvent Storeへ送るBearerトークン。
	EventStoreToken string
}

// Server はリレーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// relay は中継処理の本体。
	relay *Relay
	// eventStoreClient はEvent Storeへの通信クライアント。未設定ならnil。
	eventStoreClient *httpclient.Client
	// functions はWebサービス関数名から定義への対応。
	functions map[string]functionDef
	logger    zerolog.Logger
}

// functionDef はWebサービス関数の定義。
type functionDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	handler     gin.HandlerFunc
}

// NewServer は新しいリレーサーバーを生成する。
func NewServer(cfg ServerConfig, r *Relay, logger zerolog.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		router: router,
		port:   cfg.Port,
		relay:  r,
		logger: logger,
	}
	if cfg.EventStoreURL != "" {
		var opts []httpclient.Option
		if cfg.EventStoreToken != "" {
			opts = append(opts, httpclient.WithBearerToken(cfg.EventStoreToken))
		}
		s.eventStoreClient = httpclient.New(cfg.EventStoreURL, opts...)
	}
	s.functions = map[string]functionDef{
		"local_mahoodle_receive_mahara_notifications": {
			Description: "Receives notifications from Mahara and issues them to users.",
			Type:        "write",
			handler:     s.handleReceive(),
		},
		"local_mahoodle_read_mahara_notifications": {
			Description: "Receives notifications from Mahara about which notifications have been read.",
			Type:        "write",
			handler:     s.handleMarkRead(),
		},
		"local_mahoodle_delete_mahara_notifications": {
			Description: "Delete Mahara notifications that were sent to Moodle, once deleted in Mahara",
			Type:        "write",
			handler:     s.handleDelete(),
		},
	}
	s.setupRoutes(cfg)

	return s
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
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
		notifications := api.Group("/notifications")
		{
			// 通知の受信
			notifications.POST("/receive", s.handleReceive())
			// 既読の反映
			notifications.POST("/read", s.handleMarkRead())
			// 削除の反映
			notifications.POST("/delete", s.handleDelete())
		}

		functions := api.Group("/functions")
		{
			functions.GET("", s.handleListFunctions())
			functions.POST("/:name", s.handleCallFunction())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "relay"})
	})
}

// resultResponse は全操作共通のレスポンス構造。
type resultResponse struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// Error は失敗時の説明。成功時は空文字列。
	Error string `json:"error"`
}

// receiveRequest は通知受信リクエストのJSON構造。
type receiveRequest struct {
	// Username は通知先ユーザー名。
	Username string `json:"username" binding:"required"`
	// RemoteNotificationID はピア側の通知ID。
	RemoteNotificationID *int64 `json:"remote_notification_id" binding:"required,min=0"`
	// Subject は通知の件名。空文字列も受け付ける。
	Subject string `json:"subject"`
	// Body はHTML本文。
	Body string `json:"body"`
	// PeerURL は送信元ピアのwwwroot。
	PeerURL string `json:"peer_url" binding:"required,url"`
	// Type は通知種別。空文字列も受け付ける。
	Type string `json:"type"`
}

// idsRequest は既読・削除リクエストのJSON構造。
type idsRequest struct {
	// RemoteNotificationIDs は "1,2,3" 形式の文字列または整数の配列。
	// 配列の数値はjson.Numberのまま受け取り、2^53を超えるIDも丸めない。
	RemoteNotificationIDs any `json:"remote_notification_ids"`
	// PeerURL は送信元ピアのwwwroot。
	PeerURL string `json:"peer_url" binding:"required,url"`
	// Type は通知種別。空文字列も受け付ける。
	Type string `json:"type"`
}

// handleReceive はピアからの通知を受信するハンドラ。
func (s *Server) handleReceive() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req receiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, resultResponse{Error: fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		rec, err := s.relay.Receive(c.Request.Context(), Notification{
			Username: req.Username,
			RemoteID: *req.RemoteNotificationID,
			Subject:  req.Subject,
			Body:     req.Body,
			PeerURL:  req.PeerURL,
			Type:     req.Type,
		})
		if err != nil {
			s.respondError(c, "通知受信", err)
			return
		}

		s.publish(c, rec.PeerID, event.TypeRemoteNotificationReceived, event.RemoteNotificationReceivedData{
			PeerID:     rec.PeerID,
			RemoteID:   rec.RemoteID,
			NotifyType: rec.Type,
			UserID:     rec.UserID,
			MessageID:  rec.MessageID,
		})
		c.JSON(http.StatusOK, resultResponse{Success: true})
	}
}

// handleMarkRead はピアからの既読通知を反映するハンドラ。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ids, ok := s.bindIDsRequest(c)
		if !ok {
			return
		}

		res, err := s.relay.MarkRead(c.Request.Context(), ids, req.PeerURL, req.Type)
		if err != nil {
			s.respondError(c, "既読反映", err)
			return
		}

		s.publish(c, res.PeerID, event.TypeRemoteNotificationsRead, event.RemoteNotificationsReadData{
			PeerID:       res.PeerID,
			NotifyType:   req.Type,
			RemoteIDs:    res.RemoteIDs,
			Matched:      res.Matched,
			Transitioned: res.Transitioned,
		})
		c.JSON(http.StatusOK, resultResponse{Success: true})
	}
}

// handleDelete はピアからの削除通知を反映するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ids, ok := s.bindIDsRequest(c)
		if !ok {
			return
		}

		res, err := s.relay.Delete(c.Request.Context(), ids, req.PeerURL, req.Type)
		if err != nil {
			s.respondError(c, "削除反映", err)
			return
		}

		s.publish(c, res.PeerID, event.TypeRemoteNotificationsDeleted, event.RemoteNotificationsDeletedData{
			PeerID:        res.PeerID,
			NotifyType:    req.Type,
			RemoteIDs:     res.RemoteIDs,
			UnreadDeleted: res.UnreadDeleted,
			ReadDeleted:   res.ReadDeleted,
		})
		c.JSON(http.StatusOK, resultResponse{Success: true})
	}
}

// handleListFunctions はWebサービス関数の定義一覧を返すハンドラ。
func (s *Server) handleListFunctions() gin.HandlerFunc {
	return func(c *gin.Context) {
		defs := make([]functionDef, 0, len(s.functions))
		for name, def := range s.functions {
			def.Name = name
			defs = append(defs, def)
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		c.JSON(http.StatusOK, defs)
	}
}

// handleCallFunction は関数名で指定された操作を実行するハンドラ。
func (s *Server) handleCallFunction() gin.HandlerFunc {
	return func(c *gin.Context) {
		def, ok := s.functions[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, resultResponse{Error: "関数が見つかりません"})
			return
		}
		def.handler(c)
	}
}

// bindIDsRequest は既読・削除リクエストを解釈し、通知IDを正規化する。
// 失敗時はレスポンスを書き込んでokにfalseを返す。
func (s *Server) bindIDsRequest(c *gin.Context) (idsRequest, []int64, bool) {
	var req idsRequest
	if err := bindJSONNumber(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, resultResponse{Error: fmt.Sprintf("リクエストが不正です: %v", err)})
		return req, nil, false
	}

	ids, err := ParseIDs(req.RemoteNotificationIDs)
	if err != nil {
		s.respondError(c, "通知IDの解釈", err)
		return req, nil, false
	}
	return req, ids, true
}

// bindJSONNumber は数値をjson.Numberとして保ったままリクエストボディをデコードし、
// bindingタグで検証する。
func bindJSONNumber(c *gin.Context, obj any) error {
	if c.Request.Body == nil {
		return errors.New("リクエストボディが空です")
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(obj); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(obj)
}

// respondError はエラーをレスポンスに変換する。
// 業務エラーは200で{success=false}、それ以外は500として記録する。
func (s *Server) respondError(c *gin.Context, op string, err error) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		s.logger.Debug().Err(err).Str("op", op).Msg("業務エラーを返します")
		c.JSON(http.StatusOK, resultResponse{Error: relayErr.Error()})
		return
	}

	s.logger.Error().
		Err(err).
		Str("op", op).
		Str("request_id", middleware.GetRequestID(c)).
		Msg("リレー処理に失敗しました")
	c.JSON(http.StatusInternalServerError, resultResponse{Error: "内部エラーが発生しました"})
}

// publish はリレーイベントをEvent Storeへ送信する。
// 送信に失敗してもログに記録するだけで、リクエスト自体は成功として扱う。
func (s *Server) publish(c *gin.Context, peerID int64, eventType event.Type, data any) {
	if s.eventStoreClient == nil {
		return
	}

	ev, err := event.New(event.PeerAggregateID(peerID), event.AggregateTypePeer, eventType, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("イベントの生成に失敗")
		return
	}

	ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
	if err := s.eventStoreClient.PostJSON(ctx, "/api/v1/events", ev, nil); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("イベントの送信に失敗")
	}
}
