package relay_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/mahoodle/internal/relay"
	"github.com/nao1215/mahoodle/internal/store"
	"github.com/nao1215/mahoodle/pkg/event"
	"github.com/nao1215/mahoodle/pkg/middleware"
	"github.com/rs/zerolog"
)

const (
	testSecret         = "test-secret"
	testServiceAccount = "svc-mahara"
	testPeerURL        = "https://mahara.example.com"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// eventRecorder はEvent Storeのモックが受け取ったイベントを記録する。
type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// testEnv はサーバーテストの環境。
type testEnv struct {
	router http.Handler
	store  *store.Store
	events *eventRecorder
	userID int64
}

// setupTestServer はインメモリSQLiteのストアとEvent Storeのモックでリレーサーバーを構築する。
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser(t.Context(), "student1")
	if err != nil {
		t.Fatalf("テスト用ユーザーの作成に失敗: %v", err)
	}
	if _, err := st.CreatePeer(t.Context(), testPeerURL, "Mahara"); err != nil {
		t.Fatalf("テスト用ピアの作成に失敗: %v", err)
	}

	// Event Storeのモックサーバーを作成する
	rec := &eventRecorder{}
	eventStore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev event.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(func() { eventStore.Close() })

	links, err := relay.NewLinkBuilder("https://moodle.example.com")
	if err != nil {
		t.Fatalf("NewLinkBuilder()でエラーが発生: %v", err)
	}
	srv := relay.NewServer(relay.ServerConfig{
		Port:            "0",
		JWTSecret:       testSecret,
		ServiceAccounts: []string{testServiceAccount},
		EventStoreURL:   eventStore.URL,
	}, relay.New(st, links), zerolog.Nop())

	return &testEnv{router: srv.Handler(), store: st, events: rec, userID: user.ID}
}

// issueToken はテスト用のJWTを発行する。
func issueToken(t *testing.T, account string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testSecret, account, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		jsonBytes, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("リクエストのJSON変換に失敗: %v", err)
		}
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// decodeResult は{success, error}形式のレスポンスを解析する。
func decodeResult(t *testing.T, w *httptest.ResponseRecorder) (bool, string) {
	t.Helper()
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのJSON解析に失敗: %v (body=%s)", err, w.Body.String())
	}
	return resp.Success, resp.Error
}

// receiveBody は通知受信リクエストのボディを返す。
func receiveBody(remoteID int64) map[string]any {
	return map[string]any{
		"username":               "student1",
		"remote_notification_id": remoteID,
		"subject":                "新しいメッセージ",
		"body":                   "<p>こんにちは</p>",
		"peer_url":               testPeerURL,
		"type":                   relay.TypeMultiRecipient,
	}
}

// TestHandleReceive は通知受信APIを検証する。
func TestHandleReceive(t *testing.T) {
	t.Parallel()

	t.Run("通知を受信すると未読メッセージが作られイベントが送信される", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive",
			issueToken(t, testServiceAccount), receiveBody(42))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if ok, msg := decodeResult(t, w); !ok || msg != "" {
			t.Errorf("レスポンス = (%v, %q), want (true, \"\")", ok, msg)
		}

		if n, _ := env.store.CountUnread(t.Context(), env.userID); n != 1 {
			t.Errorf("CountUnread() = %d, want 1", n)
		}

		events := env.events.all()
		if len(events) != 1 {
			t.Fatalf("送信イベント数 = %d, want 1", len(events))
		}
		if events[0].EventType != event.TypeRemoteNotificationReceived {
			t.Errorf("EventType = %q, want %q", events[0].EventType, event.TypeRemoteNotificationReceived)
		}
		data, err := event.DecodeData[event.RemoteNotificationReceivedData](&events[0])
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if data.RemoteID != 42 || data.UserID != env.userID {
			t.Errorf("イベントデータ = %+v", data)
		}
	})

	t.Run("未登録ユーザーはsuccess=falseとUnknown userを返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		body := receiveBody(1)
		body["username"] = "nobody"
		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive",
			issueToken(t, testServiceAccount), body)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if ok, msg := decodeResult(t, w); ok || msg != "Unknown user" {
			t.Errorf("レスポンス = (%v, %q), want (false, \"Unknown user\")", ok, msg)
		}
		if len(env.events.all()) != 0 {
			t.Error("失敗時にイベントが送信された")
		}
	})

	t.Run("未登録ピアはUnknown Peerを返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		body := receiveBody(1)
		body["peer_url"] = "https://other.example.com"
		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive",
			issueToken(t, testServiceAccount), body)
		if ok, msg := decodeResult(t, w); ok || msg != "Unknown Peer" {
			t.Errorf("レスポンス = (%v, %q), want (false, \"Unknown Peer\")", ok, msg)
		}
	})

	t.Run("必須項目が欠けていると400を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		for _, field := range []string{"username", "remote_notification_id", "peer_url"} {
			body := receiveBody(1)
			delete(body, field)
			w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive",
				issueToken(t, testServiceAccount), body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s欠落時のステータスコード = %d, want %d", field, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("件名と種別は空文字列でも受信できる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		body := receiveBody(1)
		body["subject"] = ""
		body["type"] = ""
		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive",
			issueToken(t, testServiceAccount), body)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if ok, msg := decodeResult(t, w); !ok {
			t.Fatalf("受信に失敗: %s", msg)
		}
		if n, _ := env.store.CountUnread(t.Context(), env.userID); n != 1 {
			t.Errorf("CountUnread() = %d, want 1", n)
		}
	})

	t.Run("同じ通知を2回受信しても台帳と未読メッセージは1件のまま", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		token := issueToken(t, testServiceAccount)

		for i := range 2 {
			w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive", token, receiveBody(1))
			if ok, msg := decodeResult(t, w); !ok {
				t.Fatalf("%d回目の受信に失敗: %s", i+1, msg)
			}
		}

		if n, _ := env.store.CountRelayRecords(t.Context()); n != 1 {
			t.Errorf("CountRelayRecords() = %d, want 1", n)
		}
		if n, _ := env.store.CountUnread(t.Context(), env.userID); n != 1 {
			t.Errorf("CountUnread() = %d, want 1", n)
		}
	})

	t.Run("不正なJSONは400を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive",
			issueToken(t, testServiceAccount), "{invalid")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleMarkReadAndDelete は既読・削除APIを検証する。
func TestHandleMarkReadAndDelete(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) *testEnv {
		t.Helper()
		env := setupTestServer(t)
		token := issueToken(t, testServiceAccount)
		for _, id := range []int64{1, 2, 3} {
			w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive", token, receiveBody(id))
			if ok, msg := decodeResult(t, w); !ok {
				t.Fatalf("受信に失敗: %s", msg)
			}
		}
		return env
	}

	t.Run("文字列と配列のどちらの形式でも既読にできる", func(t *testing.T) {
		t.Parallel()
		for _, ids := range []any{"1, 2", []int{1, 2}} {
			env := setup(t)
			w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/read",
				issueToken(t, testServiceAccount), map[string]any{
					"remote_notification_ids": ids,
					"peer_url":                testPeerURL,
					"type":                    relay.TypeMultiRecipient,
				})
			if ok, msg := decodeResult(t, w); !ok {
				t.Fatalf("ids=%v: 既読化に失敗: %s", ids, msg)
			}
			if n, _ := env.store.CountRead(t.Context(), env.userID); n != 2 {
				t.Errorf("ids=%v: CountRead() = %d, want 2", ids, n)
			}
			if n, _ := env.store.CountUnread(t.Context(), env.userID); n != 1 {
				t.Errorf("ids=%v: CountUnread() = %d, want 1", ids, n)
			}
		}
	})

	t.Run("2^53を超える通知IDの配列も丸めずに既読にできる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		token := issueToken(t, testServiceAccount)

		// float64に変換すると2つとも9007199254740992になる
		const exact, neighbor = int64(9007199254740993), int64(9007199254740992)
		for _, id := range []int64{exact, neighbor} {
			w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive", token, receiveBody(id))
			if ok, msg := decodeResult(t, w); !ok {
				t.Fatalf("受信に失敗: %s", msg)
			}
		}

		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/read", token,
			`{"remote_notification_ids":[9007199254740993],"peer_url":"`+testPeerURL+`","type":"`+relay.TypeMultiRecipient+`"}`)
		if ok, msg := decodeResult(t, w); !ok {
			t.Fatalf("既読化に失敗: %s", msg)
		}

		peers, err := env.store.ListPeers(t.Context())
		if err != nil || len(peers) != 1 {
			t.Fatalf("ListPeers() = (%v, %v), want 1件", peers, err)
		}
		recs, err := env.store.Queries().Find(t.Context(), peers[0].ID, relay.TypeMultiRecipient, []int64{exact, neighbor})
		if err != nil {
			t.Fatalf("Find()でエラーが発生: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("台帳の件数 = %d, want 2", len(recs))
		}
		for _, rec := range recs {
			if want := rec.RemoteID == exact; rec.IsRead != want {
				t.Errorf("RemoteID=%d のIsRead = %v, want %v", rec.RemoteID, rec.IsRead, want)
			}
		}
	})

	t.Run("未知のピアはIDが空でもUnknown Peerを返す", func(t *testing.T) {
		t.Parallel()
		env := setup(t)
		for _, path := range []string{"/api/v1/notifications/read", "/api/v1/notifications/delete"} {
			w := doRequest(t, env.router, http.MethodPost, path, issueToken(t, testServiceAccount), map[string]any{
				"remote_notification_ids": "",
				"peer_url":                "https://unknown.example.com",
				"type":                    relay.TypeMultiRecipient,
			})
			if ok, msg := decodeResult(t, w); ok || msg != "Unknown Peer" {
				t.Errorf("%s: レスポンス = (%v, %q), want (false, \"Unknown Peer\")", path, ok, msg)
			}
		}
	})

	t.Run("空のID指定はNo messages specifiedを返す", func(t *testing.T) {
		t.Parallel()
		env := setup(t)
		for _, path := range []string{"/api/v1/notifications/read", "/api/v1/notifications/delete"} {
			w := doRequest(t, env.router, http.MethodPost, path, issueToken(t, testServiceAccount), map[string]any{
				"remote_notification_ids": "",
				"peer_url":                testPeerURL,
				"type":                    relay.TypeMultiRecipient,
			})
			if ok, msg := decodeResult(t, w); ok || msg != "No messages specified" {
				t.Errorf("%s: レスポンス = (%v, %q), want (false, \"No messages specified\")", path, ok, msg)
			}
		}
	})

	t.Run("不正なID形式はInvalid id formatを返す", func(t *testing.T) {
		t.Parallel()
		env := setup(t)
		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/read",
			issueToken(t, testServiceAccount), map[string]any{
				"remote_notification_ids": "1,abc",
				"peer_url":                testPeerURL,
				"type":                    relay.TypeMultiRecipient,
			})
		if ok, msg := decodeResult(t, w); ok || msg != "Invalid id format" {
			t.Errorf("レスポンス = (%v, %q), want (false, \"Invalid id format\")", ok, msg)
		}
		if n, _ := env.store.CountRead(t.Context(), env.userID); n != 0 {
			t.Errorf("CountRead() = %d, want 0", n)
		}
	})

	t.Run("削除すると未読と既読の両方が消える", func(t *testing.T) {
		t.Parallel()
		env := setup(t)
		token := issueToken(t, testServiceAccount)
		doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/read", token, map[string]any{
			"remote_notification_ids": "1",
			"peer_url":                testPeerURL,
			"type":                    relay.TypeMultiRecipient,
		})

		w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/delete", token, map[string]any{
			"remote_notification_ids": []int{1, 2, 3},
			"peer_url":                testPeerURL,
			"type":                    relay.TypeMultiRecipient,
		})
		if ok, msg := decodeResult(t, w); !ok {
			t.Fatalf("削除に失敗: %s", msg)
		}
		unread, _ := env.store.CountUnread(t.Context(), env.userID)
		read, _ := env.store.CountRead(t.Context(), env.userID)
		pending, _ := env.store.CountPending(t.Context())
		if unread != 0 || read != 0 || pending != 0 {
			t.Errorf("残件数 (未読, 既読, 配信待ち) = (%d, %d, %d), want all 0", unread, read, pending)
		}

		events := env.events.all()
		last := events[len(events)-1]
		if last.EventType != event.TypeRemoteNotificationsDeleted {
			t.Fatalf("最後のEventType = %q, want %q", last.EventType, event.TypeRemoteNotificationsDeleted)
		}
		data, err := event.DecodeData[event.RemoteNotificationsDeletedData](&last)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if data.UnreadDeleted != 2 || data.ReadDeleted != 1 {
			t.Errorf("削除件数 = (%d, %d), want (2, 1)", data.UnreadDeleted, data.ReadDeleted)
		}
	})
}

// TestHandleFunctions はWebサービス関数の一覧と関数名による呼び出しを検証する。
func TestHandleFunctions(t *testing.T) {
	t.Parallel()

	t.Run("3つの書き込み関数が名前順で返される", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.router, http.MethodGet, "/api/v1/functions", issueToken(t, testServiceAccount), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var defs []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &defs); err != nil {
			t.Fatalf("レスポンスのJSON解析に失敗: %v", err)
		}
		want := []string{
			"local_mahoodle_delete_mahara_notifications",
			"local_mahoodle_read_mahara_notifications",
			"local_mahoodle_receive_mahara_notifications",
		}
		if len(defs) != len(want) {
			t.Fatalf("関数数 = %d, want %d", len(defs), len(want))
		}
		for i, def := range defs {
			if def.Name != want[i] || def.Type != "write" {
				t.Errorf("defs[%d] = %+v, want %s/write", i, def, want[i])
			}
		}
	})

	t.Run("関数名で受信処理を呼び出せる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.router, http.MethodPost, "/api/v1/functions/local_mahoodle_receive_mahara_notifications",
			issueToken(t, testServiceAccount), receiveBody(5))
		if ok, msg := decodeResult(t, w); !ok {
			t.Fatalf("受信に失敗: %s", msg)
		}
		if n, _ := env.store.CountUnread(t.Context(), env.userID); n != 1 {
			t.Errorf("CountUnread() = %d, want 1", n)
		}
	})

	t.Run("未知の関数名は404を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(t, env.router, http.MethodPost, "/api/v1/functions/unknown",
			issueToken(t, testServiceAccount), receiveBody(5))
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestAuthorization は認証と利用アカウントの制限を検証する。
func TestAuthorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  int
	}{
		{
			name:  "トークンなしは401を返す",
			token: func(*testing.T) string { return "" },
			want:  http.StatusUnauthorized,
		},
		{
			name: "別の鍵で署名されたトークンは401を返す",
			token: func(t *testing.T) string {
				token, err := middleware.GenerateJWT("other-secret", testServiceAccount, time.Hour)
				if err != nil {
					t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
				}
				return token
			},
			want: http.StatusUnauthorized,
		},
		{
			name:  "許可されていないアカウントは403を返す",
			token: func(t *testing.T) string { return issueToken(t, "someone-else") },
			want:  http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := setupTestServer(t)

			w := doRequest(t, env.router, http.MethodPost, "/api/v1/notifications/receive", tt.token(t), receiveBody(1))
			if w.Code != tt.want {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.want)
			}
			if n, _ := env.store.CountUnread(t.Context(), env.userID); n != 0 {
				t.Errorf("CountUnread() = %d, want 0", n)
			}
		})
	}
}

// TestHealth はヘルスチェックが認証なしで応答することを検証する。
func TestHealth(t *testing.T) {
	t.Parallel()
	env := setupTestServer(t)

	w := doRequest(t, env.router, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのJSON解析に失敗: %v", err)
	}
	if resp["status"] != "ok" || resp["service"] != "relay" {
		t.Errorf("レスポンス = %v", resp)
	}
}
