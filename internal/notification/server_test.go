package notification

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nao1215/docflow/internal/notification/fabric"
	"github.com/nao1215/docflow/internal/notification/presence"
	"github.com/nao1215/docflow/pkg/event"
	"github.com/nao1215/docflow/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteと
// インメモリファブリックで構築する。
func setupTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := initSchema(sqlDB); err != nil {
		t.Fatalf("スキーマ初期化に失敗: %v", err)
	}

	fab := fabric.NewMemory()
	t.Cleanup(func() { _ = fab.Close() })

	router := gin.New()
	queries := newQueries(sqlDB)
	s := &Server{
		router:     router,
		port:       "0",
		queries:    queries,
		db:         sqlDB,
		fab:        fab,
		registry:   presence.NewRegistry(),
		notifier:   NewNotifier(queries, fab),
		jwtSecret:  testSecret,
		pingPeriod: 50 * time.Second,
		pongWait:   60 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}

	router.GET("/ws", s.handleWebSocket())

	// JWTミドルウェアの代わりにテスト用のユーザーID設定ミドルウェアを使用する
	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		if v := c.GetHeader("X-User-ID"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.Set("user_id", id)
			}
		}
		c.Next()
	})
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleList())
			notifications.GET("/unread", s.handleListUnread())
			notifications.PUT("/:id/read", s.handleMarkRead())
			notifications.PUT("/read-all", s.handleMarkAllRead())
		}
		api.GET("/users/:id/status", s.handleUserStatus())
	}

	internal := router.Group("/api/v1/internal")
	{
		internal.POST("/send", s.handleSend())
		internal.POST("/users", s.handleUpsertUser())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})

	return s, router
}

// createTestUser はテスト用にユーザーミラーへユーザーを登録するヘルパー関数。
func createTestUser(t *testing.T, s *Server, id int64, username, role string) {
	t.Helper()
	if err := s.queries.UpsertUser(context.Background(), id, username, role); err != nil {
		t.Fatalf("テスト用ユーザーの登録に失敗: %v", err)
	}
}

// createTestNotification はテスト用に通知をDBに直接作成するヘルパー関数。
func createTestNotification(t *testing.T, s *Server, userID int64, message string) *Notification {
	t.Helper()
	n, err := s.queries.CreateNotification(context.Background(), userID, message)
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
	return n
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// parseJSONArray はレスポンスボディをスライスにデコードするヘルパー関数。
func parseJSONArray(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var result []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSON配列のデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	_, router := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	result := parseJSON(t, w)
	if result["service"] != "notification" {
		t.Errorf("service: got %v, want notification", result["service"])
	}
}

// TestHandleList は通知一覧取得ハンドラのテスト。
func TestHandleList(t *testing.T) {
	t.Parallel()

	t.Run("通知が存在しない場合は空配列を返す", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		result := parseJSONArray(t, w)
		if len(result) != 0 {
			t.Errorf("配列の長さ: got %d, want 0", len(result))
		}
	})

	t.Run("自分の通知だけが新しい順に返される", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")
		createTestUser(t, s, 2, "petrov", "manager")

		createTestNotification(t, s, 1, "最初の通知")
		createTestNotification(t, s, 1, "2番目の通知")
		createTestNotification(t, s, 1, "最新の通知")
		// 別ユーザーの通知は含まれないことを確認するため
		createTestNotification(t, s, 2, "他ユーザーの通知")

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		result := parseJSONArray(t, w)
		if len(result) != 3 {
			t.Fatalf("配列の長さ: got %d, want 3", len(result))
		}

		// 新しい順（最後に作成した通知が先頭）
		wantOrder := []string{"最新の通知", "2番目の通知", "最初の通知"}
		for i, want := range wantOrder {
			if result[i]["message"] != want {
				t.Errorf("result[%d].message: got %v, want %v", i, result[i]["message"], want)
			}
		}
	})

	t.Run("通知のフィールドが正しく返される", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		created := createTestNotification(t, s, 1, "Ваш документ был принят.")

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "1", nil)
		result := parseJSONArray(t, w)
		if len(result) != 1 {
			t.Fatalf("配列の長さ: got %d, want 1", len(result))
		}

		notif := result[0]
		if notif["id"] != created.ID {
			t.Errorf("id: got %v, want %v", notif["id"], created.ID)
		}
		if notif["user_id"] != float64(1) {
			t.Errorf("user_id: got %v, want 1", notif["user_id"])
		}
		if notif["message"] != "Ваш документ был принят." {
			t.Errorf("message: got %v, want Ваш документ был принят.", notif["message"])
		}
		if notif["is_read"] != false {
			t.Errorf("is_read: got %v, want false", notif["is_read"])
		}
		if notif["created_at"] == nil || notif["created_at"] == "" {
			t.Error("created_atが空です")
		}
	})

	t.Run("ユーザーIDが未設定の場合はUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/notifications", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleListUnread は未読通知一覧取得ハンドラのテスト。
func TestHandleListUnread(t *testing.T) {
	t.Parallel()

	t.Run("未読通知のみを返す", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		createTestNotification(t, s, 1, "未読1")
		createTestNotification(t, s, 1, "未読2")
		read := createTestNotification(t, s, 1, "既読")
		if err := s.queries.MarkRead(context.Background(), read.ID); err != nil {
			t.Fatalf("既読処理に失敗: %v", err)
		}

		w := doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		result := parseJSONArray(t, w)
		if len(result) != 2 {
			t.Errorf("配列の長さ: got %d, want 2", len(result))
		}
	})

	t.Run("ユーザーIDが未設定の場合はUnauthorized", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleMarkRead は通知を既読にするハンドラのテスト。
func TestHandleMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("正常に通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		created := createTestNotification(t, s, 1, "テスト通知")

		w := doRequest(router, http.MethodPut, fmt.Sprintf("/api/v1/notifications/%s/read", created.ID), "1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		// 既読になったことを未読一覧で確認する
		w2 := doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "1", nil)
		unread := parseJSONArray(t, w2)
		if len(unread) != 0 {
			t.Errorf("未読通知の数: got %d, want 0", len(unread))
		}
	})

	t.Run("既読済みの通知を再度既読にしても成功する", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		created := createTestNotification(t, s, 1, "テスト通知")

		path := fmt.Sprintf("/api/v1/notifications/%s/read", created.ID)
		if w := doRequest(router, http.MethodPut, path, "1", nil); w.Code != http.StatusOK {
			t.Fatalf("1回目のステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if w := doRequest(router, http.MethodPut, path, "1", nil); w.Code != http.StatusOK {
			t.Errorf("2回目のステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("存在しない通知の場合はNotFound", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/nonexistent/read", "1", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("他ユーザーの通知を既読にするとForbidden", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")
		createTestUser(t, s, 2, "petrov", "manager")

		created := createTestNotification(t, s, 1, "ユーザー1の通知")

		w := doRequest(router, http.MethodPut, fmt.Sprintf("/api/v1/notifications/%s/read", created.ID), "2", nil)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

// TestHandleMarkAllRead は全通知を既読にするハンドラのテスト。
func TestHandleMarkAllRead(t *testing.T) {
	t.Parallel()

	t.Run("正常に全通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		createTestNotification(t, s, 1, "通知1")
		createTestNotification(t, s, 1, "通知2")
		createTestNotification(t, s, 1, "通知3")

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/read-all", "1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		result := parseJSON(t, w)
		if result["affected"] != float64(3) {
			t.Errorf("affected: got %v, want 3", result["affected"])
		}

		w2 := doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "1", nil)
		unread := parseJSONArray(t, w2)
		if len(unread) != 0 {
			t.Errorf("未読通知の数: got %d, want 0", len(unread))
		}
	})

	t.Run("他ユーザーの通知は既読にならない", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")
		createTestUser(t, s, 2, "petrov", "manager")

		createTestNotification(t, s, 1, "ユーザー1の通知")
		createTestNotification(t, s, 2, "ユーザー2の通知")

		if w := doRequest(router, http.MethodPut, "/api/v1/notifications/read-all", "1", nil); w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		w2 := doRequest(router, http.MethodGet, "/api/v1/notifications/unread", "2", nil)
		unread := parseJSONArray(t, w2)
		if len(unread) != 1 {
			t.Errorf("ユーザー2の未読通知の数: got %d, want 1", len(unread))
		}
	})

	t.Run("未読通知がない場合も成功し更新件数は0", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		w := doRequest(router, http.MethodPut, "/api/v1/notifications/read-all", "1", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["affected"] != float64(0) {
			t.Errorf("affected: got %v, want 0", result["affected"])
		}
	})
}

// TestHandleUserStatus はユーザーのオンライン状態取得ハンドラのテスト。
func TestHandleUserStatus(t *testing.T) {
	t.Parallel()

	t.Run("接続の無いユーザーはオフライン", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/users/1/status", "2", nil)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["is_online"] != false {
			t.Errorf("is_online: got %v, want false", result["is_online"])
		}
	})

	t.Run("接続を持つユーザーはオンライン", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)

		s.registry.Attach(1, "conn-1")

		w := doRequest(router, http.MethodGet, "/api/v1/users/1/status", "2", nil)

		result := parseJSON(t, w)
		if result["is_online"] != true {
			t.Errorf("is_online: got %v, want true", result["is_online"])
		}
		if result["user_id"] != float64(1) {
			t.Errorf("user_id: got %v, want 1", result["user_id"])
		}
	})

	t.Run("不正なユーザーIDの場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/api/v1/users/abc/status", "2", nil)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleSend は通知送信（内部API）ハンドラのテスト。
func TestHandleSend(t *testing.T) {
	t.Parallel()

	t.Run("正常に通知を送信できる", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		body := map[string]any{"user_id": 1, "message": "Вам назначен документ: справка"}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		result := parseJSON(t, w)
		if result["id"] == nil || result["id"] == "" {
			t.Error("idが空です")
		}

		// 送信された通知が一覧に含まれることを確認する
		w2 := doRequest(router, http.MethodGet, "/api/v1/notifications", "1", nil)
		notifications := parseJSONArray(t, w2)
		if len(notifications) != 1 {
			t.Fatalf("通知の数: got %d, want 1", len(notifications))
		}
		if notifications[0]["message"] != "Вам назначен документ: справка" {
			t.Errorf("message: got %v, want Вам назначен документ: справка", notifications[0]["message"])
		}
	})

	t.Run("存在しないユーザー宛の場合はNotFoundで通知は作成されない", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		body := map[string]any{"user_id": 999, "message": "届かない通知"}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("user_idが未指定の場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		body := map[string]any{"message": "メッセージ"}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("messageが未指定の場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		body := map[string]any{"user_id": 1}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("persistがfalseの場合は永続化されない", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		body := map[string]any{"user_id": 1, "message": "一時的な通知", "persist": false}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		result := parseJSON(t, w)
		if result["id"] != nil {
			t.Errorf("id: got %v, want 未設定", result["id"])
		}

		w2 := doRequest(router, http.MethodGet, "/api/v1/notifications", "1", nil)
		notifications := parseJSONArray(t, w2)
		if len(notifications) != 0 {
			t.Errorf("通知の数: got %d, want 0", len(notifications))
		}
	})

	t.Run("送信された通知が購読者にライブ配信される", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		ch, err := s.fab.Subscribe(event.UserChannel(1), "conn-1")
		if err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		body := map[string]any{"user_id": 1, "message": "Ваш документ был принят."}
		if w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body); w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}

		select {
		case env := <-ch:
			if env.Type != event.TypeSendNotification {
				t.Errorf("Type: got %v, want %v", env.Type, event.TypeSendNotification)
			}
			if env.Message != "Ваш документ был принят." {
				t.Errorf("Message: got %v, want Ваш документ был принят.", env.Message)
			}
		case <-time.After(time.Second):
			t.Error("ライブ配信イベントを受信できなかった")
		}
	})

	t.Run("ファブリック停止中でも永続化は成功する", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)
		createTestUser(t, s, 1, "ivanov", "employee")

		if err := s.fab.Close(); err != nil {
			t.Fatalf("ファブリックの停止に失敗: %v", err)
		}

		body := map[string]any{"user_id": 1, "message": "配信に失敗する通知"}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", body)

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}

		w2 := doRequest(router, http.MethodGet, "/api/v1/notifications", "1", nil)
		notifications := parseJSONArray(t, w2)
		if len(notifications) != 1 {
			t.Errorf("通知の数: got %d, want 1", len(notifications))
		}
	})
}

// TestHandleUpsertUser はユーザーミラー登録（内部API）ハンドラのテスト。
func TestHandleUpsertUser(t *testing.T) {
	t.Parallel()

	t.Run("登録したユーザー宛の通知が作成できるようになる", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		body := map[string]any{"id": 1, "username": "ivanov", "role": "employee"}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/users", "", body)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		sendBody := map[string]any{"user_id": 1, "message": "登録後の通知"}
		w2 := doRequest(router, http.MethodPost, "/api/v1/internal/send", "", sendBody)
		if w2.Code != http.StatusCreated {
			t.Errorf("ステータスコード: got %d, want %d", w2.Code, http.StatusCreated)
		}
	})

	t.Run("同じIDで再登録するとロールが更新される", func(t *testing.T) {
		t.Parallel()
		s, router := setupTestServer(t)

		body := map[string]any{"id": 1, "username": "ivanov", "role": "employee"}
		if w := doRequest(router, http.MethodPost, "/api/v1/internal/users", "", body); w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		body["role"] = "manager"
		if w := doRequest(router, http.MethodPost, "/api/v1/internal/users", "", body); w.Code != http.StatusOK {
			t.Fatalf("再登録のステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		exists, err := s.queries.UserExists(context.Background(), 1)
		if err != nil {
			t.Fatalf("ユーザーの存在確認に失敗: %v", err)
		}
		if !exists {
			t.Error("再登録後にユーザーが存在しない")
		}
	})

	t.Run("必須フィールドが未指定の場合はBadRequest", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		body := map[string]any{"username": "ivanov"}
		w := doRequest(router, http.MethodPost, "/api/v1/internal/users", "", body)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// dialWebSocket はテストサーバーにWebSocket接続するヘルパー関数。
func dialWebSocket(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEnvelope はWebSocket接続から封筒を1つ読み取るヘルパー関数。
func readEnvelope(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env event.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("封筒の読み取りに失敗: %v", err)
	}
	return env
}

// waitStatusEvent は状態変化チャネルの購読バッファから封筒を1つ待つヘルパー関数。
func waitStatusEvent(t *testing.T, ch <-chan event.Envelope) event.Envelope {
	t.Helper()

	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("状態変化イベントを受信できなかった")
		return event.Envelope{}
	}
}

// TestWebSocketAuth はWebSocket接続の認証を検証する。
// 匿名接続はアップグレード前に拒否される。
func TestWebSocketAuth(t *testing.T) {
	t.Parallel()

	t.Run("トークンが無い場合は401", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/ws", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("無効なトークンの場合は401", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		w := doRequest(router, http.MethodGet, "/ws?token=invalid-token", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("存在しないユーザーのトークンの場合は404", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t)

		token, err := middleware.GenerateJWT(testSecret, 999, "ghost", "employee", false)
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}

		w := doRequest(router, http.MethodGet, "/ws?token="+token, "", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestWebSocketDelivery はWebSocket接続を通じた通知のライブ配信を検証する。
func TestWebSocketDelivery(t *testing.T) {
	t.Parallel()

	s, router := setupTestServer(t)
	createTestUser(t, s, 1, "ivanov", "employee")

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	token, err := middleware.GenerateJWT(testSecret, 1, "ivanov", "employee", false)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}

	conn := dialWebSocket(t, ts.URL, token)

	// 接続直後に自分自身の状態フレームが届く
	first := readEnvelope(t, conn)
	if first.Type != event.TypeUserStatus {
		t.Fatalf("最初のフレームのtype: got %v, want %v", first.Type, event.TypeUserStatus)
	}
	if first.UserID != 1 {
		t.Errorf("user_id: got %d, want 1", first.UserID)
	}
	if first.IsOnline == nil || !*first.IsOnline {
		t.Errorf("is_online: got %v, want true", first.IsOnline)
	}

	// 通知を送ると接続中のクライアントにライブ配信される
	if _, err := s.notifier.NotifyUser(context.Background(), 1, "Ваш документ был принят.", true, true); err != nil {
		t.Fatalf("NotifyUser()でエラーが発生: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != event.TypeSendNotification {
		t.Errorf("type: got %v, want %v", env.Type, event.TypeSendNotification)
	}
	if env.Message != "Ваш документ был принят." {
		t.Errorf("message: got %v, want Ваш документ был принят.", env.Message)
	}

	// 接続中はレジストリ上でオンライン
	if !s.registry.IsOnline(1) {
		t.Error("接続中のユーザーがオフライン扱いになっている")
	}
}

// TestWebSocketPresenceBoundary はオンライン状態の境界イベントを検証する。
// 状態変化イベントは接続数が0→1と1→0を跨いだときだけ配信される。
func TestWebSocketPresenceBoundary(t *testing.T) {
	t.Parallel()

	s, router := setupTestServer(t)
	createTestUser(t, s, 1, "ivanov", "employee")

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	// 状態変化チャネルを監視する
	statusCh, err := s.fab.Subscribe(event.StatusChannel, "watcher")
	if err != nil {
		t.Fatalf("Subscribe()でエラーが発生: %v", err)
	}

	token, err := middleware.GenerateJWT(testSecret, 1, "ivanov", "employee", false)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}

	// 1つ目の接続でオンライン化イベントが配信される
	conn1 := dialWebSocket(t, ts.URL, token)
	online := waitStatusEvent(t, statusCh)
	if online.Type != event.TypeUserStatus || online.UserID != 1 {
		t.Fatalf("オンライン化イベントが不正: %+v", online)
	}
	if online.IsOnline == nil || !*online.IsOnline {
		t.Errorf("is_online: got %v, want true", online.IsOnline)
	}

	// 2つ目の接続（別タブ）ではイベントが配信されない
	conn2 := dialWebSocket(t, ts.URL, token)
	readEnvelope(t, conn2) // 自分自身の状態フレームを読み捨てる
	select {
	case env := <-statusCh:
		t.Errorf("2つ目の接続で状態変化イベントが配信された: %+v", env)
	case <-time.After(300 * time.Millisecond):
	}

	// 1つ目の接続を閉じてもまだオンライン
	_ = conn1.Close()
	select {
	case env := <-statusCh:
		t.Errorf("接続が残っているのに状態変化イベントが配信された: %+v", env)
	case <-time.After(300 * time.Millisecond):
	}

	// 最後の接続を閉じるとオフライン化イベントが配信される
	_ = conn2.Close()
	offline := waitStatusEvent(t, statusCh)
	if offline.Type != event.TypeUserStatus || offline.UserID != 1 {
		t.Fatalf("オフライン化イベントが不正: %+v", offline)
	}
	if offline.IsOnline == nil || *offline.IsOnline {
		t.Errorf("is_online: got %v, want false", offline.IsOnline)
	}
}
