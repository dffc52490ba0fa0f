package notification

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nao1215/docflow/internal/notification/fabric"
	"github.com/nao1215/docflow/internal/notification/presence"
	"github.com/nao1215/docflow/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はDBクエリ実行オブジェクト。
	queries *queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// fab は配信ファブリック。REDIS_URLが設定されていればRedis実装を使用する。
	fab fabric.Fabric
	// registry はプレゼンスレジストリ。
	registry *presence.Registry
	// notifier は通知の永続化と配信を束ねるファサード。
	notifier *Notifier
	// jwtSecret はJWT検証用の秘密鍵。
	jwtSecret string
	// pingPeriod はWebSocketハートビートのping送信間隔。
	pingPeriod time.Duration
	// pongWait はpong応答を待つ最大時間。
	pongWait time.Duration
	// upgrader はHTTP接続をWebSocketにアップグレードする。
	upgrader websocket.Upgrader
}

// NewServer は新しい通知サーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成、配信ファブリックの選択を行う。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("NOTIFICATION_DB", "/data/notification.db?_journal_mode=WAL&_busy_timeout=5000")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	// 配信ファブリックの選択。水平スケール構成ではRedisを指定する。
	var fab fabric.Fabric
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisFab, err := fabric.NewRedis(redisURL)
		if err != nil {
			return nil, fmt.Errorf("Redisファブリックの初期化に失敗: %w", err)
		}
		fab = redisFab
		log.Printf("[Notification] Redisファブリックを使用します: %s", redisURL)
	} else {
		fab = fabric.NewMemory()
		log.Print("[Notification] インメモリファブリックを使用します")
	}

	heartbeat := 50 * time.Second
	if v := os.Getenv("WS_HEARTBEAT_SECONDS"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			heartbeat = time.Duration(sec) * time.Second
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	queries := newQueries(sqlDB)
	s := &Server{
		router:     router,
		port:       port,
		queries:    queries,
		db:         sqlDB,
		fab:        fab,
		registry:   presence.NewRegistry(),
		notifier:   NewNotifier(queries, fab),
		jwtSecret:  jwtSecret,
		pingPeriod: heartbeat,
		// pong待ち時間はping間隔より長く取る
		pongWait: heartbeat + heartbeat/5,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// オリジン検証はリバースプロキシ層で行う前提
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Close はファブリックとデータベース接続を閉じる。
// ファブリックの停止によって全WebSocketセッションが終了処理に入る。
func (s *Server) Close() error {
	if err := s.fab.Close(); err != nil {
		log.Printf("[Notification] ファブリックの停止に失敗: %v", err)
	}
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// WebSocket接続（トークンはクエリパラメータまたはAuthorizationヘッダーで渡す）
	s.router.GET("/ws", s.handleWebSocket())

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得（新しい順）
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllRead())
		}

		// ユーザーのオンライン状態取得
		api.GET("/users/:id/status", s.handleUserStatus())
	}

	// 内部API（usersサービス・documentサービスから呼び出される。
	// 外部に公開しない前提のため認証はネットワーク境界に委ねる）
	internal := s.router.Group("/api/v1/internal")
	{
		internal.POST("/send", s.handleSend())
		internal.POST("/users", s.handleUpsertUser())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponse は通知レコードをJSONレスポンスに変換する。
func toNotificationResponse(n Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		UserID:    n.UserID,
		Message:   n.Message,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt.Format(time.RFC3339),
	}
}

// toNotificationResponses は通知レコードのスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(notifications []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, toNotificationResponse(n))
	}
	return responses
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.queries.ListNotificationsByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.queries.ListUnreadNotifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			log.Printf("未読通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleMarkRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notificationID := c.Param("id")

		// 通知の存在確認と所有者チェック
		n, err := s.queries.GetNotificationByID(c.Request.Context(), notificationID)
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			log.Printf("通知取得エラー: %v", err)
			return
		}

		if n.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.queries.MarkRead(c.Request.Context(), notificationID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			log.Printf("通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllRead は認証済みユーザーの全通知を既読にするハンドラ。
// 未読通知が残っていない場合も成功として扱う（冪等）。
func (s *Server) handleMarkAllRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		affected, err := s.queries.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			log.Printf("全通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":  "全通知を既読にしました",
			"affected": affected,
		})
	}
}

// handleUserStatus はユーザーのオンライン状態を返すハンドラ。
func (s *Server) handleUserStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ユーザーIDが不正です"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user_id":   targetID,
			"is_online": s.registry.IsOnline(targetID),
		})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// UserID は通知先のユーザーID。
	UserID int64 `json:"user_id" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Persist は通知をストアに永続化するかどうか。省略時はtrue。
	Persist *bool `json:"persist"`
	// Deliver は通知をWebSocketでライブ配信するかどうか。省略時はtrue。
	Deliver *bool `json:"deliver"`
}

// handleSend は通知を作成・配信するハンドラ。
// 内部API（usersサービス・documentサービスから呼び出される）。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		persist := req.Persist == nil || *req.Persist
		deliver := req.Deliver == nil || *req.Deliver

		created, err := s.notifier.NotifyUser(c.Request.Context(), req.UserID, req.Message, persist, deliver)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			log.Printf("通知作成エラー: %v", err)
			return
		}

		resp := gin.H{"message": "通知を送信しました"}
		if created != nil {
			resp["id"] = created.ID
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// upsertUserRequest はユーザーミラー登録リクエストのJSON構造。
type upsertUserRequest struct {
	// ID はusersサービスが発行したユーザーID。
	ID int64 `json:"id" binding:"required"`
	// Username はユーザー名。
	Username string `json:"username" binding:"required"`
	// Role はユーザーのロール。
	Role string `json:"role" binding:"required"`
}

// handleUpsertUser はユーザーミラーテーブルを更新するハンドラ。
// 内部API（usersサービスがユーザー登録・ロール変更時に呼び出す）。
func (s *Server) handleUpsertUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req upsertUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.queries.UpsertUser(c.Request.Context(), req.ID, req.Username, req.Role); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			log.Printf("ユーザーミラー更新エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "ユーザーを登録しました"})
	}
}

// handleWebSocket はWebSocket接続を処理するハンドラ。
//
// 認証トークンはクエリパラメータ "token" またはAuthorizationヘッダーで
// 受け取る。匿名（トークンなし・無効）の接続はアップグレード前に拒否し、
// Open状態には到達させない。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			if header := c.GetHeader("Authorization"); header != "" {
				tokenString, _ = strings.CutPrefix(header, "Bearer ")
			}
		}
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
			return
		}

		claims, err := middleware.ParseJWT(s.jwtSecret, tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		exists, err := s.queries.UserExists(c.Request.Context(), claims.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの存在確認に失敗しました"})
			log.Printf("ユーザー存在確認エラー: %v", err)
			return
		}
		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeは失敗時に自身でエラーレスポンスを書き込む
			log.Printf("WebSocketアップグレードエラー: user_id=%d, error=%v", claims.UserID, err)
			return
		}

		sess := newSession(uuid.New().String(), claims.UserID, conn, s.fab, s.registry, s.pingPeriod, s.pongWait)
		if err := sess.open(); err != nil {
			log.Printf("セッション開始エラー: user_id=%d, error=%v", claims.UserID, err)
			_ = conn.Close()
		}
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
