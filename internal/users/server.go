package users

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/docflow/pkg/httpclient"
	"github.com/nao1215/docflow/pkg/middleware"
	"github.com/nao1215/docflow/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Server はusersサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はDBクエリ実行オブジェクト。
	queries *queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// jwtSecret はJWT署名用の秘密鍵。
	jwtSecret string
	// notificationClient は通知サービスへの通信クライアント。
	notificationClient *httpclient.Client
}

// NewServer は新しいusersサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションの適用を行う。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("USERS_DB", "/data/users.db?_journal_mode=WAL&_busy_timeout=5000")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := migration.Run(sqlDB, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	notificationURL := getEnvOr("NOTIFICATION_URL", "http://localhost:8086")
	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{frontendURL}))

	s := &Server{
		router:             router,
		port:               port,
		queries:            newQueries(sqlDB),
		db:                 sqlDB,
		jwtSecret:          jwtSecret,
		notificationClient: httpclient.New(notificationURL),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 認証エンドポイント（認証不要）
	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		// 自分のユーザー情報
		api.GET("/me", s.handleGetCurrentUser())
		// ユーザー一覧（割り当て画面のアシスタント選択等に使用）
		api.GET("/users", s.handleListUsers())

		// ロール変更申請
		roleRequests := api.Group("/role-requests")
		{
			roleRequests.POST("", s.handleCreateRoleRequest())
			roleRequests.GET("", middleware.RequireAdmin(), s.handleListRoleRequests())
			roleRequests.PUT("/:id/approve", middleware.RequireAdmin(), s.handleDecideRoleRequest(true))
			roleRequests.PUT("/:id/reject", middleware.RequireAdmin(), s.handleDecideRoleRequest(false))
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "users"})
	})
}

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Username はユーザー名（ログインID）。
	Username string `json:"username" binding:"required,min=3,max=64"`
	// Password は平文パスワード。保存前にbcryptでハッシュ化される。
	Password string `json:"password" binding:"required,min=8"`
	// Role は希望するロール。省略時はemployee。
	Role string `json:"role"`
}

// handleRegister は新規ユーザーを登録するハンドラ。
// 登録されたユーザーは通知サービスのユーザーミラーに同期される。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		role := req.Role
		if role == "" {
			role = RoleEmployee
		}
		if !ValidRole(role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ロールが不正です"})
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "パスワードのハッシュ化に失敗しました"})
			log.Printf("パスワードハッシュ化エラー: %v", err)
			return
		}

		userID, err := s.queries.CreateUser(c.Request.Context(), req.Username, string(hash), role, false)
		if errors.Is(err, ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "ユーザー名は既に使用されています"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの作成に失敗しました"})
			log.Printf("ユーザー作成エラー: %v", err)
			return
		}

		s.mirrorUser(c.Request.Context(), userID, req.Username, role)

		token, err := middleware.GenerateJWT(s.jwtSecret, userID, req.Username, role, false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token":    token,
			"user_id":  userID,
			"username": req.Username,
			"role":     role,
		})
	}
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Username はユーザー名。
	Username string `json:"username" binding:"required"`
	// Password は平文パスワード。
	Password string `json:"password" binding:"required"`
}

// handleLogin はログインを処理しJWTを発行するハンドラ。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		user, err := s.queries.GetUserByUsername(c.Request.Context(), req.Username)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザー名またはパスワードが違います"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザー名またはパスワードが違います"})
			return
		}

		token, err := middleware.GenerateJWT(s.jwtSecret, user.ID, user.Username, user.Role, user.IsAdmin)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			log.Printf("JWT生成エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":    token,
			"user_id":  user.ID,
			"username": user.Username,
			"role":     user.Role,
		})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラ。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		user, err := s.queries.GetUserByID(c.Request.Context(), userID)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			log.Printf("ユーザー取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
			"is_admin": user.IsAdmin,
		})
	}
}

// handleListUsers はユーザー一覧を返すハンドラ。
// クエリパラメータroleで絞り込める（例: /api/v1/users?role=assistant）。
func (s *Server) handleListUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.Query("role")
		if role != "" && !ValidRole(role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ロールが不正です"})
			return
		}

		userList, err := s.queries.ListUsersByRole(c.Request.Context(), role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー一覧の取得に失敗しました"})
			log.Printf("ユーザー一覧取得エラー: %v", err)
			return
		}

		responses := make([]gin.H, 0, len(userList))
		for _, u := range userList {
			responses = append(responses, gin.H{
				"id":       u.ID,
				"username": u.Username,
				"role":     u.Role,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// roleRequestRequest はロール変更申請リクエストのJSON構造。
type roleRequestRequest struct {
	// RequestedRole は申請するロール。
	RequestedRole string `json:"requested_role" binding:"required"`
}

// handleCreateRoleRequest はロール変更申請を作成するハンドラ。
// 作成された申請は全管理者に通知される。
func (s *Server) handleCreateRoleRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req roleRequestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if !ValidRole(req.RequestedRole) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ロールが不正です"})
			return
		}

		requestID, err := s.queries.CreateRoleRequest(c.Request.Context(), userID, req.RequestedRole)
		if errors.Is(err, ErrRoleRequestPending) {
			c.JSON(http.StatusConflict, gin.H{"error": "未決定のロール申請が既に存在します"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ロール申請の作成に失敗しました"})
			log.Printf("ロール申請作成エラー: %v", err)
			return
		}

		// 全管理者に新しい申請を通知する
		admins, err := s.queries.ListAdmins(c.Request.Context())
		if err != nil {
			log.Printf("管理者一覧取得エラー: %v", err)
		}
		message := fmt.Sprintf("Пользователь %s запрашивает изменение роли на %s.",
			middleware.GetUsername(c), RoleDisplayName(req.RequestedRole))
		for _, admin := range admins {
			s.notify(c.Request.Context(), admin.ID, message)
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      requestID,
			"message": "ロール申請を作成しました",
		})
	}
}

// handleListRoleRequests は未決定のロール申請一覧を返すハンドラ（管理者用）。
func (s *Server) handleListRoleRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		requests, err := s.queries.ListPendingRoleRequests(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ロール申請一覧の取得に失敗しました"})
			log.Printf("ロール申請一覧取得エラー: %v", err)
			return
		}

		responses := make([]gin.H, 0, len(requests))
		for _, r := range requests {
			responses = append(responses, gin.H{
				"id":             r.ID,
				"user_id":        r.UserID,
				"username":       r.Username,
				"requested_role": r.RequestedRole,
				"created_at":     r.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleDecideRoleRequest はロール申請を承認・却下するハンドラ（管理者用）。
// 承認時はユーザーのロールを変更し、結果を申請者に通知する。
func (s *Server) handleDecideRoleRequest(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "申請IDが不正です"})
			return
		}

		request, err := s.queries.GetRoleRequestByID(c.Request.Context(), requestID)
		if errors.Is(err, ErrRoleRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ロール申請が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ロール申請の取得に失敗しました"})
			log.Printf("ロール申請取得エラー: %v", err)
			return
		}

		if err := s.queries.DecideRoleRequest(c.Request.Context(), requestID, approve); err != nil {
			if errors.Is(err, ErrRoleRequestDecided) {
				c.JSON(http.StatusConflict, gin.H{"error": "ロール申請は既に決定済みです"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ロール申請の決定に失敗しました"})
			log.Printf("ロール申請決定エラー: %v", err)
			return
		}

		displayRole := RoleDisplayName(request.RequestedRole)
		var message string
		if approve {
			if err := s.queries.UpdateUserRole(c.Request.Context(), request.UserID, request.RequestedRole); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ロールの変更に失敗しました"})
				log.Printf("ロール変更エラー: %v", err)
				return
			}
			// 変更後のロールを通知サービスのミラーにも反映する
			s.mirrorUser(c.Request.Context(), request.UserID, request.Username, request.RequestedRole)
			message = fmt.Sprintf("Ваш запрос на изменение роли на «%s» был <<одобрен>>.", displayRole)
		} else {
			message = fmt.Sprintf("Ваш запрос на изменение роли на «%s» был <<отклонен>>.", displayRole)
		}

		s.notify(c.Request.Context(), request.UserID, message)

		c.JSON(http.StatusOK, gin.H{"message": "ロール申請を処理しました"})
	}
}

// notify は通知サービスの内部APIを通じてユーザーに通知を送る。
// 通知の失敗はログに記録するだけで、呼び出し元の処理は継続する。
func (s *Server) notify(ctx context.Context, userID int64, message string) {
	req := map[string]any{"user_id": userID, "message": message}
	if err := s.notificationClient.PostJSON(ctx, "/api/v1/internal/send", req, nil); err != nil {
		log.Printf("[Users] 通知の送信に失敗: user_id=%d, error=%v", userID, err)
	}
}

// mirrorUser は通知サービスのユーザーミラーにユーザー情報を同期する。
// 同期の失敗はログに記録するだけで、呼び出し元の処理は継続する。
func (s *Server) mirrorUser(ctx context.Context, userID int64, username, role string) {
	req := map[string]any{"id": userID, "username": username, "role": role}
	if err := s.notificationClient.PostJSON(ctx, "/api/v1/internal/users", req, nil); err != nil {
		log.Printf("[Users] ユーザーミラーの同期に失敗: user_id=%d, error=%v", userID, err)
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
