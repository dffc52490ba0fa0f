package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/docflow/internal/users"
	"github.com/nao1215/docflow/pkg/httpclient"
	"github.com/nao1215/docflow/pkg/middleware"
)

// maxUploadSize はアップロードできるPDFファイルの最大サイズ（5MiB）。
const maxUploadSize = 5 * 1024 * 1024

// mfoLength は組織コードの桁数。
const mfoLength = 9

// Server はdocumentサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はDBクエリ実行オブジェクト。
	queries *queries
	// db はSQLiteデータベース接続。
	db *sql.DB
	// dataDir はアップロードされたPDFの保存先ディレクトリ。
	dataDir string
	// jwtSecret はJWT検証用の秘密鍵。
	jwtSecret string
	// notificationClient は通知サービスへの通信クライアント。
	notificationClient *httpclient.Client
}

// NewServer は新しいdocumentサーバーを生成する。
// SQLiteデータベースの初期化とファイル保存先ディレクトリの作成を行う。
func NewServer(port string) (*Server, error) {
	dbPath := getEnvOr("DOCUMENT_DB", "/data/document.db?_journal_mode=WAL&_busy_timeout=5000")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	dataDir := getEnvOr("DOCUMENT_DATA_DIR", "/data/documents")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ファイル保存先ディレクトリの作成に失敗: %w", err)
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
		dataDir:            dataDir,
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
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		documents := api.Group("/documents")
		{
			// 書類の提出（社員のみ）
			documents.POST("", middleware.RequireRole(users.RoleEmployee), s.handleUpload())
			// ロールに応じた書類一覧
			documents.GET("", s.handleList())
			// 書類の詳細
			documents.GET("/:id", s.handleGet())
			// アシスタントへの割り当て（部長のみ）
			documents.PUT("/:id/assign", middleware.RequireRole(users.RoleManager), s.handleAssign())
			// 審査（部長・アシスタント）
			documents.PUT("/:id/review", middleware.RequireRole(users.RoleManager, users.RoleAssistant), s.handleReview())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "document"})
	})
}

// documentResponse は書類のJSONレスポンス構造。
type documentResponse struct {
	// ID は書類の一意識別子。
	ID string `json:"id"`
	// EmployeeID は提出した社員のユーザーID。
	EmployeeID int64 `json:"employee_id"`
	// FileName はアップロードされた元のファイル名。
	FileName string `json:"file_name"`
	// MFO は組織コード。
	MFO string `json:"mfo"`
	// DocumentType は書類の種類。
	DocumentType string `json:"document_type"`
	// Message は提出時の説明メッセージ。
	Message string `json:"message"`
	// Status は審査状態。
	Status string `json:"status"`
	// AssignedTo は割り当てられたアシスタントのユーザーID。未割り当てはnull。
	AssignedTo *int64 `json:"assigned_to"`
	// CreatedAt は書類の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toDocumentResponse は書類レコードをJSONレスポンスに変換する。
func toDocumentResponse(d Document) documentResponse {
	return documentResponse{
		ID:           d.ID,
		EmployeeID:   d.EmployeeID,
		FileName:     d.FileName,
		MFO:          d.MFO,
		DocumentType: d.DocumentType,
		Message:      d.Message,
		Status:       d.Status,
		AssignedTo:   d.AssignedTo,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
	}
}

// toDocumentResponses は書類レコードのスライスをJSONレスポンスのスライスに変換する。
func toDocumentResponses(documents []Document) []documentResponse {
	responses := make([]documentResponse, 0, len(documents))
	for _, d := range documents {
		responses = append(responses, toDocumentResponse(d))
	}
	return responses
}

// handleUpload はPDF書類の提出を処理するハンドラ。
// 拡張子・サイズ・組織コードを検証し、ファイルを保存先ディレクトリに格納する。
func (s *Server) handleUpload() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		documentType := c.PostForm("document_type")
		mfo := c.PostForm("mfo")
		message := c.PostForm("message")
		if documentType == "" || mfo == "" || message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "document_type・mfo・messageは必須です"})
			return
		}
		if len(mfo) != mfoLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("組織コードは%d文字である必要があります", mfoLength)})
			return
		}

		file, err := c.FormFile("pdf_file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "PDFファイルが必要です"})
			return
		}
		if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "拡張子が.pdfのファイルをアップロードしてください"})
			return
		}
		if file.Size > maxUploadSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ファイルサイズは5MiB以下である必要があります"})
			return
		}

		storedPath := filepath.Join(s.dataDir, uuid.New().String()+".pdf")
		if err := c.SaveUploadedFile(file, storedPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ファイルの保存に失敗しました"})
			log.Printf("ファイル保存エラー: %v", err)
			return
		}

		doc, err := s.queries.CreateDocument(c.Request.Context(), createDocumentParams{
			EmployeeID:   userID,
			FileName:     file.Filename,
			FilePath:     storedPath,
			MFO:          mfo,
			DocumentType: documentType,
			Message:      message,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "書類の作成に失敗しました"})
			log.Printf("書類作成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toDocumentResponse(*doc))
	}
}

// handleList はロールに応じた書類一覧を返すハンドラ。
// 社員は自分が提出した書類、部長は未割り当ての審査待ち書類、
// アシスタントは自分に割り当てられた審査待ち書類を見る。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var (
			documents []Document
			err       error
		)
		switch middleware.GetRole(c) {
		case users.RoleEmployee:
			documents, err = s.queries.ListByEmployee(c.Request.Context(), userID)
		case users.RoleManager:
			documents, err = s.queries.ListPendingUnassigned(c.Request.Context())
		case users.RoleAssistant:
			documents, err = s.queries.ListPendingAssignedTo(c.Request.Context(), userID)
		default:
			c.JSON(http.StatusForbidden, gin.H{"error": "この操作を行う権限がありません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "書類一覧の取得に失敗しました"})
			log.Printf("書類一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toDocumentResponses(documents))
	}
}

// handleGet は書類の詳細を返すハンドラ。
// 社員は自分が提出した書類のみ参照でき、部長とアシスタントは全書類を参照できる。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		doc, err := s.queries.GetDocumentByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "書類が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "書類の取得に失敗しました"})
			log.Printf("書類取得エラー: %v", err)
			return
		}

		switch middleware.GetRole(c) {
		case users.RoleManager, users.RoleAssistant:
			// 全書類を参照できる
		case users.RoleEmployee:
			if doc.EmployeeID != userID {
				c.JSON(http.StatusNotFound, gin.H{"error": "書類が見つかりません"})
				return
			}
		default:
			c.JSON(http.StatusForbidden, gin.H{"error": "この操作を行う権限がありません"})
			return
		}

		c.JSON(http.StatusOK, toDocumentResponse(*doc))
	}
}

// assignRequest は書類割り当てリクエストのJSON構造。
type assignRequest struct {
	// AssistantID は割り当て先アシスタントのユーザーID。
	AssistantID int64 `json:"assistant_id" binding:"required"`
}

// handleAssign は書類をアシスタントに割り当てるハンドラ（部長用）。
// 割り当てられたアシスタントに通知を送る。
func (s *Server) handleAssign() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		doc, err := s.queries.GetDocumentByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "書類が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "書類の取得に失敗しました"})
			log.Printf("書類取得エラー: %v", err)
			return
		}

		if err := s.queries.AssignDocument(c.Request.Context(), doc.ID, req.AssistantID); err != nil {
			if errors.Is(err, ErrDocumentNotPending) {
				c.JSON(http.StatusConflict, gin.H{"error": "書類は審査待ち状態ではありません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "書類の割り当てに失敗しました"})
			log.Printf("書類割り当てエラー: %v", err)
			return
		}

		s.notify(c.Request.Context(), req.AssistantID,
			fmt.Sprintf("Вам назначен документ: %s", doc.DocumentType))

		c.JSON(http.StatusOK, gin.H{"message": "書類を割り当てました"})
	}
}

// reviewRequest は書類審査リクエストのJSON構造。
type reviewRequest struct {
	// Action は審査結果（accept / reject）。
	Action string `json:"action" binding:"required"`
}

// handleReview は書類を承認・却下するハンドラ（部長・アシスタント用）。
// 審査結果は提出した社員に通知される。
func (s *Server) handleReview() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req reviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		var status, message string
		switch req.Action {
		case "accept":
			status = StatusAccepted
			message = "Ваш документ был принят."
		case "reject":
			status = StatusRejected
			message = "Ваш документ был отклонен."
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "actionはacceptまたはrejectを指定してください"})
			return
		}

		doc, err := s.queries.GetDocumentByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "書類が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "書類の取得に失敗しました"})
			log.Printf("書類取得エラー: %v", err)
			return
		}

		// アシスタントは自分に割り当てられた書類のみ審査できる
		if middleware.GetRole(c) == users.RoleAssistant {
			if doc.AssignedTo == nil || *doc.AssignedTo != userID {
				c.JSON(http.StatusForbidden, gin.H{"error": "この書類を審査する権限がありません"})
				return
			}
		}

		if err := s.queries.UpdateStatus(c.Request.Context(), doc.ID, status); err != nil {
			if errors.Is(err, ErrDocumentNotPending) {
				c.JSON(http.StatusConflict, gin.H{"error": "書類は審査待ち状態ではありません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "審査状態の更新に失敗しました"})
			log.Printf("審査状態更新エラー: %v", err)
			return
		}

		s.notify(c.Request.Context(), doc.EmployeeID, message)

		c.JSON(http.StatusOK, gin.H{"message": "審査結果を記録しました"})
	}
}

// notify は通知サービスの内部APIを通じてユーザーに通知を送る。
// 通知の失敗はログに記録するだけで、審査・割り当て処理は継続する。
// 通知は永続化されていれば次回の一覧取得で確認できる。
func (s *Server) notify(ctx context.Context, userID int64, message string) {
	req := map[string]any{"user_id": userID, "message": message}
	if err := s.notificationClient.PostJSON(ctx, "/api/v1/internal/send", req, nil); err != nil {
		log.Printf("[Document] 通知の送信に失敗: user_id=%d, error=%v", userID, err)
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
