package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// ユーザーID・ロール等の情報をサービス間で伝播するために使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID int64 `json:"user_id"`
	// Username はユーザー名。
	Username string `json:"username"`
	// Role はユーザーのロール（employee / manager / assistant）。
	Role string `json:"role"`
	// IsAdmin は管理者権限を持つかどうか。
	IsAdmin bool `json:"is_admin"`
}

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// ErrInvalidToken はトークンの検証に失敗したことを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// usersサービスが登録・ログイン成功後に呼び出す。
func GenerateJWT(secret string, userID int64, username, role string, isAdmin bool) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "docflow-users",
		},
		UserID:   userID,
		Username: username,
		Role:     role,
		IsAdmin:  isAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はJWTトークン文字列を検証し、クレームを返す。
// WebSocketエンドポイントのようにミドルウェアを経由しない認証で使用する。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id"・"username"・"role"・"is_admin" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Set("is_admin", claims.IsAdmin)
		c.Header(headerKeyUserID, strconv.FormatInt(claims.UserID, 10))
		c.Next()
	}
}

// RequireRole は指定されたロールのユーザーのみを許可するGinミドルウェアを返す。
// JWTAuthミドルウェアが事前に適用されている必要がある。
// 複数のロールを指定した場合、いずれかに一致すれば許可する。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "この操作を行う権限がありません",
		})
	}
}

// RequireAdmin は管理者のみを許可するGinミドルウェアを返す。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "管理者権限が必要です",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 未設定の場合は0を返す。JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) int64 {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(int64); ok {
		return id
	}
	return 0
}

// GetUsername はGinコンテキストからユーザー名を取得する。
func GetUsername(c *gin.Context) string {
	username, _ := c.Get("username")
	if name, ok := username.(string); ok {
		return name
	}
	return ""
}

// GetRole はGinコンテキストからユーザーのロールを取得する。
func GetRole(c *gin.Context) string {
	role, _ := c.Get("role")
	if r, ok := role.(string); ok {
		return r
	}
	return ""
}

// IsAdmin はGinコンテキストから管理者権限の有無を取得する。
func IsAdmin(c *gin.Context) bool {
	isAdmin, _ := c.Get("is_admin")
	if b, ok := isAdmin.(bool); ok {
		return b
	}
	return false
}
