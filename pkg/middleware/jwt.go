package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer はリレーサービスが発行するトークンのissuer。
const tokenIssuer = "mahoodle-relay"

// JWTClaims はサービスアカウントトークンのクレームを表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID はサービスアカウントの識別子。
	UserID string `json:"user_id"`
}

// headerKeyUserID は認証済みアカウントIDを返すHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// contextKeyUserID はGinコンテキストにアカウントIDを格納するキー。
const contextKeyUserID = "user_id"

// GenerateJWT はサービスアカウント用のJWTトークンを生成する。
// ttlが0以下の場合は24時間とする。
func GenerateJWT(secret, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// HS256以外の署名アルゴリズムは拒否する。
// 検証に成功した場合、コンテキストに "user_id" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, http.StatusUnauthorized, "Authorizationヘッダーが必要です")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abortWithError(c, http.StatusUnauthorized, "Bearer トークン形式が不正です")
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			abortWithError(c, http.StatusUnauthorized, "トークンが無効です")
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// RestrictUsers は許可されたサービスアカウント以外のリクエストを403で拒否するミドルウェアを返す。
// JWTAuthの後に適用する。allowedが空の場合は認証済みの全アカウントを許可する。
func RestrictUsers(allowed []string) gin.HandlerFunc {
	accounts := slices.Clone(allowed)

	return func(c *gin.Context) {
		if len(accounts) == 0 {
			c.Next()
			return
		}
		if !slices.Contains(accounts, GetUserID(c)) {
			abortWithError(c, http.StatusForbidden, "このアカウントにはAPIの利用が許可されていません")
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストから認証済みアカウントIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// abortWithError はリレーAPIと同じ形式のエラーレスポンスでリクエストを中断する。
func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}
