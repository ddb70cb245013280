// Package auth 签发与校验 API 使用的 Bearer Token。
//
// 本系统没有用户账户：Token 由 monitorctl token 离线签发，
// subject 只用于日志，scope 决定能否调用写接口。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token 权限范围。
const (
	ScopeAdmin  = "admin"  // 读写
	ScopeViewer = "viewer" // 只读
)

var (
	// ErrInvalidToken Token 无法解析、签名不符或已过期。
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSecret 未配置签名密钥。
	ErrMissingSecret = errors.New("jwt secret is empty")
)

// Claims 是 Token 载荷。
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// NormalizeScope 返回合法的 scope，未知值按 viewer 处理。
func NormalizeScope(scope string) string {
	switch strings.TrimSpace(strings.ToLower(scope)) {
	case ScopeAdmin, "":
		return ScopeAdmin
	default:
		return ScopeViewer
	}
}

// IssueToken 签发 HS256 Token。
//
// 参数:
//   - secret: 签名密钥
//   - subject: 持有者标识（如 "cli"、"dashboard"）
//   - scope: admin / viewer
//   - ttl: 有效期，<= 0 时默认 24 小时
//   - now: 签发时间
func IssueToken(secret, subject, scope string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scope: NormalizeScope(scope),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken 校验 Token 并返回载荷。只接受 HMAC 签名。
func ParseToken(secret, tokenStr string) (*Claims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	claims.Scope = NormalizeScope(claims.Scope)
	return claims, nil
}
