package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoExpiry = errors.New("token has no exp claim")

// BearerHeader 返回 Authorization 请求头的值。
func BearerHeader(token string) string {
	return "Bearer " + token
}

// ExpiresAt 读取 access token 的 exp，不校验签名：客户端没有服务端密钥，
// 只用它判断本地保存的 token 是否值得拿去恢复会话。
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// Expired 判断 token 在 now 时是否已过期。非 JWT 或没有 exp 的 token 视为未过期，交给服务端判定。
func Expired(token string, now time.Time) bool {
	exp, err := ExpiresAt(token)
	if err != nil {
		return false
	}
	return !now.Before(exp)
}
