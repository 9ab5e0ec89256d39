// Package jwt 签发与校验调用方服务令牌。
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
	// ErrUnknownScope 未知的权限范围
	ErrUnknownScope = errors.New("unknown scope")
)

// Scope 令牌可以访问的接口范围
type Scope string

const (
	ScopeSequenceWrite Scope = "sequence:write"
	ScopeSequenceRead  Scope = "sequence:read"
	ScopeACLRead       Scope = "acl:read"
	ScopeACLWrite      Scope = "acl:write"
	ScopeIndexRead     Scope = "index:read"
	ScopeIndexWrite    Scope = "index:write"
)

// AllScopes 全部权限范围
var AllScopes = []Scope{
	ScopeSequenceWrite, ScopeSequenceRead,
	ScopeACLRead, ScopeACLWrite,
	ScopeIndexRead, ScopeIndexWrite,
}

// ParseScope 解析权限范围
func ParseScope(s string) (Scope, error) {
	for _, scope := range AllScopes {
		if string(scope) == s {
			return scope, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
}

// Claims JWT 自定义声明
type Claims struct {
	Service string  `json:"service"`
	Scopes  []Scope `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope 是否拥有给定权限范围
func (c *Claims) HasScope(scope Scope) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Token 签发结果
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Manager JWT 管理器
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string, expiry time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
	}
}

// Issue 为调用方服务签发令牌
func (m *Manager) Issue(service string, scopes ...Scope) (*Token, error) {
	if service == "" {
		return nil, fmt.Errorf("%w: empty service name", ErrInvalidToken)
	}
	now := time.Now()
	expiresAt := now.Add(m.expiry)

	claims := Claims{
		Service: service,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

// ValidateToken 验证令牌并返回声明
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
