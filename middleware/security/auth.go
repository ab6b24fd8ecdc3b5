package security

import (
	"context"
	"strings"

	"FriendChat/middleware/resp"
	"FriendChat/tools/errs"

	"github.com/gin-gonic/gin"
)

// ===== context key =====
// 后续 handler 统一用这俩 key 读取
const (
	PPCtxAuthKey     = "authorization" // string，原始令牌
	PPCtxUsernameKey = "username"      // string，解析出的用户名
)

// TokenResolver 由 session.Store 实现
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "X-Token"
	EnableAuthorizationBearer bool   // 默认 true
	// 允许 ?token= 传参（浏览器 WebSocket 无法自定义头）
	EnableQueryToken bool
	Resolver         TokenResolver
}

func DefaultOptions(resolver TokenResolver) *Options {
	return &Options{
		HeaderToken:               "X-Token",
		EnableAuthorizationBearer: true,
		Resolver:                  resolver,
	}
}

// ExtractToken 依次尝试自定义头、Authorization: Bearer、query
func ExtractToken(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if token == "" && opts.EnableQueryToken {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil || opts.Resolver == nil {
		panic("security: token resolver required")
	}
	return func(c *gin.Context) {
		token := ExtractToken(c, opts)
		if token == "" {
			resp.Fail(c, errs.ErrNotAuthenticated.WrapMsg("missing token"))
			return
		}
		username, err := opts.Resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			resp.Fail(c, err)
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxUsernameKey, username)
		c.Next()
	}
}

// Username 中间件之后读取当前用户
func Username(c *gin.Context) string { return c.GetString(PPCtxUsernameKey) }

func Token(c *gin.Context) string { return c.GetString(PPCtxAuthKey) }
