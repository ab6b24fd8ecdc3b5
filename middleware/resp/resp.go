package resp

import (
	"errors"
	"net/http"

	"FriendChat/logger"
	"FriendChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorBody 对外错误结构，WS 的 error 帧和 HTTP 失败响应共用
type ErrorBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// ErrorOf 令牌过期/未知对外统一报 NotAuthenticated；服务端错误不带 detail
func ErrorOf(err error) ErrorBody {
	if errors.Is(err, errs.ErrExpiredOrUnknownToken) {
		return ErrorBody{Code: errs.NotAuthenticatedError, Reason: errs.ErrNotAuthenticated.Msg, Detail: errs.ErrExpiredOrUnknownToken.Msg}
	}
	ce, ok := errs.As(err)
	if !ok {
		logger.Error("unclassified error", zap.Error(err))
		return ErrorBody{Code: errs.ErrInternal.Code, Reason: errs.ErrInternal.Msg}
	}
	body := ErrorBody{Code: ce.Code, Reason: ce.Msg}
	if ce.Code < errs.StoreUnavailableError && ce.Code != errs.ServerInternalError {
		body.Detail = ce.Detail
	}
	return body
}

func HTTPStatus(code int) int {
	switch code {
	case errs.InvalidRequestError, errs.EmptyMessageError, errs.SelfFriendNotAllowedError:
		return http.StatusBadRequest
	case errs.InvalidCredentialsError, errs.NotAuthenticatedError, errs.ExpiredOrUnknownTokenError:
		return http.StatusUnauthorized
	case errs.UnknownUserError:
		return http.StatusNotFound
	case errs.UsernameTakenError:
		return http.StatusConflict
	case errs.RateLimitedError:
		return http.StatusTooManyRequests
	case errs.StoreUnavailableError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type envelope struct {
	OK bool `json:"ok"`
	*ErrorBody
	Data any `json:"data,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{OK: true, Data: data})
}

func Fail(c *gin.Context, err error) {
	body := ErrorOf(err)
	c.AbortWithStatusJSON(HTTPStatus(body.Code), envelope{ErrorBody: &body})
}
