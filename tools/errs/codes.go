package errs

const (
	ServerInternalError = 500

	InvalidRequestError        = 1001
	InvalidCredentialsError    = 1002
	NotAuthenticatedError      = 1003
	UnknownUserError           = 1004
	SelfFriendNotAllowedError  = 1005
	EmptyMessageError          = 1006
	UsernameTakenError         = 1007
	RateLimitedError           = 1008
	ExpiredOrUnknownTokenError = 1009

	StoreUnavailableError = 1500
)

// Msg 即对外 reason，客户端据此区分凭证错误/校验错误/暂时不可用
var (
	ErrInternal              = NewCodeError(ServerInternalError, "InternalError")
	ErrInvalidRequest        = NewCodeError(InvalidRequestError, "InvalidRequest")
	ErrInvalidCredentials    = NewCodeError(InvalidCredentialsError, "InvalidCredentials")
	ErrNotAuthenticated      = NewCodeError(NotAuthenticatedError, "NotAuthenticated")
	ErrUnknownUser           = NewCodeError(UnknownUserError, "UnknownUser")
	ErrSelfFriendNotAllowed  = NewCodeError(SelfFriendNotAllowedError, "SelfFriendNotAllowed")
	ErrEmptyMessage          = NewCodeError(EmptyMessageError, "EmptyMessage")
	ErrUsernameTaken         = NewCodeError(UsernameTakenError, "UsernameTaken")
	ErrRateLimited           = NewCodeError(RateLimitedError, "RateLimited")
	ErrExpiredOrUnknownToken = NewCodeError(ExpiredOrUnknownTokenError, "ExpiredOrUnknownToken")
	ErrStoreUnavailable      = NewCodeError(StoreUnavailableError, "StoreUnavailable")
)
