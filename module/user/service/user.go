package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"FriendChat/data/database"
	"FriendChat/logger"
	usermodel "FriendChat/module/user/model"
	"FriendChat/tools/errs"
	"FriendChat/tools/security"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// 用户名不允许出现会话键分隔符 ':'
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// bcrypt 上限按字节计，validator 的 max 按字符计，多字节密码会漏过
const maxPasswordBytes = 72

// ValidUsername 供其他模块在查库前做格式校验
func ValidUsername(s string) bool { return usernameRe.MatchString(s) }

type SignupParams struct {
	Username string `json:"username" validate:"required,username"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,bcryptlen"`
}

type LoginParams struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type Service struct {
	store      database.Store
	validate   *validator.Validate
	bcryptCost int
	now        func() time.Time
}

type Option func(*Service)

// WithBcryptCost 测试里用 bcrypt.MinCost 提速
func WithBcryptCost(cost int) Option { return func(s *Service) { s.bcryptCost = cost } }

func NewService(store database.Store, opts ...Option) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return ValidUsername(fl.Field().String())
	})
	_ = v.RegisterValidation("bcryptlen", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= maxPasswordBytes
	})
	s := &Service{store: store, validate: v, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Signup 注册；用户名已存在返回 UsernameTaken，不覆盖
func (s *Service) Signup(ctx context.Context, in SignupParams) (*usermodel.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return nil, errs.ErrInvalidRequest.WrapMsg(validationDetail(err))
	}

	hash, err := security.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("hash password", "err", err)
	}
	u := &usermodel.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	switch err := s.store.PutUser(ctx, u); {
	case err == nil:
	case errors.Is(err, database.ErrAlreadyExists):
		return nil, errs.ErrUsernameTaken.WrapMsg("", "username", in.Username)
	default:
		logger.Error("signup: put user", zap.String("username", in.Username), zap.Error(err))
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	logger.Info("user signed up", zap.String("username", u.Username))
	return u, nil
}

// Verify 校验用户名密码；用户不存在与密码错误对外不区分
func (s *Service) Verify(ctx context.Context, in LoginParams) (*usermodel.User, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, errs.ErrInvalidCredentials.WrapMsg(validationDetail(err))
	}
	u, err := s.store.GetUser(ctx, in.Username)
	if errors.Is(err, database.ErrNotFound) {
		security.BurnCompare(in.Password)
		return nil, errs.ErrInvalidCredentials.Wrap()
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	if err := security.CheckPassword(u.PasswordHash, in.Password); err != nil {
		return nil, errs.ErrInvalidCredentials.Wrap()
	}
	return u, nil
}

// Exists 好友、发消息前确认对方已注册
func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	if !ValidUsername(username) {
		return false, nil
	}
	_, err := s.store.GetUser(ctx, username)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, database.ErrNotFound):
		return false, nil
	default:
		return false, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
}

func validationDetail(err error) string {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err.Error()
	}
	parts := make([]string, 0, len(ves))
	for _, fe := range ves {
		parts = append(parts, strings.ToLower(fe.Field())+":"+fe.Tag())
	}
	return strings.Join(parts, ",")
}
