package handlers

import (
	userservice "FriendChat/module/user/service"
	"FriendChat/service/chat"
)

// ===== signup =====

type SignupHandler struct{}

func NewSignupHandler() chat.Handler        { return &SignupHandler{} }
func (h *SignupHandler) Type() string       { return chat.TypeSignup }
func (h *SignupHandler) RequiresAuth() bool { return false }

// Handle 注册不会顺带登录，客户端随后发 login
func (h *SignupHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.SignupReq](f)
	if err != nil {
		return err
	}
	u, err := c.S.Users().Signup(c.Ctx, userservice.SignupParams{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		conn.Reply(chat.EventSignupResult, f.ID, chat.SignupResult{Result: chat.Failed(err)})
		return nil
	}
	conn.Reply(chat.EventSignupResult, f.ID, chat.SignupResult{Result: chat.OKResult(), Username: u.Username})
	return nil
}

// ===== login =====

type LoginHandler struct{}

func NewLoginHandler() chat.Handler        { return &LoginHandler{} }
func (h *LoginHandler) Type() string       { return chat.TypeLogin }
func (h *LoginHandler) RequiresAuth() bool { return false }

func (h *LoginHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.LoginReq](f)
	if err != nil {
		return err
	}
	sess, err := c.S.Sessions().Authenticate(c.Ctx, req.Username, req.Password)
	if err == nil {
		err = c.S.Attach(conn, sess.Username, sess.Token)
	}
	if err != nil {
		conn.Reply(chat.EventLoginResult, f.ID, chat.LoginResult{Result: chat.Failed(err)})
		return nil
	}
	conn.Reply(chat.EventLoginResult, f.ID, chat.LoginResult{
		Result:   chat.OKResult(),
		Username: sess.Username,
		Token:    sess.Token,
		ExpireAt: &sess.ExpireAt,
	})
	return nil
}

// ===== auth：用已有令牌接入新连接（多端/重连） =====

type AuthHandler struct{}

func NewAuthHandler() chat.Handler        { return &AuthHandler{} }
func (h *AuthHandler) Type() string       { return chat.TypeAuth }
func (h *AuthHandler) RequiresAuth() bool { return false }

func (h *AuthHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.AuthReq](f)
	if err != nil {
		return err
	}
	username, err := c.S.Sessions().Resolve(c.Ctx, req.Token)
	if err == nil {
		err = c.S.Attach(conn, username, req.Token)
	}
	if err != nil {
		conn.Reply(chat.EventLoginResult, f.ID, chat.LoginResult{Result: chat.Failed(err)})
		return nil
	}
	conn.Reply(chat.EventLoginResult, f.ID, chat.LoginResult{Result: chat.OKResult(), Username: username})
	return nil
}

// ===== logout =====

type LogoutHandler struct{}

func NewLogoutHandler() chat.Handler        { return &LogoutHandler{} }
func (h *LogoutHandler) Type() string       { return chat.TypeLogout }
func (h *LogoutHandler) RequiresAuth() bool { return true }

func (h *LogoutHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	if err := c.S.Detach(c.Ctx, conn); err != nil {
		return err
	}
	conn.Reply(chat.EventLogoutResult, f.ID, chat.OKResult())
	return nil
}
