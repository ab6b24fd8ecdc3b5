package chat

import (
	"net/http"
	"strconv"

	"FriendChat/middleware"
	"FriendChat/middleware/resp"
	midsec "FriendChat/middleware/security"
	userservice "FriendChat/module/user/service"
	"FriendChat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes 挂载 /ws、/api/*、/healthz、/metrics
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := midsec.Middleware(midsec.DefaultOptions(s.sessions))
	rt := middleware.NewRoutes(r.Group("/api"), auth)

	rt.POST("/signup", s.apiSignup, middleware.RouteOpt{})
	rt.POST("/login", s.apiLogin, middleware.RouteOpt{})
	rt.POST("/logout", s.apiLogout, middleware.RouteOpt{IsAuth: true})
	rt.GET("/friends", s.apiListFriends, middleware.RouteOpt{IsAuth: true})
	rt.POST("/friends", s.apiAddFriend, middleware.RouteOpt{IsAuth: true})
	rt.GET("/friends/search", s.apiSearchFriends, middleware.RouteOpt{IsAuth: true})
	rt.POST("/messages", s.apiSendMessage, middleware.RouteOpt{IsAuth: true})
	rt.GET("/history/:friend", s.apiHistory, middleware.RouteOpt{IsAuth: true})
}

func (s *Server) healthz(c *gin.Context) {
	total, authed := s.connMgr.Count()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node": s.conf.NodeID, "connections": total, "authenticated": authed})
}

func bind[T any](c *gin.Context) (*T, bool) {
	var in T
	if err := c.ShouldBindJSON(&in); err != nil {
		resp.Fail(c, errs.ErrInvalidRequest.WrapMsg(err.Error()))
		return nil, false
	}
	return &in, true
}

func (s *Server) apiSignup(c *gin.Context) {
	in, ok := bind[SignupReq](c)
	if !ok {
		return
	}
	u, err := s.users.Signup(c.Request.Context(), userservice.SignupParams{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
	})
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, u.Profile())
}

func (s *Server) apiLogin(c *gin.Context) {
	in, ok := bind[LoginReq](c)
	if !ok {
		return
	}
	sess, err := s.sessions.Authenticate(c.Request.Context(), in.Username, in.Password)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, sess)
}

func (s *Server) apiLogout(c *gin.Context) {
	if err := s.sessions.Revoke(c.Request.Context(), midsec.Token(c)); err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, nil)
}

func (s *Server) apiListFriends(c *gin.Context) {
	list, err := s.ListFriends(c.Request.Context(), midsec.Username(c))
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, FriendList{Friends: list})
}

func (s *Server) apiAddFriend(c *gin.Context) {
	in, ok := bind[AddFriendReq](c)
	if !ok {
		return
	}
	list, err := s.AddFriend(c.Request.Context(), midsec.Username(c), in.Username)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, FriendList{Friends: list})
}

func (s *Server) apiSearchFriends(c *gin.Context) {
	q := c.Query("q")
	list, err := s.SearchFriends(c.Request.Context(), midsec.Username(c), q)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, SearchResult{Query: q, Friends: list})
}

func (s *Server) apiSendMessage(c *gin.Context) {
	in, ok := bind[SendMessageReq](c)
	if !ok {
		return
	}
	msg, err := s.SendMessage(c.Request.Context(), midsec.Username(c), in.Friend, in.Body)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, msg)
}

func (s *Server) apiHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			resp.Fail(c, errs.ErrInvalidRequest.WrapMsg("limit must be an integer"))
			return
		}
		limit = n
	}
	key, msgs, err := s.History(c.Request.Context(), midsec.Username(c), c.Param("friend"), limit)
	if err != nil {
		resp.Fail(c, err)
		return
	}
	resp.OK(c, HistoryResult{ChannelKey: key, Messages: msgs})
}
