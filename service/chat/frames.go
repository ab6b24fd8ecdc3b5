package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"FriendChat/middleware/resp"
	chatmodel "FriendChat/module/chat/model"
	"FriendChat/tools/decode"
	"FriendChat/tools/errs"
)

// ===== 帧类型 =====

const (
	TypeSignup        = "signup"
	TypeLogin         = "login"
	TypeAuth          = "auth"
	TypeLogout        = "logout"
	TypeAddFriend     = "add_friend"
	TypeListFriends   = "list_friends"
	TypeSearchFriends = "search_friends"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSendMessage   = "send_message"
	TypeFetchHistory  = "fetch_history"
	TypePing          = "ping"

	EventSignupResult      = "signup_result"
	EventLoginResult       = "login_result"
	EventLogoutResult      = "logout_result"
	EventFriendListUpdated = "friend_list_updated"
	EventSearchResult      = "search_result"
	EventMessageDelivered  = "message_delivered"
	EventHistoryResult     = "history_result"
	EventSubscribeResult   = "subscribe_result"
	EventUnsubscribeResult = "unsubscribe_result"
	EventSendResult        = "send_result"
	EventError             = "error"
	EventPong              = "pong"
)

// Frame 线上格式 {"type","id","data"}；id 由客户端给出，原样带回
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame type missing")
	}
	return f, nil
}

// Payload 解出 data；非对象或字段类型不符都算 InvalidRequest
func Payload[T any](f *Frame) (*T, error) {
	out, err := decode.DecodeJSON[T](f.Data)
	if err != nil {
		return nil, errs.ErrInvalidRequest.WrapMsg(err.Error(), "type", f.Type)
	}
	return out, nil
}

func Encode(typ, id string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	b, _ := json.Marshal(Frame{Type: typ, ID: id, Data: raw})
	return b
}

// ===== 入站负载 =====

type SignupReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthReq struct {
	Token string `json:"token"`
}

type AddFriendReq struct {
	Username string `json:"username"`
}

type SearchFriendsReq struct {
	Query string `json:"query"`
}

type FriendReq struct {
	Friend string `json:"friend"`
}

type SendMessageReq struct {
	Friend string `json:"friend"`
	Body   string `json:"body"`
}

type FetchHistoryReq struct {
	Friend string `json:"friend"`
	Limit  int    `json:"limit"`
}

// ===== 出站负载 =====

type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type SignupResult struct {
	Result
	Username string `json:"username,omitempty"`
}

type LoginResult struct {
	Result
	Username string     `json:"username,omitempty"`
	Token    string     `json:"token,omitempty"`
	ExpireAt *time.Time `json:"expireAt,omitempty"`
}

type FriendList struct {
	Friends []string `json:"friends"`
}

type SearchResult struct {
	Query   string   `json:"query"`
	Friends []string `json:"friends"`
}

type HistoryResult struct {
	ChannelKey string              `json:"channelKey"`
	Messages   []chatmodel.Message `json:"messages"`
}

type SubscribeResult struct {
	Result
	ChannelKey string `json:"channelKey,omitempty"`
}

type SendResult struct {
	Result
	ChannelKey     string `json:"channelKey,omitempty"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
}

func Failed(err error) Result {
	return Result{Reason: resp.ErrorOf(err).Reason}
}

var okResult = Result{OK: true}

func OKResult() Result { return okResult }
