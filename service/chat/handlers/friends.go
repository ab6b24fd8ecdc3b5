package handlers

import (
	"FriendChat/service/chat"
)

type AddFriendHandler struct{}

func NewAddFriendHandler() chat.Handler        { return &AddFriendHandler{} }
func (h *AddFriendHandler) Type() string       { return chat.TypeAddFriend }
func (h *AddFriendHandler) RequiresAuth() bool { return true }

// Handle 成功后由 Server 推 friend_list_updated 给本人所有连接，这里不再单独回包
func (h *AddFriendHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.AddFriendReq](f)
	if err != nil {
		return err
	}
	_, err = c.S.AddFriend(c.Ctx, conn.UserId, req.Username)
	return err
}

type ListFriendsHandler struct{}

func NewListFriendsHandler() chat.Handler        { return &ListFriendsHandler{} }
func (h *ListFriendsHandler) Type() string       { return chat.TypeListFriends }
func (h *ListFriendsHandler) RequiresAuth() bool { return true }

func (h *ListFriendsHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	list, err := c.S.ListFriends(c.Ctx, conn.UserId)
	if err != nil {
		return err
	}
	conn.Reply(chat.EventFriendListUpdated, f.ID, chat.FriendList{Friends: list})
	return nil
}

type SearchFriendsHandler struct{}

func NewSearchFriendsHandler() chat.Handler        { return &SearchFriendsHandler{} }
func (h *SearchFriendsHandler) Type() string       { return chat.TypeSearchFriends }
func (h *SearchFriendsHandler) RequiresAuth() bool { return true }

func (h *SearchFriendsHandler) Handle(c *chat.ChatContext, f *chat.Frame, conn *chat.WsConn) error {
	req, err := chat.Payload[chat.SearchFriendsReq](f)
	if err != nil {
		return err
	}
	list, err := c.S.SearchFriends(c.Ctx, conn.UserId, req.Query)
	if err != nil {
		return err
	}
	conn.Reply(chat.EventSearchResult, f.ID, chat.SearchResult{Query: req.Query, Friends: list})
	return nil
}
