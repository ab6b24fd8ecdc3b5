package handlers

import "FriendChat/service/chat"

// RegisterAll 挂载全部帧处理器
func RegisterAll(s *chat.Server) {
	s.Register(
		NewSignupHandler(),
		NewLoginHandler(),
		NewAuthHandler(),
		NewLogoutHandler(),
		NewAddFriendHandler(),
		NewListFriendsHandler(),
		NewSearchFriendsHandler(),
		NewSubscribeHandler(),
		NewUnsubscribeHandler(),
		NewSendMessageHandler(),
		NewFetchHistoryHandler(),
		NewPingHandler(),
	)
}
