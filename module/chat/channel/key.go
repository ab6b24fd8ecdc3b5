package channel

import "strings"

// Separator 用户名里不允许出现
const Separator = ":"

func normPair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// CanonicalKey 单聊会话键：较小用户名 + ":" + 较大用户名，与参数顺序无关
func CanonicalKey(a, b string) string {
	lo, hi := normPair(a, b)
	return lo + Separator + hi
}

// Participants 从会话键拆回两个用户名
func Participants(key string) (lo, hi string, ok bool) {
	lo, hi, ok = strings.Cut(key, Separator)
	if !ok || lo == "" || hi == "" || strings.Contains(hi, Separator) || lo > hi {
		return "", "", false
	}
	return lo, hi, true
}

// IsMember 会话键是否包含该用户
func IsMember(key, username string) bool {
	lo, hi, ok := Participants(key)
	return ok && (lo == username || hi == username)
}
