package model

import "time"

const (
	UserTableName = "user"

	UserFieldUsername  = "username"
	UserFieldEmail     = "email"
	UserFieldCreatedAt = "created_at"
)

// User 用户主档。Username 大小写敏感、注册后不可变；密码只存 bcrypt 哈希
type User struct {
	Username     string    `bson:"username" json:"username"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password_hash" json:"password_hash"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

func (u *User) GetTableName() string {
	return UserTableName
}

// Profile 对外展示用，不带密码哈希
type Profile struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u *User) Profile() Profile {
	return Profile{Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}
