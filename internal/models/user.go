package models

import "time"

// User is the read model of the users table owned by the user module.
type User struct {
	ID             string     `db:"id" json:"id"`
	Email          string     `db:"email" json:"email"`
	Name           string     `db:"name" json:"name"`
	Avatar         *string    `db:"avatar" json:"avatar,omitempty"`
	PasswordHash   string     `db:"password" json:"-"`
	LastLoggedInAt *time.Time `db:"last_logged_in_at" json:"last_logged_in_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// AvatarValue returns the avatar URL or an empty string.
func (u *User) AvatarValue() string {
	if u == nil || u.Avatar == nil {
		return ""
	}
	return *u.Avatar
}
