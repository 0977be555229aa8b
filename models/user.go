package models

import (
	"fmt"
	"strings"
	"time"
)

type User struct {
	UserID     int        `gorm:"primaryKey;column:user_id" json:"user_id"`
	Username   string     `gorm:"column:username;type:varchar(64);uniqueIndex" json:"username"`
	Password   string     `gorm:"column:password" json:"-"`
	GivenName  string     `gorm:"column:given_name" json:"given_name"`
	FamilyName string     `gorm:"column:family_name" json:"family_name"`
	Email      string     `gorm:"column:email" json:"email"`
	CreateAt   *time.Time `gorm:"column:create_at;autoCreateTime" json:"create_at"`
	UpdateAt   *time.Time `gorm:"column:update_at;autoUpdateTime" json:"update_at"`
	DeleteAt   *time.Time `gorm:"column:delete_at" json:"delete_at,omitempty"`
}

// TableName overrides
func (User) TableName() string {
	return "users"
}

// FullName returns the name used in notification e-mails.
func (u User) FullName() string {
	name := strings.TrimSpace(fmt.Sprintf("%s %s", u.GivenName, u.FamilyName))
	if name == "" {
		return u.Username
	}
	return name
}
